package dsd

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/poll"
	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
)

const (
	driverName    = "Deep Sky Dad AF Focuser Driver"
	driverVersion = "1.0"

	connectTimeout = 30 * time.Second
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// Driver is the Alpaca focuser for one port of a controller.
type Driver struct {
	number     int
	controller *Controller
	focuser    *Focuser
	store      *store.Store[Config]
	tmpl       *template.Template
	logger     log.FieldLogger

	mu    sync.Mutex
	state connState
}

func NewDriver(number int, controller *Controller, port int, st *store.Store[Config], tmpl *template.Template, logger log.FieldLogger) (*Driver, error) {
	if port < 0 || port >= len(controller.Ports()) {
		return nil, fmt.Errorf("controller %s has no port %d", controller.Name(), port)
	}

	return &Driver{
		number:     number,
		controller: controller,
		focuser:    controller.Ports()[port],
		store:      st,
		tmpl:       tmpl,
		logger:     logger,
	}, nil
}

// Focuser returns the port driven by d.
func (d *Driver) Focuser() *Focuser {
	return d.focuser
}

func (d *Driver) Close() {
	d.logger.Info("Closing focuser driver")
	if d.Connected() {
		if err := d.Disconnect(); err != nil {
			d.logger.Errorf("failed to disconnect: %v", err)
		}
	}
}

func (d *Driver) Connect() error {
	d.mu.Lock()
	if d.state == connStateConnecting {
		d.mu.Unlock()
		return alpaca.InvalidOperation("connection in progress")
	}
	d.state = connStateConnecting
	d.mu.Unlock()

	err := d.connect()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = connStateDisconnected
		return err
	}
	d.state = connStateConnected
	return nil
}

func (d *Driver) connect() error {
	cfg, err := d.store.Get()
	if err != nil {
		return fmt.Errorf("failed to get focuser config: %v", err)
	}

	if !d.focuser.Connected() {
		if err := d.focuser.Configure(d.controller.Settings(cfg)); err != nil {
			d.logger.Warnf("Keeping previous settings: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := d.focuser.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect focuser: %w", err)
	}
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return nil
	}
	d.state = connStateDisconnected
	if err := d.focuser.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (d *Driver) Connecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnecting
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnected && d.focuser.Connected()
}

func (d *Driver) GetState() []alpaca.StateProperty {
	props := []alpaca.StateProperty{
		{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)},
	}
	if d.Connected() {
		props = append(props, d.Status().ToProperties()...)
	}
	return props
}

func (d *Driver) DeviceInfo() alpaca.DeviceInfo {
	info := d.focuser.Info()
	description := "Deep Sky Dad AF focuser"
	if info.Board != "" {
		description = fmt.Sprintf("%s firmware %s", info.Board, info.Firmware)
	}

	return alpaca.DeviceInfo{
		Name:        d.focuser.Name(),
		Description: description,
		Type:        alpaca.DeviceTypeFocuser,
		Number:      d.number,
		UniqueID:    alpaca.UniqueID(d.focuser.Name()),
	}
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 3,
	}
}

func (d *Driver) Capabilities() alpaca.FocuserCapabilities {
	return alpaca.FocuserCapabilities{
		Absolute:          true,
		MaxIncrement:      d.focuser.MaxStep(),
		MaxStep:           d.focuser.Status().MaxPosition,
		TempCompAvailable: d.focuser.TemperatureAvailable(),
	}
}

func (d *Driver) Status() alpaca.FocuserStatus {
	st := d.focuser.Status()
	return alpaca.FocuserStatus{
		IsMoving:    d.focuser.MotionState() == poll.Busy,
		Position:    st.Position,
		TempComp:    st.AutoMode,
		Temperature: st.Temperature,
	}
}

func (d *Driver) SetTempComp(on bool) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	if !d.focuser.TemperatureAvailable() {
		return alpaca.ErrPropertyNotImplemented
	}

	d.focuser.SetMode(on)

	cfg, err := d.store.Get()
	if err != nil {
		return err
	}
	cfg.AutoMode = on
	return d.store.Set(cfg)
}

func (d *Driver) Move(position int) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	return alpacaError(d.focuser.MoveTo(context.Background(), position))
}

func (d *Driver) Halt() error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	return alpacaError(d.focuser.Abort(context.Background()))
}

// alpacaError maps focuser errors to their Alpaca equivalents.
func alpacaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		return alpaca.ErrNotConnected
	case errors.Is(err, ErrOutOfRange):
		return alpaca.InvalidValue("%v", err)
	case errors.Is(err, ErrUnsupported):
		return alpaca.ErrNotImplemented
	}
	return err
}

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.Get()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseFocuserSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		if err := d.store.Set(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		d.logger.Infof("Setting focuser config: %+v", cfg)

		if err := d.applyConnected(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		if err := d.controller.Configure(d.controller.Settings(cfg)); err != nil {
			d.logger.Warnf("Config applies on next connect: %v", err)
		}
		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyConnected pushes the settings that can change while connected.
func (d *Driver) applyConnected(cfg Config) error {
	if !d.focuser.Connected() {
		return nil
	}
	if err := d.focuser.SetCompensation(cfg.Coefficient); err != nil {
		return err
	}
	d.focuser.SetMode(cfg.AutoMode)
	if cfg.Reverse != d.focuser.Status().Reverse {
		return d.focuser.SetReverse(cfg.Reverse)
	}
	return nil
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Name    string
		Info    Info
		Status  Status
		Success bool
		Error   string
	}{cfg, d.focuser.Name(), d.focuser.Info(), d.focuser.Status(), success, err}

	if err := d.tmpl.ExecuteTemplate(w, "focuser_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseFocuserSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Endpoint = r.FormValue("endpoint")
	cfg.Model = Model(r.FormValue("model"))
	cfg.Reverse = r.FormValue("reverse") == "true"
	cfg.AutoMode = r.FormValue("auto-mode") == "true"

	var err error
	ints := []struct {
		field string
		dst   *int
	}{
		{"baud", &cfg.Baud},
		{"settle", &cfg.SettleMS},
		{"max-step", &cfg.MaxStep},
		{"motion-interval", &cfg.MotionIntervalMS},
		{"temperature-interval", &cfg.TemperatureIntervalMS},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(r.FormValue(f.field)); err != nil {
			return cfg, fmt.Errorf("invalid %s %q", f.field, r.FormValue(f.field))
		}
	}
	if cfg.Coefficient, err = strconv.ParseFloat(r.FormValue("coefficient"), 64); err != nil {
		return cfg, fmt.Errorf("invalid coefficient %q", r.FormValue("coefficient"))
	}

	return cfg, cfg.Validate()
}
