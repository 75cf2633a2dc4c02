package abox

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
	driverName    = "A-Box AO Driver"
	driverVersion = "1.0"

	connectTimeout = 10 * time.Second
)

// Switch ids following the three servo channels.
const (
	switchCenter = Channels + iota
	switchGuideDec
	switchGuideRA
	switchErrors

	switchCount
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// Driver exposes an AO unit as an Alpaca switch device: one switch per
// servo, plus the centre, guide and error switches.
type Driver struct {
	number int
	ao     *AO
	store  *store.Store[Config]
	tmpl   *template.Template
	logger log.FieldLogger

	mu    sync.Mutex
	state connState
}

func NewDriver(number int, ao *AO, st *store.Store[Config], tmpl *template.Template, logger log.FieldLogger) *Driver {
	return &Driver{
		number: number,
		ao:     ao,
		store:  st,
		tmpl:   tmpl,
		logger: logger,
	}
}

func (d *Driver) AO() *AO {
	return d.ao
}

func (d *Driver) Close() {
	d.logger.Info("Closing AO driver")
	if d.Connected() {
		if err := d.Disconnect(); err != nil {
			d.logger.Errorf("failed to disconnect: %v", err)
		}
	}
	d.ao.Close()
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
		return fmt.Errorf("failed to get AO config: %v", err)
	}
	if !d.ao.Connected() {
		if err := d.ao.Configure(cfg.Apply(d.ao.Settings())); err != nil {
			d.logger.Warnf("Keeping previous settings: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return d.ao.Connect(ctx)
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return nil
	}
	d.state = connStateDisconnected
	if err := d.ao.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
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
	return d.state == connStateConnected && d.ao.Connected()
}

func (d *Driver) GetState() []alpaca.StateProperty {
	props := []alpaca.StateProperty{
		{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)},
	}
	if !d.Connected() {
		return props
	}

	st := d.ao.Status()
	for ch := 0; ch < Channels; ch++ {
		props = append(props, alpaca.StateProperty{Name: ChannelName(byte(ch)), Value: st.Positions[ch]})
	}
	for _, class := range []poll.Class{poll.Motion, GuideDec, GuideRA} {
		state, _ := d.ao.State(class)
		props = append(props, alpaca.StateProperty{Name: string(class), Value: state.String()})
	}
	return props
}

func (d *Driver) DeviceInfo() alpaca.DeviceInfo {
	return alpaca.DeviceInfo{
		Name:        d.ao.Name(),
		Description: "A-Box adaptive optics tip/tilt unit",
		Type:        alpaca.DeviceTypeSwitch,
		Number:      d.number,
		UniqueID:    alpaca.UniqueID(d.ao.Name()),
	}
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 3,
	}
}

func (d *Driver) Switches() []alpaca.SwitchInfo {
	servos := d.ao.Settings().Servos

	switches := make([]alpaca.SwitchInfo, 0, switchCount)
	for ch, s := range servos {
		switches = append(switches, alpaca.SwitchInfo{
			Name:        ChannelName(byte(ch)),
			Description: fmt.Sprintf("%s servo position in µs, zero at %g", ChannelName(byte(ch)), s.Zero),
			CanWrite:    true,
			Min:         s.Min,
			Max:         s.Max,
			Step:        0.25,
		})
	}
	return append(switches,
		alpaca.SwitchInfo{Name: "Center", Description: "Send all servos home", CanWrite: true, Min: 0, Max: 1, Step: 1},
		alpaca.SwitchInfo{Name: "Guide DEC", Description: "DEC guide pulse in steps, north positive", CanWrite: true, Min: -MaxGuideSteps, Max: MaxGuideSteps, Step: 1},
		alpaca.SwitchInfo{Name: "Guide RA", Description: "RA guide pulse in steps, west positive", CanWrite: true, Min: -MaxGuideSteps, Max: MaxGuideSteps, Step: 1},
		alpaca.SwitchInfo{Name: "Errors", Description: "Controller error bits, cleared on read", Min: 0, Max: 0xFFFF, Step: 1},
	)
}

func (d *Driver) GetSwitchValue(id int) (float64, error) {
	if !d.Connected() {
		return 0, alpaca.ErrNotConnected
	}

	switch {
	case id < Channels:
		v, err := d.ao.Position(byte(id))
		return v, alpacaError(err)
	case id == switchCenter:
		state, _ := d.ao.State(poll.Motion)
		if state == poll.Busy {
			return 1, nil
		}
		return 0, nil
	case id == switchGuideDec, id == switchGuideRA:
		return 0, nil
	case id == switchErrors:
		bits, err := d.ao.Errors()
		return float64(bits), alpacaError(err)
	}
	return 0, alpaca.InvalidValue("no switch %d", id)
}

func (d *Driver) SetSwitchValue(id int, value float64) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}

	ctx := context.Background()
	switch {
	case id < Channels:
		return alpacaError(d.ao.SetTarget(ctx, byte(id), value))
	case id == switchCenter:
		if value == 0 {
			return nil
		}
		return alpacaError(d.ao.Center(ctx))
	case id == switchGuideDec:
		return alpacaError(d.ao.Guide(ctx, AxisDec, int(value)))
	case id == switchGuideRA:
		return alpacaError(d.ao.Guide(ctx, AxisRA, int(value)))
	}
	return alpaca.InvalidValue("switch %d is read only", id)
}

func alpacaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		return alpaca.ErrNotConnected
	case errors.Is(err, ErrOutOfRange):
		return alpaca.InvalidValue("%v", err)
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
		cfg, err := parseAOSetupForm(r)
		if err == nil {
			err = d.store.Set(cfg)
		}
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		d.logger.Infof("Setting AO config: %+v", cfg)

		if err := d.ao.Configure(cfg.Apply(d.ao.Settings())); err != nil {
			d.logger.Warnf("Config applies on next connect: %v", err)
		}
		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Name     string
		Channels [Channels]string
		Status   Status
		Success  bool
		Error    string
	}{cfg, d.ao.Name(), channelNames, d.ao.Status(), success, err}

	if err := d.tmpl.ExecuteTemplate(w, "ao_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

type floatField struct {
	field string
	dst   *float64
}

func parseAOSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := DefaultConfig(r.FormValue("endpoint"))

	var err error
	ints := []struct {
		field string
		dst   *int
	}{
		{"baud", &cfg.Baud},
		{"motion-interval", &cfg.MotionIntervalMS},
		{"motion-timeout", &cfg.MotionTimeoutMS},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(r.FormValue(f.field)); err != nil {
			return cfg, fmt.Errorf("invalid %s %q", f.field, r.FormValue(f.field))
		}
	}

	floats := []floatField{{"guide-step", &cfg.GuideStep}}
	for ch := range cfg.Servos {
		s := &cfg.Servos[ch]
		floats = append(floats,
			floatField{fmt.Sprintf("min-%d", ch), &s.Min},
			floatField{fmt.Sprintf("zero-%d", ch), &s.Zero},
			floatField{fmt.Sprintf("max-%d", ch), &s.Max},
		)
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(r.FormValue(f.field), 64); err != nil {
			return cfg, fmt.Errorf("invalid %s %q", f.field, r.FormValue(f.field))
		}
	}

	return cfg, cfg.Validate()
}
