package andor

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"math"
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
	driverName    = "Andor CCD Driver"
	driverVersion = "1.0"

	connectTimeout = 30 * time.Second
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// Driver exposes a camera as an Alpaca camera device.
type Driver struct {
	number int
	camera *Camera
	images *ImageBuffer
	store  *store.Store[Config]
	tmpl   *template.Template
	logger log.FieldLogger

	mu    sync.Mutex
	state connState
}

// NewDriver returns the driver of camera, whose frames are written to images.
func NewDriver(number int, camera *Camera, images *ImageBuffer, st *store.Store[Config], tmpl *template.Template, logger log.FieldLogger) *Driver {
	return &Driver{
		number: number,
		camera: camera,
		images: images,
		store:  st,
		tmpl:   tmpl,
		logger: logger,
	}
}

func (d *Driver) Camera() *Camera {
	return d.camera
}

func (d *Driver) Close() {
	d.logger.Info("Closing camera driver")
	if d.Connected() {
		if err := d.Disconnect(); err != nil {
			d.logger.Errorf("failed to disconnect: %v", err)
		}
	}
	d.camera.Close()
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
		return fmt.Errorf("failed to get camera config: %v", err)
	}
	if !d.camera.Connected() {
		if err := d.camera.Configure(cfg.Apply(d.camera.Settings())); err != nil {
			d.logger.Warnf("Keeping previous settings: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := d.camera.Connect(ctx); err != nil {
		return err
	}
	d.applyConnected(cfg)
	return nil
}

// applyConnected pushes the binning and cooler target of cfg to the
// connected camera.
func (d *Driver) applyConnected(cfg Config) {
	det := d.camera.Detector()
	frame := Frame{Width: det.Width, Height: det.Height, BinX: cfg.Bin, BinY: cfg.Bin}
	if err := d.camera.SetFrame(frame); err != nil {
		d.logger.Warnf("Failed to set binning %d: %v", cfg.Bin, err)
	}

	if !d.camera.Features().SetTemperature {
		return
	}
	lo, hi := d.camera.TemperatureRange()
	target := math.Max(float64(lo), math.Min(float64(hi), cfg.Target))
	if err := d.camera.SetTargetTemperature(target); err != nil {
		d.logger.Warnf("Failed to set target temperature: %v", err)
	}
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return nil
	}
	d.state = connStateDisconnected
	if err := d.camera.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
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
	return d.state == connStateConnected && d.camera.Connected()
}

func (d *Driver) GetState() []alpaca.StateProperty {
	props := []alpaca.StateProperty{
		{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)},
	}
	if !d.Connected() {
		return props
	}
	return append(props, d.Status().ToProperties()...)
}

func (d *Driver) DeviceInfo() alpaca.DeviceInfo {
	return alpaca.DeviceInfo{
		Name:        d.camera.Name(),
		Description: "Andor CCD camera",
		Type:        alpaca.DeviceTypeCamera,
		Number:      d.number,
		UniqueID:    alpaca.UniqueID(d.camera.Name()),
	}
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 3,
	}
}

func (d *Driver) Capabilities() alpaca.CameraCapabilities {
	det := d.camera.Detector()
	return alpaca.CameraCapabilities{
		CameraXSize:          det.Width,
		CameraYSize:          det.Height,
		PixelSizeX:           det.PixelX,
		PixelSizeY:           det.PixelY,
		MaxADU:               1<<det.BitDepth - 1,
		ExposureMin:          0,
		ExposureMax:          d.camera.Settings().MaxExposure.Seconds(),
		CanAbortExposure:     true,
		CanSetCCDTemperature: d.camera.Features().SetTemperature,
		SensorName:           det.Model,
	}
}

func (d *Driver) Status() alpaca.CameraStatus {
	st := d.camera.Status()
	_, ready := d.images.Last(d.camera.Name())

	status := alpaca.CameraStatus{
		State:             alpaca.CameraIdle,
		CCDTemperature:    st.Temperature,
		CoolerOn:          st.CoolerOn,
		SetCCDTemperature: st.Target,
		ImageReady:        ready && !st.Exposing,
	}
	if status.ImageReady {
		status.PercentCompleted = 100
	}

	exposure, _ := d.camera.State(poll.Exposure)
	switch {
	case st.Exposing:
		elapsed := time.Since(st.Started)
		status.State = alpaca.CameraReading
		status.PercentCompleted = 100
		if elapsed < st.Exposure {
			status.State = alpaca.CameraExposing
			status.PercentCompleted = int(100 * elapsed / st.Exposure)
		}
	case exposure == poll.Alert:
		status.State = alpaca.CameraError
	}
	return status
}

func (d *Driver) StartExposure(duration float64, light bool) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	if d.camera.Status().Exposing {
		return alpacaError(ErrBusy)
	}
	d.images.Clear(d.camera.Name())
	exposure := time.Duration(duration * float64(time.Second))
	return alpacaError(d.camera.StartExposure(context.Background(), exposure, !light))
}

func (d *Driver) AbortExposure() error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	return alpacaError(d.camera.AbortExposure(context.Background()))
}

func (d *Driver) SetCoolerOn(on bool) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	return alpacaError(d.camera.SetCooler(on))
}

func (d *Driver) SetCCDTemperature(celsius float64) error {
	if !d.Connected() {
		return alpaca.ErrNotConnected
	}
	return alpacaError(d.camera.SetTargetTemperature(celsius))
}

// ImageArray returns the last frame indexed [x][y].
func (d *Driver) ImageArray() ([][]int32, error) {
	if !d.Connected() {
		return nil, alpaca.ErrNotConnected
	}
	img, ok := d.images.Last(d.camera.Name())
	if !ok || d.camera.Status().Exposing {
		return nil, alpaca.InvalidOperation("no image available")
	}

	w, h := img.Width(), img.Height()
	arr := make([][]int32, w)
	for x := range arr {
		arr[x] = make([]int32, h)
		for y := range arr[x] {
			arr[x][y] = int32(img.Pixels[y*w+x])
		}
	}
	return arr, nil
}

func alpacaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		return alpaca.ErrNotConnected
	case errors.Is(err, ErrOutOfRange):
		return alpaca.InvalidValue("%v", err)
	case errors.Is(err, ErrBusy):
		return alpaca.InvalidOperation("%v", err)
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
		cfg, err := parseCameraSetupForm(r)
		if err == nil {
			err = d.store.Set(cfg)
		}
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		d.logger.Infof("Setting camera config: %+v", cfg)

		if d.Connected() {
			d.applyConnected(cfg)
		} else if err := d.camera.Configure(cfg.Apply(d.camera.Settings())); err != nil {
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
		Detector Detector
		Status   Status
		Success  bool
		Error    string
	}{cfg, d.camera.Name(), d.camera.Detector(), d.camera.Status(), success, err}

	if err := d.tmpl.ExecuteTemplate(w, "camera_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseCameraSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	var cfg Config
	var err error
	fields := []struct {
		field string
		dst   *int
	}{
		{"handle", &cfg.Handle},
		{"bin", &cfg.Bin},
		{"lead", &cfg.LeadMS},
		{"read-timeout", &cfg.ReadTimeoutS},
		{"temperature-interval", &cfg.TemperatureIntervalMS},
		{"max-exposure", &cfg.MaxExposureS},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.Atoi(r.FormValue(f.field)); err != nil {
			return cfg, fmt.Errorf("invalid %s %q", f.field, r.FormValue(f.field))
		}
	}
	if cfg.Target, err = strconv.ParseFloat(r.FormValue("target"), 64); err != nil {
		return cfg, fmt.Errorf("invalid target %q", r.FormValue("target"))
	}

	return cfg, cfg.Validate()
}
