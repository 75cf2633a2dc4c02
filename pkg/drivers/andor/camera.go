package andor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"astrodev/pkg/poll"

	log "github.com/sirupsen/logrus"
)

// Image is one read-out frame.
type Image struct {
	Frame    Frame
	BitDepth int
	Exposure time.Duration
	Dark     bool
	Time     time.Time
	Pixels   []uint16
}

// Width returns the binned image width.
func (img Image) Width() int {
	return img.Frame.Width / img.Frame.BinX
}

// Height returns the binned image height.
func (img Image) Height() int {
	return img.Frame.Height / img.Frame.BinY
}

// FrameSink receives every frame a camera reads out.
type FrameSink interface {
	WriteFrame(camera string, img Image) error
}

// Status is the cached state of a camera.
type Status struct {
	Temperature float64
	Target      float64
	CoolerOn    bool

	Exposing bool
	Started  time.Time
	Exposure time.Duration
}

type exposurePhase int

const (
	phaseLead exposurePhase = iota
	phaseRead
)

// Camera is one head behind a Library. Exposures run as the Exposure
// operation; the temperature is a monitor on the Temperature class which
// stays quiet while an exposure is close to its end.
type Camera struct {
	name   string
	lib    *Library
	sink   FrameSink
	logger log.FieldLogger
	runner *poll.Runner

	mu         sync.Mutex
	settings   Settings
	connected  bool
	detector   Detector
	features   Features
	minTemp    int
	maxTemp    int
	frame      Frame
	status     Status
	acq        Acquisition
	phase      exposurePhase
	suppressed bool
}

func New(name string, lib *Library, sink FrameSink, settings Settings, logger log.FieldLogger) *Camera {
	return &Camera{
		name:     name,
		lib:      lib,
		sink:     sink,
		settings: settings,
		logger:   logger,
		runner:   poll.NewRunner(name, logger),
	}
}

func (c *Camera) Name() string {
	return c.name
}

func (c *Camera) Observe(o poll.Observer) {
	c.runner.Observe(o)
}

// Configure replaces the settings. It fails while connected.
func (c *Camera) Configure(s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("cannot reconfigure %s while connected", c.name)
	}
	c.settings = s
	return nil
}

func (c *Camera) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Camera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Camera) do(fn func(SDK) error) error {
	return c.lib.Do(c.settings.Handle, fn)
}

// Connect initializes the head, reads the detector and cooler state and
// starts the temperature monitor.
func (c *Camera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	minTemp, maxTemp := DefaultMinTemperature, DefaultMaxTemperature
	var (
		det      Detector
		features Features
		coolerOn bool
	)
	err := c.do(func(sdk SDK) error {
		if err := sdk.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		var err error
		if det, err = sdk.Detector(); err != nil {
			sdk.Shutdown()
			return fmt.Errorf("failed to read detector: %w", err)
		}
		if features, err = sdk.Features(); err != nil {
			c.logger.Warnf("Failed to read capabilities: %v", err)
		}
		if features.SetTemperature {
			if lo, hi, err := sdk.TemperatureRange(); err == nil {
				minTemp, maxTemp = lo, hi
			} else {
				c.logger.Warnf("Failed to read temperature range, using %d..%d: %v", minTemp, maxTemp, err)
			}
		}
		if coolerOn, err = sdk.IsCoolerOn(); err != nil {
			c.logger.Warnf("Failed to read cooler state: %v", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to camera %d: %w", c.settings.Handle, err)
	}

	c.detector = det
	c.features = features
	c.minTemp, c.maxTemp = minTemp, maxTemp
	c.frame = Frame{Width: det.Width, Height: det.Height, BinX: 1, BinY: 1}
	c.status = Status{Target: float64(maxTemp), CoolerOn: coolerOn}
	c.suppressed = false
	c.connected = true

	c.logger.Infof("Connected to %s #%d, %dx%d", det.Model, det.Serial, det.Width, det.Height)

	if !features.GetTemperature {
		return nil
	}
	return c.runner.Start(c.temperatureOperation(c.settings.TemperatureDelay))
}

// Disconnect stops the polls, aborts a running exposure and shuts the head
// down.
func (c *Camera) Disconnect() error {
	c.runner.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	c.connected = false
	c.suppressed = false
	exposing := c.status.Exposing
	c.status.Exposing = false

	err := c.do(func(sdk SDK) error {
		if exposing {
			if err := sdk.AbortAcquisition(); err != nil {
				c.logger.Warnf("Failed to abort acquisition: %v", err)
			}
		}
		return sdk.Shutdown()
	})
	c.logger.Infof("Disconnected")
	return err
}

func (c *Camera) Close() {
	if c.Connected() {
		c.Disconnect()
	}
	c.runner.Close()
}

func (c *Camera) State(class poll.Class) (poll.State, string) {
	return c.runner.State(class)
}

func (c *Camera) Detector() Detector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detector
}

func (c *Camera) Features() Features {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

// TemperatureRange returns the accepted cooler targets.
func (c *Camera) TemperatureRange() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minTemp, c.maxTemp
}

// Status returns the cached state. An exposure that failed or timed out
// is no longer exposing.
func (c *Camera) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.status
	st.Exposing = st.Exposing && c.runner.Active(poll.Exposure)
	return st
}

func (c *Camera) Frame() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// SetFrame selects the readout region for the next exposures.
func (c *Camera) SetFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	switch {
	case f.BinX < 1 || f.BinY < 1:
		return fmt.Errorf("%w: binning %dx%d", ErrOutOfRange, f.BinX, f.BinY)
	case f.X < 0 || f.Y < 0 || f.Width < f.BinX || f.Height < f.BinY:
		return fmt.Errorf("%w: frame %dx%d at %d,%d", ErrOutOfRange, f.Width, f.Height, f.X, f.Y)
	case f.X+f.Width > c.detector.Width || f.Y+f.Height > c.detector.Height:
		return fmt.Errorf("%w: frame exceeds the %dx%d sensor", ErrOutOfRange, c.detector.Width, c.detector.Height)
	}
	c.frame = f
	return nil
}

// StartExposure starts a single image. Exposures longer than the lead run
// in two phases: the first one suppresses the temperature polls for the
// last lead of the exposure, the second one reads the frame. Heads without
// temperature readout during acquisition are suppressed from the start.
func (c *Camera) StartExposure(ctx context.Context, duration time.Duration, dark bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.runner.Active(poll.Exposure) {
		return ErrBusy
	}
	if duration < 0 || duration > c.settings.MaxExposure {
		err := fmt.Errorf("%w: exposure %s, max %s", ErrOutOfRange, duration, c.settings.MaxExposure)
		c.runner.Fail(poll.Exposure, err.Error())
		return err
	}

	acq := Acquisition{Exposure: duration, Dark: dark, Frame: c.frame}
	if err := c.do(func(sdk SDK) error { return sdk.StartAcquisition(acq) }); err != nil {
		err = fmt.Errorf("failed to start exposure: %w", err)
		c.runner.Fail(poll.Exposure, err.Error())
		return err
	}

	c.acq = acq
	c.status.Exposing = true
	c.status.Started = time.Now()
	c.status.Exposure = duration

	op := poll.Operation{
		Class:    poll.Exposure,
		Interval: c.settings.ReadInterval,
		Timeout:  duration + c.settings.ReadTimeout,
		Poll:     c.pollExposure,
		Failed:   c.exposureFailed,
	}
	if duration > c.settings.Lead {
		c.phase = phaseLead
		c.suppressed = !c.features.TemperatureDuringAcquisition
		op.Delay = duration - c.settings.Lead
	} else {
		c.phase = phaseRead
		c.suppressed = true
		op.Delay = duration
	}
	c.logger.Debugf("Exposing %s, dark %t", duration, dark)
	return c.runner.Start(op)
}

func (c *Camera) pollExposure(ctx context.Context) (poll.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Aborted while waiting for mu.
	if !c.connected || !c.runner.Active(poll.Exposure) {
		return poll.Again(), nil
	}

	if c.phase == phaseLead {
		c.phase = phaseRead
		c.suppressed = true
		return poll.After(c.settings.Lead), nil
	}

	var status AcquisitionStatus
	if err := c.do(func(sdk SDK) (err error) {
		status, err = sdk.Status()
		return err
	}); err != nil {
		c.endExposure()
		return poll.Result{}, fmt.Errorf("failed to read acquisition status: %w", err)
	}
	if status == StatusAcquiring {
		return poll.Again(), nil
	}

	var pixels []uint16
	err := c.do(func(sdk SDK) (err error) {
		pixels, err = sdk.AcquiredData(c.acq.Frame.Pixels())
		return err
	})
	c.endExposure()
	if err != nil {
		return poll.Result{}, fmt.Errorf("failed to read frame: %w", err)
	}

	img := Image{
		Frame:    c.acq.Frame,
		BitDepth: c.detector.BitDepth,
		Exposure: c.acq.Exposure,
		Dark:     c.acq.Dark,
		Time:     c.status.Started,
		Pixels:   pixels,
	}
	if c.sink != nil {
		if err := c.sink.WriteFrame(c.name, img); err != nil {
			return poll.Result{}, fmt.Errorf("failed to store frame: %w", err)
		}
	}
	return poll.Done(fmt.Sprintf("%dx%d", img.Width(), img.Height())), nil
}

// exposureFailed stops the head after a failed or timed out readout so
// that the next exposure can start.
func (c *Camera) exposureFailed(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A new exposure started in the meantime.
	if !c.connected || c.runner.Active(poll.Exposure) {
		return
	}
	c.endExposure()
	if err := c.do(func(sdk SDK) error { return sdk.AbortAcquisition() }); err != nil {
		c.logger.Warnf("Failed to stop acquisition after %q: %v", msg, err)
	}
}

// endExposure is called with mu held.
func (c *Camera) endExposure() {
	c.status.Exposing = false
	c.suppressed = false
}

// AbortExposure stops a running exposure. The exposure ends OK.
func (c *Camera) AbortExposure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	c.runner.Cancel(poll.Exposure)
	c.endExposure()

	if err := c.do(func(sdk SDK) error { return sdk.AbortAcquisition() }); err != nil {
		err = fmt.Errorf("failed to abort exposure: %w", err)
		c.runner.Fail(poll.Exposure, err.Error())
		return err
	}
	c.runner.Abort(poll.Exposure, "aborted")
	return nil
}

// temperatureSuppressed reports whether an exposure is in its quiet
// phase. Called with mu held.
func (c *Camera) temperatureSuppressed() bool {
	return c.suppressed && c.runner.Active(poll.Exposure)
}

func (c *Camera) temperatureOperation(delay time.Duration) poll.Operation {
	return poll.Operation{
		Class:    poll.Temperature,
		Delay:    delay,
		Interval: c.settings.TemperatureInterval,
		Poll:     c.pollTemperature,
	}
}

// pollTemperature is a monitor: BUSY while the cooler is on and the
// temperature has not stabilized, OK otherwise, ALERT when the read fails.
func (c *Camera) pollTemperature(ctx context.Context) (poll.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.temperatureSuppressed() {
		state, msg := c.runner.State(poll.Temperature)
		return poll.Continue(state, msg), nil
	}

	var (
		temp   float64
		status TemperatureStatus
	)
	if err := c.do(func(sdk SDK) (err error) {
		temp, status, err = sdk.Temperature()
		return err
	}); err != nil {
		c.logger.Errorf("Failed to read temperature: %v", err)
		return poll.Continue(poll.Alert, err.Error()), nil
	}

	temp = math.Round(temp*10) / 10
	c.status.Temperature = temp

	state := poll.OK
	if c.status.CoolerOn && status != TempStabilized {
		state = poll.Busy
	}
	return poll.Continue(state, fmt.Sprintf("%.1f", temp)), nil
}

// SetCooler switches the cooler. Switching it on drives the head to the
// target temperature and restarts the monitor in BUSY.
func (c *Camera) SetCooler(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if !c.features.SetTemperature {
		return ErrUnsupported
	}

	target := int(math.Round(c.status.Target))
	err := c.do(func(sdk SDK) error {
		if !on {
			return sdk.CoolerOff()
		}
		if err := sdk.CoolerOn(); err != nil {
			return err
		}
		return sdk.SetTemperature(target)
	})
	if err != nil {
		err = fmt.Errorf("failed to switch cooler: %w", err)
		c.runner.Fail(poll.Cooling, err.Error())
		return err
	}

	c.status.CoolerOn = on
	if !on {
		c.runner.Finish(poll.Cooling, "off")
		return nil
	}
	c.runner.Finish(poll.Cooling, "on")
	return c.restartMonitor()
}

// SetTargetTemperature sets the cooler target in °C.
func (c *Camera) SetTargetTemperature(celsius float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if !c.features.SetTemperature {
		return ErrUnsupported
	}
	if celsius < float64(c.minTemp) || celsius > float64(c.maxTemp) {
		err := fmt.Errorf("%w: %.1f °C outside %d..%d", ErrOutOfRange, celsius, c.minTemp, c.maxTemp)
		c.runner.Fail(poll.Cooling, err.Error())
		return err
	}

	if err := c.do(func(sdk SDK) error { return sdk.SetTemperature(int(math.Round(celsius))) }); err != nil {
		err = fmt.Errorf("failed to set temperature: %w", err)
		c.runner.Fail(poll.Cooling, err.Error())
		return err
	}
	c.status.Target = celsius
	c.runner.Finish(poll.Cooling, fmt.Sprintf("%.1f", celsius))

	if c.status.CoolerOn {
		return c.restartMonitor()
	}
	return nil
}

// restartMonitor is called with mu held.
func (c *Camera) restartMonitor() error {
	if !c.features.GetTemperature {
		return nil
	}
	return c.runner.Start(c.temperatureOperation(c.settings.TemperatureInterval))
}

// ImageBuffer is a FrameSink keeping the last frame of every camera.
type ImageBuffer struct {
	mu     sync.Mutex
	images map[string]Image
}

func NewImageBuffer() *ImageBuffer {
	return &ImageBuffer{images: make(map[string]Image)}
}

func (b *ImageBuffer) WriteFrame(camera string, img Image) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[camera] = img
	return nil
}

// Last returns the last frame of camera.
func (b *ImageBuffer) Last(camera string) (Image, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[camera]
	return img, ok
}

// Clear drops the frame of camera.
func (b *ImageBuffer) Clear(camera string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.images, camera)
}
