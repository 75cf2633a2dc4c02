package abox

import (
	"context"
	"fmt"
	"math"
	"sync"

	"astrodev/pkg/link"
	"astrodev/pkg/poll"
	"astrodev/pkg/protocol/compact"

	log "github.com/sirupsen/logrus"
)

// AO is one A-Box unit. Servo moves run as the Motion operation; guide
// pulses run on the axis classes so that their state is reported per axis.
type AO struct {
	name   string
	mgr    *link.Manager
	logger log.FieldLogger
	runner *poll.Runner

	mu        sync.Mutex
	settings  Settings
	handle    *link.Handle
	client    *compact.Client
	positions [Channels]uint16
	targets   [Channels]uint16
	errors    uint16
}

func New(name string, mgr *link.Manager, settings Settings, logger log.FieldLogger) *AO {
	return &AO{
		name:     name,
		mgr:      mgr,
		settings: settings,
		logger:   logger,
		runner:   poll.NewRunner(name, logger),
	}
}

func (a *AO) Name() string {
	return a.name
}

func (a *AO) Observe(o poll.Observer) {
	a.runner.Observe(o)
}

// Configure replaces the settings. It fails while connected.
func (a *AO) Configure(s Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return fmt.Errorf("cannot reconfigure %s while connected", a.name)
	}
	a.settings = s
	return nil
}

func (a *AO) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

func (a *AO) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil && !a.handle.Broken()
}

// Connect opens the link and reads the error bits. The controller has no
// handshake; a failing GET_ERRORS fails the connection. Errors on the DEC
// or RA servo pairs put that guide axis into ALERT.
func (a *AO) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.client != nil {
		if !a.handle.Broken() {
			a.mu.Unlock()
			return nil
		}
		a.logger.Warnf("Link failed, reconnecting")
		a.handle.Close()
		a.handle, a.client = nil, nil
	}

	h, err := a.mgr.Open(ctx, a.settings.Endpoint, link.Options{
		Baud:        a.settings.Baud,
		MaxTimeouts: a.settings.MaxTimeouts,
	})
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", a.settings.Endpoint, err)
	}
	client := compact.NewClient(h, a.settings.Timing, a.logger)

	bits, err := client.GetErrors()
	if err != nil {
		h.Close()
		a.mu.Unlock()
		return fmt.Errorf("no response from %s: %w", a.settings.Endpoint, err)
	}
	a.handle, a.client = h, client
	a.errors = bits

	for ch := byte(0); ch < Channels; ch++ {
		pos, err := client.GetPosition(ch)
		if err != nil {
			a.logger.Warnf("Failed to read %s position: %v", ChannelName(ch), err)
			continue
		}
		a.positions[ch] = pos
		a.targets[ch] = pos
	}
	a.mu.Unlock()

	a.logger.Infof("Connected to %s, error bits %#04x", a.settings.Endpoint, bits)
	a.reportErrors(bits)
	return nil
}

func (a *AO) reportErrors(bits uint16) {
	for _, axis := range []struct {
		class poll.Class
		mask  uint16
	}{{GuideDec, decErrors}, {GuideRA, raErrors}} {
		if bits&axis.mask != 0 {
			a.runner.Fail(axis.class, fmt.Sprintf("controller error bits %#04x", bits&axis.mask))
		} else {
			a.runner.Finish(axis.class, "")
		}
	}
}

func (a *AO) Disconnect() error {
	a.runner.Reset()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotConnected
	}
	a.client = nil
	err := a.handle.Close()
	a.handle = nil
	a.logger.Infof("Disconnected")
	return err
}

func (a *AO) Close() {
	if a.Connected() {
		a.Disconnect()
	}
	a.runner.Close()
}

func (a *AO) State(class poll.Class) (poll.State, string) {
	return a.runner.State(class)
}

// Status returns the cached positions and targets.
func (a *AO) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Errors: a.errors}
	for ch := 0; ch < Channels; ch++ {
		st.Positions[ch] = compact.Microseconds(a.positions[ch])
		st.Targets[ch] = compact.Microseconds(a.targets[ch])
	}
	return st
}

// Position reads the position of channel ch in microseconds.
func (a *AO) Position(ch byte) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return 0, ErrNotConnected
	}
	if int(ch) >= Channels {
		return 0, fmt.Errorf("%w: channel %d", ErrOutOfRange, ch)
	}
	pos, err := a.client.GetPosition(ch)
	if err != nil {
		return 0, err
	}
	a.positions[ch] = pos
	return compact.Microseconds(pos), nil
}

// Errors reads and clears the controller error bits.
func (a *AO) Errors() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return 0, ErrNotConnected
	}
	bits, err := a.client.GetErrors()
	if err != nil {
		return 0, err
	}
	a.errors = bits
	return bits, nil
}

// SetTarget moves channel ch to us microseconds. Targets outside the servo
// travel put the motion into ALERT without writing to the controller.
func (a *AO) SetTarget(ctx context.Context, ch byte, us float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotConnected
	}
	if int(ch) >= Channels {
		a.runner.Fail(poll.Motion, fmt.Sprintf("no channel %d", ch))
		return fmt.Errorf("%w: channel %d", ErrOutOfRange, ch)
	}
	servo := a.settings.Servos[ch]
	if !servo.Contains(us) {
		a.runner.Fail(poll.Motion, fmt.Sprintf("%s target %g µs out of range %g..%g", ChannelName(ch), us, servo.Min, servo.Max))
		return fmt.Errorf("%w: %s target %g µs, travel %g..%g", ErrOutOfRange, ChannelName(ch), us, servo.Min, servo.Max)
	}

	if err := a.setTargetLocked(ch, compact.Quarters(us)); err != nil {
		a.runner.Fail(poll.Motion, err.Error())
		return err
	}
	return a.runner.Start(a.moveOperation(poll.Motion))
}

func (a *AO) setTargetLocked(ch byte, quarters uint16) error {
	if err := a.client.SetTarget(ch, quarters); err != nil {
		return fmt.Errorf("failed to set %s target: %w", ChannelName(ch), err)
	}
	a.targets[ch] = quarters
	return nil
}

// Center sends every servo to its home position and clears the alert of
// both guide axes.
func (a *AO) Center(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotConnected
	}
	if err := a.client.GoHome(); err != nil {
		a.runner.Fail(poll.Motion, err.Error())
		return fmt.Errorf("failed to center: %w", err)
	}
	for ch := 0; ch < Channels; ch++ {
		a.targets[ch] = compact.Quarters(a.settings.Servos[ch].Zero)
	}

	a.runner.Finish(GuideDec, "")
	a.runner.Finish(GuideRA, "")
	return a.runner.Start(a.moveOperation(poll.Motion))
}

// Guide tilts the optics by steps along axis. DEC moves the top servo
// against the bottom pair, RA the bottom right servo against the bottom
// left one. The sign of steps selects the direction: north and west are
// positive.
func (a *AO) Guide(ctx context.Context, axis Axis, steps int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	class := axis.class()
	if a.client == nil {
		return ErrNotConnected
	}
	if steps < -MaxGuideSteps || steps > MaxGuideSteps {
		a.runner.Fail(class, fmt.Sprintf("%d steps out of range ±%d", steps, MaxGuideSteps))
		return fmt.Errorf("%w: %d %s steps, limit ±%d", ErrOutOfRange, steps, axis, MaxGuideSteps)
	}
	if steps == 0 {
		a.runner.Finish(class, "")
		return nil
	}

	delta := float64(steps) * a.settings.GuideStep
	offsets := map[byte]float64{}
	if axis == AxisDec {
		offsets[TopCenter] = delta
		offsets[BottomRight] = -delta / 2
		offsets[BottomLeft] = -delta / 2
	} else {
		offsets[BottomRight] = delta
		offsets[BottomLeft] = -delta
	}

	targets := a.targets
	for ch, off := range offsets {
		us := compact.Microseconds(a.targets[ch]) + off
		servo := a.settings.Servos[ch]
		if !servo.Contains(us) {
			msg := fmt.Sprintf("%s would leave its travel at %g µs", ChannelName(ch), us)
			a.runner.Fail(class, msg)
			return fmt.Errorf("%w: %s", ErrOutOfRange, msg)
		}
		targets[ch] = compact.Quarters(us)
	}

	for ch := byte(0); ch < Channels; ch++ {
		if targets[ch] == a.targets[ch] {
			continue
		}
		if err := a.setTargetLocked(ch, targets[ch]); err != nil {
			a.runner.Fail(class, err.Error())
			return err
		}
	}
	a.logger.Debugf("Guide %s %d steps", axis, steps)
	return a.runner.Start(a.moveOperation(class))
}

// SetSpeed limits the speed of channel ch in 0.25 µs per 10 ms; 0 is
// unlimited.
func (a *AO) SetSpeed(ch byte, speed int) error {
	return a.setLimit(ch, speed, MaxSpeed, "speed", (*compact.Client).SetSpeed)
}

// SetAcceleration limits the acceleration of channel ch in 0.25 µs per
// 10 ms per 80 ms; 0 is unlimited.
func (a *AO) SetAcceleration(ch byte, acc int) error {
	return a.setLimit(ch, acc, MaxAcceleration, "acceleration", (*compact.Client).SetAcceleration)
}

func (a *AO) setLimit(ch byte, v, limit int, what string, set func(*compact.Client, byte, uint16) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotConnected
	}
	if int(ch) >= Channels {
		return fmt.Errorf("%w: channel %d", ErrOutOfRange, ch)
	}
	if v < 0 || v > limit {
		return fmt.Errorf("%w: %s %d, limits 0..%d", ErrOutOfRange, what, v, limit)
	}
	if err := set(a.client, ch, uint16(v)); err != nil {
		return fmt.Errorf("failed to set %s %s: %w", ChannelName(ch), what, err)
	}
	return nil
}

func (a *AO) moveOperation(class poll.Class) poll.Operation {
	return poll.Operation{
		Class:    class,
		Delay:    a.settings.MotionInterval,
		Interval: a.settings.MotionInterval,
		Timeout:  a.settings.MotionTimeout,
		Poll:     a.pollMove,
	}
}

// pollMove finishes once every servo has reached its target.
func (a *AO) pollMove(ctx context.Context) (poll.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return poll.Result{}, ErrNotConnected
	}

	arrived := true
	var worst float64
	for ch := byte(0); ch < Channels; ch++ {
		pos, err := a.client.GetPosition(ch)
		if err != nil {
			return poll.Result{}, fmt.Errorf("failed to read %s position: %w", ChannelName(ch), err)
		}
		a.positions[ch] = pos
		if pos != a.targets[ch] {
			arrived = false
			worst = math.Max(worst, math.Abs(compact.Microseconds(pos)-compact.Microseconds(a.targets[ch])))
		}
	}

	if arrived {
		return poll.Done(""), nil
	}
	a.logger.Debugf("Servos %g µs from target", worst)
	return poll.Again(), nil
}
