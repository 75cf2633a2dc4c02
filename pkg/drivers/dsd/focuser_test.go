package dsd

import (
	"context"
	"testing"
	"time"

	"astrodev/pkg/link"
	"astrodev/pkg/poll"
	"astrodev/pkg/protocol/bracket"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "sim://af3"

var fastTiming = bracket.Timing{
	Quiescence: time.Millisecond,
	FirstByte:  50 * time.Millisecond,
	InterByte:  5 * time.Millisecond,
	MaxLen:     64,
}

func testSettings() Settings {
	s := DefaultSettings
	s.Endpoint = testEndpoint
	s.Settle = 0
	s.MotionInterval = 5 * time.Millisecond
	s.TemperatureDelay = 5 * time.Millisecond
	s.TemperatureInterval = 10 * time.Millisecond
	s.Timing = fastTiming
	return s
}

func newTestManager(t *testing.T, fw *Firmware) *link.Manager {
	t.Helper()
	mgr := link.NewManager(t.TempDir(), log.WithField("test", t.Name()))
	mgr.Register("sim", fw.Dial)
	t.Cleanup(mgr.Close)
	return mgr
}

func connectFocuser(t *testing.T, fw *Firmware, s Settings) *Focuser {
	t.Helper()
	f := NewFocuser("Test", newTestManager(t, fw), s, log.WithField("test", t.Name()))
	t.Cleanup(f.Close)
	require.NoError(t, f.Connect(context.Background()))
	return f
}

func motionIs(f *Focuser, want poll.State) func() bool {
	return func() bool { return f.MotionState() == want }
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		board   string
		version int
	}{
		{"DeepSkyDad.AF1", 1},
		{"DeepSkyDad.AF2", 2},
		{"DeepSkyDad.AF3", 3},
		{"Unknown", 0},
	}

	for _, tt := range tests {
		t.Run(tt.board, func(t *testing.T) {
			info := parseInfo(map[string]string{"Board": tt.board, "Version": "1.2.3"})
			assert.Equal(t, tt.version, info.Version)
			assert.Equal(t, "1.2.3", info.Firmware)
		})
	}
}

func TestConnectReadsController(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())

	assert.True(t, f.Connected())
	assert.Equal(t, Info{Board: "DeepSkyDad.AF3", Firmware: "1.3.0", Version: 3}, f.Info())

	st := f.Status()
	assert.Equal(t, 50000, st.Position)
	assert.Equal(t, 100000, st.MaxPosition)
	assert.Equal(t, 3, st.Speed)
	assert.Equal(t, 8, st.StepMode)
	assert.True(t, f.TemperatureAvailable())
	assert.Eventually(t, motionIs(f, poll.OK), time.Second, time.Millisecond)
}

func TestMoveTo(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())
	require.Eventually(t, motionIs(f, poll.OK), time.Second, time.Millisecond)

	require.NoError(t, f.MoveTo(context.Background(), 51000))
	assert.Eventually(t, motionIs(f, poll.OK), 2*time.Second, time.Millisecond)

	assert.Equal(t, 51000, fw.Position())
	assert.Equal(t, 51000, f.Status().Position)
	_, msg := f.State(poll.Motion)
	assert.Equal(t, "51000", msg)
}

func TestMoveToOutOfRange(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())

	err := f.MoveTo(context.Background(), 200000)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, poll.Alert, f.MotionState())
	assert.Equal(t, 50000, fw.Position())
}

func TestMoveToCurrentPosition(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())
	require.Eventually(t, motionIs(f, poll.OK), time.Second, time.Millisecond)

	require.NoError(t, f.MoveTo(context.Background(), 50000))
	assert.Equal(t, poll.OK, f.MotionState())
	assert.False(t, fw.Moving())
}

func TestMoveSteps(t *testing.T) {
	tests := []struct {
		name   string
		inward bool
		steps  int
		want   int
	}{
		{"outward", false, 500, 50500},
		{"inward", true, 500, 49500},
		{"clamped at zero", true, 60000, 0},
		{"clamped at max", false, 60000, 100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
			fw.Rate = 20000
			f := connectFocuser(t, fw, testSettings())

			require.NoError(t, f.MoveSteps(context.Background(), tt.inward, tt.steps))
			assert.Equal(t, tt.want, f.Status().Target)
			assert.Eventually(t, motionIs(f, poll.OK), 2*time.Second, time.Millisecond)
			assert.Equal(t, tt.want, fw.Position())
		})
	}
}

func TestMoveStepsBeyondMaxStep(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	s := testSettings()
	s.MaxStep = 1000
	f := connectFocuser(t, fw, s)

	assert.ErrorIs(t, f.MoveSteps(context.Background(), false, 1001), ErrOutOfRange)
	assert.Equal(t, poll.Alert, f.MotionState())
}

func TestAbort(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.Rate = 1
	s := testSettings()
	s.MotionInterval = time.Hour
	f := connectFocuser(t, fw, s)

	require.NoError(t, f.MoveTo(context.Background(), 60000))
	assert.Equal(t, poll.Busy, f.MotionState())
	assert.True(t, fw.Moving())

	require.NoError(t, f.Abort(context.Background()))
	assert.False(t, fw.Moving())

	state, msg := f.State(poll.Motion)
	assert.Equal(t, poll.OK, state)
	assert.Equal(t, "aborted", msg)
	assert.Equal(t, f.Status().Position, f.Status().Target)
}

func TestSync(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())

	require.NoError(t, f.Sync(context.Background(), 12345))
	assert.Equal(t, 12345, fw.Position())
	assert.Equal(t, 12345, f.Status().Position)
	assert.Equal(t, poll.OK, f.MotionState())

	assert.ErrorIs(t, f.Sync(context.Background(), -1), ErrOutOfRange)
}

func TestTemperatureMonitor(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.SetTemperature(12.5)
	f := connectFocuser(t, fw, testSettings())

	assert.Eventually(t, func() bool {
		st, msg := f.State(poll.Temperature)
		return st == poll.OK && msg == "12.50"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 12.5, f.Status().Temperature)

	fw.SetTemperature(-127)
	assert.Eventually(t, func() bool {
		st, _ := f.State(poll.Temperature)
		return st == poll.Idle
	}, time.Second, time.Millisecond)

	fw.SetTemperature(8)
	assert.Eventually(t, func() bool {
		st, msg := f.State(poll.Temperature)
		return st == poll.OK && msg == "8.00"
	}, time.Second, time.Millisecond)
}

func TestAutomaticCompensation(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.Rate = 1000
	fw.SetTemperature(20)
	s := testSettings()
	s.Coefficient = 100
	s.AutoMode = true
	f := connectFocuser(t, fw, s)
	require.Eventually(t, motionIs(f, poll.OK), time.Second, time.Millisecond)

	fw.SetTemperature(22)
	assert.Eventually(t, func() bool {
		return fw.Position() == 50200 && !fw.Moving()
	}, 2*time.Second, time.Millisecond)
}

func TestManualModeDoesNotCompensate(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.SetTemperature(20)
	s := testSettings()
	s.Coefficient = 100
	f := connectFocuser(t, fw, s)

	fw.SetTemperature(25)
	require.Eventually(t, func() bool {
		_, msg := f.State(poll.Temperature)
		return msg == "25.00"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 50000, fw.Position())
}

func TestAF1HasNoTemperature(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF1", "1.0.0")
	f := connectFocuser(t, fw, testSettings())

	assert.False(t, f.TemperatureAvailable())
	time.Sleep(30 * time.Millisecond)
	st, _ := f.State(poll.Temperature)
	assert.Equal(t, poll.Idle, st)
}

func TestDisconnect(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())

	require.NoError(t, f.Disconnect())
	assert.False(t, f.Connected())
	assert.Equal(t, poll.Idle, f.MotionState())
	assert.ErrorIs(t, f.MoveTo(context.Background(), 100), ErrNotConnected)
	assert.ErrorIs(t, f.Disconnect(), ErrNotConnected)
}

func TestConnectSilentController(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.SetSilent(true)
	f := NewFocuser("Test", newTestManager(t, fw), testSettings(), log.WithField("test", t.Name()))
	t.Cleanup(f.Close)

	assert.Error(t, f.Connect(context.Background()))
	assert.False(t, f.Connected())
}

func TestSetters(t *testing.T) {
	tests := []struct {
		name    string
		board   string
		set     func(f *Focuser) error
		wantErr error
	}{
		{"speed", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetSpeed(5) }, nil},
		{"speed above AF2 limit", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetSpeed(4) }, ErrOutOfRange},
		{"step mode", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetStepMode(256) }, nil},
		{"step mode not a power of two", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetStepMode(6) }, ErrOutOfRange},
		{"step mode above AF2 limit", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetStepMode(16) }, ErrOutOfRange},
		{"coils mode", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetCoilsMode(CoilsTimeout) }, nil},
		{"coils mode on AF3", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetCoilsMode(CoilsAlwaysOn) }, ErrUnsupported},
		{"currents", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetCurrents(75, 25) }, nil},
		{"current below AF2 limit", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetCurrents(5, 25) }, ErrOutOfRange},
		{"multiplier on AF3", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetCurrents(5, 1) }, nil},
		{"max position", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetMaxPosition(200000) }, nil},
		{"max position too small", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetMaxPosition(9999) }, ErrOutOfRange},
		{"timings", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetTimings(500, 1000) }, nil},
		{"coils timeout too short", "DeepSkyDad.AF2", func(f *Focuser) error { return f.SetTimings(500, 5) }, ErrOutOfRange},
		{"timings on AF3 ignore coils timeout", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetTimings(500, 0) }, nil},
		{"compensation", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetCompensation(-250) }, nil},
		{"compensation too large", "DeepSkyDad.AF3", func(f *Focuser) error { return f.SetCompensation(10001) }, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := connectFocuser(t, NewFirmware(tt.board, "1.0.0"), testSettings())

			err := tt.set(f)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSettersUpdateStatus(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	f := connectFocuser(t, fw, testSettings())

	require.NoError(t, f.SetSpeed(1))
	require.NoError(t, f.SetStepMode(32))
	require.NoError(t, f.SetCurrents(80, 10))
	require.NoError(t, f.SetMaxPosition(150000))
	require.NoError(t, f.SetReverse(true))

	st := f.Status()
	assert.Equal(t, 1, st.Speed)
	assert.Equal(t, 32, st.StepMode)
	assert.Equal(t, 80, st.MoveCurrent)
	assert.Equal(t, 10, st.HoldCurrent)
	assert.Equal(t, 150000, st.MaxPosition)
	assert.True(t, st.Reverse)
}

func TestControllerPortsShareLink(t *testing.T) {
	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	mgr := newTestManager(t, fw)
	c := NewController("DSD", ModelArmadillo, mgr, testSettings(), log.WithField("test", t.Name()))
	t.Cleanup(c.Close)

	require.Len(t, c.Ports(), 2)
	assert.Equal(t, "DSD Main", c.Ports()[0].Name())
	assert.Equal(t, "DSD Ext", c.Ports()[1].Name())

	for _, p := range c.Ports() {
		require.NoError(t, p.Connect(context.Background()))
	}
	assert.Equal(t, 2, mgr.Refs(testEndpoint))

	require.NoError(t, c.Ports()[0].Disconnect())
	assert.Equal(t, 1, mgr.Refs(testEndpoint))
	assert.True(t, c.Ports()[1].Connected())

	require.NoError(t, c.Ports()[1].Disconnect())
	assert.Equal(t, link.StateClosed, mgr.State(testEndpoint))
}

func TestPlatipusHasThreePorts(t *testing.T) {
	mgr := newTestManager(t, NewFirmware("DeepSkyDad.AF3", "1.3.0"))
	c := NewController("DSD", ModelPlatipus, mgr, testSettings(), log.WithField("test", t.Name()))
	t.Cleanup(c.Close)

	require.Len(t, c.Ports(), 3)
	assert.Equal(t, "DSD Third", c.Ports()[2].Name())
}
