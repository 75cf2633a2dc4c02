package compensation

import (
	"context"
	"errors"
	"testing"

	"astrodev/pkg/poll"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFocuser struct {
	state    poll.State
	position int
	min, max int
	readErr  error
	gotos    []int
}

func (f *fakeFocuser) MotionState() poll.State { return f.state }

func (f *fakeFocuser) ReadPosition(ctx context.Context) (int, error) {
	return f.position, f.readErr
}

func (f *fakeFocuser) Limits() (int, int) { return f.min, f.max }

func (f *fakeFocuser) Goto(ctx context.Context, target int) error {
	f.gotos = append(f.gotos, target)
	return nil
}

func newFocuser() *fakeFocuser {
	return &fakeFocuser{state: poll.OK, position: 5000, min: 0, max: 100000}
}

func TestFirstSampleSetsBaseline(t *testing.T) {
	f := newFocuser()
	c := New(f, 100, log.WithField("test", t.Name()))

	corr, err := c.Sample(context.Background(), 20.0)
	require.NoError(t, err)
	assert.False(t, corr.Applied)
	assert.Equal(t, 20.0, c.Baseline())
	assert.Empty(t, f.gotos)
}

func TestSample(t *testing.T) {
	tests := []struct {
		name         string
		coefficient  float64
		baseline     float64
		temp         float64
		state        poll.State
		position     int
		max          int
		expectGoto   []int
		expectedBase float64
	}{
		{
			name:         "below threshold keeps baseline",
			coefficient:  100,
			baseline:     20.0,
			temp:         20.5,
			state:        poll.OK,
			position:     5000,
			max:          100000,
			expectedBase: 20.0,
		},
		{
			name:         "threshold crossed",
			coefficient:  100,
			baseline:     20.0,
			temp:         22.0,
			state:        poll.OK,
			position:     5000,
			max:          100000,
			expectGoto:   []int{5200},
			expectedBase: 22.0,
		},
		{
			name:         "cooling moves inward",
			coefficient:  100,
			baseline:     20.0,
			temp:         18.5,
			state:        poll.OK,
			position:     5000,
			max:          100000,
			expectGoto:   []int{4850},
			expectedBase: 18.5,
		},
		{
			name:         "rounds fractional steps",
			coefficient:  3,
			baseline:     10.0,
			temp:         11.5,
			state:        poll.OK,
			position:     100,
			max:          1000,
			expectGoto:   []int{105},
			expectedBase: 11.5,
		},
		{
			name:         "clamped to maximum",
			coefficient:  100,
			baseline:     20.0,
			temp:         25.0,
			state:        poll.OK,
			position:     9900,
			max:          10000,
			expectGoto:   []int{10000},
			expectedBase: 25.0,
		},
		{
			name:         "clamped to minimum",
			coefficient:  100,
			baseline:     20.0,
			temp:         15.0,
			state:        poll.OK,
			position:     100,
			max:          10000,
			expectGoto:   []int{0},
			expectedBase: 15.0,
		},
		{
			name:         "sensor glitch ignored",
			coefficient:  100,
			baseline:     20.0,
			temp:         150.0,
			state:        poll.OK,
			position:     5000,
			max:          100000,
			expectedBase: 20.0,
		},
		{
			name:         "no reading ignored",
			coefficient:  100,
			baseline:     20.0,
			temp:         NoReading,
			state:        poll.OK,
			position:     5000,
			max:          100000,
			expectedBase: 20.0,
		},
		{
			name:         "focuser moving",
			coefficient:  100,
			baseline:     20.0,
			temp:         25.0,
			state:        poll.Busy,
			position:     5000,
			max:          100000,
			expectedBase: 20.0,
		},
		{
			name:         "focuser in alert",
			coefficient:  100,
			baseline:     20.0,
			temp:         25.0,
			state:        poll.Alert,
			position:     5000,
			max:          100000,
			expectedBase: 20.0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFocuser{state: tc.state, position: tc.position, max: tc.max}
			c := New(f, tc.coefficient, log.WithField("test", t.Name()))
			_, err := c.Sample(context.Background(), tc.baseline)
			require.NoError(t, err)

			corr, err := c.Sample(context.Background(), tc.temp)
			require.NoError(t, err)
			assert.Equal(t, tc.expectGoto, f.gotos)
			assert.Equal(t, len(tc.expectGoto) > 0, corr.Applied)
			assert.Equal(t, tc.expectedBase, c.Baseline())
		})
	}
}

func TestSlowDriftAccumulates(t *testing.T) {
	f := newFocuser()
	c := New(f, 100, log.WithField("test", t.Name()))
	ctx := context.Background()

	for _, temp := range []float64{20.0, 20.4, 20.8} {
		_, err := c.Sample(ctx, temp)
		require.NoError(t, err)
	}
	assert.Empty(t, f.gotos)

	corr, err := c.Sample(ctx, 21.0)
	require.NoError(t, err)
	assert.True(t, corr.Applied)
	assert.Equal(t, []int{5100}, f.gotos)
}

func TestReadPositionFailure(t *testing.T) {
	f := newFocuser()
	c := New(f, 100, log.WithField("test", t.Name()))
	ctx := context.Background()

	_, err := c.Sample(ctx, 20.0)
	require.NoError(t, err)

	f.readErr = errors.New("timeout")
	_, err = c.Sample(ctx, 22.0)
	assert.Error(t, err)
	assert.Empty(t, f.gotos)
	assert.Equal(t, 20.0, c.Baseline())
}

func TestReset(t *testing.T) {
	f := newFocuser()
	c := New(f, 100, log.WithField("test", t.Name()))

	_, err := c.Sample(context.Background(), 20.0)
	require.NoError(t, err)
	c.Reset()
	assert.Equal(t, NoReading, c.Baseline())

	_, err = c.Sample(context.Background(), 30.0)
	require.NoError(t, err)
	assert.Empty(t, f.gotos)
	assert.Equal(t, 30.0, c.Baseline())
}
