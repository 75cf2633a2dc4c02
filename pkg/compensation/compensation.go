// Package compensation moves a focuser proportionally to temperature drift.
package compensation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"astrodev/pkg/poll"

	log "github.com/sirupsen/logrus"
)

// NoReading is reported by a probe that is missing or unreadable.
const NoReading = -127.0

const (
	minDelta = 1.0
	maxDelta = 100.0
)

// Focuser is the motion side of a compensated device.
type Focuser interface {
	// MotionState is the state of the motion operation class.
	MotionState() poll.State
	// ReadPosition reads the authoritative position from the hardware.
	ReadPosition(ctx context.Context) (int, error)
	Limits() (lo, hi int)
	// Goto starts a move to target.
	Goto(ctx context.Context, target int) error
}

// Correction describes what one sample did.
type Correction struct {
	Applied bool
	Delta   float64
	Steps   int
	From    int
	Target  int
}

// Controller tracks the baseline temperature and issues corrections.
type Controller struct {
	mu          sync.Mutex
	focuser     Focuser
	coefficient float64
	baseline    float64
	logger      log.FieldLogger
}

// New returns a controller with no baseline. coefficient is in steps per
// degree Celsius.
func New(f Focuser, coefficient float64, logger log.FieldLogger) *Controller {
	return &Controller{
		focuser:     f,
		coefficient: coefficient,
		baseline:    NoReading,
		logger:      logger,
	}
}

func (c *Controller) SetCoefficient(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coefficient = v
}

func (c *Controller) Coefficient() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coefficient
}

// Baseline returns the temperature of the last correction, or NoReading.
func (c *Controller) Baseline() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// Reset forgets the baseline so the next sample starts a new one.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = NoReading
}

// Sample feeds one temperature reading.
//
// The first valid sample only sets the baseline. Later samples that differ
// from it by at least one degree (and less than the glitch threshold) move
// the focuser by round(delta * coefficient) steps, clamped to its limits.
// Smaller differences keep the baseline, so slow drift accumulates until it
// crosses the threshold.
func (c *Controller) Sample(ctx context.Context, temp float64) (Correction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.baseline <= NoReading {
		c.baseline = temp
		c.logger.Debugf("Compensation baseline set to %.2f", temp)
		return Correction{}, nil
	}

	if temp <= NoReading {
		c.logger.Debugf("Not compensating: no temperature reading")
		return Correction{}, nil
	}
	if st := c.focuser.MotionState(); st != poll.OK {
		c.logger.Debugf("Not compensating: motion state %s", st)
		return Correction{}, nil
	}

	delta := temp - c.baseline
	if math.Abs(delta) < minDelta || math.Abs(delta) >= maxDelta {
		c.logger.Debugf("Not compensating: difference %.2f", delta)
		return Correction{Delta: delta}, nil
	}

	steps := int(math.Round(delta * c.coefficient))

	pos, err := c.focuser.ReadPosition(ctx)
	if err != nil {
		return Correction{Delta: delta, Steps: steps}, fmt.Errorf("failed to read position: %w", err)
	}

	lo, hi := c.focuser.Limits()
	target := pos + steps
	if target > hi {
		target = hi
	} else if target < lo {
		target = lo
	}

	c.logger.Infof("Compensating %.2f°C: %d steps, %d -> %d", delta, steps, pos, target)

	corr := Correction{Applied: true, Delta: delta, Steps: steps, From: pos, Target: target}
	err = c.focuser.Goto(ctx, target)
	c.baseline = temp
	if err != nil {
		return corr, fmt.Errorf("failed to start compensation move: %w", err)
	}
	return corr, nil
}
