// Package poll runs long hardware operations as self-rescheduling polls.
//
// A Runner belongs to one device and keeps one slot per operation class
// (motion, temperature, exposure, ...). Starting an operation replaces any
// pending timer of the same class, so two pollers never race on the same
// hardware state. Each poll either finishes the operation, reschedules it
// or fails it; failures become the ALERT state and stop the polling.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("runner closed")

// State is the business-visible state of an operation class.
type State int

const (
	Idle State = iota
	Busy
	OK
	Alert
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Busy:
		return "Busy"
	case OK:
		return "Ok"
	case Alert:
		return "Alert"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Class names a category of operation.
type Class string

const (
	Motion      Class = "motion"
	Temperature Class = "temperature"
	Exposure    Class = "exposure"
	Cooling     Class = "cooling"
)

// Result is the outcome of one successful poll.
type Result struct {
	done   bool
	after  time.Duration
	msg    string
	report bool
	state  State
}

// Done finishes the operation in the OK state.
func Done(msg string) Result {
	return Result{done: true, msg: msg}
}

// Again reschedules the operation after its regular interval.
func Again() Result {
	return Result{}
}

// After reschedules the operation after d.
func After(d time.Duration) Result {
	return Result{after: d}
}

// Continue reschedules the operation after its regular interval and reports
// state in the meantime. Periodic monitors use it to stay scheduled while
// publishing OK, IDLE or ALERT readings.
func Continue(state State, msg string) Result {
	return Result{report: true, state: state, msg: msg}
}

// Operation describes one polled operation.
type Operation struct {
	Class Class
	// Delay is the wait before the first poll.
	Delay time.Duration
	// Interval is the wait between polls returning Again.
	Interval time.Duration
	// Timeout is a wall-clock bound measured from Start. Zero means none.
	Timeout time.Duration
	// Poll queries the hardware. An error ends the operation in ALERT.
	Poll func(ctx context.Context) (Result, error)
	// Failed, if set, is called after a poll error or the timeout ended the
	// operation in ALERT. It runs without any runner lock held.
	Failed func(msg string)
}

// Observer is told about every state change, in the order the changes
// happened. Observers may call back into the runner.
type Observer interface {
	StateChanged(device string, class Class, state State, msg string)
}

type ObserverFunc func(device string, class Class, state State, msg string)

func (f ObserverFunc) StateChanged(device string, class Class, state State, msg string) {
	f(device, class, state, msg)
}

type slot struct {
	state    State
	msg      string
	active   bool
	gen      uint64
	timer    *time.Timer
	op       Operation
	deadline time.Time
}

type change struct {
	class Class
	state State
	msg   string
}

// Runner schedules the operations of one device.
type Runner struct {
	device string
	logger log.FieldLogger

	mu        sync.Mutex
	slots     map[Class]*slot
	observers []Observer
	closed    bool

	// pending changes are delivered by one goroutine at a time.
	pending    []change
	delivering bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(device string, logger log.FieldLogger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		device: device,
		logger: logger,
		slots:  make(map[Class]*slot),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Observe registers o for every following state change.
func (r *Runner) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Start cancels any pending operation of op.Class and schedules op.
func (r *Runner) Start(op Operation) error {
	if op.Poll == nil {
		return fmt.Errorf("operation %s has no poll function", op.Class)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	s := r.slot(op.Class)
	if s.timer != nil {
		s.timer.Stop()
		r.logger.Debugf("Replacing pending %s operation", op.Class)
	}
	s.gen++
	s.op = op
	s.active = true
	s.state = Busy
	s.msg = ""
	s.deadline = time.Time{}
	if op.Timeout > 0 {
		s.deadline = time.Now().Add(op.Timeout)
	}
	s.timer = r.schedule(op.Class, s.gen, op.Delay)
	r.queue(change{op.Class, Busy, ""})
	r.mu.Unlock()

	r.flush()
	return nil
}

// Cancel stops the pending timer of class without changing its state. It
// reports whether an operation was active.
// A poll already executing finishes but its result is discarded.
func (r *Runner) Cancel(class Class) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[class]
	if !ok || !s.active {
		return false
	}
	r.stop(s)
	return true
}

// Abort cancels class and marks it OK: an explicit abort is a terminated
// operation, not a failed one.
func (r *Runner) Abort(class Class, msg string) {
	r.set(class, OK, msg)
}

// Fail cancels class and marks it ALERT.
func (r *Runner) Fail(class Class, msg string) {
	r.set(class, Alert, msg)
}

// Finish cancels class and marks it OK.
func (r *Runner) Finish(class Class, msg string) {
	r.set(class, OK, msg)
}

// State returns the state and last message of class.
func (r *Runner) State(class Class) (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[class]; ok {
		return s.state, s.msg
	}
	return Idle, ""
}

// Busy reports whether class is in the BUSY state.
func (r *Runner) Busy(class Class) bool {
	st, _ := r.State(class)
	return st == Busy
}

// Active reports whether class has an operation scheduled or running.
func (r *Runner) Active(class Class) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[class]
	return ok && s.active
}

// Close cancels every pending operation. Later Starts fail.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.slots {
		r.stop(s)
	}
	r.cancel()
}

// Reset cancels every pending operation and returns all classes to Idle.
func (r *Runner) Reset() {
	r.mu.Lock()
	for class, s := range r.slots {
		r.stop(s)
		if s.state != Idle {
			s.state = Idle
			s.msg = ""
			r.queue(change{class, Idle, ""})
		}
	}
	r.mu.Unlock()

	r.flush()
}

func (r *Runner) set(class Class, state State, msg string) {
	r.mu.Lock()
	s := r.slot(class)
	r.stop(s)
	s.state = state
	s.msg = msg
	r.queue(change{class, state, msg})
	r.mu.Unlock()

	r.flush()
}

// slot returns the slot of class, creating it. Called with mu held.
func (r *Runner) slot(class Class) *slot {
	s, ok := r.slots[class]
	if !ok {
		s = &slot{}
		r.slots[class] = s
	}
	return s
}

// stop invalidates the pending timer and any poll in flight. Called with mu
// held.
func (r *Runner) stop(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.active = false
	s.gen++
}

func (r *Runner) schedule(class Class, gen uint64, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		r.fire(class, gen)
	})
}

func (r *Runner) fire(class Class, gen uint64) {
	r.mu.Lock()
	s, ok := r.slots[class]
	if !ok || s.gen != gen || !s.active || r.closed {
		r.mu.Unlock()
		return
	}
	s.timer = nil
	op := s.op
	deadline := s.deadline
	r.mu.Unlock()

	res, err := op.Poll(r.ctx)

	r.mu.Lock()
	if s.gen != gen || r.closed {
		// Aborted or replaced while the poll was running.
		r.mu.Unlock()
		return
	}

	failed := false
	switch {
	case err != nil:
		s.active = false
		s.state = Alert
		s.msg = err.Error()
		failed = true
		r.logger.Errorf("%s operation failed: %v", class, err)
	case res.done:
		s.active = false
		s.state = OK
		s.msg = res.msg
	case !deadline.IsZero() && time.Now().After(deadline):
		s.active = false
		s.state = Alert
		s.msg = fmt.Sprintf("%s timed out after %s", class, op.Timeout)
		failed = true
		r.logger.Errorf("%s operation timed out after %s", class, op.Timeout)
	default:
		d := res.after
		if d == 0 {
			d = op.Interval
		}
		changed := res.report && (res.state != s.state || res.msg != s.msg)
		if res.report {
			s.state = res.state
		}
		s.msg = res.msg
		s.timer = r.schedule(class, gen, d)
		if changed {
			r.queue(change{class, res.state, res.msg})
		}
		r.mu.Unlock()

		r.flush()
		return
	}
	msg := s.msg
	r.queue(change{class, s.state, msg})
	r.mu.Unlock()

	r.flush()
	if failed && op.Failed != nil {
		op.Failed(msg)
	}
}

// queue records a change for delivery. Called with mu held, so the queue
// order is the order of the state changes.
func (r *Runner) queue(c change) {
	r.pending = append(r.pending, c)
}

// flush delivers the queued changes. When another goroutine is already
// delivering, it picks up these changes too and flush returns at once.
func (r *Runner) flush() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	for len(r.pending) > 0 {
		changes := r.pending
		r.pending = nil
		observers := append([]Observer(nil), r.observers...)
		r.mu.Unlock()

		for _, c := range changes {
			r.logger.Debugf("%s -> %s %s", c.class, c.state, c.msg)
			for _, o := range observers {
				o.StateChanged(r.device, c.class, c.state, c.msg)
			}
		}
		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}
