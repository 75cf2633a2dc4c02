package transport

import (
	"io"
	"sync"
	"time"
)

// Responder receives one written frame and returns the bytes the peer sends
// back, or nil when the frame has no reply.
type Responder func(frame []byte) []byte

// Pipe is an in-memory Stream whose peer is a Responder. Simulated devices
// and tests use it in place of a serial port.
type Pipe struct {
	mu       sync.Mutex
	respond  Responder
	pending  []byte
	timeout  time.Duration
	closed   bool
	writeErr error
	writes   [][]byte
	ready    chan struct{}
}

// NewPipe returns an open pipe answering writes with respond.
func NewPipe(respond Responder) *Pipe {
	return &Pipe{
		respond: respond,
		timeout: time.Second,
		ready:   make(chan struct{}, 1),
	}
}

func (p *Pipe) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return io.ErrClosedPipe
	}
	p.timeout = t
	return nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(p.pending) > 0 {
			n := copy(b, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		if expired == nil {
			return 0, nil
		}

		select {
		case <-p.ready:
		case <-expired:
			return 0, nil
		}
	}
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}

	frame := append([]byte(nil), b...)
	p.writes = append(p.writes, frame)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		if reply := respond(frame); len(reply) > 0 {
			p.Inject(reply)
		}
	}
	return len(b), nil
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return io.ErrClosedPipe
	}
	p.closed = true
	p.signal()
	return nil
}

// Inject queues unsolicited bytes from the peer.
func (p *Pipe) Inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, b...)
	p.signal()
}

// FailWrites makes every following Write return err. A nil err clears it.
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Writes returns a copy of every frame written so far.
func (p *Pipe) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// signal wakes a blocked reader. Called with mu held.
func (p *Pipe) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}
