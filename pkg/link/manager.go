// Package link manages shared, reference-counted connections to devices.
//
// Several logical devices (for example the ports of one focuser controller)
// may share a physical link. The first Open dials and handshakes, later
// Opens only take a reference, and the last Close tears the link down.
// Every command exchange on a link runs under its mutex so that at most one
// command is in flight.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"astrodev/pkg/transport"

	log "github.com/sirupsen/logrus"
)

var (
	ErrLocked = errors.New("endpoint locked by another process")
	ErrClosed = errors.New("link closed")
)

type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is the serialized command path to a device.
type Conn interface {
	Do(fn func(s transport.Stream) error) error
}

// Dialer opens the stream for an endpoint.
type Dialer func(ctx context.Context, ep Endpoint, opts Options) (transport.Stream, error)

// Options configure how a link is opened. They are taken from the first
// Open of a link; later Opens share the existing link.
type Options struct {
	Baud        int
	DialTimeout time.Duration
	// Settle is waited after the stream opens and before the handshake.
	Settle time.Duration
	// MaxTimeouts consecutive timeouts close the link. Zero disables it.
	MaxTimeouts int
	// Handshake probes the device. A failure aborts the open.
	Handshake func(c Conn) error
}

// Manager is the registry of open links, keyed by endpoint.
type Manager struct {
	mu      sync.Mutex
	links   map[string]*Link
	dialers map[string]Dialer
	lockDir string
	logger  log.FieldLogger
}

func NewManager(lockDir string, logger log.FieldLogger) *Manager {
	return &Manager{
		links:   make(map[string]*Link),
		dialers: make(map[string]Dialer),
		lockDir: lockDir,
		logger:  logger,
	}
}

// Register installs a dialer for endpoints with the given scheme. Schemes
// without a dialer are dialed over TCP.
func (m *Manager) Register(scheme string, d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialers[scheme] = d
}

// Open returns a handle to the link for addr, opening it if needed. The
// registry is not locked while a link dials, settles and handshakes: other
// endpoints open concurrently, and a second Open of the same endpoint waits
// for the first to finish.
func (m *Manager) Open(ctx context.Context, addr string, opts Options) (*Handle, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	key := ep.Raw

	m.mu.Lock()
	for {
		l, ok := m.links[key]
		if !ok || l.broken.Load() {
			break
		}
		if l.state == StateOpen {
			l.refs++
			l.logger.Debugf("Link reused, %d references", l.refs)
			m.mu.Unlock()
			return &Handle{m: m, l: l}, nil
		}

		ready := l.ready
		m.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, ctx.Err())
		}
		m.mu.Lock()
	}

	l := &Link{
		ep:     ep,
		opts:   opts,
		state:  StateOpening,
		ready:  make(chan struct{}),
		logger: m.logger.WithField("endpoint", key),
	}
	m.links[key] = l
	dialer := m.dialers[ep.Scheme]
	m.mu.Unlock()

	err = m.connect(ctx, l, dialer)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(l.ready)

	if err == nil && m.links[key] != l {
		// Manager.Close ran while the link was opening.
		l.shutdown()
		err = fmt.Errorf("%w: %w", transport.ErrConnectionFailed, ErrClosed)
	}
	if err != nil {
		if m.links[key] == l {
			delete(m.links, key)
		}
		l.state = StateClosed
		return nil, err
	}

	l.state = StateOpen
	l.refs = 1
	l.logger.Infof("Link opened")
	return &Handle{m: m, l: l}, nil
}

// connect locks, dials, settles and handshakes l. On failure everything it
// acquired is released.
func (m *Manager) connect(ctx context.Context, l *Link, dialer Dialer) error {
	lock, err := AcquireLock(m.lockDir, l.ep.Raw)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrConnectionFailed, err)
	}

	stream, err := m.dial(ctx, l.ep, l.opts, dialer)
	if err != nil {
		lock.Release()
		return err
	}
	l.mu.Lock()
	l.stream = stream
	l.lock = lock
	l.mu.Unlock()

	if l.opts.Settle > 0 {
		select {
		case <-ctx.Done():
			l.shutdown()
			return fmt.Errorf("%w: %v", transport.ErrConnectionFailed, ctx.Err())
		case <-time.After(l.opts.Settle):
		}
	}

	if l.opts.Handshake != nil {
		if err := l.opts.Handshake(l); err != nil {
			l.shutdown()
			l.logger.Errorf("Handshake failed: %v", err)
			return fmt.Errorf("%w: handshake with %s: %v", transport.ErrConnectionFailed, l.ep.Raw, err)
		}
	}
	return nil
}

// State reports the state of the link for addr.
func (m *Manager) State(addr string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[addr]
	if !ok || l.broken.Load() {
		return StateClosed
	}
	return l.state
}

// Refs reports how many handles share the link for addr.
func (m *Manager) Refs(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.links[addr]; ok {
		return l.refs
	}
	return 0
}

// Close tears down every link regardless of outstanding handles. Links
// still opening are dropped from the registry and closed by their Open.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, l := range m.links {
		delete(m.links, key)
		if l.state == StateOpening {
			continue
		}
		l.state = StateClosing
		l.shutdown()
		l.state = StateClosed
	}
}

func (m *Manager) dial(ctx context.Context, ep Endpoint, opts Options, d Dialer) (transport.Stream, error) {
	var (
		stream transport.Stream
		err    error
	)

	if d != nil {
		stream, err = d(ctx, ep, opts)
	} else if ep.Serial() {
		stream, err = transport.OpenSerial(ep.Path, opts.Baud)
	} else {
		timeout := opts.DialTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		stream, err = transport.DialTCP(ctx, ep.Address(), timeout)
	}

	if err != nil && !errors.Is(err, transport.ErrConnectionFailed) {
		err = fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	return stream, err
}

func (m *Manager) release(l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs > 0 {
		l.logger.Debugf("Link released, %d references left", l.refs)
		return nil
	}

	if m.links[l.ep.Raw] == l {
		delete(m.links, l.ep.Raw)
	}

	l.state = StateClosing
	err := l.shutdown()
	l.state = StateClosed
	l.logger.Infof("Link closed")
	return err
}

// Link is one physical connection. refs and state are guarded by
// Manager.mu, the stream section by mu.
type Link struct {
	ep     Endpoint
	opts   Options
	logger log.FieldLogger
	// ready is closed when the open finishes, successfully or not.
	ready chan struct{}

	mu       sync.Mutex
	stream   transport.Stream
	lock     *FileLock
	timeouts int
	broken   atomic.Bool

	refs  int
	state State
}

// Do runs fn with exclusive use of the stream. Fatal errors and too many
// consecutive timeouts close the link and release its lock.
func (l *Link) Do(fn func(s transport.Stream) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stream == nil {
		return ErrClosed
	}

	err := fn(l.stream)
	switch {
	case err == nil:
		l.timeouts = 0
	case transport.IsFatal(err):
		l.logger.Errorf("Link failed: %v", err)
		l.teardown()
	case errors.Is(err, transport.ErrTimeout):
		l.timeouts++
		if l.opts.MaxTimeouts > 0 && l.timeouts >= l.opts.MaxTimeouts {
			l.logger.Errorf("Link failed after %d consecutive timeouts", l.timeouts)
			l.teardown()
			return &transport.IOError{
				Op:  "link",
				Err: fmt.Errorf("%d consecutive timeouts: %v", l.timeouts, err),
			}
		}
	default:
		l.timeouts = 0
	}
	return err
}

// teardown closes the stream after a fatal error. Called with l.mu held.
func (l *Link) teardown() {
	l.broken.Store(true)
	if l.stream != nil {
		l.stream.Close()
		l.stream = nil
	}
	l.lock.Release()
	l.lock = nil
}

func (l *Link) shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.stream != nil {
		err = l.stream.Close()
		l.stream = nil
	}
	l.lock.Release()
	l.lock = nil
	return err
}

// Handle is one reference to a shared link.
type Handle struct {
	m      *Manager
	l      *Link
	closed atomic.Bool
}

func (h *Handle) Do(fn func(s transport.Stream) error) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.l.Do(fn)
}

// Close drops this reference. Only the last Close closes the link.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.m.release(h.l)
}

func (h *Handle) Endpoint() Endpoint {
	return h.l.ep
}

// Broken reports whether the link failed and must be reopened.
func (h *Handle) Broken() bool {
	return h.l.broken.Load()
}
