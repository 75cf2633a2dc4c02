package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"astrodev/pkg/transport"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(frame []byte) []byte {
	return frame
}

type simDialer struct {
	dials   atomic.Int32
	respond transport.Responder
	mu      sync.Mutex
	pipes   []*transport.Pipe
}

func (d *simDialer) dial(ctx context.Context, ep Endpoint, opts Options) (transport.Stream, error) {
	d.dials.Add(1)
	p := transport.NewPipe(d.respond)

	d.mu.Lock()
	d.pipes = append(d.pipes, p)
	d.mu.Unlock()
	return p, nil
}

func (d *simDialer) last() *transport.Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipes[len(d.pipes)-1]
}

func newTestManager(t *testing.T, respond transport.Responder) (*Manager, *simDialer) {
	t.Helper()

	m := NewManager(t.TempDir(), log.WithField("test", t.Name()))
	d := &simDialer{respond: respond}
	m.Register("sim", d.dial)
	return m, d
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Endpoint
		expectError bool
	}{
		{
			name:     "serial path",
			input:    "/dev/ttyUSB0",
			expected: Endpoint{Raw: "/dev/ttyUSB0", Path: "/dev/ttyUSB0"},
		},
		{
			name:     "network without port",
			input:    "dsd://192.168.1.20",
			expected: Endpoint{Raw: "dsd://192.168.1.20", Scheme: "dsd", Host: "192.168.1.20", Port: 8080},
		},
		{
			name:     "network with port",
			input:    "dsd://focuser.local:9999",
			expected: Endpoint{Raw: "dsd://focuser.local:9999", Scheme: "dsd", Host: "focuser.local", Port: 9999},
		},
		{
			name:     "bracketed IPv6 without port",
			input:    "tcp://[::1]",
			expected: Endpoint{Raw: "tcp://[::1]", Scheme: "tcp", Host: "::1", Port: 8080},
		},
		{
			name:     "bracketed IPv6 with port",
			input:    "tcp://[fe80::1]:4030",
			expected: Endpoint{Raw: "tcp://[fe80::1]:4030", Scheme: "tcp", Host: "fe80::1", Port: 4030},
		},
		{
			name:        "unterminated IPv6",
			input:       "tcp://[::1",
			expectError: true,
		},
		{
			name:        "empty",
			input:       "",
			expectError: true,
		},
		{
			name:        "missing host",
			input:       "dsd://",
			expectError: true,
		},
		{
			name:        "bad port",
			input:       "dsd://host:port",
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := ParseEndpoint(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, ep)
		})
	}
}

func TestEndpointAddress(t *testing.T) {
	ep, err := ParseEndpoint("dsd://10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8080", ep.Address())
	assert.False(t, ep.Serial())

	ep, err = ParseEndpoint("tcp://[::1]")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8080", ep.Address())

	ep, err = ParseEndpoint("/dev/ttyACM0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", ep.Address())
	assert.True(t, ep.Serial())
}

func TestOpenSharesLink(t *testing.T) {
	m, d := newTestManager(t, echo)
	ctx := context.Background()

	h1, err := m.Open(ctx, "sim://focuser", Options{})
	require.NoError(t, err)
	h2, err := m.Open(ctx, "sim://focuser", Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 2, m.Refs("sim://focuser"))
	assert.Equal(t, StateOpen, m.State("sim://focuser"))

	require.NoError(t, h1.Close())
	require.NoError(t, h1.Close(), "second close of a handle is a no-op")
	assert.Equal(t, 1, m.Refs("sim://focuser"))
	assert.False(t, d.last().Closed())

	require.NoError(t, h2.Close())
	assert.Equal(t, 0, m.Refs("sim://focuser"))
	assert.Equal(t, StateClosed, m.State("sim://focuser"))
	assert.True(t, d.last().Closed())

	assert.ErrorIs(t, h1.Do(func(s transport.Stream) error { return nil }), ErrClosed)
}

func TestOpenHandshakeFailure(t *testing.T) {
	m, d := newTestManager(t, func([]byte) []byte { return nil })
	ctx := context.Background()

	probe := func(c Conn) error {
		return c.Do(func(s transport.Stream) error {
			if err := transport.Write(s, []byte("[GPOS]")); err != nil {
				return err
			}
			_, err := transport.ReadUntil(s, ')', 16, 20*time.Millisecond, 10*time.Millisecond)
			return err
		})
	}

	_, err := m.Open(ctx, "sim://silent", Options{Handshake: probe})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectionFailed)
	assert.True(t, d.last().Closed())
	assert.Equal(t, StateClosed, m.State("sim://silent"))

	// The lock was released, so a later open can proceed.
	h, err := m.Open(ctx, "sim://silent", Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

type opened struct {
	h   *Handle
	err error
}

func openAsync(m *Manager, addr string, opts Options) <-chan opened {
	ch := make(chan opened, 1)
	go func() {
		h, err := m.Open(context.Background(), addr, opts)
		ch <- opened{h, err}
	}()
	return ch
}

func TestOpenDoesNotBlockOtherEndpoints(t *testing.T) {
	m, d := newTestManager(t, echo)
	ctx := context.Background()

	slow := openAsync(m, "sim://slow", Options{Settle: 300 * time.Millisecond})
	require.Eventually(t, func() bool { return m.State("sim://slow") == StateOpening }, time.Second, time.Millisecond)

	start := time.Now()
	h, err := m.Open(ctx, "sim://other", Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateOpen, m.State("sim://other"))
	assert.Equal(t, StateOpening, m.State("sim://slow"))
	assert.Zero(t, m.Refs("sim://slow"))
	require.NoError(t, h.Close())

	// A second open of the settling endpoint waits and shares the link.
	h2, err := m.Open(ctx, "sim://slow", Options{})
	require.NoError(t, err)
	first := <-slow
	require.NoError(t, first.err)

	assert.Equal(t, StateOpen, m.State("sim://slow"))
	assert.Equal(t, 2, m.Refs("sim://slow"))
	assert.Equal(t, int32(2), d.dials.Load())

	require.NoError(t, first.h.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, StateClosed, m.State("sim://slow"))
}

func TestOpenWaitRespectsContext(t *testing.T) {
	m, _ := newTestManager(t, echo)

	slow := openAsync(m, "sim://slow", Options{Settle: 200 * time.Millisecond})
	require.Eventually(t, func() bool { return m.State("sim://slow") == StateOpening }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Open(ctx, "sim://slow", Options{})
	assert.ErrorIs(t, err, transport.ErrConnectionFailed)

	first := <-slow
	require.NoError(t, first.err)
	require.NoError(t, first.h.Close())
}

func TestManagerCloseWhileOpening(t *testing.T) {
	m, d := newTestManager(t, echo)

	slow := openAsync(m, "sim://slow", Options{Settle: 50 * time.Millisecond})
	require.Eventually(t, func() bool { return m.State("sim://slow") == StateOpening }, time.Second, time.Millisecond)

	m.Close()
	assert.Equal(t, StateClosed, m.State("sim://slow"))

	res := <-slow
	assert.ErrorIs(t, res.err, transport.ErrConnectionFailed)
	assert.ErrorIs(t, res.err, ErrClosed)
	assert.True(t, d.last().Closed())

	// The endpoint lock was released.
	h, err := m.Open(context.Background(), "sim://slow", Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestOpenLockedByAnotherManager(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m1 := NewManager(dir, log.WithField("test", "m1"))
	m1.Register("sim", (&simDialer{respond: echo}).dial)
	m2 := NewManager(dir, log.WithField("test", "m2"))
	m2.Register("sim", (&simDialer{respond: echo}).dial)

	h, err := m1.Open(ctx, "sim://abox", Options{})
	require.NoError(t, err)

	_, err = m2.Open(ctx, "sim://abox", Options{})
	assert.ErrorIs(t, err, transport.ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, h.Close())

	h, err = m2.Open(ctx, "sim://abox", Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestCommandsAreSerialized(t *testing.T) {
	m, _ := newTestManager(t, echo)

	h, err := m.Open(context.Background(), "sim://bus", Options{})
	require.NoError(t, err)
	defer h.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			err := h.Do(func(s transport.Stream) error {
				if err := transport.Write(s, []byte{id}); err != nil {
					return err
				}
				time.Sleep(100 * time.Microsecond)
				got, err := transport.ReadExact(s, 1, time.Second)
				if err != nil {
					return err
				}
				if got[0] != id {
					return errors.New("reply belongs to another command")
				}
				return nil
			})
			errs <- err
		}(byte(i))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestFatalErrorClosesLink(t *testing.T) {
	m, d := newTestManager(t, echo)
	ctx := context.Background()

	h, err := m.Open(ctx, "sim://focuser", Options{})
	require.NoError(t, err)

	d.last().FailWrites(errors.New("usb disconnected"))
	err = h.Do(func(s transport.Stream) error {
		return transport.Write(s, []byte("[GPOS]"))
	})
	assert.True(t, transport.IsFatal(err))
	assert.True(t, h.Broken())
	assert.True(t, d.last().Closed())
	assert.Equal(t, StateClosed, m.State("sim://focuser"))

	assert.ErrorIs(t, h.Do(func(s transport.Stream) error { return nil }), ErrClosed)

	// A new open redials instead of reusing the broken link.
	h2, err := m.Open(ctx, "sim://focuser", Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.dials.Load())

	require.NoError(t, h.Close())
	assert.Equal(t, StateOpen, m.State("sim://focuser"))
	require.NoError(t, h2.Close())
}

func TestConsecutiveTimeoutsEscalate(t *testing.T) {
	m, d := newTestManager(t, func([]byte) []byte { return nil })

	h, err := m.Open(context.Background(), "sim://abox", Options{MaxTimeouts: 3})
	require.NoError(t, err)
	defer h.Close()

	query := func(s transport.Stream) error {
		if err := transport.Write(s, []byte{0x90, 0x00}); err != nil {
			return err
		}
		_, err := transport.ReadExact(s, 2, 5*time.Millisecond)
		return err
	}

	for i := 0; i < 2; i++ {
		err := h.Do(query)
		assert.ErrorIs(t, err, transport.ErrTimeout)
		assert.False(t, h.Broken())
	}

	err = h.Do(query)
	assert.True(t, transport.IsFatal(err))
	assert.True(t, h.Broken())
	assert.True(t, d.last().Closed())
}
