package abox

import (
	"context"
	"sync"

	"astrodev/pkg/link"
	"astrodev/pkg/protocol/compact"
	"astrodev/pkg/transport"
)

// Serial protocol error bit the Maestro raises on an unknown command.
const errSerialProtocol uint16 = 0x10

// Maestro simulates the servo controller behind a transport.Pipe. Servos
// advance by Rate quarter-microseconds on every position query.
type Maestro struct {
	mu sync.Mutex

	Rate uint16

	positions [Channels]uint16
	targets   [Channels]uint16
	home      [Channels]uint16
	speeds    [Channels]uint16
	accels    [Channels]uint16
	errors    uint16
	frames    int
	silent    bool
}

// NewMaestro returns a controller with every servo resting at zero.
func NewMaestro(servos [Channels]Servo) *Maestro {
	m := &Maestro{Rate: 400}
	for ch, s := range servos {
		m.home[ch] = compact.Quarters(s.Zero)
		m.positions[ch] = m.home[ch]
		m.targets[ch] = m.home[ch]
	}
	return m
}

// Dial is a link.Dialer connecting to the simulated controller.
func (m *Maestro) Dial(ctx context.Context, ep link.Endpoint, opts link.Options) (transport.Stream, error) {
	return transport.NewPipe(m.Respond), nil
}

// SetErrors raises error bits, reported by the next GET_ERRORS.
func (m *Maestro) SetErrors(bits uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors |= bits
}

func (m *Maestro) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// Frames returns the number of requests received.
func (m *Maestro) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Position returns the position of ch in quarter-microseconds.
func (m *Maestro) Position(ch byte) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[ch]
}

func (m *Maestro) Speed(ch byte) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speeds[ch]
}

func (m *Maestro) Acceleration(ch byte) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accels[ch]
}

func (m *Maestro) advance(ch byte) {
	pos, target := m.positions[ch], m.targets[ch]
	switch {
	case m.Rate == 0 || target == pos:
		m.positions[ch] = target
	case target > pos:
		m.positions[ch] = pos + min(m.Rate, target-pos)
	default:
		m.positions[ch] = pos - min(m.Rate, pos-target)
	}
}

// Respond answers one request frame.
func (m *Maestro) Respond(b []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames++
	if m.silent {
		return nil
	}

	f, err := compact.DecodeFrame(b)
	if err != nil || int(f.Channel) >= Channels {
		m.errors |= errSerialProtocol
		return nil
	}

	switch f.Op {
	case compact.SetTarget:
		m.targets[f.Channel] = f.Value
	case compact.SetSpeed:
		m.speeds[f.Channel] = f.Value
	case compact.SetAcceleration:
		m.accels[f.Channel] = f.Value
	case compact.GoHome:
		m.targets = m.home
	case compact.GetPosition:
		m.advance(f.Channel)
		return compact.EncodeResponse(m.positions[f.Channel])
	case compact.GetErrors:
		bits := m.errors
		m.errors = 0
		return compact.EncodeResponse(bits)
	}
	return nil
}
