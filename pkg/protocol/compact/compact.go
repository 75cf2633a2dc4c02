// Package compact implements the Pololu Maestro compact serial protocol used
// by the A-Box servo controller.
//
// Requests are an opcode byte followed by positional bytes. Word arguments
// are sent as two 7-bit groups; the two replies (position and error bits)
// are one little-endian 8-bit pair. Positions are in quarter-microseconds.
package compact

import (
	"errors"
	"fmt"
)

type Opcode byte

const (
	SetTarget       Opcode = 0x84
	SetSpeed        Opcode = 0x87
	SetAcceleration Opcode = 0x89
	GetPosition     Opcode = 0x90
	GetErrors       Opcode = 0xA1
	GoHome          Opcode = 0xA2
)

// ResponseSize is the length of every reply.
const ResponseSize = 2

// Layout is the bit layout of a 16-bit word on the wire.
type Layout int

const (
	// Split7 sends bits 0-6 then bits 7-13. Bits 14-15 cannot be encoded.
	Split7 Layout = iota
	// Split8 sends bits 0-7 then bits 8-15.
	Split8
)

var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrOutOfRange    = errors.New("value out of range")
)

// DecodeError reports a reply that does not have the expected shape.
type DecodeError struct {
	Op  Opcode
	Raw []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s reply % x", e.Op, e.Raw)
}

type shape struct {
	name     string
	channel  bool
	word     bool
	response bool
}

var shapes = map[Opcode]shape{
	SetTarget:       {name: "SET_TARGET", channel: true, word: true},
	SetSpeed:        {name: "SET_SPEED", channel: true, word: true},
	SetAcceleration: {name: "SET_ACCELERATION", channel: true, word: true},
	GetPosition:     {name: "GET_POSITION", channel: true, response: true},
	GetErrors:       {name: "GET_ERRORS", response: true},
	GoHome:          {name: "GO_HOME"},
}

func (op Opcode) String() string {
	if s, ok := shapes[op]; ok {
		return s.name
	}
	return fmt.Sprintf("0x%02X", byte(op))
}

// ExpectsResponse reports whether the device replies to op.
func (op Opcode) ExpectsResponse() bool {
	return shapes[op].response
}

// Frame is one request.
type Frame struct {
	Op      Opcode
	Channel byte
	Value   uint16
}

// SplitWord splits v into its low and high wire bytes.
func SplitWord(v uint16, l Layout) (byte, byte, error) {
	switch l {
	case Split7:
		if v > 0x3FFF {
			return 0, 0, fmt.Errorf("%w: %d does not fit in 14 bits", ErrOutOfRange, v)
		}
		return byte(v & 0x7F), byte(v >> 7 & 0x7F), nil
	case Split8:
		return byte(v & 0xFF), byte(v >> 8), nil
	}
	return 0, 0, fmt.Errorf("unknown layout %d", l)
}

// JoinWord is the inverse of SplitWord.
func JoinWord(lo, hi byte, l Layout) uint16 {
	if l == Split7 {
		return uint16(lo&0x7F) | uint16(hi&0x7F)<<7
	}
	return uint16(lo) | uint16(hi)<<8
}

// Encode returns the wire bytes of f.
func Encode(f Frame) ([]byte, error) {
	s, ok := shapes[f.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, f.Op)
	}

	b := []byte{byte(f.Op)}
	if s.channel {
		b = append(b, f.Channel)
	}
	if s.word {
		lo, hi, err := SplitWord(f.Value, Split7)
		if err != nil {
			return nil, err
		}
		b = append(b, lo, hi)
	}
	return b, nil
}

// FrameSize returns the request length for op, or 0 for unknown opcodes.
func FrameSize(op Opcode) int {
	s, ok := shapes[op]
	if !ok {
		return 0
	}

	n := 1
	if s.channel {
		n++
	}
	if s.word {
		n += 2
	}
	return n
}

// DecodeFrame parses one request from the start of b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, errors.New("empty frame")
	}

	op := Opcode(b[0])
	size := FrameSize(op)
	if size == 0 {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
	}
	if len(b) < size {
		return Frame{}, fmt.Errorf("short %s frame: %d bytes", op, len(b))
	}

	s := shapes[op]
	f := Frame{Op: op}
	if s.channel {
		f.Channel = b[1]
	}
	if s.word {
		f.Value = JoinWord(b[2], b[3], Split7)
	}
	return f, nil
}

// DecodeResponse decodes a reply to op.
func DecodeResponse(op Opcode, b []byte) (uint16, error) {
	if len(b) != ResponseSize {
		return 0, &DecodeError{Op: op, Raw: b}
	}
	return JoinWord(b[0], b[1], Split8), nil
}

// EncodeResponse is the device side of DecodeResponse.
func EncodeResponse(v uint16) []byte {
	lo, hi, _ := SplitWord(v, Split8)
	return []byte{lo, hi}
}

// Microseconds converts a quarter-microsecond position to microseconds.
func Microseconds(quarters uint16) float64 {
	return float64(quarters) / 4
}

// Quarters converts microseconds to the quarter-microsecond wire unit.
func Quarters(us float64) uint16 {
	return uint16(us*4 + 0.5)
}
