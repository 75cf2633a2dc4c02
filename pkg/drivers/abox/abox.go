// Package abox drives the A-Box adaptive optics tip/tilt unit, three servos
// behind a Pololu Maestro controller speaking the compact protocol.
package abox

import (
	"errors"
	"fmt"
	"time"

	"astrodev/pkg/poll"
	"astrodev/pkg/protocol/compact"
)

var (
	ErrNotConnected = errors.New("AO not connected")
	ErrOutOfRange   = errors.New("value out of range")
)

// Servo channels, seen from the top.
const (
	TopCenter   byte = 0
	BottomRight byte = 1
	BottomLeft  byte = 2

	Channels = 3
)

var channelNames = [Channels]string{"Top center", "Bottom right", "Bottom left"}

// ChannelName returns the position of the servo on channel ch.
func ChannelName(ch byte) string {
	if int(ch) < Channels {
		return channelNames[ch]
	}
	return fmt.Sprintf("channel %d", ch)
}

// MaxGuideSteps bounds one guide pulse in either direction.
const MaxGuideSteps = 50

// Limits of the speed and acceleration registers.
const (
	MaxSpeed        = 0x3FFF
	MaxAcceleration = 255
)

// Error bits reported by GET_ERRORS. The even bits concern the DEC servo
// pair and the odd ones the RA pair.
const (
	decErrors uint16 = 0x05
	raErrors  uint16 = 0x0A
)

// Operation classes of the guide axes.
const (
	GuideDec poll.Class = "guide-dec"
	GuideRA  poll.Class = "guide-ra"
)

// Axis is a guide axis.
type Axis int

const (
	AxisDec Axis = iota
	AxisRA
)

func (a Axis) String() string {
	if a == AxisRA {
		return "RA"
	}
	return "DEC"
}

func (a Axis) class() poll.Class {
	if a == AxisRA {
		return GuideRA
	}
	return GuideDec
}

// Servo is the travel of one servo in microseconds.
type Servo struct {
	Min  float64
	Zero float64
	Max  float64
}

func (s Servo) Contains(us float64) bool {
	return us >= s.Min && us <= s.Max
}

func (s Servo) Validate() error {
	if s.Min < 0 || s.Max > compact.Microseconds(0x3FFF) {
		return fmt.Errorf("servo range %g..%g µs outside the protocol range", s.Min, s.Max)
	}
	if !(s.Min <= s.Zero && s.Zero <= s.Max) || s.Min == s.Max {
		return fmt.Errorf("invalid servo range %g/%g/%g µs", s.Min, s.Zero, s.Max)
	}
	return nil
}

var DefaultServo = Servo{Min: 496, Zero: 760, Max: 1008}

// Settings are the driver-side parameters of the unit.
type Settings struct {
	Endpoint string
	Baud     int

	Servos [Channels]Servo
	// GuideStep is the servo travel of one guide step in microseconds.
	GuideStep float64

	MotionInterval time.Duration
	MotionTimeout  time.Duration
	MaxTimeouts    int

	Timing compact.Timing
}

var DefaultSettings = Settings{
	Baud:           9600,
	Servos:         [Channels]Servo{DefaultServo, DefaultServo, DefaultServo},
	GuideStep:      1,
	MotionInterval: 50 * time.Millisecond,
	MotionTimeout:  10 * time.Second,
	MaxTimeouts:    3,
	Timing:         compact.DefaultTiming,
}

// Status is a snapshot of the servos, in microseconds.
type Status struct {
	Positions [Channels]float64
	Targets   [Channels]float64
	Errors    uint16
}
