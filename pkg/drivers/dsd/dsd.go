// Package dsd drives Deep Sky Dad AF1/AF2/AF3 focusers over the bracketed
// ASCII protocol.
package dsd

import (
	"errors"
	"strings"
	"time"

	"astrodev/pkg/protocol/bracket"
)

var (
	ErrNotConnected = errors.New("focuser not connected")
	ErrOutOfRange   = errors.New("value out of range")
	ErrUnsupported  = errors.New("not supported by this firmware")
)

// Limits of the settings the firmware accepts.
const (
	MinMaxPosition = 10000
	MaxMaxPosition = 1000000
	MaxCoefficient = 10000
	MaxSettle      = 99999
	MinCoilsTime   = 9
	MaxCoilsTime   = 999999
)

type CoilsMode int

const (
	CoilsIdleOff CoilsMode = iota
	CoilsAlwaysOn
	CoilsTimeout
)

func (m CoilsMode) String() string {
	switch m {
	case CoilsIdleOff:
		return "off when idle"
	case CoilsAlwaysOn:
		return "always on"
	case CoilsTimeout:
		return "off after timeout"
	}
	return "unknown"
}

// Info identifies the connected controller.
type Info struct {
	Board    string
	Firmware string
	// Version is the AF generation, 0 when the board is not recognized.
	Version int
}

// parseInfo reads the GFRM fields.
func parseInfo(fields map[string]string) Info {
	info := Info{Board: fields["Board"], Firmware: fields["Version"]}
	switch {
	case strings.Contains(info.Board, "AF1"):
		info.Version = 1
	case strings.Contains(info.Board, "AF2"):
		info.Version = 2
	case strings.Contains(info.Board, "AF3"):
		info.Version = 3
	}
	return info
}

// BaudRate returns the serial speed of an AF generation.
func BaudRate(version int) int {
	if version >= 3 {
		return 115200
	}
	return 9600
}

// Settings are the driver-side parameters of a focuser.
type Settings struct {
	Endpoint string
	Baud     int
	// Settle is waited after opening a serial port; the board resets on RTS.
	Settle time.Duration

	MaxStep     int
	Reverse     bool
	Coefficient float64
	AutoMode    bool

	MotionInterval      time.Duration
	TemperatureDelay    time.Duration
	TemperatureInterval time.Duration
	MaxTimeouts         int

	Timing bracket.Timing
}

var DefaultSettings = Settings{
	Baud:                115200,
	Settle:              2 * time.Second,
	MaxStep:             100000,
	Coefficient:         0,
	MotionInterval:      500 * time.Millisecond,
	TemperatureDelay:    time.Second,
	TemperatureInterval: 2 * time.Second,
	MaxTimeouts:         3,
	Timing:              bracket.DefaultTiming,
}

// Status is a snapshot of the cached focuser state.
type Status struct {
	Position     int
	Target       int
	MaxPosition  int
	Speed        int
	StepMode     int
	CoilsMode    CoilsMode
	MoveCurrent  int
	HoldCurrent  int
	SettleBuffer int
	CoilsTimeout int
	Reverse      bool
	AutoMode     bool
	Temperature  float64
}
