// Package andor drives Andor CCD cameras through the vendor SDK.
//
// The SDK keeps a "current camera" in process-wide state, so every call goes
// through a Library which selects the camera under one mutex.
package andor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("camera not connected")
	ErrBusy         = errors.New("exposure in progress")
	ErrOutOfRange   = errors.New("value out of range")
	ErrUnsupported  = errors.New("not supported by this camera")
)

// AcquisitionStatus is the SDK acquisition state.
type AcquisitionStatus int

const (
	StatusIdle AcquisitionStatus = iota
	StatusAcquiring
	StatusTempCycle
)

func (s AcquisitionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAcquiring:
		return "acquiring"
	case StatusTempCycle:
		return "temperature cycle"
	}
	return fmt.Sprintf("status %d", int(s))
}

// TemperatureStatus is the cooler state reported with a temperature reading.
type TemperatureStatus int

const (
	TempOff TemperatureStatus = iota
	TempNotReached
	TempDrift
	TempNotStabilized
	TempStabilized
)

func (s TemperatureStatus) String() string {
	switch s {
	case TempOff:
		return "cooler off"
	case TempNotReached:
		return "not reached"
	case TempDrift:
		return "drift"
	case TempNotStabilized:
		return "not stabilized"
	case TempStabilized:
		return "stabilized"
	}
	return fmt.Sprintf("temperature status %d", int(s))
}

// Detector describes the sensor.
type Detector struct {
	Model    string
	Serial   int
	Width    int
	Height   int
	PixelX   float64
	PixelY   float64
	BitDepth int
}

// Features are the optional SDK capabilities of a head.
type Features struct {
	GetTemperature bool
	SetTemperature bool
	// TemperatureDuringAcquisition is false for heads that cannot read the
	// sensor temperature while acquiring. Their monitor pauses for the
	// whole exposure.
	TemperatureDuringAcquisition bool
}

// Frame is the readout region in unbinned pixels.
type Frame struct {
	X, Y          int
	Width, Height int
	BinX, BinY    int
}

// Pixels returns the number of binned pixels in f.
func (f Frame) Pixels() int {
	return (f.Width / f.BinX) * (f.Height / f.BinY)
}

// Acquisition are the parameters of a single-scan image.
type Acquisition struct {
	Exposure time.Duration
	Dark     bool
	Frame    Frame
}

// SDK is the part of the Andor SDK the driver uses. Calls apply to the
// camera last passed to Select.
type SDK interface {
	Cameras() (int, error)
	Select(handle int) error
	Initialize() error
	Shutdown() error

	Detector() (Detector, error)
	Features() (Features, error)
	TemperatureRange() (min, max int, err error)

	// StartAcquisition sets the single-scan image mode, exposure time,
	// shutter and image region, then starts the acquisition.
	StartAcquisition(a Acquisition) error
	Status() (AcquisitionStatus, error)
	// AbortAcquisition succeeds when the camera is already idle.
	AbortAcquisition() error
	AcquiredData(n int) ([]uint16, error)

	Temperature() (float64, TemperatureStatus, error)
	SetTemperature(celsius int) error
	CoolerOn() error
	CoolerOff() error
	IsCoolerOn() (bool, error)
}

// Library serializes access to one SDK instance.
type Library struct {
	mu  sync.Mutex
	sdk SDK
}

func NewLibrary(sdk SDK) *Library {
	return &Library{sdk: sdk}
}

// Do runs fn with camera handle selected.
func (l *Library) Do(handle int, fn func(SDK) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sdk.Select(handle); err != nil {
		return fmt.Errorf("failed to select camera %d: %w", handle, err)
	}
	return fn(l.sdk)
}

// Cameras returns the number of cameras the SDK sees.
func (l *Library) Cameras() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sdk.Cameras()
}

// Settings are the driver-side parameters of a camera.
type Settings struct {
	Handle int

	// Lead is how long before the end of a long exposure the temperature
	// polls are suppressed. Exposures up to Lead use a single phase.
	Lead time.Duration
	// ReadInterval is the status poll period while the camera is still
	// acquiring after the exposure time.
	ReadInterval time.Duration
	// ReadTimeout bounds the wait for the acquisition to end.
	ReadTimeout time.Duration

	TemperatureDelay    time.Duration
	TemperatureInterval time.Duration

	MaxExposure time.Duration
}

var DefaultSettings = Settings{
	Lead:                4 * time.Second,
	ReadInterval:        10 * time.Millisecond,
	ReadTimeout:         120 * time.Second,
	TemperatureDelay:    2 * time.Second,
	TemperatureInterval: 5 * time.Second,
	MaxExposure:         3600 * time.Second,
}

// Default temperature range for heads that do not report one.
const (
	DefaultMinTemperature = -100
	DefaultMaxTemperature = 20
)
