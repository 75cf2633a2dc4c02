package andor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var errNotInitialized = errors.New("camera not initialized")

// SimCamera is the configuration of one simulated head.
type SimCamera struct {
	Detector Detector
	Features Features
	MinTemp  int
	MaxTemp  int
	Ambient  float64
	// CoolRate is the temperature change per reading in °C.
	CoolRate float64
}

// DefaultSimCamera is a cooled 1024x1024 head.
var DefaultSimCamera = SimCamera{
	Detector: Detector{
		Model:    "iKon-M SIM",
		Serial:   1001,
		Width:    1024,
		Height:   1024,
		PixelX:   13,
		PixelY:   13,
		BitDepth: 16,
	},
	Features: Features{GetTemperature: true, SetTemperature: true, TemperatureDuringAcquisition: true},
	MinTemp:  -80,
	MaxTemp:  30,
	Ambient:  20,
	CoolRate: 5,
}

type simHead struct {
	SimCamera

	initialized bool
	acquiring   bool
	ends        time.Time
	acq         Acquisition
	stuck       bool

	temperature float64
	target      int
	cooler      bool

	acquisitions int
	aborts       int
	tempReads    int
}

// Simulator is an in-process SDK. Exposures end after their wall-clock
// exposure time.
type Simulator struct {
	mu      sync.Mutex
	heads   []*simHead
	current int
}

func NewSimulator(cameras ...SimCamera) *Simulator {
	s := &Simulator{current: -1}
	for _, c := range cameras {
		s.heads = append(s.heads, &simHead{
			SimCamera:   c,
			temperature: c.Ambient,
			target:      c.MaxTemp,
		})
	}
	return s
}

func (s *Simulator) Cameras() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heads), nil
}

func (s *Simulator) Select(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle < 0 || handle >= len(s.heads) {
		return fmt.Errorf("no camera %d", handle)
	}
	s.current = handle
	return nil
}

// head returns the selected camera. Called with mu held.
func (s *Simulator) head() (*simHead, error) {
	if s.current < 0 {
		return nil, errors.New("no camera selected")
	}
	h := s.heads[s.current]
	if !h.initialized {
		return nil, errNotInitialized
	}
	return h, nil
}

// with runs fn on the selected, initialized camera.
func (s *Simulator) with(fn func(h *simHead) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.head()
	if err != nil {
		return err
	}
	return fn(h)
}

func (s *Simulator) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		return errors.New("no camera selected")
	}
	s.heads[s.current].initialized = true
	return nil
}

func (s *Simulator) Shutdown() error {
	return s.with(func(h *simHead) error {
		h.initialized = false
		h.acquiring = false
		return nil
	})
}

func (s *Simulator) Detector() (det Detector, err error) {
	err = s.with(func(h *simHead) error {
		det = h.Detector
		return nil
	})
	return det, err
}

func (s *Simulator) Features() (f Features, err error) {
	err = s.with(func(h *simHead) error {
		f = h.Features
		return nil
	})
	return f, err
}

func (s *Simulator) TemperatureRange() (lo, hi int, err error) {
	err = s.with(func(h *simHead) error {
		if !h.Features.SetTemperature {
			return errors.New("temperature control not available")
		}
		lo, hi = h.MinTemp, h.MaxTemp
		return nil
	})
	return lo, hi, err
}

func (s *Simulator) StartAcquisition(a Acquisition) error {
	return s.with(func(h *simHead) error {
		if h.acquiring {
			return errors.New("acquisition in progress")
		}
		if a.Frame.Pixels() <= 0 || a.Frame.X+a.Frame.Width > h.Detector.Width || a.Frame.Y+a.Frame.Height > h.Detector.Height {
			return fmt.Errorf("invalid image region %+v", a.Frame)
		}
		h.acquiring = true
		h.ends = time.Now().Add(a.Exposure)
		h.acq = a
		h.acquisitions++
		return nil
	})
}

func (s *Simulator) Status() (st AcquisitionStatus, err error) {
	err = s.with(func(h *simHead) error {
		if h.acquiring && !h.stuck && !time.Now().Before(h.ends) {
			h.acquiring = false
		}
		if h.acquiring {
			st = StatusAcquiring
		}
		return nil
	})
	return st, err
}

func (s *Simulator) AbortAcquisition() error {
	return s.with(func(h *simHead) error {
		h.acquiring = false
		h.aborts++
		return nil
	})
}

// AcquiredData returns a horizontal gradient, all zero for darks.
func (s *Simulator) AcquiredData(n int) (data []uint16, err error) {
	err = s.with(func(h *simHead) error {
		if h.acquiring {
			return errors.New("acquisition in progress")
		}
		if n != h.acq.Frame.Pixels() {
			return fmt.Errorf("buffer of %d pixels for a %d pixel image", n, h.acq.Frame.Pixels())
		}
		data = make([]uint16, n)
		if h.acq.Dark {
			return nil
		}
		width := h.acq.Frame.Width / h.acq.Frame.BinX
		for i := range data {
			data[i] = uint16((i % width) * 64)
		}
		return nil
	})
	return data, err
}

func (s *Simulator) Temperature() (t float64, st TemperatureStatus, err error) {
	err = s.with(func(h *simHead) error {
		if !h.Features.GetTemperature {
			return errors.New("temperature not available")
		}
		h.tempReads++

		goal := h.Ambient
		if h.cooler {
			goal = float64(h.target)
		}
		diff := goal - h.temperature
		step := math.Min(math.Abs(diff), h.CoolRate)
		h.temperature += math.Copysign(step, diff)

		t = h.temperature
		switch {
		case !h.cooler:
			st = TempOff
		case math.Abs(goal-h.temperature) < 0.5:
			st = TempStabilized
		default:
			st = TempNotReached
		}
		return nil
	})
	return t, st, err
}

func (s *Simulator) SetTemperature(celsius int) error {
	return s.with(func(h *simHead) error {
		if celsius < h.MinTemp || celsius > h.MaxTemp {
			return fmt.Errorf("temperature %d outside %d..%d", celsius, h.MinTemp, h.MaxTemp)
		}
		h.target = celsius
		return nil
	})
}

func (s *Simulator) CoolerOn() error {
	return s.with(func(h *simHead) error {
		h.cooler = true
		return nil
	})
}

func (s *Simulator) CoolerOff() error {
	return s.with(func(h *simHead) error {
		h.cooler = false
		return nil
	})
}

func (s *Simulator) IsCoolerOn() (on bool, err error) {
	err = s.with(func(h *simHead) error {
		on = h.cooler
		return nil
	})
	return on, err
}

// SetStuck keeps camera handle acquiring forever.
func (s *Simulator) SetStuck(handle int, stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[handle].stuck = stuck
}

// TemperatureReads returns the number of temperature reads of handle.
func (s *Simulator) TemperatureReads(handle int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[handle].tempReads
}

// Acquisitions returns the number of started acquisitions and aborts of
// handle.
func (s *Simulator) Acquisitions(handle int) (started, aborted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[handle].acquisitions, s.heads[handle].aborts
}

// Acquiring reports whether handle has an acquisition running.
func (s *Simulator) Acquiring(handle int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[handle].acquiring
}
