package andor

import (
	"fmt"
	"time"

	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Config is the persisted form of a camera's settings.
type Config struct {
	Handle int
	Bin    int
	// Target is the cooler set point applied on connect.
	Target float64

	LeadMS                int
	ReadTimeoutS          int
	TemperatureIntervalMS int
	MaxExposureS          int
}

// DefaultConfig returns the defaults for the camera at handle.
func DefaultConfig(handle int) Config {
	return Config{
		Handle:                handle,
		Bin:                   1,
		Target:                -20,
		LeadMS:                int(DefaultSettings.Lead / time.Millisecond),
		ReadTimeoutS:          int(DefaultSettings.ReadTimeout / time.Second),
		TemperatureIntervalMS: int(DefaultSettings.TemperatureInterval / time.Millisecond),
		MaxExposureS:          int(DefaultSettings.MaxExposure / time.Second),
	}
}

func (c Config) Validate() error {
	if c.Handle < 0 {
		return fmt.Errorf("invalid camera handle %d", c.Handle)
	}
	if c.Bin < 1 || c.Bin > 16 {
		return fmt.Errorf("binning %d outside 1..16", c.Bin)
	}
	if c.Target < DefaultMinTemperature || c.Target > DefaultMaxTemperature+20 {
		return fmt.Errorf("target temperature %.1f out of range", c.Target)
	}
	if c.LeadMS < 0 || c.ReadTimeoutS < 1 || c.MaxExposureS < 1 {
		return fmt.Errorf("invalid exposure timings")
	}
	if c.TemperatureIntervalMS < 5 {
		return fmt.Errorf("temperature interval too short")
	}
	return nil
}

// Apply overlays the config on base.
func (c Config) Apply(base Settings) Settings {
	s := base
	s.Handle = c.Handle
	s.Lead = time.Duration(c.LeadMS) * time.Millisecond
	s.ReadTimeout = time.Duration(c.ReadTimeoutS) * time.Second
	s.TemperatureInterval = time.Duration(c.TemperatureIntervalMS) * time.Millisecond
	s.MaxExposure = time.Duration(c.MaxExposureS) * time.Second
	return s
}

func NewStore(db *bolt.DB, key string, defaults Config, logger log.FieldLogger) (*store.Store[Config], error) {
	return store.New(db, key, defaults, Config.Validate, logger)
}
