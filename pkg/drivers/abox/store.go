package abox

import (
	"fmt"
	"time"

	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Config is the persisted form of the unit settings.
type Config struct {
	Endpoint string
	Baud     int

	Servos    [Channels]Servo
	GuideStep float64

	MotionIntervalMS int
	MotionTimeoutMS  int
}

// DefaultConfig returns the defaults for a unit at endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		Baud:             DefaultSettings.Baud,
		Servos:           DefaultSettings.Servos,
		GuideStep:        DefaultSettings.GuideStep,
		MotionIntervalMS: int(DefaultSettings.MotionInterval / time.Millisecond),
		MotionTimeoutMS:  int(DefaultSettings.MotionTimeout / time.Millisecond),
	}
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	for ch, s := range c.Servos {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s: %v", ChannelName(byte(ch)), err)
		}
	}
	if c.GuideStep <= 0 {
		return fmt.Errorf("guide step must be positive")
	}
	if c.MotionIntervalMS < 5 || c.MotionTimeoutMS < c.MotionIntervalMS {
		return fmt.Errorf("invalid motion interval %d ms or timeout %d ms", c.MotionIntervalMS, c.MotionTimeoutMS)
	}
	return nil
}

// Apply overlays the config on base.
func (c Config) Apply(base Settings) Settings {
	s := base
	s.Endpoint = c.Endpoint
	s.Baud = c.Baud
	s.Servos = c.Servos
	s.GuideStep = c.GuideStep
	s.MotionInterval = time.Duration(c.MotionIntervalMS) * time.Millisecond
	s.MotionTimeout = time.Duration(c.MotionTimeoutMS) * time.Millisecond
	return s
}

func NewStore(db *bolt.DB, key string, defaults Config, logger log.FieldLogger) (*store.Store[Config], error) {
	return store.New(db, key, defaults, Config.Validate, logger)
}
