package dsd

import (
	"fmt"
	"time"

	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Config is the persisted form of a controller's settings.
type Config struct {
	Endpoint string
	Baud     int
	Model    Model
	SettleMS int

	MaxStep     int
	Reverse     bool
	Coefficient float64
	AutoMode    bool

	MotionIntervalMS      int
	TemperatureIntervalMS int
}

var defaultConfig = Config{
	Endpoint:              "/dev/ttyUSB0",
	Baud:                  DefaultSettings.Baud,
	Model:                 ModelAuto,
	SettleMS:              int(DefaultSettings.Settle / time.Millisecond),
	MaxStep:               DefaultSettings.MaxStep,
	MotionIntervalMS:      int(DefaultSettings.MotionInterval / time.Millisecond),
	TemperatureIntervalMS: int(DefaultSettings.TemperatureInterval / time.Millisecond),
}

// DefaultConfig returns the defaults for a controller at endpoint.
func DefaultConfig(endpoint string) Config {
	cfg := defaultConfig
	cfg.Endpoint = endpoint
	return cfg
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !c.Model.Valid() {
		return fmt.Errorf("unknown model %q", c.Model)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.MaxStep <= 0 {
		return fmt.Errorf("max step must be positive")
	}
	if c.Coefficient < -MaxCoefficient || c.Coefficient > MaxCoefficient {
		return fmt.Errorf("coefficient %g outside ±%d", c.Coefficient, MaxCoefficient)
	}
	if c.MotionIntervalMS < 10 || c.TemperatureIntervalMS < 100 {
		return fmt.Errorf("poll intervals too short")
	}
	return nil
}

// Apply overlays the config on base. Timings not in the config, such as
// the command deadlines, are kept from base.
func (c Config) Apply(base Settings) Settings {
	s := base
	s.Endpoint = c.Endpoint
	s.Baud = c.Baud
	s.Settle = time.Duration(c.SettleMS) * time.Millisecond
	s.MaxStep = c.MaxStep
	s.Reverse = c.Reverse
	s.Coefficient = c.Coefficient
	s.AutoMode = c.AutoMode
	s.MotionInterval = time.Duration(c.MotionIntervalMS) * time.Millisecond
	s.TemperatureInterval = time.Duration(c.TemperatureIntervalMS) * time.Millisecond
	return s
}

// NewStore returns the config store of the controller saved under key.
func NewStore(db *bolt.DB, key string, defaults Config, logger log.FieldLogger) (*store.Store[Config], error) {
	return store.New(db, key, defaults, Config.Validate, logger)
}
