package alpaca

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket          = "astrodev"
	defaultMQTTHost = "localhost"
	defaultMQTTPort = 1883

	configKey = "server_config"
)

// MQTTConfig configures the telemetry publisher.
type MQTTConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	TopicRoot string
}

func (c MQTTConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

type Config struct {
	Description ServerDescription
	MQTT        MQTTConfig
}

var defaultConfig = Config{
	Description: ServerDescription{
		Name:                "astrodev Alpaca Server",
		Manufacturer:        "astrodev",
		ManufacturerVersion: "1.0",
		Location:            "Observatory",
	},
	MQTT: MQTTConfig{
		Host:      defaultMQTTHost,
		Port:      defaultMQTTPort,
		TopicRoot: "astrodev",
	},
}

// Store keeps the server configuration in bbolt.
type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default server config")
		return s.SetConfig(defaultConfig)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Description.Name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.MQTT.Port)
	}
	if c.MQTT.TopicRoot == "" {
		return fmt.Errorf("topic root cannot be empty")
	}
	return nil
}

// SetConfig saves the server configuration as a json string in the database.
func (s *Store) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(configKey), value)
	})
}

// GetConfig retrieves the server configuration from the database.
func (s *Store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(configKey))
		if value == nil {
			return fmt.Errorf("key %s not found", configKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
