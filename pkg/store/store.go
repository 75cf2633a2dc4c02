// Package store persists per-device settings as JSON values in bbolt.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucket = "astrodev"

var ErrNotFound = errors.New("config not found")

// Store holds the settings of one device under its own key.
type Store[T any] struct {
	db       *bolt.DB
	key      string
	validate func(T) error
}

// New returns a store for key, writing defaults when the key is not set.
// validate may be nil.
func New[T any](db *bolt.DB, key string, defaults T, validate func(T) error, logger log.FieldLogger) (*Store[T], error) {
	st := Store[T]{db: db, key: key, validate: validate}

	if _, err := st.Get(); errors.Is(err, ErrNotFound) {
		logger.Infof("Setting default config for %s", key)
		if err := st.Set(defaults); err != nil {
			return nil, fmt.Errorf("failed to set defaults: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return &st, nil
}

// Set validates cfg and saves it.
func (s *Store[T]) Set(cfg T) error {
	if s.validate != nil {
		if err := s.validate(cfg); err != nil {
			return err
		}
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
		return b.Put([]byte(s.key), value)
	})
}

func (s *Store[T]) Get() (T, error) {
	var cfg T

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}

		value := b.Get([]byte(s.key))
		if value == nil {
			return ErrNotFound
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
