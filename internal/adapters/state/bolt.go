// Package state persists the engine's in-memory state (tracked addresses,
// dynamic whitelist, learned ranges, pending promotions and the high-water
// mark) so a restart resumes where the previous process stopped.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

var (
	StateBucket = []byte("state")
	stateKey    = []byte("engine")
)

// BoltState stores one JSON-encoded EngineState under a fixed key.
type BoltState struct {
	db *bolt.DB
}

func OpenBoltState(path string) (*BoltState, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(StateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	return &BoltState{db: db}, nil
}

func (s *BoltState) Load(ctx context.Context) (*domain.EngineState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(StateBucket).Get(stateKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var st domain.EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable engine state")
		return nil, nil
	}
	return &st, nil
}

func (s *BoltState) Save(ctx context.Context, st *domain.EngineState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(StateBucket).Put(stateKey, data)
	})
}

func (s *BoltState) Close() error {
	return s.db.Close()
}
