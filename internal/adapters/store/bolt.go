package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// BanBucket holds one key per entry, the CIDR text, with an empty value.
var BanBucket = []byte("bans")

// BoltStore keeps the ban set in a bbolt bucket. Set replaces the bucket in
// a single read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BanBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ban bucket: %w", err)
	}

	log.Debug().Str("path", path).Msg("Opened bolt ban store")
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context) ([]domain.BanEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.BanEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BanBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			e, err := domain.ParseBanEntry(string(k))
			if err != nil {
				log.Warn().Str("key", string(k)).Msg("Skipping invalid ban entry in bolt store")
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read bolt store: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Set(ctx context.Context, entries []domain.BanEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(BanBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(BanBucket)
		if err != nil {
			return err
		}
		for _, e := range domain.SortedEntries(entries) {
			if err := b.Put([]byte(e.String()), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write bolt store: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
