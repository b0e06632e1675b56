package store

import (
	"context"
	"sync"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// MemoryStore keeps the ban set in process. Demo runs and tests use it.
type MemoryStore struct {
	mu     sync.RWMutex
	set    domain.BanSet
	writes int
}

func NewMemoryStore(entries ...domain.BanEntry) *MemoryStore {
	return &MemoryStore{set: domain.NewBanSet(entries...)}
}

func (s *MemoryStore) Get(ctx context.Context) ([]domain.BanEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Sorted(), nil
}

func (s *MemoryStore) Set(ctx context.Context, entries []domain.BanEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.set = domain.NewBanSet(entries...)
	s.writes++
	s.mu.Unlock()
	return nil
}

// Writes returns the number of successful Set calls.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
