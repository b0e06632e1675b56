package ports

import (
	"context"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// BanStore is where the authoritative ban set lives.
//
// Implementations:
//   - FileStore: one CIDR per line, replaced by atomic rename
//   - BoltStore: bbolt bucket
//   - RedisStore: Redis set replaced in one transaction
//   - NetworkPolicyStore: Kubernetes NetworkPolicy manifest
//   - MemoryStore: in-process, for tests and plan runs
type BanStore interface {
	// Get returns the current ban set. Order is not significant.
	Get(ctx context.Context) ([]domain.BanEntry, error)

	// Set replaces the whole ban set. A failed Set MUST leave the previous
	// set in place.
	Set(ctx context.Context, entries []domain.BanEntry) error
}

// Closer is implemented by stores holding a connection or file handle.
type Closer interface {
	Close() error
}

// StateStore persists engine state across restarts.
type StateStore interface {
	// Load returns the saved state, or nil and no error when nothing was
	// saved yet.
	Load(ctx context.Context) (*domain.EngineState, error)
	Save(ctx context.Context, state *domain.EngineState) error
}
