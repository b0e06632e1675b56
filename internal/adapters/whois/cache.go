package whois

import (
	"net/netip"
	"sync"
	"time"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/pkg/lru"
)

const DefaultCacheSize = 4096

// RangeCache remembers every block learned from lookups. Lookups scan the
// whole cache and return the most specific block containing the address.
// Writes are serialized by writeMu and are idempotent per prefix.
type RangeCache struct {
	writeMu sync.Mutex
	entries *lru.Cache[netip.Prefix, domain.RangeInfo]
}

// NewRangeCache creates a cache holding at most size blocks. A positive ttl
// also expires blocks learned longer ago than ttl.
func NewRangeCache(size int, ttl time.Duration, opts ...lru.Option) *RangeCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	opts = append([]lru.Option{lru.WithTTL(ttl)}, opts...)
	return &RangeCache{entries: lru.New[netip.Prefix, domain.RangeInfo](size, opts...)}
}

// Lookup returns the cached range containing addr.
func (c *RangeCache) Lookup(addr netip.Addr) (domain.RangeInfo, bool) {
	addr = addr.Unmap()
	var best domain.RangeInfo
	found := false
	c.entries.Range(func(p netip.Prefix, info domain.RangeInfo) bool {
		if p.Contains(addr) && (!found || p.Bits() > best.Range.Bits()) {
			best = info
			found = true
		}
		return true
	})
	if found {
		c.entries.Touch(best.Range)
	}
	return best, found
}

// Store caches info under its masked range. Fallback answers are never
// cached so a later cycle retries the lookup.
func (c *RangeCache) Store(info domain.RangeInfo) {
	if info.Fallback || !info.Range.IsValid() {
		return
	}
	info.Range = info.Range.Masked()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if existing, ok := c.entries.Get(info.Range); ok && existing == info {
		return
	}
	c.entries.Put(info.Range, info)
}

// Entries returns every live cached range.
func (c *RangeCache) Entries() []domain.RangeInfo {
	var out []domain.RangeInfo
	c.entries.Range(func(_ netip.Prefix, info domain.RangeInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// Restore loads persisted ranges.
func (c *RangeCache) Restore(infos []domain.RangeInfo) {
	for i := len(infos) - 1; i >= 0; i-- {
		c.Store(infos[i])
	}
}

func (c *RangeCache) Len() int {
	return c.entries.Len()
}

func (c *RangeCache) Evicted() uint64 {
	return c.entries.Evicted()
}
