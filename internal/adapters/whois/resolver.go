// Package whois maps addresses to their owning network range.
//
// The Resolver fronts a ports.WhoisClient with a bounded range cache, a
// request rate limit and a worker pool. Resolution never fails per address:
// any lookup problem degrades to the address's own host route tagged as a
// fallback, which the consolidator will never group.
package whois

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

const (
	DefaultWorkers       = 10
	DefaultTimeout       = 10 * time.Second
	DefaultMinPrefixBits = 8
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Workers       int
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	HomeCountry   string
	MinPrefixBits int
}

// Resolver resolves addresses through a cache and a lookup client.
type Resolver struct {
	client        ports.WhoisClient
	cache         *RangeCache
	limiter       *rate.Limiter
	workers       int
	timeout       time.Duration
	homeCountry   string
	minPrefixBits int

	statsMu   sync.Mutex
	lookups   uint64
	failures  uint64
	cacheHits uint64
}

func NewResolver(client ports.WhoisClient, cache *RangeCache, cfg ResolverConfig) *Resolver {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinPrefixBits <= 0 {
		cfg.MinPrefixBits = DefaultMinPrefixBits
	}
	if cache == nil {
		cache = NewRangeCache(DefaultCacheSize, 0)
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = cfg.Workers
		}
	}

	return &Resolver{
		client:        client,
		cache:         cache,
		limiter:       rate.NewLimiter(limit, burst),
		workers:       cfg.Workers,
		timeout:       cfg.Timeout,
		homeCountry:   cfg.HomeCountry,
		minPrefixBits: cfg.MinPrefixBits,
	}
}

// Cache exposes the range cache for persistence.
func (r *Resolver) Cache() *RangeCache {
	return r.cache
}

// Resolve returns the range owning addr. It never fails: a lookup error, an
// empty answer or an implausibly wide block yields the host route of addr
// with the home country and Fallback set.
func (r *Resolver) Resolve(ctx context.Context, addr netip.Addr) domain.RangeInfo {
	return r.resolve(ctx, ctx, addr)
}

// resolve waits for the rate limiter on waitCtx and performs the lookup on
// lookupCtx, so a cancelled batch stops queueing lookups without aborting
// the ones already sent.
func (r *Resolver) resolve(waitCtx, lookupCtx context.Context, addr netip.Addr) domain.RangeInfo {
	addr = addr.Unmap()
	if info, ok := r.cache.Lookup(addr); ok {
		r.count(func() { r.cacheHits++ })
		return info
	}

	if err := r.limiter.Wait(waitCtx); err != nil {
		return domain.SelfRange(addr, r.homeCountry)
	}
	if waitCtx.Err() != nil {
		return domain.SelfRange(addr, r.homeCountry)
	}

	lookupCtx, cancel := context.WithTimeout(lookupCtx, r.timeout)
	defer cancel()

	r.count(func() { r.lookups++ })
	answer, err := r.client.Lookup(lookupCtx, addr)
	if err != nil {
		r.count(func() { r.failures++ })
		log.Warn().Err(err).Str("addr", addr.String()).Str("client", r.client.Name()).Msg("Range lookup failed, using host route")
		return domain.SelfRange(addr, r.homeCountry)
	}

	return r.absorb(addr, answer)
}

// absorb caches every usable block of answer and picks the most specific one
// containing addr, the same rule RangeCache.Lookup applies. When no usable
// block contains addr the address stands alone, still carrying the answer's
// country.
func (r *Resolver) absorb(addr netip.Addr, answer domain.WhoisAnswer) domain.RangeInfo {
	source := answer.Source
	if source == "" {
		source = r.client.Name()
	}

	usable := domain.WhoisAnswer{Country: answer.Country, Source: source}
	for _, p := range answer.Ranges {
		if !p.IsValid() || p.Bits() == 0 || p.Bits() < r.minPrefixBits || p.Addr().BitLen() != addr.BitLen() {
			log.Debug().Str("addr", addr.String()).Str("range", p.String()).Msg("Ignoring unusable range block")
			continue
		}
		p = p.Masked()
		r.cache.Store(domain.RangeInfo{Range: p, Country: answer.Country, Source: source})
		usable.Ranges = append(usable.Ranges, p)
	}

	if len(usable.Ranges) == 0 {
		r.count(func() { r.failures++ })
		log.Debug().Str("addr", addr.String()).Msg("Lookup returned no usable range, using host route")
		return domain.SelfRange(addr, r.homeCountry)
	}
	block, ok := usable.Containing(addr)
	if !ok {
		block = domain.HostRoute(addr).Prefix
	}
	return domain.RangeInfo{Range: block, Country: answer.Country, Source: source}
}

// ResolveAll resolves addrs across a bounded pool and waits for all of them.
//
// Cancellation: lookups already started run to completion on a context
// detached from ctx (still bounded by the per-lookup timeout) and keep
// populating the cache. No new lookup starts once ctx is done, and the call
// returns ctx.Err() with no result.
func (r *Resolver) ResolveAll(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]domain.RangeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make(map[netip.Addr]domain.RangeInfo, len(addrs))
	var mu sync.Mutex
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.workers)

	seen := make(map[netip.Addr]struct{}, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info := r.resolve(ctx, detached, addr)
			mu.Lock()
			results[addr] = info
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ResolverStats are cumulative lookup counters.
type ResolverStats struct {
	Lookups   uint64
	Failures  uint64
	CacheHits uint64
	Cached    int
	Evicted   uint64
}

func (r *Resolver) Stats() ResolverStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return ResolverStats{
		Lookups:   r.lookups,
		Failures:  r.failures,
		CacheHits: r.cacheHits,
		Cached:    r.cache.Len(),
		Evicted:   r.cache.Evicted(),
	}
}

func (r *Resolver) count(fn func()) {
	r.statsMu.Lock()
	fn()
	r.statsMu.Unlock()
}
