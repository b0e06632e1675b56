package whois

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/pkg/lru"
)

type fakeClient struct {
	mu      sync.Mutex
	answers map[netip.Addr]domain.WhoisAnswer
	errs    map[netip.Addr]error
	calls   atomic.Int32
	block   chan struct{}
	started chan netip.Addr
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		answers: make(map[netip.Addr]domain.WhoisAnswer),
		errs:    make(map[netip.Addr]error),
	}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) answer(addr string, country string, ranges ...string) {
	a := domain.WhoisAnswer{Country: country}
	for _, r := range ranges {
		a.Ranges = append(a.Ranges, netip.MustParsePrefix(r))
	}
	f.mu.Lock()
	f.answers[netip.MustParseAddr(addr)] = a
	f.mu.Unlock()
}

func (f *fakeClient) Lookup(ctx context.Context, addr netip.Addr) (domain.WhoisAnswer, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- addr
	}
	if f.block != nil {
		<-f.block
	}
	if err := ctx.Err(); err != nil {
		return domain.WhoisAnswer{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[addr]; ok {
		return domain.WhoisAnswer{}, err
	}
	return f.answers[addr], nil
}

func TestResolveUsesAndFillsCache(t *testing.T) {
	client := newFakeClient()
	client.answer("203.0.113.7", "CN", "203.0.113.0/24", "198.18.0.0/15")
	r := NewResolver(client, NewRangeCache(16, 0), ResolverConfig{HomeCountry: "ES"})

	info := r.Resolve(context.Background(), netip.MustParseAddr("203.0.113.7"))
	assert.Equal(t, netip.MustParsePrefix("203.0.113.0/24"), info.Range)
	assert.Equal(t, "CN", info.Country)
	assert.Equal(t, "fake", info.Source)
	assert.False(t, info.Fallback)

	info = r.Resolve(context.Background(), netip.MustParseAddr("203.0.113.99"))
	assert.Equal(t, netip.MustParsePrefix("203.0.113.0/24"), info.Range)

	info = r.Resolve(context.Background(), netip.MustParseAddr("198.19.1.1"))
	assert.Equal(t, netip.MustParsePrefix("198.18.0.0/15"), info.Range, "every block of an answer is cached")

	assert.Equal(t, int32(1), client.calls.Load())
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Lookups)
	assert.Equal(t, uint64(2), stats.CacheHits)
	assert.Equal(t, 2, stats.Cached)
	assert.Zero(t, stats.Evicted)
}

func TestResolveFallbacks(t *testing.T) {
	client := newFakeClient()
	client.errs[netip.MustParseAddr("192.0.2.1")] = errors.New("connection refused")
	client.answer("192.0.2.2", "CN")
	client.answer("192.0.2.3", "CN", "0.0.0.0/0")
	client.answer("192.0.2.4", "CN", "192.0.0.0/4")
	r := NewResolver(client, nil, ResolverConfig{HomeCountry: "ES", MinPrefixBits: 8})

	for _, a := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"} {
		t.Run(a, func(t *testing.T) {
			addr := netip.MustParseAddr(a)
			info := r.Resolve(context.Background(), addr)
			assert.True(t, info.Fallback)
			assert.Equal(t, domain.SourceFallback, info.Source)
			assert.Equal(t, netip.PrefixFrom(addr, 32), info.Range)
			assert.Equal(t, "ES", info.Country)
		})
	}
	assert.Zero(t, r.Cache().Len(), "fallbacks and rejected blocks are not cached")
}

func TestResolveNoContainingBlock(t *testing.T) {
	client := newFakeClient()
	client.answer("203.0.113.7", "CN", "198.51.100.0/24")
	r := NewResolver(client, nil, ResolverConfig{HomeCountry: "ES"})

	info := r.Resolve(context.Background(), netip.MustParseAddr("203.0.113.7"))
	assert.Equal(t, netip.MustParsePrefix("203.0.113.7/32"), info.Range)
	assert.Equal(t, "CN", info.Country)
	assert.False(t, info.Fallback)
	assert.Equal(t, 1, r.Cache().Len())
}

func TestResolveMostSpecificBlockWins(t *testing.T) {
	client := newFakeClient()
	client.answer("203.0.113.7", "CN", "203.0.112.0/23", "203.0.113.0/25")
	r := NewResolver(client, nil, ResolverConfig{HomeCountry: "ES"})
	addr := netip.MustParseAddr("203.0.113.7")

	fresh := r.Resolve(context.Background(), addr)
	assert.Equal(t, netip.MustParsePrefix("203.0.113.0/25"), fresh.Range)

	cached := r.Resolve(context.Background(), addr)
	assert.Equal(t, fresh, cached, "a cache hit picks the same block as the lookup")
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestResolveAll(t *testing.T) {
	client := newFakeClient()
	client.answer("203.0.113.7", "CN", "203.0.113.0/24")
	client.answer("198.51.100.1", "DE", "198.51.100.0/24")
	r := NewResolver(client, nil, ResolverConfig{HomeCountry: "ES", Workers: 2})

	addrs := []netip.Addr{
		netip.MustParseAddr("203.0.113.7"),
		netip.MustParseAddr("198.51.100.1"),
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("203.0.113.7"),
	}
	got, err := r.ResolveAll(context.Background(), addrs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "CN", got[addrs[0]].Country)
	assert.Equal(t, "DE", got[addrs[1]].Country)
	assert.True(t, got[addrs[2]].Fallback)
}

func TestResolveAllCancelledReturnsNoResult(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	client.started = make(chan netip.Addr, 8)
	client.answer("203.0.113.7", "CN", "203.0.113.0/24")
	client.answer("198.51.100.1", "DE", "198.51.100.0/24")
	r := NewResolver(client, nil, ResolverConfig{HomeCountry: "ES", Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var got map[netip.Addr]domain.RangeInfo
	go func() {
		var err error
		got, err = r.ResolveAll(ctx, []netip.Addr{
			netip.MustParseAddr("203.0.113.7"),
			netip.MustParseAddr("198.51.100.1"),
		})
		done <- err
	}()

	select {
	case <-client.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first lookup never started")
	}
	cancel()
	close(client.block)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ResolveAll did not return")
	}
	assert.Nil(t, got)
	assert.Equal(t, int32(1), client.calls.Load(), "no lookup starts after cancellation")

	info, ok := r.Cache().Lookup(netip.MustParseAddr("203.0.113.7"))
	require.True(t, ok, "in-flight lookup still populates the cache")
	assert.Equal(t, "CN", info.Country)
}

func TestResolveAllAlreadyCancelled(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, nil, ResolverConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := r.ResolveAll(ctx, []netip.Addr{netip.MustParseAddr("192.0.2.1")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Zero(t, client.calls.Load())
}

func TestRangeCacheMostSpecificAndTTL(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewRangeCache(8, time.Hour, lru.WithClock(clock))

	cache.Store(domain.RangeInfo{Range: netip.MustParsePrefix("10.0.0.0/8"), Country: "US"})
	cache.Store(domain.RangeInfo{Range: netip.MustParsePrefix("10.1.0.0/16"), Country: "US"})
	cache.Store(domain.RangeInfo{Range: netip.MustParsePrefix("10.1.2.3/32"), Country: "US", Fallback: true})

	info, ok := cache.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), info.Range)
	assert.Equal(t, 2, cache.Len())

	now = now.Add(2 * time.Hour)
	_, ok = cache.Lookup(netip.MustParseAddr("10.1.2.3"))
	assert.False(t, ok)
}

func TestRangeCacheRestore(t *testing.T) {
	cache := NewRangeCache(8, 0)
	cache.Restore([]domain.RangeInfo{
		{Range: netip.MustParsePrefix("203.0.113.0/24"), Country: "CN", Source: "cymru"},
	})
	info, ok := cache.Lookup(netip.MustParseAddr("203.0.113.200"))
	require.True(t, ok)
	assert.Equal(t, "cymru", info.Source)
	assert.Len(t, cache.Entries(), 1)
}
