// Package detection holds the per-address state machines of the engine: the
// suspicious-activity tracker and the whitelist policy.
//
// The tracker keeps a sliding attempt history for every address that makes
// low-payload connections. Sweep promotes addresses that reach the ban
// threshold and expires the ones that went quiet for longer than the
// inactivity window.
//
// Thread Safety: every method takes the tracker mutex. The engine is the only
// writer; Snapshot and Len may be called from other goroutines.
package detection

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

// Tracker owns every TrackedAddress.
type Tracker struct {
	mu      sync.Mutex
	entries map[netip.Addr]*domain.TrackedAddress
	limits  domain.TransferLimits
}

// NewTracker creates an empty tracker using limits to recognize probes.
func NewTracker(limits domain.TransferLimits) *Tracker {
	return &Tracker{
		entries: make(map[netip.Addr]*domain.TrackedAddress),
		limits:  limits,
	}
}

// SetLimits replaces the transfer limits. Used on configuration reload.
func (t *Tracker) SetLimits(limits domain.TransferLimits) {
	t.mu.Lock()
	t.limits = limits
	t.mu.Unlock()
}

// Observe records one attempt for rec.SourceAddr when the record is a
// low-payload probe and the address is not already banned as a host route.
// It reports whether an attempt was recorded.
//
// Addresses are only observed after the whitelist classified the record as
// PASS; the tracker does not check the whitelist itself.
func (t *Tracker) Observe(rec domain.ConnectionRecord, banned ports.BanLookup) bool {
	addr := rec.SourceAddr.Unmap()
	if !addr.IsValid() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.limits.IsLowPayload(rec) {
		return false
	}
	if banned != nil && banned.ContainsHost(addr) {
		return false
	}

	entry, ok := t.entries[addr]
	if !ok {
		entry = domain.NewTrackedAddress(addr)
		t.entries[addr] = entry
	}
	entry.Record(rec.Timestamp)
	return true
}

// Sweep evaluates every entry against now. An entry with at least threshold
// attempts is ESCALATED and promoted. Otherwise an entry whose last attempt
// is strictly older than window is EXPIRED. Both are removed; all other
// entries are retained untouched.
func (t *Tracker) Sweep(now time.Time, threshold int, window time.Duration) domain.SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res domain.SweepResult
	for addr, entry := range t.entries {
		switch {
		case entry.Count() >= threshold:
			entry.State = domain.StateEscalated
			res.Promoted = append(res.Promoted, addr)
			delete(t.entries, addr)
		case now.Sub(entry.LastAttempt()) > window:
			entry.State = domain.StateExpired
			res.Expired = append(res.Expired, addr)
			delete(t.entries, addr)
		}
	}

	slices.SortFunc(res.Promoted, netip.Addr.Compare)
	slices.SortFunc(res.Expired, netip.Addr.Compare)
	return res
}

// Forget drops the entry for addr, reporting whether one existed.
func (t *Tracker) Forget(addr netip.Addr) bool {
	addr = addr.Unmap()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return false
	}
	delete(t.entries, addr)
	return true
}

func (t *Tracker) Contains(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr.Unmap()]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Addrs returns the tracked addresses in sorted order.
func (t *Tracker) Addrs() []netip.Addr {
	t.mu.Lock()
	out := make([]netip.Addr, 0, len(t.entries))
	for addr := range t.entries {
		out = append(out, addr)
	}
	t.mu.Unlock()
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

// Snapshot returns deep copies of all entries, sorted by address.
func (t *Tracker) Snapshot() []domain.TrackedAddress {
	t.mu.Lock()
	out := make([]domain.TrackedAddress, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, domain.TrackedAddress{
			Addr:     e.Addr,
			Attempts: slices.Clone(e.Attempts),
			State:    e.State,
		})
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.TrackedAddress) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Restore replaces the tracker contents with entries.
func (t *Tracker) Restore(entries []domain.TrackedAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[netip.Addr]*domain.TrackedAddress, len(entries))
	for _, e := range entries {
		if !e.Addr.IsValid() || len(e.Attempts) == 0 {
			continue
		}
		addr := e.Addr.Unmap()
		t.entries[addr] = &domain.TrackedAddress{
			Addr:     addr,
			Attempts: slices.Clone(e.Attempts),
			State:    domain.StateObserving,
		}
	}
}
