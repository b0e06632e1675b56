package ports

import (
	"net/netip"
	"time"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// BanLookup answers exact host-route membership against the last known ban
// set.
type BanLookup interface {
	ContainsHost(addr netip.Addr) bool
}

// Forgetter drops any tracking state for an address. The whitelist calls it
// when an address is promoted to a legitimate client.
type Forgetter interface {
	Forget(addr netip.Addr) bool
}

// WhitelistChecker reports whether an address may never be banned.
type WhitelistChecker interface {
	IsWhitelisted(addr netip.Addr) bool
}

// CycleObserver is notified once per completed cycle.
//
// Implementations:
//   - PrometheusMetrics: counters and gauges
//   - HealthServer: readiness and last cycle
//   - EventLog: JSON decision log
//
// Performance: OnCycle runs on the engine goroutine and should return
// quickly.
type CycleObserver interface {
	OnCycle(report *domain.CycleReport)
}

// RecordExtractor turns raw lines into connection records.
type RecordExtractor interface {
	Extract(line string, now time.Time) (domain.ConnectionRecord, domain.LineOutcome)

	// LineTime finds a timestamp in any line, record or not.
	LineTime(line string, now time.Time) (time.Time, bool)
}

// WhitelistPolicy is the dynamic and static whitelist.
type WhitelistPolicy interface {
	WhitelistChecker

	// Classify returns WHITELIST for addresses that may never be tracked.
	// A record that looks like a real session whitelists its source and
	// removes it from the tracker.
	Classify(rec domain.ConnectionRecord) domain.Verdict

	// IsDynamic reports membership in the session-earned whitelist only.
	IsDynamic(addr netip.Addr) bool

	// TakeAdded returns addresses whitelisted since the last call.
	TakeAdded() []netip.Addr

	// ReloadStatic rereads the static list if its file changed.
	ReloadStatic() (bool, error)

	Entries() []domain.WhitelistEntry
	Restore(entries []domain.WhitelistEntry)
}

// ActivityTracker is the sliding-window suspicious-activity tracker.
type ActivityTracker interface {
	Forgetter

	Observe(rec domain.ConnectionRecord, banned BanLookup) bool
	Sweep(now time.Time, threshold int, window time.Duration) domain.SweepResult
	Addrs() []netip.Addr
	Len() int

	Snapshot() []domain.TrackedAddress
	Restore(entries []domain.TrackedAddress)
}
