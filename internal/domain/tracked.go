package domain

import (
	"fmt"
	"net/netip"
	"time"
)

// TrackState is the lifecycle state of a tracked address.
type TrackState string

const (
	StateObserving TrackState = "OBSERVING"
	StateEscalated TrackState = "ESCALATED"
	StateExpired   TrackState = "EXPIRED"
)

// TrackedAddress is the attempt history of one source under observation.
// Attempts are kept in arrival order and only ever appended to.
type TrackedAddress struct {
	Addr     netip.Addr  `json:"addr"`
	Attempts []time.Time `json:"attempts"`
	State    TrackState  `json:"state"`
}

// NewTrackedAddress returns an OBSERVING entry with no attempts.
func NewTrackedAddress(addr netip.Addr) *TrackedAddress {
	return &TrackedAddress{
		Addr:     addr,
		Attempts: make([]time.Time, 0, 4),
		State:    StateObserving,
	}
}

// Record appends one attempt.
func (t *TrackedAddress) Record(ts time.Time) {
	t.Attempts = append(t.Attempts, ts)
}

// LastAttempt returns the most recently appended attempt.
func (t *TrackedAddress) LastAttempt() time.Time {
	if len(t.Attempts) == 0 {
		return time.Time{}
	}
	return t.Attempts[len(t.Attempts)-1]
}

// Count returns the number of recorded attempts.
func (t *TrackedAddress) Count() int {
	return len(t.Attempts)
}

// WhitelistEntry marks an address as a legitimate client for the lifetime
// of the process.
type WhitelistEntry struct {
	Addr   netip.Addr `json:"addr"`
	Since  time.Time  `json:"since"`
	Reason string     `json:"reason"`
}

// InvariantError reports a state that correct code can never produce, such
// as an address that is tracked and whitelisted at once.
type InvariantError struct {
	Invariant string
	Addr      netip.Addr
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s (addr %s)", e.Invariant, e.Addr)
}

// Verdict is the whitelist's decision for one record.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictWhitelist
)

func (v Verdict) String() string {
	if v == VerdictWhitelist {
		return "WHITELIST"
	}
	return "PASS"
}

// SweepResult lists the addresses removed from tracking by one sweep, each
// slice sorted by address.
type SweepResult struct {
	Promoted []netip.Addr
	Expired  []netip.Addr
}
