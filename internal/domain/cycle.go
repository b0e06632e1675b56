package domain

import (
	"net/netip"
	"time"
)

// CycleResult classifies how a detection cycle ended.
type CycleResult string

const (
	CycleIdle      CycleResult = "idle"      // no promotion pending
	CycleUnchanged CycleResult = "unchanged" // consolidation matched the store
	CycleWritten   CycleResult = "written"   // a new ban set was stored
	CycleFailed    CycleResult = "failed"    // write failed, promotions kept pending
	CycleAborted   CycleResult = "aborted"   // cancelled or invariant violated
	CyclePlanned   CycleResult = "planned"   // dry run, nothing written
)

// LineOutcome classifies one raw log line.
type LineOutcome string

const (
	LineAccepted   LineOutcome = "accepted"
	LineMalformed  LineOutcome = "malformed"
	LineIrrelevant LineOutcome = "irrelevant"
	LineStale      LineOutcome = "stale"
	LineDuplicate  LineOutcome = "duplicate"
)

// CycleReport is the outcome of one detection pass.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    CycleResult   `json:"result"`
	Since     time.Time     `json:"since"`
	HighWater time.Time     `json:"high_water"`

	LinesRead int                 `json:"lines_read"`
	Lines     map[LineOutcome]int `json:"lines"`

	Whitelisted []netip.Addr `json:"whitelisted,omitempty"`
	Observed    int          `json:"observed"`
	Promoted    []netip.Addr `json:"promoted,omitempty"`
	Expired     []netip.Addr `json:"expired,omitempty"`
	Pending     int          `json:"pending"`
	Tracked     int          `json:"tracked"`

	Previous []BanEntry `json:"previous,omitempty"`
	Desired  []BanEntry `json:"desired,omitempty"`
	Diff     BanDiff    `json:"diff"`

	SourceErr string `json:"source_error,omitempty"`
	StoreErr  string `json:"store_error,omitempty"`
	Err       string `json:"error,omitempty"`
}

// NewCycleReport returns an empty report stamped with start.
func NewCycleReport(start time.Time) *CycleReport {
	return &CycleReport{
		StartedAt: start,
		Result:    CycleIdle,
		Lines:     make(map[LineOutcome]int, 4),
	}
}

// CountLine increments the counter for outcome.
func (r *CycleReport) CountLine(outcome LineOutcome) {
	r.Lines[outcome]++
}
