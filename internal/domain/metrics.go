package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a consistent read of EngineMetrics.
type MetricsSnapshot struct {
	Cycles         int64
	LinesRead      int64
	Promotions     int64
	Expirations    int64
	Whitelisted    int64
	BanWrites      int64
	BanWriteErrors int64
	TrackedAddrs   int
	BanEntries     int
	Pending        int
	LastCycle      time.Time
	LastResult     CycleResult
	Uptime         time.Duration
	StartTime      time.Time
}

// EngineMetrics is the engine's internal counter set. Counters are atomic;
// gauges and the last-cycle fields are guarded by mu.
type EngineMetrics struct {
	cycles         atomic.Int64
	linesRead      atomic.Int64
	promotions     atomic.Int64
	expirations    atomic.Int64
	whitelisted    atomic.Int64
	banWrites      atomic.Int64
	banWriteErrors atomic.Int64

	trackedAddrs int
	banEntries   int
	pending      int
	lastCycle    time.Time
	lastResult   CycleResult
	startTime    time.Time

	mu sync.RWMutex
}

// NewEngineMetrics starts the uptime clock at now.
func NewEngineMetrics(now time.Time) *EngineMetrics {
	return &EngineMetrics{startTime: now}
}

// Record folds one cycle report into the counters.
func (m *EngineMetrics) Record(r *CycleReport) {
	m.cycles.Add(1)
	m.linesRead.Add(int64(r.LinesRead))
	m.promotions.Add(int64(len(r.Promoted)))
	m.expirations.Add(int64(len(r.Expired)))
	m.whitelisted.Add(int64(len(r.Whitelisted)))
	switch r.Result {
	case CycleWritten:
		m.banWrites.Add(1)
	case CycleFailed:
		m.banWriteErrors.Add(1)
	}

	m.mu.Lock()
	m.trackedAddrs = r.Tracked
	m.pending = r.Pending
	if r.Desired != nil {
		m.banEntries = len(r.Desired)
	}
	m.lastCycle = r.StartedAt.Add(r.Duration)
	m.lastResult = r.Result
	m.mu.Unlock()
}

// Cycles returns the number of completed cycles.
func (m *EngineMetrics) Cycles() int64 { return m.cycles.Load() }

// LinesRead returns the total number of raw lines read.
func (m *EngineMetrics) LinesRead() int64 { return m.linesRead.Load() }

// Promotions returns the total number of escalated addresses.
func (m *EngineMetrics) Promotions() int64 { return m.promotions.Load() }

// GetSnapshot returns a consistent copy of all fields.
func (m *EngineMetrics) GetSnapshot(now time.Time) MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		Cycles:         m.cycles.Load(),
		LinesRead:      m.linesRead.Load(),
		Promotions:     m.promotions.Load(),
		Expirations:    m.expirations.Load(),
		Whitelisted:    m.whitelisted.Load(),
		BanWrites:      m.banWrites.Load(),
		BanWriteErrors: m.banWriteErrors.Load(),
		TrackedAddrs:   m.trackedAddrs,
		BanEntries:     m.banEntries,
		Pending:        m.pending,
		LastCycle:      m.lastCycle,
		LastResult:     m.lastResult,
		Uptime:         now.Sub(m.startTime),
		StartTime:      m.startTime,
	}
}
