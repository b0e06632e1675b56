// Package app wires the detection cycle: read new lines, classify and track
// sources, promote repeat offenders, consolidate the ban set and write it.
//
// The Engine is the single logical writer. Cycles never overlap, and the
// WHOIS fan-out inside the consolidator is the only parallel region.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
	"github.com/xoelrdgz/rangeban/pkg/sanitize"
)

const (
	DefaultInterval         = 10 * time.Second
	DefaultLookback         = 8 * time.Hour
	DefaultBanThreshold     = 3
	DefaultInactivityWindow = 5 * time.Minute
)

var ErrCycleAborted = errors.New("cycle aborted")

// Thresholds are the hot-reloadable detection parameters, read once at the
// start of every cycle.
type Thresholds struct {
	BanThreshold     int
	InactivityWindow time.Duration
	Limits           domain.TransferLimits
	MinMembers       int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		BanThreshold:     DefaultBanThreshold,
		InactivityWindow: DefaultInactivityWindow,
		Limits:           domain.DefaultTransferLimits(),
		MinMembers:       DefaultMinMembers,
	}
}

// EngineConfig holds the static engine settings.
type EngineConfig struct {
	Interval         time.Duration
	Lookback         time.Duration
	StrictInvariants bool
	Thresholds       Thresholds
}

// EngineDeps are the collaborators of an Engine. State, Ranges and
// Observers are optional.
type EngineDeps struct {
	Source       ports.LogSource
	Store        ports.BanStore
	Extractor    ports.RecordExtractor
	Whitelist    ports.WhitelistPolicy
	Tracker      ports.ActivityTracker
	Consolidator *Consolidator
	State        ports.StateStore
	Ranges       ports.RangeSnapshotter
	Observers    []ports.CycleObserver
	Clock        func() time.Time
}

type limitSetter interface {
	SetLimits(domain.TransferLimits)
}

// Engine runs detection cycles.
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig
	now  func() time.Time

	thresholds atomic.Pointer[Thresholds]
	applied    Thresholds

	cycleMu   sync.Mutex
	since     time.Time
	boundary  map[uint64]struct{}
	pending   map[netip.Addr]struct{}
	lastKnown domain.BanSet
	observers []ports.CycleObserver
	obsMu     sync.RWMutex

	metrics *domain.EngineMetrics
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		deps:      deps,
		cfg:       cfg,
		now:       now,
		since:     now().UTC().Add(-cfg.Lookback),
		boundary:  make(map[uint64]struct{}),
		pending:   make(map[netip.Addr]struct{}),
		lastKnown: domain.NewBanSet(),
		observers: slices.Clone(deps.Observers),
		metrics:   domain.NewEngineMetrics(now()),
	}
	e.SetThresholds(cfg.Thresholds)
	return e
}

// SetThresholds swaps the detection parameters. The next cycle picks them
// up; a running cycle keeps the values it started with.
func (e *Engine) SetThresholds(t Thresholds) {
	def := DefaultThresholds()
	if t.BanThreshold <= 0 {
		t.BanThreshold = def.BanThreshold
	}
	if t.InactivityWindow <= 0 {
		t.InactivityWindow = def.InactivityWindow
	}
	if t.Limits.BytesSent <= 0 || t.Limits.BytesReceived <= 0 {
		t.Limits = def.Limits
	}
	if t.MinMembers <= 0 {
		t.MinMembers = def.MinMembers
	}
	e.thresholds.Store(&t)
}

func (e *Engine) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

// AddObserver registers an observer for subsequent cycles.
func (e *Engine) AddObserver(o ports.CycleObserver) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

func (e *Engine) Metrics() *domain.EngineMetrics {
	return e.metrics
}

// Pending returns the promoted addresses not yet written, sorted.
func (e *Engine) Pending() []netip.Addr {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return sortedAddrs(e.pending)
}

// Since returns the current high-water mark.
func (e *Engine) Since() time.Time {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.since
}

// Run executes a cycle immediately and then every interval until ctx is
// done. Cycle errors are logged and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Dur("interval", e.cfg.Interval).Time("since", e.Since()).Msg("Engine started")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Detection cycle failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full detection cycle and writes the ban set when it
// changed.
func (e *Engine) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.cycle(ctx, true)
}

// Plan runs a cycle without writing the ban set and without touching the
// pending set. Lines read by the plan are consumed.
func (e *Engine) Plan(ctx context.Context) (*domain.CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.cycle(ctx, false)
}

func (e *Engine) cycle(ctx context.Context, write bool) (*domain.CycleReport, error) {
	start := e.now().UTC()
	r := domain.NewCycleReport(start)
	th := e.applyThresholds()

	if _, err := e.deps.Whitelist.ReloadStatic(); err != nil {
		log.Warn().Err(err).Msg("Failed to reload static whitelist, keeping previous list")
	}

	since := e.since
	r.Since = since
	lines, err := e.deps.Source.ReadNewRecords(ctx, since)
	if err != nil {
		r.SourceErr = err.Error()
		lines = nil
		log.Warn().Err(err).Msg("Log source unavailable, no new data this cycle")
	}

	// Sources may resend lines stamped exactly at since. The boundary set
	// holds the hashes of lines already consumed at the high-water mark.
	highWater := since
	boundary := e.boundary
	next := maps.Clone(e.boundary)
	for _, line := range lines {
		r.LinesRead++
		key := lineKey(line)
		if ts, ok := e.deps.Extractor.LineTime(line, start); ok {
			switch {
			case ts.After(highWater):
				highWater = ts
				next = map[uint64]struct{}{key: {}}
			case ts.Equal(highWater):
				next[key] = struct{}{}
			}
		}

		rec, outcome := e.deps.Extractor.Extract(line, start)
		if outcome != domain.LineAccepted {
			r.CountLine(outcome)
			if outcome == domain.LineMalformed {
				log.Debug().Str("line", sanitize.Line(line, sanitize.DefaultMaxLength)).Msg("Skipping malformed line")
			}
			continue
		}
		if rec.Timestamp.Before(since) {
			r.CountLine(domain.LineStale)
			continue
		}
		if _, seen := boundary[key]; seen && rec.Timestamp.Equal(since) {
			r.CountLine(domain.LineDuplicate)
			continue
		}
		r.CountLine(domain.LineAccepted)

		if e.deps.Whitelist.Classify(rec) == domain.VerdictWhitelist {
			continue
		}
		if e.deps.Tracker.Observe(rec, e.lastKnown) {
			r.Observed++
		}
	}
	r.Whitelisted = e.deps.Whitelist.TakeAdded()
	e.since = highWater
	e.boundary = next
	r.HighWater = highWater

	if err := e.checkExclusivity(); err != nil {
		return e.abort(r, err)
	}

	sweep := e.deps.Tracker.Sweep(start, th.BanThreshold, th.InactivityWindow)
	r.Promoted = sweep.Promoted
	r.Expired = sweep.Expired
	for _, a := range sweep.Promoted {
		log.Info().Str("addr", a.String()).Msg("Address escalated")
	}

	candidates := e.pendingWith(sweep.Promoted, write)
	if len(candidates) == 0 {
		return e.finish(r, write, nil)
	}

	current, err := e.deps.Store.Get(ctx)
	if err != nil {
		r.StoreErr = err.Error()
		log.Warn().Err(err).Int("last_known", len(e.lastKnown)).Msg("Failed to read ban set, using last known")
		current = e.lastKnown.Sorted()
	} else {
		e.lastKnown = domain.NewBanSet(current...)
	}
	currentSet := domain.NewBanSet(current...)
	r.Previous = currentSet.Sorted()

	desired, err := e.deps.Consolidator.Consolidate(ctx, r.Previous, candidates)
	if err != nil {
		return e.abort(r, err)
	}
	desiredSet := domain.NewBanSet(desired...)
	r.Desired = desired
	r.Diff = domain.Diff(currentSet, desiredSet)

	if !write {
		r.Result = domain.CyclePlanned
		return e.finish(r, write, nil)
	}

	if r.Diff.Empty() {
		r.Result = domain.CycleUnchanged
		clear(e.pending)
		return e.finish(r, write, nil)
	}

	if err := ctx.Err(); err != nil {
		return e.abort(r, err)
	}

	if err := e.deps.Store.Set(ctx, desired); err != nil {
		r.Result = domain.CycleFailed
		r.StoreErr = err.Error()
		log.Error().Err(err).Int("pending", len(e.pending)).Msg("Failed to write ban set, promotions kept for next cycle")
		return e.finish(r, write, fmt.Errorf("write ban set: %w", err))
	}

	r.Result = domain.CycleWritten
	e.lastKnown = desiredSet
	clear(e.pending)
	log.Info().
		Int("entries", len(desired)).
		Int("added", len(r.Diff.Added)).
		Int("removed", len(r.Diff.Removed)).
		Msg("Ban set updated")
	return e.finish(r, write, nil)
}

// pendingWith returns pending plus promoted, sorted. When commit is set the
// promoted addresses join the pending set so a failed write retries them.
func (e *Engine) pendingWith(promoted []netip.Addr, commit bool) []netip.Addr {
	if commit {
		for _, a := range promoted {
			e.pending[a] = struct{}{}
		}
		return sortedAddrs(e.pending)
	}
	all := make(map[netip.Addr]struct{}, len(e.pending)+len(promoted))
	for a := range e.pending {
		all[a] = struct{}{}
	}
	for _, a := range promoted {
		all[a] = struct{}{}
	}
	return sortedAddrs(all)
}

// checkExclusivity verifies no address is both tracked and on the dynamic
// whitelist.
func (e *Engine) checkExclusivity() error {
	for _, a := range e.deps.Tracker.Addrs() {
		if e.deps.Whitelist.IsDynamic(a) {
			return &domain.InvariantError{Invariant: "address both tracked and whitelisted", Addr: a}
		}
	}
	return nil
}

func (e *Engine) abort(r *domain.CycleReport, err error) (*domain.CycleReport, error) {
	var inv *domain.InvariantError
	if errors.As(err, &inv) {
		if e.cfg.StrictInvariants {
			panic(inv)
		}
		log.Error().Err(err).Msg("Invariant violated, cycle aborted without write")
	} else {
		log.Warn().Err(err).Msg("Cycle aborted without write")
	}
	r.Result = domain.CycleAborted
	r.Err = err.Error()
	return e.finish(r, false, fmt.Errorf("%w: %w", ErrCycleAborted, err))
}

func (e *Engine) finish(r *domain.CycleReport, persist bool, err error) (*domain.CycleReport, error) {
	r.Pending = len(e.pending)
	r.Tracked = e.deps.Tracker.Len()
	r.Duration = e.now().UTC().Sub(r.StartedAt)

	e.metrics.Record(r)
	if persist {
		e.saveState()
	}

	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()
	for _, o := range observers {
		o.OnCycle(r)
	}

	log.Debug().
		Str("result", string(r.Result)).
		Int("lines", r.LinesRead).
		Int("observed", r.Observed).
		Int("promoted", len(r.Promoted)).
		Int("expired", len(r.Expired)).
		Int("tracked", r.Tracked).
		Dur("took", r.Duration).
		Msg("Cycle complete")
	return r, err
}

func (e *Engine) applyThresholds() Thresholds {
	th := *e.thresholds.Load()
	if th.Limits != e.applied.Limits {
		if s, ok := e.deps.Tracker.(limitSetter); ok {
			s.SetLimits(th.Limits)
		}
		if s, ok := e.deps.Whitelist.(limitSetter); ok {
			s.SetLimits(th.Limits)
		}
	}
	if th.MinMembers != e.applied.MinMembers && e.deps.Consolidator != nil {
		e.deps.Consolidator.SetMinMembers(th.MinMembers)
	}
	if e.applied != (Thresholds{}) && th != e.applied {
		log.Info().
			Int("ban_threshold", th.BanThreshold).
			Dur("inactivity_window", th.InactivityWindow).
			Int64("bytes_sent_limit", th.Limits.BytesSent).
			Int64("bytes_received_limit", th.Limits.BytesReceived).
			Int("min_members", th.MinMembers).
			Msg("Applied new detection thresholds")
	}
	e.applied = th
	return th
}

// Restore loads persisted state. It is a no-op without a state store.
func (e *Engine) Restore(ctx context.Context) error {
	if e.deps.State == nil {
		return nil
	}
	st, err := e.deps.State.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		return nil
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.deps.Whitelist.Restore(st.Whitelist)
	tracked := make([]domain.TrackedAddress, 0, len(st.Tracked))
	for _, t := range st.Tracked {
		if !e.deps.Whitelist.IsDynamic(t.Addr) {
			tracked = append(tracked, t)
		}
	}
	e.deps.Tracker.Restore(tracked)
	if e.deps.Ranges != nil {
		e.deps.Ranges.Restore(st.Ranges)
	}
	for _, a := range st.Pending {
		e.pending[a.Unmap()] = struct{}{}
	}
	e.lastKnown = domain.NewBanSet(st.LastKnown...)
	if st.HighWater.After(e.since) {
		e.since = st.HighWater
		e.boundary = make(map[uint64]struct{}, len(st.Boundary))
		for _, k := range st.Boundary {
			e.boundary[k] = struct{}{}
		}
	}

	log.Info().
		Int("tracked", len(tracked)).
		Int("whitelisted", len(st.Whitelist)).
		Int("ranges", len(st.Ranges)).
		Int("pending", len(st.Pending)).
		Time("since", e.since).
		Msg("Restored engine state")
	return nil
}

func (e *Engine) saveState() {
	if e.deps.State == nil {
		return
	}
	st := &domain.EngineState{
		SavedAt:   e.now().UTC(),
		HighWater: e.since,
		Boundary:  sortedKeys(e.boundary),
		Tracked:   e.deps.Tracker.Snapshot(),
		Whitelist: e.deps.Whitelist.Entries(),
		Pending:   sortedAddrs(e.pending),
		LastKnown: e.lastKnown.Sorted(),
	}
	if e.deps.Ranges != nil {
		st.Ranges = e.deps.Ranges.Entries()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.State.Save(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Failed to persist engine state")
	}
}

func sortedAddrs(set map[netip.Addr]struct{}) []netip.Addr {
	out := make([]netip.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

func lineKey(line string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(line))
	return h.Sum64()
}

func sortedKeys(set map[uint64]struct{}) []uint64 {
	return slices.Sorted(maps.Keys(set))
}
