package output

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

type HealthStatus struct {
	Healthy    bool               `json:"healthy"`
	Ready      bool               `json:"ready"`
	Status     string             `json:"status"`
	LastCycle  time.Time          `json:"last_cycle,omitzero"`
	LastResult domain.CycleResult `json:"last_result,omitempty"`
	Failures   int                `json:"consecutive_failures"`
	Tracked    int                `json:"tracked"`
	Pending    int                `json:"pending"`
	Uptime     time.Duration      `json:"uptime_ns"`
	Reason     string             `json:"reason,omitempty"`
}

// HealthChecker derives liveness and readiness from cycle reports. It
// implements ports.CycleObserver.
//
// Ready turns true after the first completed cycle. Healthy requires a cycle
// within StaleAfter and fewer than MaxFailures consecutive failed or aborted
// cycles.
type HealthChecker struct {
	staleAfter  time.Duration
	maxFailures int
	now         func() time.Time
	startTime   time.Time

	mu       sync.RWMutex
	last     *domain.CycleReport
	failures int
}

type HealthCheckerConfig struct {
	StaleAfter  time.Duration
	MaxFailures int
}

func DefaultHealthCheckerConfig(interval time.Duration) HealthCheckerConfig {
	return HealthCheckerConfig{
		StaleAfter:  3 * interval,
		MaxFailures: 5,
	}
}

func NewHealthChecker(config HealthCheckerConfig) *HealthChecker {
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	return &HealthChecker{
		staleAfter:  config.StaleAfter,
		maxFailures: config.MaxFailures,
		now:         time.Now,
		startTime:   time.Now(),
	}
}

// OnCycle implements ports.CycleObserver.
func (h *HealthChecker) OnCycle(r *domain.CycleReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = r
	switch r.Result {
	case domain.CycleFailed, domain.CycleAborted:
		h.failures++
	default:
		h.failures = 0
	}
}

func (h *HealthChecker) Check() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := HealthStatus{Uptime: now.Sub(h.startTime), Failures: h.failures}
	if h.last == nil {
		status.Status = "STARTING"
		status.Healthy = now.Sub(h.startTime) < h.staleAfter
		if !status.Healthy {
			status.Reason = "no cycle completed"
		}
		return status
	}

	finished := h.last.StartedAt.Add(h.last.Duration)
	status.Ready = true
	status.LastCycle = finished
	status.LastResult = h.last.Result
	status.Tracked = h.last.Tracked
	status.Pending = h.last.Pending

	switch {
	case now.Sub(finished) > h.staleAfter:
		status.Status = "STALLED"
		status.Reason = "no cycle since " + finished.UTC().Format(time.RFC3339)
	case h.failures >= h.maxFailures:
		status.Status = "FAILING"
		status.Reason = "consecutive cycles failed to write"
	case h.failures > 0:
		status.Healthy = true
		status.Status = "DEGRADED"
		status.Reason = "last cycle " + string(h.last.Result)
	default:
		status.Healthy = true
		status.Status = "HEALTHY"
	}
	return status
}

// ServeHTTP answers /health with liveness.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := h.Check()
	writeStatus(w, status, status.Healthy)
}

// ReadyHandler answers /ready with readiness.
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := h.Check()
		writeStatus(w, status, status.Ready)
	})
}

func writeStatus(w http.ResponseWriter, status HealthStatus, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
