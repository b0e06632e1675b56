package output

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// PrometheusMetrics exports cycle outcomes. It implements
// ports.CycleObserver.
type PrometheusMetrics struct {
	cycles        *prometheus.CounterVec
	linesRead     *prometheus.CounterVec
	promotions    prometheus.Counter
	expirations   prometheus.Counter
	whitelisted   prometheus.Counter
	banChanges    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	trackedAddrs  prometheus.Gauge
	pendingAddrs  prometheus.Gauge
	banEntries    *prometheus.GaugeVec
	lastCycle     prometheus.Gauge

	namespace string
	factory   promauto.Factory
	gatherer  prometheus.Gatherer
	server   *http.Server
	mu       sync.Mutex
}

type MetricsConfig struct {
	Port string
	Path string
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Port: ":9090",
		Path: "/metrics",
	}
}

// NewPrometheusMetrics registers the collectors on reg. A nil reg uses a
// fresh registry, which keeps tests independent of the global one.
func NewPrometheusMetrics(namespace string, reg *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "rangeban"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Detection cycles by result",
		}, []string{"result"}),
		linesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Log lines read by outcome",
		}, []string{"outcome"}),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Addresses escalated to the ban set",
		}),
		expirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Tracked addresses dropped after inactivity",
		}),
		whitelisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whitelisted_total",
			Help:      "Addresses whitelisted after a real session",
		}),
		banChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_changes_total",
			Help:      "Ban entries added or removed by writes",
		}, []string{"op"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one detection cycle",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		trackedAddrs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_addresses",
			Help:      "Addresses currently under observation",
		}),
		pendingAddrs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_promotions",
			Help:      "Promoted addresses not yet written",
		}),
		banEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ban_entries",
			Help:      "Entries in the last computed ban set by kind",
		}, []string{"kind"}),
		lastCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished",
		}),
		namespace: namespace,
		factory:   factory,
		gatherer:  reg,
	}
}

// RuntimeSources are live counters read at scrape time. Nil funcs are not
// exported.
type RuntimeSources struct {
	Lookups        func() uint64
	LookupFailures func() uint64
	CacheHits      func() uint64
	CacheEvictions func() uint64
	CachedRanges   func() int
	DroppedLines   func() uint64
}

// RegisterRuntime exports src as counter and gauge funcs. Call it once.
func (m *PrometheusMetrics) RegisterRuntime(src RuntimeSources) {
	counters := []struct {
		name, help string
		fn         func() uint64
	}{
		{"whois_lookups_total", "Range lookups sent to the WHOIS client", src.Lookups},
		{"whois_lookup_failures_total", "Range lookups that fell back to a host route", src.LookupFailures},
		{"whois_cache_hits_total", "Addresses answered from the range cache", src.CacheHits},
		{"whois_cache_evictions_total", "Ranges dropped from the cache by capacity or TTL", src.CacheEvictions},
		{"source_dropped_lines_total", "Log lines discarded because the follower buffer was full", src.DroppedLines},
	}
	for _, c := range counters {
		if c.fn == nil {
			continue
		}
		fn := c.fn
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(fn()) })
	}

	if src.CachedRanges != nil {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "whois_cached_ranges",
			Help:      "Ranges currently held in the cache",
		}, func() float64 { return float64(src.CachedRanges()) })
	}
}

// OnCycle implements ports.CycleObserver.
func (m *PrometheusMetrics) OnCycle(r *domain.CycleReport) {
	m.cycles.WithLabelValues(string(r.Result)).Inc()
	for outcome, n := range r.Lines {
		m.linesRead.WithLabelValues(string(outcome)).Add(float64(n))
	}
	m.promotions.Add(float64(len(r.Promoted)))
	m.expirations.Add(float64(len(r.Expired)))
	m.whitelisted.Add(float64(len(r.Whitelisted)))
	m.cycleDuration.Observe(r.Duration.Seconds())
	m.trackedAddrs.Set(float64(r.Tracked))
	m.pendingAddrs.Set(float64(r.Pending))
	m.lastCycle.Set(float64(r.StartedAt.Add(r.Duration).Unix()))

	if r.Result == domain.CycleWritten {
		m.banChanges.WithLabelValues("added").Add(float64(len(r.Diff.Added)))
		m.banChanges.WithLabelValues("removed").Add(float64(len(r.Diff.Removed)))
	}
	if r.Result == domain.CycleWritten || r.Result == domain.CycleUnchanged {
		hosts, ranges := 0, 0
		for _, e := range r.Desired {
			if e.IsHostRoute() {
				hosts++
			} else {
				ranges++
			}
		}
		m.banEntries.WithLabelValues("host").Set(float64(hosts))
		m.banEntries.WithLabelValues("range").Set(float64(ranges))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves metrics and any extra handlers on config.Port.
func (m *PrometheusMetrics) StartServer(config MetricsConfig, extra map[string]http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(config.Path, m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	m.server = &http.Server{
		Addr:              config.Port,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.Port).Str("path", config.Path).Msg("Starting Prometheus metrics server")
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

func (m *PrometheusMetrics) StopServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return m.server.Close()
	}
	return nil
}
