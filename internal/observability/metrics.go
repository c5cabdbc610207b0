package observability

import (
	"errors"
	"sync"
	"time"

	"esimcheckout/internal/reliability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "checkout"

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec        int64                     `json:"uptime_sec"`
	TotalRequests    int64                     `json:"total_requests"`
	TotalErrors      int64                     `json:"total_errors"`
	InFlight         int64                     `json:"in_flight"`
	RateLimitWaits   int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs  int64                     `json:"rate_limit_wait_ms"`
	VersionConflicts int64                     `json:"version_conflicts"`
	CacheFailures    map[string]int64          `json:"cache_failures,omitempty"`
	Breakers         map[string]string         `json:"breakers,omitempty"`
	Lifecycle        *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods          map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics keeps an in-process snapshot for the JSON stats endpoint and
// mirrors every observation into Prometheus collectors on its own registry.
type Metrics struct {
	mu               sync.Mutex
	start            time.Time
	methods          map[string]*methodStats
	rateLimitWaits   int64
	rateLimitWait    time.Duration
	versionConflicts int64
	cacheFailures    map[string]int64
	breakers         map[string]reliability.State
	lifecycle        lifecycleStats

	registry       *prometheus.Registry
	rpcTotal       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	rpcInFlight    *prometheus.GaugeVec
	rateLimitTotal prometheus.Counter
	rateLimitSecs  prometheus.Counter
	opTotal        *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	conflictTotal  prometheus.Counter
	cacheFailTotal *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	breakerChanges *prometheus.CounterVec
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	m := &Metrics{
		start:         time.Now(),
		methods:       make(map[string]*methodStats),
		cacheFailures: make(map[string]int64),
		breakers:      make(map[string]reliability.State),
		registry:      prometheus.NewRegistry(),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Inbound RPCs by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Inbound RPC latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_in_flight",
			Help:      "Inbound RPCs currently being served.",
		}, []string{"method"}),
		rateLimitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Calls that had to wait for a rate limiter token.",
		}),
		rateLimitSecs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Time spent waiting for rate limiter tokens.",
		}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Workflow operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Workflow operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflictTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Session writes that lost the version race.",
		}),
		cacheFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_failures_total",
			Help:      "Swallowed session cache failures by operation.",
		}, []string{"op"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Collaborator circuit breaker state: 0 closed, 1 half open, 2 open.",
		}, []string{"dependency"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Collaborator circuit breaker transitions by target state.",
		}, []string{"dependency", "to"}),
	}
	m.registry.MustRegister(
		m.rpcTotal, m.rpcDuration, m.rpcInFlight,
		m.rateLimitTotal, m.rateLimitSecs,
		m.opTotal, m.opDuration,
		m.conflictTotal, m.cacheFailTotal,
		m.breakerState, m.breakerChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	m.rpcInFlight.WithLabelValues(method).Inc()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
	m.rateLimitTotal.Inc()
	m.rateLimitSecs.Add(d.Seconds())
}

// Operation records a workflow operation outcome.
func (m *Metrics) Operation(name string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.opTotal.WithLabelValues(name, outcome(err)).Inc()
	m.opDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.versionConflicts++
	m.mu.Unlock()
	m.conflictTotal.Inc()
}

func (m *Metrics) CacheFailure(op string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cacheFailures[op]++
	m.mu.Unlock()
	m.cacheFailTotal.WithLabelValues(op).Inc()
}

// BreakerChanged records a collaborator breaker transition.
func (m *Metrics) BreakerChanged(dependency string, _, to reliability.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakers[dependency] = to
	m.mu.Unlock()
	m.breakerState.WithLabelValues(dependency).Set(float64(to))
	m.breakerChanges.WithLabelValues(dependency, to.String()).Inc()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:        int64(now.Sub(m.start).Seconds()),
		Methods:          make(map[string]MethodSnapshot),
		RateLimitWaits:   m.rateLimitWaits,
		RateLimitWaitMs:  int64(m.rateLimitWait / time.Millisecond),
		VersionConflicts: m.versionConflicts,
	}
	if len(m.cacheFailures) > 0 {
		snap.CacheFailures = make(map[string]int64, len(m.cacheFailures))
		for op, n := range m.cacheFailures {
			snap.CacheFailures[op] = n
		}
	}

	if len(m.breakers) > 0 {
		snap.Breakers = make(map[string]string, len(m.breakers))
		for dep, state := range m.breakers {
			snap.Breakers[dep] = state.String()
		}
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()

	result := "ok"
	if failed {
		result = "error"
	}
	m.rpcInFlight.WithLabelValues(method).Dec()
	m.rpcTotal.WithLabelValues(method, result).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

// rejection is implemented by errors that represent a refused request rather
// than a failure, such as business-rule violations.
type rejection interface {
	Rejected() bool
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var r rejection
	if errors.As(err, &r) && r.Rejected() {
		return "rejected"
	}
	return "error"
}
