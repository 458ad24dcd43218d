package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weanime/weanime-gateway/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// rate limiter
	decisionsTotal    *prometheus.CounterVec
	entries           *prometheus.GaugeVec
	evictedTotal      *prometheus.CounterVec
	sweepPanicsTotal  *prometheus.CounterVec
	unknownKeyTotal   prometheus.Counter
	reputationKeys    *prometheus.GaugeVec
	statsDroppedTotal prometheus.Counter
	policyInfo        *prometheus.GaugeVec

	upstreamErrorsTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by profile and outcome (allowed, denied, whitelisted, blacklisted)",
		}, []string{"profile", "outcome"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_entries",
			Help: "Counter table size per profile after the last sweep",
		}, []string{"profile"}),
		evictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Expired entries removed by the sweep",
		}, []string{"profile"}),
		sweepPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_sweep_panics_total",
			Help: "Sweep passes that panicked and were recovered",
		}, []string{"profile"}),
		unknownKeyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_unknown_key_total",
			Help: "Requests with no usable client address, counted in the shared unknown bucket",
		}),
		reputationKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_reputation_keys",
			Help: "Keys currently marked suspicious or trusted",
		}, []string{"state"}),
		statsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_stats_dropped_total",
			Help: "Decision events dropped because the stats queue was full",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_info",
			Help: "Active rate limit policy (labels carry identity, value is always 1)",
		}, []string{"source", "sha256"}),
		upstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Proxied requests that failed to reach the upstream",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.decisionsTotal,
		m.entries,
		m.evictedTotal,
		m.sweepPanicsTotal,
		m.unknownKeyTotal,
		m.reputationKeys,
		m.statsDroppedTotal,
		m.policyInfo,
		m.upstreamErrorsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncDecision(profile, outcome string) {
	m.decisionsTotal.WithLabelValues(profile, outcome).Inc()
}

// ObserveSweep records one completed sweep pass.
func (m *ServerMetrics) ObserveSweep(profile string, evicted, remaining int) {
	m.entries.WithLabelValues(profile).Set(float64(remaining))
	if evicted > 0 {
		m.evictedTotal.WithLabelValues(profile).Add(float64(evicted))
	}
}

func (m *ServerMetrics) IncSweepPanic(profile string) {
	m.sweepPanicsTotal.WithLabelValues(profile).Inc()
}

func (m *ServerMetrics) IncUnknownKey() {
	m.unknownKeyTotal.Inc()
}

func (m *ServerMetrics) SetReputationKeys(suspicious, trusted int) {
	m.reputationKeys.WithLabelValues("suspicious").Set(float64(suspicious))
	m.reputationKeys.WithLabelValues("trusted").Set(float64(trusted))
}

func (m *ServerMetrics) IncStatsDropped() {
	m.statsDroppedTotal.Inc()
}

func (m *ServerMetrics) SetPolicy(source, sha256 string) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(source, sha256).Set(1)
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrorsTotal.Inc()
}
