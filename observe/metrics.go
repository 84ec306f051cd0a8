// Package observe bundles the Prometheus metrics and OpenTelemetry tracing
// used across the execution layer. Every hot path records through a Metrics
// value so tests can pass an isolated registry and assert on counters.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the execution layer records to.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec   // agent, status
	RunDuration    *prometheus.HistogramVec // agent
	RunRetries     *prometheus.CounterVec   // agent
	TokensTotal    *prometheus.CounterVec   // agent, direction
	ToolCallsTotal *prometheus.CounterVec   // agent

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	SandboxCreations      prometheus.Counter
	SandboxCreateFailures prometheus.Counter
	SandboxesActive       prometheus.Gauge

	SessionsActive prometheus.Gauge
	Interrupts     prometheus.Counter
}

// NewMetrics registers all instruments on reg and returns them. Use a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "runs_total",
			Help:      "Agent runs by terminal status.",
		}, []string{"agent", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inquest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of agent runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		RunRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "run_retries_total",
			Help:      "Transient-failure retries performed by the runner.",
		}, []string{"agent"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "tokens_total",
			Help:      "Model tokens consumed, split by direction.",
		}, []string{"agent", "direction"}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "tool_calls_total",
			Help:      "Tool invocations dispatched by the agent loop.",
		}, []string{"agent"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "runner_cache_hits_total",
			Help:      "Runner cache lookups served without a rebuild.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "runner_cache_misses_total",
			Help:      "Runner cache lookups that triggered an agent build.",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "runner_cache_evictions_total",
			Help:      "Least-recently-used runner cache evictions.",
		}),
		SandboxCreations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "sandbox_creations_total",
			Help:      "Sandboxes created for investigation threads.",
		}),
		SandboxCreateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "sandbox_create_failures_total",
			Help:      "Sandbox creations that never reached readiness.",
		}),
		SandboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inquest",
			Name:      "sandboxes_active",
			Help:      "Sandboxes currently tracked as live.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inquest",
			Name:      "sessions_active",
			Help:      "Interactive sessions currently executing.",
		}),
		Interrupts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inquest",
			Name:      "interrupts_total",
			Help:      "Cooperative interrupts requested by callers.",
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
