package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for toolrun.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Script execution metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Capability metrics (http.*, index.search, upload.create, llm.truncate).
	CapabilityCallsTotal    *prometheus.CounterVec
	CapabilityCallDuration  *prometheus.HistogramVec
	CapabilityQuotaExceeded prometheus.Counter

	// Document pipeline metrics.
	FragmentsIndexedTotal prometheus.Counter

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
	ActiveRuns     prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total tool script runs by outcome.",
		}, []string{"tool", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of tool script runs in seconds.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		}, []string{"tool"}),

		CapabilityCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "capability",
			Name:      "calls_total",
			Help:      "Total host capability calls made by scripts.",
		}, []string{"capability", "status"}),

		CapabilityCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "capability",
			Name:      "call_duration_seconds",
			Help:      "Host capability call duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"capability"}),

		CapabilityQuotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "capability",
			Name:      "quota_exceeded_total",
			Help:      "Runs aborted for exceeding the outbound HTTP quota.",
		}),

		FragmentsIndexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "index",
			Name:      "fragments_total",
			Help:      "Total document fragments embedded and stored.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolrun",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolrun",
			Subsystem: "sandbox",
			Name:      "active_runs",
			Help:      "Number of scripts currently executing.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.CapabilityCallsTotal,
		m.CapabilityCallDuration,
		m.CapabilityQuotaExceeded,
		m.FragmentsIndexedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveRuns,
	)

	return m
}
