package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention janitor.
type Metrics struct {
	Runs               prometheus.Counter
	RunsFailed         prometheus.Counter
	InvocationsDeleted prometheus.Counter
	UploadsPruned      prometheus.Counter
	RunDuration        prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention passes.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "retention",
			Name:      "runs_failed_total",
			Help:      "Retention passes where at least one step failed.",
		}),
		InvocationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "retention",
			Name:      "invocations_deleted_total",
			Help:      "Invocation records deleted for exceeding the retention age.",
		}),
		UploadsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "retention",
			Name:      "uploads_pruned_total",
			Help:      "Stored files removed because no upload record referenced them.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of each retention pass.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.RunsFailed,
		m.InvocationsDeleted,
		m.UploadsPruned,
		m.RunDuration,
	)

	return m
}
