package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolrun/internal/sandbox"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a script runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(invocationAttributes(inv)...))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	start := time.Now()
	res, err := r.inner.Run(ctx, inv)
	duration := time.Since(start).Seconds()

	status := RunStatus(res, err)
	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(resultAttributes(status, res)...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if res != nil && res.TimedOut {
			span.SetStatus(codes.Error, res.Error)
		}
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(inv.ToolID, status).Inc()
		r.metrics.RunDuration.WithLabelValues(inv.ToolID).Observe(duration)
		if status == "quota" {
			r.metrics.CapabilityQuotaExceeded.Inc()
		}
	}

	if r.anomaly != nil {
		if status == "ok" {
			r.anomaly.RecordSuccess(inv.ToolID)
		} else {
			r.anomaly.RecordError(inv.ToolID)
		}
	}

	return res, err
}

func (r *InstrumentedRunner) Details(ctx context.Context, inv sandbox.Invocation) (string, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.details",
			trace.WithAttributes(invocationAttributes(inv)...))
		defer span.End()

		out, err := r.inner.Details(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
	return r.inner.Details(ctx, inv)
}

// RunStatus classifies a run outcome for metric labels.
func RunStatus(res *sandbox.Result, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTooManyRequests):
		return "quota"
	case errors.Is(err, sandbox.ErrMemoryLimit):
		return "memory"
	case err != nil:
		return "error"
	case res != nil && res.TimedOut:
		return "timeout"
	default:
		return "ok"
	}
}

// --- CapabilityObserver ---

// CapabilityObserver records host capability calls. It satisfies
// sandbox.Observer and is nil-safe.
type CapabilityObserver struct {
	metrics *MetricsCollector
}

// NewCapabilityObserver returns an observer feeding metrics.
func NewCapabilityObserver(metrics *MetricsCollector) *CapabilityObserver {
	return &CapabilityObserver{metrics: metrics}
}

func (o *CapabilityObserver) ObserveCapability(name string, d time.Duration, err error) {
	if o == nil || o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.CapabilityCallsTotal.WithLabelValues(name, status).Inc()
	o.metrics.CapabilityCallDuration.WithLabelValues(name).Observe(d.Seconds())
}

// --- InstrumentedIndexer ---

// Indexer chunks and embeds an upload's text.
type Indexer interface {
	Ingest(ctx context.Context, uploadID uuid.UUID, chunkTokens, overlapTokens int) (int, error)
}

// InstrumentedIndexer counts stored fragments and traces ingestion.
type InstrumentedIndexer struct {
	inner   Indexer
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedIndexer wraps an indexer with observability.
func NewInstrumentedIndexer(inner Indexer, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedIndexer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedIndexer{inner: inner, metrics: metrics, tracer: tracer}
}

func (i *InstrumentedIndexer) Ingest(ctx context.Context, uploadID uuid.UUID, chunkTokens, overlapTokens int) (int, error) {
	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.Start(ctx, "index.ingest",
			trace.WithAttributes(
				attribute.String("upload.id", uploadID.String()),
				attribute.Int("index.chunk_tokens", chunkTokens),
			))
		defer span.End()
	}

	n, err := i.inner.Ingest(ctx, uploadID, chunkTokens, overlapTokens)
	if err != nil && i.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if i.metrics != nil && n > 0 {
		i.metrics.FragmentsIndexedTotal.Add(float64(n))
	}
	return n, err
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runner   = (*InstrumentedRunner)(nil)
	_ sandbox.Observer = (*CapabilityObserver)(nil)
	_ Indexer          = (*InstrumentedIndexer)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
