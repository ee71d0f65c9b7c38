package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/sandbox"
)

// Span attribute keys for sandbox spans.
const (
	attrToolID       = attribute.Key("tool.id")
	attrActorID      = attribute.Key("tool.actor_id")
	attrTimeoutMS    = attribute.Key("sandbox.timeout_ms")
	attrScriptBytes  = attribute.Key("sandbox.script_bytes")
	attrParamCount   = attribute.Key("sandbox.param_count")
	attrStatus       = attribute.Key("sandbox.status")
	attrHTTPCalls    = attribute.Key("sandbox.http_calls")
	attrTimedOut     = attribute.Key("sandbox.timed_out")
	attrCustomRawSet = attribute.Key("sandbox.custom_raw")
)

// TracerSetup holds the OTel TracerProvider and a named tracer.
// Not set as global; injected where needed.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates an OTel TracerProvider with an OTLP exporter.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "toolrun"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	// Runs started from a sampled HTTP request stay sampled so a trace
	// never loses its sandbox span.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// invocationAttributes describes an invocation. Script source and parameter
// values are never recorded.
func invocationAttributes(inv sandbox.Invocation) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attrToolID.String(inv.ToolID),
		attrScriptBytes.Int(len(inv.Script)),
		attrParamCount.Int(len(inv.Parameters)),
	}
	if inv.Timeout > 0 {
		attrs = append(attrs, attrTimeoutMS.Int64(inv.Timeout.Milliseconds()))
	}
	if inv.ActorID != "" {
		attrs = append(attrs, attrActorID.String(inv.ActorID))
	}
	return attrs
}

// resultAttributes summarizes a run outcome for the sandbox.run span.
func resultAttributes(status string, res *sandbox.Result) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attrStatus.String(status)}
	if res != nil {
		attrs = append(attrs,
			attrHTTPCalls.Int(res.HTTPCalls),
			attrTimedOut.Bool(res.TimedOut),
			attrCustomRawSet.Bool(res.CustomRaw != nil),
		)
	}
	return attrs
}
