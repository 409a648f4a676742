package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider wraps an OpenTelemetry tracer provider for a single player
// session. A zero-value TracerProvider (returned when tracing is disabled)
// is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config configures the session's Jaeger exporter.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// DefaultConfig returns tracing disabled by default, exporting to a local
// Jaeger collector when enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "swarmplayer",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init wires a Jaeger-backed tracer provider and installs it as the global
// provider. Returns a no-op TracerProvider when cfg.Enabled is false.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider. Safe to call on a no-op
// TracerProvider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span under the swarmplayer tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("swarmplayer")
	return tracer.Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the span active in ctx, if recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error against the span active in ctx.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attribute keys shared across the playback pipeline.
var (
	StreamIDKey = attribute.Key("stream.id")
	PeerIDKey   = attribute.Key("peer.id")
	QualityKey  = attribute.Key("quality")
	BitrateKey  = attribute.Key("bitrate")
	LatencyKey  = attribute.Key("latency")
	ErrorKey    = attribute.Key("error")
	DurationKey = attribute.Key("duration")
)

// TraceWebRTC traces a Peer Manager connection-lifecycle operation (offer,
// answer, ICE exchange, data-channel open).
func TraceWebRTC(ctx context.Context, operation string, peerID, streamID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("webrtc.%s", operation),
		trace.WithAttributes(
			attribute.String("webrtc.operation", operation),
			PeerIDKey.String(peerID),
			StreamIDKey.String(streamID),
		),
	)
}

// FetchSourceKey tags the span from TraceFetch with where the segment was
// ultimately resolved from (cache, peer, or origin), once known.
var FetchSourceKey = attribute.Key("fetch.source")

// TraceFetch traces a Fetch Arbiter segment request. The caller attaches
// FetchSourceKey once the cache/peer/origin resolution chain completes.
func TraceFetch(ctx context.Context, segmentID, quality string) (context.Context, trace.Span) {
	return StartSpan(ctx, "arbiter.fetch",
		trace.WithAttributes(
			attribute.String("segment.id", segmentID),
			QualityKey.String(quality),
		),
	)
}

// MeasureDuration records how long an operation already traced via StartSpan
// took, as a span attribute on ctx's active span.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	duration := time.Since(start)
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(duration.Milliseconds()),
	)
}
