package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "swarmplayer" {
		t.Errorf("expected service name 'swarmplayer', got '%s'", cfg.ServiceName)
	}
	if cfg.JaegerURL != "http://localhost:14268/api/traces" {
		t.Errorf("unexpected Jaeger URL: %s", cfg.JaegerURL)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	ctx, span := StartSpan(ctx, "test.operation")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestAddSpanAttributes(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	AddSpanAttributes(ctx,
		attribute.String("test.key", "test.value"),
		attribute.Int("test.number", 42),
	)
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	err := &testError{message: "test error"}
	RecordError(ctx, err)
}

func TestMeasureDuration(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	start := time.Now()
	time.Sleep(10 * time.Millisecond)
	MeasureDuration(ctx, start, "test.operation")
}

func TestTraceWebRTC(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceWebRTC(ctx, "create_offer", "peer-123", "stream-456")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestTraceFetch(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceFetch(ctx, "seg-42", "720p")
	if span == nil {
		t.Error("expected non-nil span")
	}
	AddSpanAttributes(ctx, FetchSourceKey.String("peer"))
	span.End()
}

type testError struct {
	message string
}

func (e *testError) Error() string {
	return e.message
}
