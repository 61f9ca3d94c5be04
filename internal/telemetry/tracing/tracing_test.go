package tracing

import (
	"context"
	"testing"
)

func TestNoopTracerNeverStartsASpan(t *testing.T) {
	tr := NewTracer(false)
	ctx, span := tr.StartSpan(context.Background(), "op")
	if !span.IsEnded() {
		t.Fatalf("noop span must report as already ended")
	}
	if _, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		t.Fatalf("noop tracer must not install a span in the context")
	}
}

func TestSimpleTracerLinksChildToParentTrace(t *testing.T) {
	tr := NewTracer(true)
	ctx, parent := tr.StartSpan(context.Background(), "parent")
	defer parent.End()

	_, child := tr.StartSpan(ctx, "child")
	defer child.End()

	if child.Context().TraceID != parent.Context().TraceID {
		t.Fatalf("child span must share the parent's trace ID")
	}
	if child.Context().ParentSpanID != parent.Context().SpanID {
		t.Fatalf("child span's parent ID must point at the parent span")
	}
}

func TestAdaptiveTracerRespectsSamplingPolicy(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	_, span := tr.StartSpan(context.Background(), "op")
	if !span.IsEnded() {
		t.Fatalf("a zero sampling percentage must yield a noop span")
	}
}

func TestExtractIDsOnBareContext(t *testing.T) {
	traceID, spanID := ExtractIDs(context.Background())
	if traceID != "" || spanID != "" {
		t.Fatalf("expected empty IDs on a context with no span, got %q/%q", traceID, spanID)
	}
}
