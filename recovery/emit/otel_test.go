package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterEmit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		Sequence:    3,
		NodeID:      "send_email",
		Msg:         "checkpoint_saved",
		Meta: map[string]any{
			"checkpoint_type": "node_complete",
			"size_bytes":      int64(512),
			"delay_ms":        2 * time.Second,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "checkpoint_saved" {
		t.Errorf("span name = %q, want checkpoint_saved", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["recoflow.execution_id"]; got != "exec-001" {
		t.Errorf("execution_id = %v", got)
	}
	if got := attrs["recoflow.sequence"]; got != int64(3) {
		t.Errorf("sequence = %v", got)
	}
	if got := attrs["recoflow.node_id"]; got != "send_email" {
		t.Errorf("node_id = %v", got)
	}
	if got := attrs["recoflow.checkpoint.type"]; got != "node_complete" {
		t.Errorf("checkpoint type = %v", got)
	}
	if got := attrs["recoflow.checkpoint.size_bytes"]; got != int64(512) {
		t.Errorf("size_bytes = %v", got)
	}
	// Durations are exported as milliseconds.
	if got := attrs["recoflow.recovery.delay_ms"]; got != int64(2000) {
		t.Errorf("delay_ms = %v", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		NodeID:      "send_email",
		Msg:         "recovery_failed",
		Meta: map[string]any{
			"error": "smtp timeout",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "smtp timeout" {
		t.Errorf("description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestOTelEmitterRecoveryAttributes(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		Msg:         "recovery_started",
		Meta: map[string]any{
			"session_id":  "sess-42",
			"strategy_id": "smtp-retry",
			"attempt":     2,
		},
	})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if got := attrs["recoflow.session_id"]; got != "sess-42" {
		t.Errorf("session_id = %v", got)
	}
	if got := attrs["recoflow.strategy_id"]; got != "smtp-retry" {
		t.Errorf("strategy_id = %v", got)
	}
	if got := attrs["recoflow.attempt"]; got != int64(2) {
		t.Errorf("attempt = %v", got)
	}
	// Recovery keys must not appear twice under their raw names.
	if _, ok := attrs["session_id"]; ok {
		t.Error("raw session_id attribute leaked")
	}
}

func TestOTelEmitterEmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{ExecutionID: "exec-001", Sequence: 1, Msg: "replay_started"},
		{ExecutionID: "exec-001", Sequence: 1, Msg: "replay_completed"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "replay_started" || spans[1].Name != "replay_completed" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}

	if err := emitter.EmitBatch(context.Background(), nil); err != nil {
		t.Errorf("EmitBatch on empty slice failed: %v", err)
	}
	if len(exporter.GetSpans()) != 2 {
		t.Error("empty batch created spans")
	}
}

func TestOTelEmitterFlush(t *testing.T) {
	_, emitter := newTestTracer(t)

	emitter.Emit(Event{ExecutionID: "exec-001", Msg: "checkpoint_saved"})
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}
