package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewOTelEmitter(otel.Tracer("test")), exporter
}

// TestOTelEmitter_Emit verifies one event becomes one ended span with the
// workflow, step and metadata attributes.
func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		WorkflowID: "wf-001",
		StepID:     "provision",
		Msg:        "step_completed",
		Meta: map[string]interface{}{
			"duration_ms": int64(42),
			"status":      "completed",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "step_completed" {
		t.Errorf("span name = %q, want %q", span.Name, "step_completed")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["cloudweave.workflow_id"]; got != "wf-001" {
		t.Errorf("workflow_id = %v, want %q", got, "wf-001")
	}
	if got := attrs["cloudweave.step_id"]; got != "provision" {
		t.Errorf("step_id = %v, want %q", got, "provision")
	}
	if got := attrs["cloudweave.duration_ms"]; got != int64(42) {
		t.Errorf("duration_ms = %v, want %d", got, 42)
	}
	if got := attrs["cloudweave.status"]; got != "completed" {
		t.Errorf("status = %v, want %q", got, "completed")
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

// TestOTelEmitter_Error verifies an error event marks the span as failed.
func TestOTelEmitter_Error(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		WorkflowID: "wf-002",
		StepID:     "deploy",
		Msg:        "step_failed",
		Meta: map[string]interface{}{
			"error": "provider unreachable",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "provider unreachable" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "provider unreachable")
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

// TestOTelEmitter_Flush verifies Flush succeeds against the SDK provider.
func TestOTelEmitter_Flush(t *testing.T) {
	emitter, _ := newRecordingEmitter(t)

	emitter.Emit(Event{WorkflowID: "wf-003", Msg: "workflow_created"})
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
