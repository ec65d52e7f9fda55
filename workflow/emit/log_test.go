package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogEmitter_Text verifies the human-readable format.
func TestLogEmitter_Text(t *testing.T) {
	t.Run("workflow level event", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, false)
		e.Emit(Event{WorkflowID: "wf-1", Msg: "workflow_created"})

		out := buf.String()
		if !strings.HasPrefix(out, "[workflow_created] workflowID=wf-1") {
			t.Errorf("unexpected output: %q", out)
		}
		if strings.Contains(out, "stepID") {
			t.Error("expected no stepID for workflow-level event")
		}
	})

	t.Run("step event with metadata", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, false)
		e.Emit(Event{
			WorkflowID: "wf-1",
			StepID:     "s1",
			Msg:        "step_failed",
			Meta:       map[string]interface{}{"error": "boom"},
		})

		out := buf.String()
		for _, want := range []string{"[step_failed]", "workflowID=wf-1", "stepID=s1", "meta=", "boom"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output %q", want, out)
			}
		}
	})
}

// TestLogEmitter_JSON verifies one parseable JSON object per line.
func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{WorkflowID: "wf-1", StepID: "s1", Msg: "step_completed", Meta: map[string]interface{}{"duration_ms": 12}})
	e.Emit(Event{WorkflowID: "wf-1", Msg: "workflow_status"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var decoded struct {
		WorkflowID string                 `json:"workflowID"`
		StepID     string                 `json:"stepID"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if decoded.WorkflowID != "wf-1" || decoded.StepID != "s1" || decoded.Msg != "step_completed" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
	if decoded.Meta["duration_ms"] != float64(12) {
		t.Errorf("expected duration in meta, got %v", decoded.Meta)
	}
}

// TestNullEmitter verifies the discard emitter is callable.
func TestNullEmitter(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{WorkflowID: "wf-1", Msg: "anything"})
}
