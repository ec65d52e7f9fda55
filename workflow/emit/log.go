package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable format with key=value pairs
//   - JSON mode: machine-readable JSON, one event per line
//
// Example text output:
//
//	[step_started] workflowID=wf-001 stepID=s1
//
// Example JSON output:
//
//	{"workflowID":"wf-001","stepID":"s1","msg":"step_started","meta":null}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: where to write the log output (nil defaults to os.Stdout)
//   - jsonMode: if true, emit JSON lines; if false, emit text
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string                 `json:"workflowID"`
		StepID     string                 `json:"stepID"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		WorkflowID: event.WorkflowID,
		StepID:     event.StepID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflowID=%s", event.Msg, event.WorkflowID)
	if event.StepID != "" {
		fmt.Fprintf(l.writer, " stepID=%s", event.StepID)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
