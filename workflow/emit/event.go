package emit

// Event represents a lifecycle observability event emitted during workflow
// execution.
//
// Events cover:
//   - Workflow status transitions (created, running, terminal)
//   - Step dispatch, completion, failure, retry, skip
//   - Scheduler admission and cleanup activity
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr or files
//   - Send to OpenTelemetry
//   - Discard (NullEmitter)
type Event struct {
	// WorkflowID identifies the workflow execution that emitted this event.
	WorkflowID string

	// StepID identifies the step the event concerns.
	// Empty for workflow-level events.
	StepID string

	// Msg is a short machine-stable description, e.g. "step_completed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "status": the new workflow or step status
	//   - "error": error details
	//   - "duration_ms": execution duration in milliseconds
	//   - "attempt": retry attempt number
	Meta map[string]interface{}
}
