// Package workflow provides the core workflow engine: definitions,
// durable state management, the per-workflow DAG executor and the
// admission-controlling scheduler.
package workflow

import (
	"errors"
	"fmt"
)

// ErrWorkflowExists is returned when creating a workflow whose id is taken.
var ErrWorkflowExists = errors.New("workflow already exists")

// ErrWorkflowNotFound is returned when a workflow id is unknown.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrStepExists is returned when adding a step whose id is taken.
var ErrStepExists = errors.New("step already exists")

// ErrStepNotFound is returned when a step id is unknown within a workflow.
var ErrStepNotFound = errors.New("step not found")

// ErrTimeout is the cancellation cause used when a workflow exceeds its
// wall-clock budget. The workflow terminates FAILED with reason "timeout".
var ErrTimeout = errors.New("workflow execution timed out")

// ErrCancelled is the cancellation cause used for explicit cancellation.
// The workflow terminates CANCELLED.
var ErrCancelled = errors.New("workflow cancelled")

// ErrSchedulerStopped is returned when scheduling against a stopped scheduler.
var ErrSchedulerStopped = errors.New("scheduler is not running")

// InvalidTransitionError reports a rejected state-machine transition.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ValidationError reports a structurally invalid workflow definition:
// an unknown successor reference, a dependency cycle, or a missing field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid workflow definition: " + e.Message
}

// ExecutionError reports a step that raised during execute. It carries the
// step id so failure handlers and error messages can point at the culprit.
type ExecutionError struct {
	StepID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
