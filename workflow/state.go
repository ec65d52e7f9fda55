package workflow

import "time"

// Status is the lifecycle status of a workflow execution.
type Status string

// Workflow statuses. Completed, Failed and Cancelled are terminal;
// no transition leaves them.
const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the workflow status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle status of a single workflow step.
type StepStatus string

// Step statuses. Completed, Failed and Skipped are terminal.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// workflowTransitions is the workflow state machine. Absence means the
// transition is rejected. Paused is only ever entered externally; the
// engine itself never transitions into it.
var workflowTransitions = map[Status][]Status{
	StatusCreated: {StatusPending, StatusRunning, StatusCancelled},
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal workflow transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stepTransitions is the step state machine.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning, StepSkipped},
	StepRunning: {StepCompleted, StepFailed},
}

// CanTransitionStep reports whether from -> to is a legal step transition.
func CanTransitionStep(from, to StepStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StepState is the mutable runtime record of one step.
type StepState struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       StepStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

// Clone returns a deep copy of the step state.
func (s *StepState) Clone() *StepState {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Outputs = cloneMap(s.Outputs)
	return &cp
}

// WorkflowState is the mutable runtime record of one workflow execution.
//
// Invariants:
//   - CreatedAt <= StartedAt <= CompletedAt when set
//   - CompletedAt is non-nil iff Status is terminal
//   - Status transitions obey the workflow state machine
type WorkflowState struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Status       Status                `json:"status"`
	Steps        map[string]*StepState `json:"steps"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Inputs       map[string]any        `json:"inputs,omitempty"`
	Outputs      map[string]any        `json:"outputs,omitempty"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the workflow state, step for step.
func (w *WorkflowState) Clone() *WorkflowState {
	cp := *w
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make(map[string]*StepState, len(w.Steps))
	for id, step := range w.Steps {
		cp.Steps[id] = step.Clone()
	}
	cp.Inputs = cloneMap(w.Inputs)
	cp.Outputs = cloneMap(w.Outputs)
	cp.Metadata = cloneMap(w.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
