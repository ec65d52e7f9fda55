package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudweave/cloudweave/workflow/emit"
)

// StateManager is the single writer of workflow runtime state. It keeps a
// write-through cache in front of a Store: every mutation is applied to a
// private copy, persisted, and only then published to the cache, so a
// failed store write never leaves the cache ahead of the database.
//
// All methods are safe for concurrent use. Snapshots returned by Get and
// List are deep copies; mutating them has no effect on managed state.
//
// Example:
//
//	st, err := store.NewSQLiteStore("workflows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sm, err := workflow.NewStateManager(ctx, st, emit.NewLogEmitter(nil, false))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sm.CreateWorkflow(ctx, "wf-1", "deploy", nil); err != nil {
//	    log.Fatal(err)
//	}
type StateManager struct {
	store   Store
	emitter emit.Emitter

	mu        sync.RWMutex
	workflows map[string]*WorkflowState
}

// NewStateManager creates a StateManager backed by st and warms the cache
// with every workflow the store currently holds, so in-flight state
// survives a process restart.
//
// A nil emitter defaults to emit.NullEmitter.
func NewStateManager(ctx context.Context, st Store, emitter emit.Emitter) (*StateManager, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	existing, err := st.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted workflows: %w", err)
	}

	workflows := make(map[string]*WorkflowState, len(existing))
	for _, w := range existing {
		workflows[w.ID] = w
	}

	return &StateManager{
		store:     st,
		emitter:   emitter,
		workflows: workflows,
	}, nil
}

// CreateWorkflow registers a new workflow execution in status Created.
//
// Returns ErrWorkflowExists if the id is already taken.
func (sm *StateManager) CreateWorkflow(ctx context.Context, id, name string, inputs map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.workflows[id]; ok {
		return ErrWorkflowExists
	}

	w := &WorkflowState{
		ID:        id,
		Name:      name,
		Status:    StatusCreated,
		Steps:     make(map[string]*StepState),
		CreatedAt: time.Now(),
		Inputs:    cloneMap(inputs),
	}
	if err := sm.store.Save(ctx, w); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", id, err)
	}
	sm.workflows[id] = w

	sm.emitter.Emit(emit.Event{
		WorkflowID: id,
		Msg:        "workflow_created",
		Meta:       map[string]interface{}{"name": name},
	})
	return nil
}

// AddStep registers a step in status Pending on an existing workflow.
//
// maxRetries bounds how often the executor re-attempts the step after a
// failure; values below zero are clamped to zero.
func (sm *StateManager) AddStep(ctx context.Context, workflowID, stepID, name string, maxRetries int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	if _, ok := w.Steps[stepID]; ok {
		return ErrStepExists
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	next := w.Clone()
	next.Steps[stepID] = &StepState{
		ID:         stepID,
		Name:       name,
		Status:     StepPending,
		MaxRetries: maxRetries,
	}
	if err := sm.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist step %s: %w", stepID, err)
	}
	sm.workflows[workflowID] = next
	return nil
}

// UpdateWorkflowStatus moves a workflow through its state machine.
//
// Side effects on legal transitions:
//   - entering Running for the first time sets StartedAt
//   - entering a terminal status sets CompletedAt
//   - errMsg is recorded verbatim when non-empty
//
// Returns ErrWorkflowNotFound for unknown ids and InvalidTransitionError
// for transitions the state machine rejects, terminal statuses included.
func (sm *StateManager) UpdateWorkflowStatus(ctx context.Context, id string, status Status, errMsg string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if !CanTransition(w.Status, status) {
		return &InvalidTransitionError{From: string(w.Status), To: string(status)}
	}

	next := w.Clone()
	next.Status = status
	if status == StatusRunning && next.StartedAt == nil {
		now := time.Now()
		next.StartedAt = &now
	}
	if status.Terminal() {
		now := time.Now()
		next.CompletedAt = &now
	}
	if errMsg != "" {
		next.ErrorMessage = errMsg
	}

	if err := sm.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", id, err)
	}
	sm.workflows[id] = next

	meta := map[string]interface{}{"status": string(status)}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	sm.emitter.Emit(emit.Event{WorkflowID: id, Msg: "workflow_status", Meta: meta})
	return nil
}

// UpdateStepStatus moves a step through its state machine.
//
// Side effects on legal transitions:
//   - entering Running sets StartedAt
//   - entering a terminal status sets CompletedAt
//   - outputs are merged into the step's outputs, last writer wins
//
// Returns ErrWorkflowNotFound / ErrStepNotFound for unknown ids and
// InvalidTransitionError for rejected transitions.
func (sm *StateManager) UpdateStepStatus(ctx context.Context, workflowID, stepID string, status StepStatus, errMsg string, outputs map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	step, ok := w.Steps[stepID]
	if !ok {
		return ErrStepNotFound
	}
	if !CanTransitionStep(step.Status, status) {
		return &InvalidTransitionError{From: string(step.Status), To: string(status)}
	}

	next := w.Clone()
	ns := next.Steps[stepID]
	ns.Status = status
	now := time.Now()
	if status == StepRunning && ns.StartedAt == nil {
		ns.StartedAt = &now
	}
	if status.Terminal() {
		ns.CompletedAt = &now
	}
	if errMsg != "" {
		ns.ErrorMessage = errMsg
	}
	if len(outputs) > 0 {
		if ns.Outputs == nil {
			ns.Outputs = make(map[string]any, len(outputs))
		}
		for k, v := range outputs {
			ns.Outputs[k] = v
		}
	}

	if err := sm.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist step %s: %w", stepID, err)
	}
	sm.workflows[workflowID] = next

	meta := map[string]interface{}{"status": string(status)}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	sm.emitter.Emit(emit.Event{WorkflowID: workflowID, StepID: stepID, Msg: "step_status", Meta: meta})
	return nil
}

// IncrementStepRetry bumps the step's retry counter and returns the new
// count. The step stays in its current status; retries happen within a
// single Running episode.
func (sm *StateManager) IncrementStepRetry(ctx context.Context, workflowID, stepID string) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[workflowID]
	if !ok {
		return 0, ErrWorkflowNotFound
	}
	if _, ok := w.Steps[stepID]; !ok {
		return 0, ErrStepNotFound
	}

	next := w.Clone()
	ns := next.Steps[stepID]
	ns.RetryCount++

	if err := sm.store.Save(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to persist step %s: %w", stepID, err)
	}
	sm.workflows[workflowID] = next

	sm.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Msg:        "step_retry",
		Meta:       map[string]interface{}{"attempt": ns.RetryCount},
	})
	return ns.RetryCount, nil
}

// SetOutputs merges outputs into the workflow's output map, last writer
// wins per key.
func (sm *StateManager) SetOutputs(ctx context.Context, id string, outputs map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if len(outputs) == 0 {
		return nil
	}

	next := w.Clone()
	if next.Outputs == nil {
		next.Outputs = make(map[string]any, len(outputs))
	}
	for k, v := range outputs {
		next.Outputs[k] = v
	}

	if err := sm.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", id, err)
	}
	sm.workflows[id] = next
	return nil
}

// SetMetadata merges entries into the workflow's metadata map.
func (sm *StateManager) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	w, ok := sm.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if len(metadata) == 0 {
		return nil
	}

	next := w.Clone()
	if next.Metadata == nil {
		next.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		next.Metadata[k] = v
	}

	if err := sm.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", id, err)
	}
	sm.workflows[id] = next
	return nil
}

// Get returns a deep-copy snapshot of a workflow's state.
func (sm *StateManager) Get(id string) (*WorkflowState, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	w, ok := sm.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w.Clone(), nil
}

// List returns deep-copy snapshots of workflows matching the filter.
// Ordering is unspecified.
func (sm *StateManager) List(filter Filter) []*WorkflowState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var out []*WorkflowState
	for _, w := range sm.workflows {
		if filter.Matches(w) {
			out = append(out, w.Clone())
		}
	}
	return out
}

// Delete removes a workflow from the store and the cache.
func (sm *StateManager) Delete(ctx context.Context, id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	if err := sm.store.Delete(ctx, id); err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	delete(sm.workflows, id)
	return nil
}

// Cleanup removes terminal workflows older than maxAge from the store and
// reconciles the cache against what remains. Returns the number removed
// from the store.
func (sm *StateManager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	purged, err := sm.store.Cleanup(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	if purged > 0 {
		cutoff := time.Now().Add(-maxAge)
		for id, w := range sm.workflows {
			if w.Status.Terminal() && w.CompletedAt != nil && !w.CompletedAt.After(cutoff) {
				delete(sm.workflows, id)
			}
		}
		sm.emitter.Emit(emit.Event{
			Msg:  "history_cleanup",
			Meta: map[string]interface{}{"purged": purged},
		})
	}
	return purged, nil
}
