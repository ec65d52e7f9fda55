package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudweave/cloudweave/workflow/emit"
)

// edge is one dependency arrow in the step graph: the step From must end
// with the given outcome before the target step becomes eligible.
type edge struct {
	From      string
	OnFailure bool
}

// stepResult is what a step goroutine reports back to the dispatch loop.
type stepResult struct {
	StepID  string
	Failed  bool
	Outputs map[string]any
}

// ExecutorOptions configures a DAG executor. The zero value is usable;
// Validate fills defaults.
type ExecutorOptions struct {
	// Emitter receives lifecycle events. Nil means discard.
	Emitter emit.Emitter

	// Metrics receives latency and retry observations. Nil disables.
	Metrics *Metrics

	// RetryDelay is the wait before the first step retry. Doubled per
	// attempt up to MaxRetryDelay. Default 1s.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff between retries. Default 30s.
	MaxRetryDelay time.Duration
}

// Validate fills defaults and rejects nonsensical settings.
func (o *ExecutorOptions) Validate() error {
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.RetryDelay < 0 || o.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if o.MaxRetryDelay < o.RetryDelay {
		return fmt.Errorf("max retry delay %s is below retry delay %s", o.MaxRetryDelay, o.RetryDelay)
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	return nil
}

// Executor runs one workflow's step graph to a terminal status.
//
// Execution model:
//   - A step with no incoming edges is eligible immediately.
//   - A step becomes eligible when every incoming edge is satisfied: its
//     source step finished with the edge's outcome (on_success edges need
//     Completed, on_failure edges need Failed).
//   - A step is skipped when any incoming edge can no longer be satisfied.
//     Skips cascade: a skipped step satisfies none of its outgoing edges.
//   - All eligible steps are dispatched concurrently, each in its own
//     goroutine. Completion wakes the dispatch loop for the next wave.
//
// Failed steps retry with exponential backoff up to their MaxRetries.
// A step failure routed through a non-empty on_failure list is handled;
// an unhandled failure makes the workflow Failed once the graph drains.
//
// Cancellation and timeout arrive through the run context. Steps observe
// the context and settle promptly; Run then records the terminal workflow
// status (Cancelled for explicit cancellation, Failed for timeout).
type Executor struct {
	sm       *StateManager
	registry *ExecutorRegistry
	opts     ExecutorOptions

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewExecutor creates a DAG executor over the given state manager and
// step executor registry.
func NewExecutor(sm *StateManager, registry *ExecutorRegistry, opts ExecutorOptions) (*Executor, error) {
	if sm == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("executor registry is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		sm:       sm,
		registry: registry,
		opts:     opts,
		cancels:  make(map[string]context.CancelCauseFunc),
	}, nil
}

// Run executes the workflow identified by workflowID against def until it
// reaches a terminal status. It blocks for the whole execution.
//
// The workflow must already exist (created through the StateManager) and
// hold one step per definition step. Run transitions it to Running,
// drives the step graph, and records Completed, Failed or Cancelled.
//
// Run returns the terminal error condition, or nil when the workflow
// completed. A workflow that terminates Failed or Cancelled is not an
// error of Run itself; Run errors mean the engine could not execute.
func (e *Executor) Run(ctx context.Context, def *Definition, workflowID string) error {
	if err := def.Validate(); err != nil {
		return err
	}

	w, err := e.sm.Get(workflowID)
	if err != nil {
		return err
	}
	for id := range def.Steps {
		if _, ok := w.Steps[id]; !ok {
			return fmt.Errorf("workflow %s is missing step %s: %w", workflowID, id, ErrStepNotFound)
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.registerCancel(workflowID, cancel)
	defer e.unregisterCancel(workflowID)

	if err := e.sm.UpdateWorkflowStatus(runCtx, workflowID, StatusRunning, ""); err != nil {
		return err
	}

	unhandledFailure := e.dispatchLoop(runCtx, def, workflowID, w.Inputs)

	return e.finish(ctx, workflowID, runCtx, unhandledFailure)
}

// Cancel requests cancellation of a running workflow. The run settles
// asynchronously; poll the StateManager for the terminal status.
func (e *Executor) Cancel(workflowID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[workflowID]
	e.mu.Unlock()
	if !ok {
		return ErrWorkflowNotFound
	}
	cancel(ErrCancelled)
	return nil
}

func (e *Executor) registerCancel(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = cancel
}

func (e *Executor) unregisterCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, id)
}

// dispatchLoop drives the step graph until every step is terminal or the
// context ends. It reports whether any failed step went unhandled.
func (e *Executor) dispatchLoop(ctx context.Context, def *Definition, workflowID string, wfInputs map[string]any) bool {
	incoming := incomingEdges(def)

	status := make(map[string]StepStatus, len(def.Steps))
	for id := range def.Steps {
		status[id] = StepPending
	}

	done := make(chan stepResult, len(def.Steps))
	inflight := 0
	unhandled := false

	for {
		// Skip steps whose dependencies can no longer be met. One pass
		// per wave is not enough since skips cascade.
		for changed := true; changed; {
			changed = false
			for id, st := range status {
				if st != StepPending {
					continue
				}
				if anyEdgeDead(incoming[id], status) {
					if err := e.sm.UpdateStepStatus(ctx, workflowID, id, StepSkipped, "", nil); err == nil {
						status[id] = StepSkipped
						changed = true
					}
				}
			}
		}

		pending := 0
		for id, st := range status {
			if st != StepPending {
				continue
			}
			pending++
			if !allEdgesSatisfied(incoming[id], status) {
				continue
			}
			status[id] = StepRunning
			inflight++
			stepDef := def.Steps[id]
			stepID := id
			go func() {
				done <- e.runStep(ctx, workflowID, stepID, stepDef, wfInputs)
			}()
		}

		if inflight == 0 {
			if pending > 0 {
				// Nothing running, nothing eligible, steps left over:
				// the remaining subgraph is unreachable.
				e.skipRemaining(ctx, workflowID, status)
				return true
			}
			return unhandled
		}

		res := <-done
		inflight--
		status[res.StepID] = StepCompleted
		if res.Failed {
			status[res.StepID] = StepFailed
			if len(def.Steps[res.StepID].OnFailure) == 0 {
				unhandled = true
			}
		} else if len(res.Outputs) > 0 {
			// Outputs merge in completion order; the dispatch loop is the
			// single writer so merges never race.
			if err := e.sm.SetOutputs(ctx, workflowID, res.Outputs); err != nil {
				e.opts.Emitter.Emit(emit.Event{
					WorkflowID: workflowID,
					StepID:     res.StepID,
					Msg:        "outputs_merge_failed",
					Meta:       map[string]interface{}{"error": err.Error()},
				})
			}
		}

		if ctx.Err() != nil {
			// Drain the remaining in-flight steps; they observe the same
			// context and settle promptly. Steps never dispatched are
			// skipped so the terminal workflow holds only terminal steps.
			for inflight > 0 {
				r := <-done
				inflight--
				if r.Failed {
					status[r.StepID] = StepFailed
				} else {
					status[r.StepID] = StepCompleted
				}
			}
			e.skipRemaining(ctx, workflowID, status)
			return unhandled
		}
	}
}

// skipRemaining marks every still-pending step Skipped. Used when the
// run ends with steps that will never become eligible: cancellation,
// timeout, or an unreachable subgraph. The updates must land even when
// the run context already ended.
func (e *Executor) skipRemaining(ctx context.Context, workflowID string, status map[string]StepStatus) {
	for id, st := range status {
		if st != StepPending {
			continue
		}
		if err := e.sm.UpdateStepStatus(context.WithoutCancel(ctx), workflowID, id, StepSkipped, "", nil); err == nil {
			status[id] = StepSkipped
		}
	}
}

// runStep executes one step with retries until success, exhaustion or
// context end. It owns the step's status transitions.
func (e *Executor) runStep(ctx context.Context, workflowID, stepID string, stepDef *StepDefinition, wfInputs map[string]any) stepResult {
	start := time.Now()

	if err := e.sm.UpdateStepStatus(ctx, workflowID, stepID, StepRunning, "", nil); err != nil {
		return stepResult{StepID: stepID, Failed: true}
	}
	e.opts.Emitter.Emit(emit.Event{WorkflowID: workflowID, StepID: stepID, Msg: "step_dispatched"})

	ex, ok := e.registry.Lookup(stepDef.Type)
	if !ok {
		e.failStep(ctx, workflowID, stepID, fmt.Errorf("no executor registered for step type %s", stepDef.Type))
		e.opts.Metrics.RecordStepLatency(stepID, time.Since(start), "error")
		return stepResult{StepID: stepID, Failed: true}
	}

	ec := &ExecContext{
		WorkflowID:     workflowID,
		StepID:         stepID,
		Step:           stepDef,
		Inputs:         stepDef.Inputs,
		WorkflowInputs: wfInputs,
	}

	maxRetries := e.stepMaxRetries(workflowID, stepID)
	delay := e.opts.RetryDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		outputs, err := ex.Execute(ctx, ec)
		if err == nil {
			// The completion must land even when the run context ended
			// while the step was finishing.
			if uerr := e.sm.UpdateStepStatus(context.WithoutCancel(ctx), workflowID, stepID, StepCompleted, "", outputs); uerr != nil {
				e.failStep(ctx, workflowID, stepID, uerr)
				e.opts.Metrics.RecordStepLatency(stepID, time.Since(start), "error")
				return stepResult{StepID: stepID, Failed: true}
			}
			e.opts.Emitter.Emit(emit.Event{
				WorkflowID: workflowID,
				StepID:     stepID,
				Msg:        "step_completed",
				Meta:       map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()},
			})
			e.opts.Metrics.RecordStepLatency(stepID, time.Since(start), "success")
			return stepResult{StepID: stepID, Outputs: outputs}
		}
		lastErr = err

		if ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		if _, rerr := e.sm.IncrementStepRetry(ctx, workflowID, stepID); rerr != nil {
			break
		}
		e.opts.Metrics.IncrementStepRetries(stepID)

		if !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
		if delay > e.opts.MaxRetryDelay {
			delay = e.opts.MaxRetryDelay
		}
	}

	e.failStep(ctx, workflowID, stepID, &ExecutionError{StepID: stepID, Err: lastErr})
	e.opts.Metrics.RecordStepLatency(stepID, time.Since(start), "error")
	return stepResult{StepID: stepID, Failed: true}
}

func (e *Executor) failStep(ctx context.Context, workflowID, stepID string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// The step must settle even when the run context already ended.
	if err := e.sm.UpdateStepStatus(context.WithoutCancel(ctx), workflowID, stepID, StepFailed, msg, nil); err != nil {
		return
	}
	e.opts.Emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		StepID:     stepID,
		Msg:        "step_failed",
		Meta:       map[string]interface{}{"error": msg},
	})
}

func (e *Executor) stepMaxRetries(workflowID, stepID string) int {
	w, err := e.sm.Get(workflowID)
	if err != nil {
		return 0
	}
	if step, ok := w.Steps[stepID]; ok {
		return step.MaxRetries
	}
	return 0
}

// finish records the workflow's terminal status after the dispatch loop
// drains. The status updates run against the parent context so a timed
// out or cancelled run can still persist its outcome.
func (e *Executor) finish(parent context.Context, workflowID string, runCtx context.Context, unhandledFailure bool) error {
	ctx := context.WithoutCancel(parent)

	if cause := context.Cause(runCtx); runCtx.Err() != nil {
		switch {
		case errors.Is(cause, ErrCancelled):
			if err := e.sm.UpdateWorkflowStatus(ctx, workflowID, StatusCancelled, ErrCancelled.Error()); err != nil {
				return err
			}
			e.opts.Metrics.IncrementWorkflowsTotal(StatusCancelled)
			return nil
		case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
			if err := e.sm.UpdateWorkflowStatus(ctx, workflowID, StatusFailed, ErrTimeout.Error()); err != nil {
				return err
			}
			e.opts.Metrics.IncrementWorkflowsTotal(StatusFailed)
			return nil
		default:
			if err := e.sm.UpdateWorkflowStatus(ctx, workflowID, StatusCancelled, ErrCancelled.Error()); err != nil {
				return err
			}
			e.opts.Metrics.IncrementWorkflowsTotal(StatusCancelled)
			return nil
		}
	}

	if unhandledFailure {
		msg := e.failureMessage(workflowID)
		if err := e.sm.UpdateWorkflowStatus(ctx, workflowID, StatusFailed, msg); err != nil {
			return err
		}
		e.opts.Metrics.IncrementWorkflowsTotal(StatusFailed)
		return nil
	}

	if err := e.sm.UpdateWorkflowStatus(ctx, workflowID, StatusCompleted, ""); err != nil {
		return err
	}
	e.opts.Metrics.IncrementWorkflowsTotal(StatusCompleted)
	return nil
}

// failureMessage summarizes why a workflow failed: the first failed
// step's error, or the unreachable-subgraph condition.
func (e *Executor) failureMessage(workflowID string) string {
	w, err := e.sm.Get(workflowID)
	if err != nil {
		return "workflow failed"
	}
	for _, step := range w.Steps {
		if step.Status == StepFailed {
			if step.ErrorMessage != "" {
				return step.ErrorMessage
			}
			return fmt.Sprintf("step %s failed", step.ID)
		}
	}
	return "workflow has unreachable steps"
}

// incomingEdges inverts the on_success / on_failure adjacency into
// per-step dependency lists.
func incomingEdges(def *Definition) map[string][]edge {
	in := make(map[string][]edge, len(def.Steps))
	for from, step := range def.Steps {
		for _, to := range step.OnSuccess {
			in[to] = append(in[to], edge{From: from})
		}
		for _, to := range step.OnFailure {
			in[to] = append(in[to], edge{From: from, OnFailure: true})
		}
	}
	return in
}

// allEdgesSatisfied reports whether every dependency finished with the
// outcome its edge requires.
func allEdgesSatisfied(edges []edge, status map[string]StepStatus) bool {
	for _, ed := range edges {
		want := StepCompleted
		if ed.OnFailure {
			want = StepFailed
		}
		if status[ed.From] != want {
			return false
		}
	}
	return true
}

// anyEdgeDead reports whether some dependency can no longer finish with
// the outcome its edge requires.
func anyEdgeDead(edges []edge, status map[string]StepStatus) bool {
	for _, ed := range edges {
		st := status[ed.From]
		if !st.Terminal() {
			continue
		}
		want := StepCompleted
		if ed.OnFailure {
			want = StepFailed
		}
		if st != want {
			return true
		}
	}
	return false
}

// sleepCtx waits d or until ctx ends, reporting whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
