package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudweave/cloudweave/workflow/emit"
)

// defaultMaxStepRetries is applied to steps whose definition does not
// override it.
const defaultMaxStepRetries = 3

// SchedulerConfig bounds scheduler behavior. Start from
// DefaultSchedulerConfig; Validate fills defaults for unset fields but
// rejects a missing timeout, since a zero wall-clock budget is ambiguous
// rather than meaning "no limit".
type SchedulerConfig struct {
	// MaxConcurrentWorkflows caps how many workflows execute at once.
	// Admitted workflows beyond the cap wait in the queue. Default 10.
	MaxConcurrentWorkflows int

	// MaxWorkflowTimeout is the wall-clock budget per workflow run.
	// A run exceeding it terminates Failed. Default 1h.
	MaxWorkflowTimeout time.Duration

	// CleanupInterval is how often the history retention sweep runs.
	// Default 24h.
	CleanupInterval time.Duration

	// HistoryRetention is how long terminal workflows are kept before
	// the sweep removes them. Default 30 days.
	HistoryRetention time.Duration

	// QueueSize caps admitted-but-undispatched workflows. Schedule
	// rejects work once the queue is full. Default 128.
	QueueSize int
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentWorkflows: 10,
		MaxWorkflowTimeout:     time.Hour,
		CleanupInterval:        24 * time.Hour,
		HistoryRetention:       30 * 24 * time.Hour,
		QueueSize:              128,
	}
}

// Validate fills defaults for unset fields and rejects nonsensical
// settings. A timeout of zero or below is rejected outright.
func (c *SchedulerConfig) Validate() error {
	if c.MaxConcurrentWorkflows == 0 {
		c.MaxConcurrentWorkflows = 10
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 30 * 24 * time.Hour
	}
	if c.QueueSize == 0 {
		c.QueueSize = 128
	}
	if c.MaxConcurrentWorkflows < 0 {
		return fmt.Errorf("max concurrent workflows must be positive")
	}
	if c.MaxWorkflowTimeout <= 0 {
		return fmt.Errorf("max workflow timeout must be greater than zero")
	}
	if c.CleanupInterval < 0 || c.HistoryRetention < 0 {
		return fmt.Errorf("cleanup interval and history retention must be positive")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must be positive")
	}
	return nil
}

// queuedRun is one admitted workflow waiting for a concurrency slot.
type queuedRun struct {
	Def        *Definition
	WorkflowID string
}

// SchedulerStatus is a point-in-time snapshot of scheduler load.
type SchedulerStatus struct {
	Running       bool
	QueueDepth    int
	InFlight      int
	MaxConcurrent int
}

// Scheduler admits workflow executions, bounds their concurrency and
// wall-clock time, and sweeps terminal history.
//
// Admitted workflows queue FIFO. A dispatch loop moves them into the
// Executor as concurrency slots free up; each run gets its own timeout
// context. A background sweep removes terminal workflows older than the
// retention window.
//
// Example:
//
//	sched, err := workflow.NewScheduler(workflow.DefaultSchedulerConfig(), sm, exec, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sched.Start()
//	defer sched.Stop()
//
//	id, err := sched.Schedule(ctx, def, map[string]any{"deployment_id": "dep-1"})
type Scheduler struct {
	cfg     SchedulerConfig
	sm      *StateManager
	exec    *Executor
	emitter emit.Emitter
	metrics *Metrics

	mu          sync.Mutex
	running     bool
	queue       chan queuedRun
	inflight    map[string]struct{}
	definitions map[string]*Definition
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewScheduler creates a scheduler over the given state manager and
// executor. emitter and metrics may be nil.
func NewScheduler(cfg SchedulerConfig, sm *StateManager, exec *Executor, emitter emit.Emitter, metrics *Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sm == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Scheduler{
		cfg:         cfg,
		sm:          sm,
		exec:        exec,
		emitter:     emitter,
		metrics:     metrics,
		queue:       make(chan queuedRun, cfg.QueueSize),
		inflight:    make(map[string]struct{}),
		definitions: make(map[string]*Definition),
		stop:        make(chan struct{}),
	}, nil
}

// RegisterDefinition makes a validated definition available for
// sub-workflow calls and schedule-by-id.
func (s *Scheduler) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return nil
}

// Definition returns a registered definition by id.
func (s *Scheduler) Definition(id string) (*Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	return def, ok
}

// Start launches the dispatch and cleanup loops. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.cleanupLoop()
}

// Stop halts admission and dispatch and waits for loops to exit.
// In-flight workflows run to completion. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule validates the definition, materializes a new workflow
// execution in status Pending and enqueues it. Returns the new
// workflow id.
//
// Inputs are resolved against the definition: declared defaults fill
// absent keys, and a missing required input rejects the schedule with a
// *ValidationError.
//
// Returns ErrSchedulerStopped when the scheduler is not running and an
// error when the queue is full.
func (s *Scheduler) Schedule(ctx context.Context, def *Definition, inputs map[string]any) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	resolved, err := resolveInputs(def, inputs)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", ErrSchedulerStopped
	}

	workflowID := uuid.New().String()
	if err := s.sm.CreateWorkflow(ctx, workflowID, def.Name, resolved); err != nil {
		return "", err
	}
	for id := range def.Steps {
		if err := s.sm.AddStep(ctx, workflowID, id, def.StepName(id), defaultMaxStepRetries); err != nil {
			return "", err
		}
	}
	if err := s.sm.UpdateWorkflowStatus(ctx, workflowID, StatusPending, ""); err != nil {
		return "", err
	}

	select {
	case s.queue <- queuedRun{Def: def, WorkflowID: workflowID}:
	default:
		_ = s.sm.UpdateWorkflowStatus(ctx, workflowID, StatusFailed, "scheduler queue full")
		return "", fmt.Errorf("scheduler queue is full (%d pending)", s.cfg.QueueSize)
	}

	s.metrics.UpdateQueueDepth(len(s.queue))
	s.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Msg:        "workflow_scheduled",
		Meta:       map[string]interface{}{"definition": def.ID},
	})
	return workflowID, nil
}

// ScheduleByID schedules a previously registered definition.
func (s *Scheduler) ScheduleByID(ctx context.Context, definitionID string, inputs map[string]any) (string, error) {
	def, ok := s.Definition(definitionID)
	if !ok {
		return "", fmt.Errorf("unknown workflow definition %s: %w", definitionID, ErrWorkflowNotFound)
	}
	return s.Schedule(ctx, def, inputs)
}

// CancelWorkflow cancels a workflow whether queued or running. A queued
// workflow transitions straight to Cancelled; a running one is cancelled
// through the executor and settles asynchronously.
func (s *Scheduler) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := s.exec.Cancel(workflowID); err == nil {
		return nil
	} else if !errors.Is(err, ErrWorkflowNotFound) {
		return err
	}

	// Not in-flight: cancel it in place if it has not started.
	w, err := s.sm.Get(workflowID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return nil
	}
	return s.sm.UpdateWorkflowStatus(ctx, workflowID, StatusCancelled, ErrCancelled.Error())
}

// RunWorkflow runs a registered definition synchronously, bypassing the
// queue. It implements WorkflowRunner for call_operation steps; the
// sub-workflow shares the caller's context, so parent cancellation and
// timeout propagate.
func (s *Scheduler) RunWorkflow(ctx context.Context, definitionID string, inputs map[string]any) (map[string]any, error) {
	def, ok := s.Definition(definitionID)
	if !ok {
		return nil, fmt.Errorf("unknown workflow definition %s: %w", definitionID, ErrWorkflowNotFound)
	}
	resolved, err := resolveInputs(def, inputs)
	if err != nil {
		return nil, err
	}

	workflowID := uuid.New().String()
	if err := s.sm.CreateWorkflow(ctx, workflowID, def.Name, resolved); err != nil {
		return nil, err
	}
	for id := range def.Steps {
		if err := s.sm.AddStep(ctx, workflowID, id, def.StepName(id), defaultMaxStepRetries); err != nil {
			return nil, err
		}
	}

	if err := s.exec.Run(ctx, def, workflowID); err != nil {
		return nil, err
	}

	w, err := s.sm.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusCompleted {
		return nil, fmt.Errorf("sub-workflow %s terminated %s: %s", workflowID, w.Status, w.ErrorMessage)
	}
	return w.Outputs, nil
}

// Status returns a point-in-time load snapshot.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:       s.running,
		QueueDepth:    len(s.queue),
		InFlight:      len(s.inflight),
		MaxConcurrent: s.cfg.MaxConcurrentWorkflows,
	}
}

// dispatchLoop moves queued workflows into the executor, bounded by the
// concurrency cap. Each run gets its own timeout context.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	sem := make(chan struct{}, s.cfg.MaxConcurrentWorkflows)
	for {
		select {
		case <-s.stop:
			return
		case item := <-s.queue:
			s.metrics.UpdateQueueDepth(len(s.queue))

			select {
			case sem <- struct{}{}:
			case <-s.stop:
				return
			}

			// A workflow cancelled while queued is already terminal.
			if w, err := s.sm.Get(item.WorkflowID); err != nil || w.Status != StatusPending {
				<-sem
				continue
			}

			s.markInflight(item.WorkflowID, true)
			s.wg.Add(1)
			go func(run queuedRun) {
				defer s.wg.Done()
				defer func() {
					<-sem
					s.markInflight(run.WorkflowID, false)
				}()
				s.runOne(run)
			}(item)
		}
	}
}

func (s *Scheduler) runOne(run queuedRun) {
	ctx, cancel := context.WithTimeoutCause(context.Background(), s.cfg.MaxWorkflowTimeout, ErrTimeout)
	defer cancel()

	if err := s.exec.Run(ctx, run.Def, run.WorkflowID); err != nil {
		s.emitter.Emit(emit.Event{
			WorkflowID: run.WorkflowID,
			Msg:        "workflow_run_error",
			Meta:       map[string]interface{}{"error": err.Error()},
		})
	}
}

func (s *Scheduler) markInflight(id string, in bool) {
	s.mu.Lock()
	if in {
		s.inflight[id] = struct{}{}
	} else {
		delete(s.inflight, id)
	}
	count := len(s.inflight)
	s.mu.Unlock()
	s.metrics.UpdateInflightWorkflows(count)
}

// cleanupLoop sweeps terminal workflow history on the configured
// interval.
func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			purged, err := s.sm.Cleanup(context.Background(), s.cfg.HistoryRetention)
			if err != nil {
				s.emitter.Emit(emit.Event{
					Msg:  "cleanup_error",
					Meta: map[string]interface{}{"error": err.Error()},
				})
				continue
			}
			s.metrics.AddCleanupPurged(purged)
		}
	}
}

// resolveInputs applies declared defaults and checks required inputs.
func resolveInputs(def *Definition, inputs map[string]any) (map[string]any, error) {
	resolved := cloneMap(inputs)
	if resolved == nil {
		resolved = make(map[string]any)
	}
	for name, decl := range def.Inputs {
		if _, ok := resolved[name]; ok {
			continue
		}
		if decl.Default != nil {
			resolved[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, &ValidationError{Message: "missing required input " + name}
		}
	}
	return resolved, nil
}
