package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudweave/cloudweave/workflow"
	"github.com/cloudweave/cloudweave/workflow/store"
)

func newSchedulerHarness(t *testing.T, cfg workflow.SchedulerConfig, fn stepFunc) (*workflow.StateManager, *workflow.Scheduler, *workflow.ExecutorRegistry) {
	t.Helper()
	sm, err := workflow.NewStateManager(context.Background(), store.NewMemStore(), nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	reg := workflow.NewExecutorRegistry()
	reg.Register(workflow.Inline, fn)
	exec, err := workflow.NewExecutor(sm, reg, workflow.ExecutorOptions{
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	sched, err := workflow.NewScheduler(cfg, sm, exec, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return sm, sched, reg
}

func waitForStatus(t *testing.T, sm *workflow.StateManager, id string, want workflow.Status, timeout time.Duration) *workflow.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w, err := sm.Get(id)
		if err == nil && w.Status == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, _ := sm.Get(id)
	t.Fatalf("workflow %s never reached %s (last: %+v)", id, want, w)
	return nil
}

// TestSchedulerConfig_Validate verifies defaults and rejection of
// nonsensical settings.
func TestSchedulerConfig_Validate(t *testing.T) {
	t.Run("unset fields get defaults", func(t *testing.T) {
		cfg := workflow.SchedulerConfig{MaxWorkflowTimeout: time.Minute}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if cfg.MaxConcurrentWorkflows != 10 {
			t.Errorf("expected default concurrency 10, got %d", cfg.MaxConcurrentWorkflows)
		}
		if cfg.HistoryRetention != 30*24*time.Hour {
			t.Errorf("expected default retention 30d, got %s", cfg.HistoryRetention)
		}
	})

	t.Run("production defaults validate", func(t *testing.T) {
		cfg := workflow.DefaultSchedulerConfig()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if cfg.MaxWorkflowTimeout != time.Hour {
			t.Errorf("expected default timeout 1h, got %s", cfg.MaxWorkflowTimeout)
		}
	})

	t.Run("zero timeout rejected", func(t *testing.T) {
		var cfg workflow.SchedulerConfig
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for zero timeout")
		}
	})

	t.Run("negative timeout rejected", func(t *testing.T) {
		cfg := workflow.SchedulerConfig{MaxWorkflowTimeout: -time.Second}
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for negative timeout")
		}
	})

	t.Run("negative concurrency rejected", func(t *testing.T) {
		cfg := workflow.SchedulerConfig{MaxConcurrentWorkflows: -1}
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for negative concurrency")
		}
	})
}

// TestScheduler_Schedule verifies end-to-end admission and execution.
func TestScheduler_Schedule(t *testing.T) {
	sm, sched, _ := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(_ context.Context, ec *workflow.ExecContext) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		})
	sched.Start()
	defer sched.Stop()

	def := linearTestDefinition()
	id, err := sched.Schedule(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	w := waitForStatus(t, sm, id, workflow.StatusCompleted, 5*time.Second)
	if len(w.Steps) != 3 {
		t.Errorf("expected 3 steps materialized, got %d", len(w.Steps))
	}
	if w.Outputs["done"] != true {
		t.Error("expected step outputs on workflow")
	}
}

// TestScheduler_NotRunning verifies admission is rejected before Start.
func TestScheduler_NotRunning(t *testing.T) {
	_, sched, _ := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(_ context.Context, _ *workflow.ExecContext) (map[string]any, error) { return nil, nil })

	_, err := sched.Schedule(context.Background(), linearTestDefinition(), nil)
	if !errors.Is(err, workflow.ErrSchedulerStopped) {
		t.Errorf("expected ErrSchedulerStopped, got %v", err)
	}
}

// TestScheduler_ConcurrencyCap verifies no more than the configured
// number of workflows execute at once.
func TestScheduler_ConcurrencyCap(t *testing.T) {
	var current, peak int64
	release := make(chan struct{})

	cfg := workflow.DefaultSchedulerConfig()
	cfg.MaxConcurrentWorkflows = 2

	sm, sched, _ := newSchedulerHarness(t, cfg,
		func(ctx context.Context, _ *workflow.ExecContext) (map[string]any, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			defer atomic.AddInt64(&current, -1)
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	sched.Start()
	defer sched.Stop()

	var ids []string
	for i := 0; i < 4; i++ {
		def := &workflow.Definition{
			ID:    "cap",
			Name:  "cap",
			Steps: map[string]*workflow.StepDefinition{"s": {Type: workflow.Inline}},
		}
		id, err := sched.Schedule(context.Background(), def, nil)
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		ids = append(ids, id)
	}

	// Give the dispatcher time to saturate its slots, then release.
	time.Sleep(100 * time.Millisecond)
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("expected at most 2 concurrent workflows, saw %d", p)
	}
	close(release)

	for _, id := range ids {
		waitForStatus(t, sm, id, workflow.StatusCompleted, 5*time.Second)
	}
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("expected at most 2 concurrent workflows, saw %d", p)
	}
}

// TestScheduler_CancelQueued verifies a workflow cancelled while waiting
// in the queue never executes.
func TestScheduler_CancelQueued(t *testing.T) {
	release := make(chan struct{})
	var executed sync.Map

	cfg := workflow.DefaultSchedulerConfig()
	cfg.MaxConcurrentWorkflows = 1

	sm, sched, _ := newSchedulerHarness(t, cfg,
		func(ctx context.Context, ec *workflow.ExecContext) (map[string]any, error) {
			executed.Store(ec.WorkflowID, true)
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	sched.Start()
	defer sched.Stop()

	def := &workflow.Definition{
		ID:    "one",
		Name:  "one",
		Steps: map[string]*workflow.StepDefinition{"s": {Type: workflow.Inline}},
	}

	blocker, err := sched.Schedule(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	queued, err := sched.Schedule(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	// Let the blocker occupy the single slot, then cancel the queued one.
	time.Sleep(50 * time.Millisecond)
	if err := sched.CancelWorkflow(context.Background(), queued); err != nil {
		t.Fatalf("CancelWorkflow failed: %v", err)
	}
	close(release)

	waitForStatus(t, sm, blocker, workflow.StatusCompleted, 5*time.Second)
	w := waitForStatus(t, sm, queued, workflow.StatusCancelled, 5*time.Second)
	if w.StartedAt != nil {
		t.Error("expected cancelled queued workflow to never start")
	}
	if _, ran := executed.Load(queued); ran {
		t.Error("expected cancelled queued workflow to never execute a step")
	}
}

// TestScheduler_CancelRunning verifies cancellation of an in-flight
// workflow settles it as cancelled.
func TestScheduler_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	sm, sched, _ := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(ctx context.Context, _ *workflow.ExecContext) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	sched.Start()
	defer sched.Stop()

	def := &workflow.Definition{
		ID:    "block",
		Name:  "block",
		Steps: map[string]*workflow.StepDefinition{"s": {Type: workflow.Inline}},
	}
	id, err := sched.Schedule(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	<-started
	if err := sched.CancelWorkflow(context.Background(), id); err != nil {
		t.Fatalf("CancelWorkflow failed: %v", err)
	}
	waitForStatus(t, sm, id, workflow.StatusCancelled, 2*time.Second)
}

// TestScheduler_Timeout verifies the per-run wall-clock budget.
func TestScheduler_Timeout(t *testing.T) {
	cfg := workflow.DefaultSchedulerConfig()
	cfg.MaxWorkflowTimeout = 50 * time.Millisecond

	sm, sched, _ := newSchedulerHarness(t, cfg,
		func(ctx context.Context, _ *workflow.ExecContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	sched.Start()
	defer sched.Stop()

	def := &workflow.Definition{
		ID:    "slow",
		Name:  "slow",
		Steps: map[string]*workflow.StepDefinition{"s": {Type: workflow.Inline}},
	}
	id, err := sched.Schedule(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	w := waitForStatus(t, sm, id, workflow.StatusFailed, 5*time.Second)
	if w.ErrorMessage != workflow.ErrTimeout.Error() {
		t.Errorf("expected timeout reason, got %q", w.ErrorMessage)
	}
}

// TestScheduler_InputResolution verifies defaults fill absent inputs and
// missing required inputs reject the schedule.
func TestScheduler_InputResolution(t *testing.T) {
	sm, sched, _ := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(_ context.Context, _ *workflow.ExecContext) (map[string]any, error) { return nil, nil })
	sched.Start()
	defer sched.Stop()

	def := &workflow.Definition{
		ID:   "inputs",
		Name: "inputs",
		Inputs: map[string]workflow.InputDefinition{
			"region":        {Type: "string", Default: "eu-west-1"},
			"deployment_id": {Type: "string", Required: true},
		},
		Steps: map[string]*workflow.StepDefinition{"s": {Type: workflow.Inline}},
	}

	t.Run("default applied", func(t *testing.T) {
		id, err := sched.Schedule(context.Background(), def, map[string]any{"deployment_id": "dep-1"})
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		w := waitForStatus(t, sm, id, workflow.StatusCompleted, 5*time.Second)
		if w.Inputs["region"] != "eu-west-1" {
			t.Errorf("expected default region, got %v", w.Inputs["region"])
		}
	})

	t.Run("missing required input rejected", func(t *testing.T) {
		_, err := sched.Schedule(context.Background(), def, nil)
		var verr *workflow.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

// TestScheduler_SubWorkflow verifies call_operation steps run a
// registered definition and surface its outputs.
func TestScheduler_SubWorkflow(t *testing.T) {
	sm, sched, reg := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(_ context.Context, ec *workflow.ExecContext) (map[string]any, error) {
			return map[string]any{"from": ec.StepID}, nil
		})
	reg.Register(workflow.CallOperation, &workflow.CallOperationExecutor{Runner: sched})
	sched.Start()
	defer sched.Stop()

	child := &workflow.Definition{
		ID:    "child",
		Name:  "child",
		Steps: map[string]*workflow.StepDefinition{"inner": {Type: workflow.Inline}},
	}
	if err := sched.RegisterDefinition(child); err != nil {
		t.Fatalf("RegisterDefinition failed: %v", err)
	}

	parent := &workflow.Definition{
		ID:   "parent",
		Name: "parent",
		Steps: map[string]*workflow.StepDefinition{
			"call": {Type: workflow.CallOperation, Operation: "child"},
		},
	}
	id, err := sched.Schedule(context.Background(), parent, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	w := waitForStatus(t, sm, id, workflow.StatusCompleted, 5*time.Second)
	if w.Outputs["from"] != "inner" {
		t.Errorf("expected sub-workflow outputs on parent, got %v", w.Outputs)
	}

	// The child ran as its own workflow execution.
	children := sm.List(workflow.Filter{Name: "child"})
	if len(children) != 1 || children[0].Status != workflow.StatusCompleted {
		t.Errorf("expected one completed child workflow, got %+v", children)
	}
}

// TestScheduler_StartStop verifies lifecycle idempotence.
func TestScheduler_StartStop(t *testing.T) {
	_, sched, _ := newSchedulerHarness(t, workflow.DefaultSchedulerConfig(),
		func(_ context.Context, _ *workflow.ExecContext) (map[string]any, error) { return nil, nil })

	sched.Start()
	sched.Start()
	if st := sched.Status(); !st.Running {
		t.Error("expected running after Start")
	}
	sched.Stop()
	sched.Stop()
	if st := sched.Status(); st.Running {
		t.Error("expected stopped after Stop")
	}
}

func linearTestDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:   "linear",
		Name: "linear",
		Steps: map[string]*workflow.StepDefinition{
			"a": {Type: workflow.Inline, OnSuccess: []string{"b"}},
			"b": {Type: workflow.Inline, OnSuccess: []string{"c"}},
			"c": {Type: workflow.Inline},
		},
	}
}
