package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudweave/cloudweave/cloud"
)

// ExecContext carries everything a step executor needs for one attempt:
// the step blueprint, its resolved inputs and the workflow-level inputs
// for fallback lookups.
type ExecContext struct {
	WorkflowID string
	StepID     string
	Step       *StepDefinition

	// Inputs are the step's declared inputs. DeploymentID falls back to
	// WorkflowInputs when a step does not name one itself.
	Inputs         map[string]any
	WorkflowInputs map[string]any
}

// DeploymentID returns the deployment the step acts on: the step input
// "deployment_id" when present, else the workflow input of the same name.
func (ec *ExecContext) DeploymentID() (string, bool) {
	if v, ok := ec.Inputs["deployment_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	if v, ok := ec.WorkflowInputs["deployment_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// StepExecutor runs one step attempt. Implementations must honor ctx
// cancellation: a cancelled attempt returns ctx's error promptly.
//
// Execute returns the step's outputs on success. Outputs are merged into
// the workflow outputs by the engine; executors never touch shared state.
type StepExecutor interface {
	Execute(ctx context.Context, ec *ExecContext) (map[string]any, error)
}

// ExecutorRegistry maps step types to their executors. The executor set
// is fixed at wiring time in typical use, but Register is safe to call
// concurrently with Lookup.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[StepType]StepExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[StepType]StepExecutor)}
}

// NewDefaultRegistry creates a registry wired with the standard executor
// set: node and relationship operations against the given provider,
// sub-workflow calls through runner, and inline steps.
//
// runner may be nil when the workflow set contains no call_operation
// steps; dispatching one without a runner fails the step.
func NewDefaultRegistry(provider cloud.Provider, runner WorkflowRunner) *ExecutorRegistry {
	r := NewExecutorRegistry()
	r.Register(NodeOperation, &NodeOperationExecutor{Provider: provider})
	r.Register(RelationshipOperation, &RelationshipOperationExecutor{Provider: provider})
	r.Register(CallOperation, &CallOperationExecutor{Runner: runner})
	r.Register(Inline, &InlineExecutor{})
	return r
}

// Register binds an executor to a step type, replacing any previous binding.
func (r *ExecutorRegistry) Register(t StepType, ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = ex
}

// Lookup returns the executor for a step type.
func (r *ExecutorRegistry) Lookup(t StepType) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[t]
	return ex, ok
}

// WorkflowRunner starts a sub-workflow and blocks until it terminates,
// returning its outputs. The Scheduler implements this.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, definitionID string, inputs map[string]any) (map[string]any, error)
}

// NodeOperationExecutor dispatches node operations to a cloud provider.
// The step's Target names the node; the step's Operation names the
// provider operation.
type NodeOperationExecutor struct {
	Provider cloud.Provider
}

// Execute runs the node operation against the step's deployment.
func (e *NodeOperationExecutor) Execute(ctx context.Context, ec *ExecContext) (map[string]any, error) {
	if e.Provider == nil {
		return nil, fmt.Errorf("no provider configured for node operation")
	}
	depID, ok := ec.DeploymentID()
	if !ok {
		return nil, fmt.Errorf("step %s: no deployment_id in step or workflow inputs", ec.StepID)
	}

	inputs := cloneMap(ec.Inputs)
	if inputs == nil {
		inputs = make(map[string]any, 1)
	}
	inputs["node"] = ec.Step.Target

	return e.Provider.ExecuteOperation(ctx, depID, ec.Step.Operation, inputs)
}

// RelationshipOperationExecutor dispatches relationship operations to a
// cloud provider. The step's Target names the relationship.
type RelationshipOperationExecutor struct {
	Provider cloud.Provider
}

// Execute runs the relationship operation against the step's deployment.
func (e *RelationshipOperationExecutor) Execute(ctx context.Context, ec *ExecContext) (map[string]any, error) {
	if e.Provider == nil {
		return nil, fmt.Errorf("no provider configured for relationship operation")
	}
	depID, ok := ec.DeploymentID()
	if !ok {
		return nil, fmt.Errorf("step %s: no deployment_id in step or workflow inputs", ec.StepID)
	}

	inputs := cloneMap(ec.Inputs)
	if inputs == nil {
		inputs = make(map[string]any, 1)
	}
	inputs["relationship"] = ec.Step.Target

	return e.Provider.ExecuteOperation(ctx, depID, ec.Step.Operation, inputs)
}

// CallOperationExecutor runs a sub-workflow named by the step's Operation
// and returns its outputs as the step outputs. The sub-workflow inherits
// the caller's context, so cancelling the parent cancels the child.
type CallOperationExecutor struct {
	Runner WorkflowRunner
}

// Execute runs the sub-workflow to completion.
func (e *CallOperationExecutor) Execute(ctx context.Context, ec *ExecContext) (map[string]any, error) {
	if e.Runner == nil {
		return nil, fmt.Errorf("step %s: no workflow runner configured for call operation", ec.StepID)
	}
	if ec.Step.Operation == "" {
		return nil, fmt.Errorf("step %s: call operation names no workflow", ec.StepID)
	}

	inputs := cloneMap(ec.Inputs)
	if inputs == nil {
		inputs = cloneMap(ec.WorkflowInputs)
	}
	return e.Runner.RunWorkflow(ctx, ec.Step.Operation, inputs)
}

// InlineExecutor is the identity step: it succeeds immediately and echoes
// the step inputs as outputs. Useful as a join point, a constant source,
// and in tests.
type InlineExecutor struct{}

// Execute returns the step inputs unchanged.
func (e *InlineExecutor) Execute(_ context.Context, ec *ExecContext) (map[string]any, error) {
	return cloneMap(ec.Inputs), nil
}
