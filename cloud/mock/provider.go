// Package mock provides an in-memory reference implementation of the
// cloud.Provider contract. It is authoritative for testing semantics:
// the engine's executor and scheduler tests run against it.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudweave/cloudweave/cloud"
)

// Provider is a mock cloud backend. Deployments, resources, logs and
// metrics live in process memory; nothing survives a restart.
//
// Test knobs:
//   - OpDelay: how long ExecuteOperation blocks (cancel-aware)
//   - DeployDelay: how long a created deployment stays in "creating"
//   - FailOperation: operation names that fail with an OperationError
type Provider struct {
	// OpDelay simulates provider-side operation latency. The sleep
	// respects context cancellation.
	OpDelay time.Duration

	// DeployDelay is how long after CreateDeployment the deployment
	// transitions from "creating" to "running". Zero means immediately.
	DeployDelay time.Duration

	mu            sync.RWMutex
	connected     bool
	deployments   map[string]*cloud.DeploymentStatus
	operations    map[string][]operationRecord
	logs          map[string][]string
	failOps       map[string]struct{}
}

type operationRecord struct {
	Operation   string
	Inputs      map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string
}

// New creates a disconnected mock provider.
func New() *Provider {
	return &Provider{
		deployments: make(map[string]*cloud.DeploymentStatus),
		operations:  make(map[string][]operationRecord),
		logs:        make(map[string][]string),
		failOps:     make(map[string]struct{}),
	}
}

// Factory adapts New to the registry factory signature. The mock ignores
// its configuration beyond existing.
func Factory(cloud.Config) (cloud.Provider, error) {
	return New(), nil
}

// FailOperation makes subsequent calls of the named operation fail.
func (p *Provider) FailOperation(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOps[name] = struct{}{}
}

// HealOperation clears a previously injected failure.
func (p *Provider) HealOperation(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failOps, name)
}

// Connect establishes the fake session.
func (p *Provider) Connect(ctx context.Context) error {
	if err := sleepCtx(ctx, p.OpDelay); err != nil {
		return &cloud.ConnectionError{Message: "connect interrupted", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect releases the fake session.
func (p *Provider) Disconnect(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// ValidateConnection reports whether Connect has been called.
func (p *Provider) ValidateConnection(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Provider) checkConnection() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return &cloud.ConnectionError{Message: "not connected"}
	}
	return nil
}

// CreateDeployment validates the template, registers the deployment with a
// generated id, and schedules the simulated creating -> running transition.
func (p *Provider) CreateDeployment(ctx context.Context, name string, template map[string]any, inputs map[string]any) (string, error) {
	if err := p.checkConnection(); err != nil {
		return "", err
	}

	if errs := p.ValidateTemplate(ctx, template); len(errs) > 0 {
		return "", &cloud.DeploymentError{
			Message: "template validation failed: " + strings.Join(errs, ", "),
			Err:     &cloud.ValidationError{Errors: errs},
		}
	}

	deploymentID := uuid.NewString()
	now := time.Now()

	var resources []cloud.ResourceStatus
	nodes, _ := template["nodes"].([]any)
	for _, raw := range nodes {
		node, _ := raw.(map[string]any)
		nodeName, _ := node["name"].(string)
		nodeType, _ := node["type"].(string)
		meta, _ := node["metadata"].(map[string]any)
		resources = append(resources, cloud.ResourceStatus{
			ID:        uuid.NewString(),
			Name:      name + "-" + nodeName,
			Type:      nodeType,
			State:     "creating",
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  meta,
		})
	}

	started := now
	dep := &cloud.DeploymentStatus{
		ID:        deploymentID,
		Name:      name,
		State:     "creating",
		Resources: resources,
		CreatedAt: now,
		StartedAt: &started,
		Metadata: map[string]any{
			"template": template,
			"inputs":   inputs,
		},
	}

	p.mu.Lock()
	p.deployments[deploymentID] = dep
	p.operations[deploymentID] = nil
	p.logs[deploymentID] = []string{
		logLine(now, "creating deployment "+name),
	}
	p.mu.Unlock()

	if p.DeployDelay == 0 {
		p.finishDeployment(deploymentID)
	} else {
		go func() {
			time.Sleep(p.DeployDelay)
			p.finishDeployment(deploymentID)
		}()
	}

	return deploymentID, nil
}

func (p *Provider) finishDeployment(deploymentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dep, ok := p.deployments[deploymentID]
	if !ok {
		return
	}
	now := time.Now()
	for i := range dep.Resources {
		dep.Resources[i].State = "running"
		dep.Resources[i].UpdatedAt = now
	}
	dep.State = "running"
	dep.CompletedAt = &now
	p.logs[deploymentID] = append(p.logs[deploymentID], logLine(now, "deployment complete"))
}

// DeleteDeployment removes a deployment. Deleting an unknown id is a no-op.
func (p *Provider) DeleteDeployment(ctx context.Context, deploymentID string) error {
	if err := p.checkConnection(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, p.OpDelay); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.deployments[deploymentID]; !ok {
		return nil
	}
	delete(p.deployments, deploymentID)
	delete(p.operations, deploymentID)
	delete(p.logs, deploymentID)
	return nil
}

// GetDeploymentStatus returns a copy of the deployment snapshot.
func (p *Provider) GetDeploymentStatus(_ context.Context, deploymentID string) (*cloud.DeploymentStatus, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	dep, ok := p.deployments[deploymentID]
	if !ok {
		return nil, &cloud.NotFoundError{Kind: "deployment", ID: deploymentID}
	}
	out := *dep
	out.Resources = append([]cloud.ResourceStatus(nil), dep.Resources...)
	return &out, nil
}

// ListDeployments returns deployments matching the filter.
func (p *Provider) ListDeployments(_ context.Context, filter cloud.ListFilter) ([]*cloud.DeploymentStatus, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*cloud.DeploymentStatus
	for _, dep := range p.deployments {
		if filter.State != "" && dep.State != filter.State {
			continue
		}
		if filter.Name != "" && !strings.Contains(dep.Name, filter.Name) {
			continue
		}
		cp := *dep
		cp.Resources = append([]cloud.ResourceStatus(nil), dep.Resources...)
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateDeployment re-validates and swaps the stored template and inputs.
func (p *Provider) UpdateDeployment(ctx context.Context, deploymentID string, template map[string]any, inputs map[string]any) error {
	if err := p.checkConnection(); err != nil {
		return err
	}

	if errs := p.ValidateTemplate(ctx, template); len(errs) > 0 {
		return &cloud.DeploymentError{
			Message: "template validation failed: " + strings.Join(errs, ", "),
			Err:     &cloud.ValidationError{Errors: errs},
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dep, ok := p.deployments[deploymentID]
	if !ok {
		return &cloud.NotFoundError{Kind: "deployment", ID: deploymentID}
	}
	dep.Metadata["template"] = template
	if inputs != nil {
		dep.Metadata["inputs"] = inputs
	}
	p.logs[deploymentID] = append(p.logs[deploymentID], logLine(time.Now(), "deployment updated"))
	return nil
}

// ExecuteOperation records and simulates a named operation against a
// running deployment. Operations injected via FailOperation fail.
func (p *Provider) ExecuteOperation(ctx context.Context, deploymentID, operation string, inputs map[string]any) (map[string]any, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	dep, ok := p.deployments[deploymentID]
	if !ok {
		p.mu.Unlock()
		return nil, &cloud.NotFoundError{Kind: "deployment", ID: deploymentID}
	}
	if dep.State != "running" {
		state := dep.State
		p.mu.Unlock()
		return nil, &cloud.OperationError{Operation: operation, Message: "deployment is " + state + ", not running"}
	}
	_, shouldFail := p.failOps[operation]
	now := time.Now()
	rec := operationRecord{
		Operation: operation,
		Inputs:    inputs,
		StartedAt: now,
		Status:    "running",
	}
	p.operations[deploymentID] = append(p.operations[deploymentID], rec)
	p.logs[deploymentID] = append(p.logs[deploymentID], logLine(now, "executing operation "+operation))
	p.mu.Unlock()

	if err := sleepCtx(ctx, p.OpDelay); err != nil {
		p.completeOperation(deploymentID, "cancelled")
		return nil, err
	}

	if shouldFail {
		p.completeOperation(deploymentID, "failed")
		return nil, &cloud.OperationError{Operation: operation, Message: "operation failed"}
	}

	p.completeOperation(deploymentID, "completed")
	return map[string]any{"status": "success", "operation": operation}, nil
}

func (p *Provider) completeOperation(deploymentID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.operations[deploymentID]
	if len(ops) == 0 {
		return
	}
	ops[len(ops)-1].CompletedAt = time.Now()
	ops[len(ops)-1].Status = status
}

// GetLogs returns the annotated log lines for a deployment.
// Time-window filtering is applied per line.
func (p *Provider) GetLogs(_ context.Context, deploymentID, _ string, window cloud.LogWindow) ([]string, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.deployments[deploymentID]; !ok {
		return nil, &cloud.NotFoundError{Kind: "deployment", ID: deploymentID}
	}

	var out []string
	for _, line := range p.logs[deploymentID] {
		ts, ok := parseLogLine(line)
		if ok {
			if window.Start != nil && ts.Before(*window.Start) {
				continue
			}
			if window.End != nil && ts.After(*window.End) {
				continue
			}
		}
		out = append(out, line)
	}
	return out, nil
}

// GetMetrics returns canned metric series, timestamped at call time.
func (p *Provider) GetMetrics(_ context.Context, deploymentID, _ string, names []string, _ cloud.LogWindow) (map[string][]cloud.MetricSample, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	_, ok := p.deployments[deploymentID]
	p.mu.RUnlock()
	if !ok {
		return nil, &cloud.NotFoundError{Kind: "deployment", ID: deploymentID}
	}

	canned := map[string][]float64{
		"cpu_usage":    {30, 40, 35, 45},
		"memory_usage": {60, 65, 70, 68},
		"disk_usage":   {45, 46, 47, 48},
	}

	if len(names) == 0 {
		for name := range canned {
			names = append(names, name)
		}
	}

	now := time.Now()
	out := make(map[string][]cloud.MetricSample, len(names))
	for _, name := range names {
		values, ok := canned[name]
		if !ok {
			continue
		}
		samples := make([]cloud.MetricSample, len(values))
		for i, v := range values {
			samples[i] = cloud.MetricSample{
				Timestamp: now.Add(time.Duration(i-len(values)) * time.Minute),
				Value:     v,
			}
		}
		out[name] = samples
	}
	return out, nil
}

// ValidateTemplate checks the template structure without touching state.
func (p *Provider) ValidateTemplate(_ context.Context, template map[string]any) []string {
	var errs []string

	if template == nil {
		return []string{"template is required"}
	}

	rawNodes, ok := template["nodes"]
	if !ok {
		return []string{"template must contain a nodes field"}
	}
	nodes, ok := rawNodes.([]any)
	if !ok {
		return []string{"nodes must be a list"}
	}
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, "node must be a mapping")
			continue
		}
		if _, ok := node["name"].(string); !ok {
			errs = append(errs, "node must have a name")
		}
		if _, ok := node["type"].(string); !ok {
			errs = append(errs, "node must have a type")
		}
	}
	return errs
}

// GetResourceTypes lists the resource types the mock pretends to manage.
func (p *Provider) GetResourceTypes(_ context.Context) ([]string, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}
	return []string{
		"compute.instance",
		"network.subnet",
		"storage.volume",
		"database.instance",
		"container.pod",
	}, nil
}

// GetOperationTypes lists the operation names ExecuteOperation accepts.
func (p *Provider) GetOperationTypes(_ context.Context) ([]string, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}
	return []string{"start", "stop", "restart", "scale", "backup", "restore"}, nil
}

// GetProviderInfo returns the static mock descriptor.
func (p *Provider) GetProviderInfo(_ context.Context) (cloud.ProviderInfo, error) {
	return cloud.ProviderInfo{
		Name:        "Mock Cloud Provider",
		Version:     "1.0.0",
		Description: "in-memory provider for testing and development",
		Features:    []string{"compute", "network", "storage", "database", "container"},
	}, nil
}

func logLine(ts time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s", ts.Format(time.RFC3339), msg)
}

func parseLogLine(line string) (time.Time, bool) {
	end := strings.IndexByte(line, ']')
	if !strings.HasPrefix(line, "[") || end < 0 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, line[1:end])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
