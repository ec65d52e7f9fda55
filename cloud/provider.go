package cloud

import (
	"context"
	"time"
)

// ResourceStatus is a provider-returned snapshot of a single resource
// inside a deployment. The engine treats it as opaque except for State.
type ResourceStatus struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DeploymentStatus is a provider-returned snapshot of a deployment and its
// resources. Not engine-owned; the engine only discriminates on State.
type DeploymentStatus struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	State        string           `json:"state"`
	Resources    []ResourceStatus `json:"resources"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// ListFilter narrows a deployment listing. Zero values match everything.
// State matches by equality, Name by substring.
type ListFilter struct {
	State string
	Name  string
}

// LogWindow bounds a log or metric query in time. Nil endpoints are open.
type LogWindow struct {
	Start *time.Time
	End   *time.Time
}

// MetricSample is a single observed metric value. Samples are timestamped
// at collection; alignment across metric names is not guaranteed.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ProviderInfo is a static descriptor for a provider implementation.
type ProviderInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
}

// Provider is the uniform capability set a cloud backend exposes.
// Implementations own their session; Connect and Disconnect bracket its
// lifetime and the engine may multiplex calls onto one session.
//
// Providers are expected to be idempotent per (deployment, operation)
// tuple; the engine does not guarantee exactly-once side effects.
type Provider interface {
	// Connect establishes the backend session.
	Connect(ctx context.Context) error

	// Disconnect releases the session. Never fails.
	Disconnect(ctx context.Context)

	// ValidateConnection reports session liveness. Never errors.
	ValidateConnection(ctx context.Context) bool

	// CreateDeployment materializes a template and returns the
	// provider-issued deployment id. The template is validated first;
	// a non-empty validation result aborts the create with a
	// *DeploymentError.
	CreateDeployment(ctx context.Context, name string, template map[string]any, inputs map[string]any) (string, error)

	// DeleteDeployment removes a deployment. Deleting an absent
	// deployment is a no-op (idempotent).
	DeleteDeployment(ctx context.Context, deploymentID string) error

	// GetDeploymentStatus returns the current deployment snapshot.
	GetDeploymentStatus(ctx context.Context, deploymentID string) (*DeploymentStatus, error)

	// ListDeployments returns deployments matching the filter.
	// Ordering is unspecified.
	ListDeployments(ctx context.Context, filter ListFilter) ([]*DeploymentStatus, error)

	// UpdateDeployment applies a new template to an existing deployment.
	UpdateDeployment(ctx context.Context, deploymentID string, template map[string]any, inputs map[string]any) error

	// ExecuteOperation runs a named operation against a deployment.
	// This is the choke point through which workflow steps take effect.
	ExecuteOperation(ctx context.Context, deploymentID, operation string, inputs map[string]any) (map[string]any, error)

	// GetLogs returns annotated log lines for a deployment, optionally
	// narrowed to one resource and a time window.
	GetLogs(ctx context.Context, deploymentID, resourceID string, window LogWindow) ([]string, error)

	// GetMetrics returns sample series keyed by metric name.
	GetMetrics(ctx context.Context, deploymentID, resourceID string, names []string, window LogWindow) (map[string][]MetricSample, error)

	// ValidateTemplate is pure: it returns structural errors without
	// touching the backend. An empty result means the template is valid.
	ValidateTemplate(ctx context.Context, template map[string]any) []string

	// GetResourceTypes lists resource types this provider can manage.
	GetResourceTypes(ctx context.Context) ([]string, error)

	// GetOperationTypes lists operation names ExecuteOperation accepts.
	GetOperationTypes(ctx context.Context) ([]string, error)

	// GetProviderInfo returns the static provider descriptor.
	GetProviderInfo(ctx context.Context) (ProviderInfo, error)
}
