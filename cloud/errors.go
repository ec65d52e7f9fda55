// Package cloud defines the provider abstraction through which workflow
// steps materialize side effects against a cloud backend.
package cloud

import "fmt"

// ConfigError indicates an invalid or conflicting provider configuration:
// unknown provider type, duplicate name, missing required field.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "cloud config: " + e.Message
}

// ConnectionError indicates the backend is unreachable or the session is
// not established. Retryable by the caller.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud connection: %s: %v", e.Message, e.Err)
	}
	return "cloud connection: " + e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError indicates the requested deployment or resource is absent.
type NotFoundError struct {
	Kind string // "deployment", "resource"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError indicates a template failed structural checks.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template validation failed: %d error(s)", len(e.Errors))
}

// DeploymentError indicates the backend refused a create or update.
type DeploymentError struct {
	Message string
	Err     error
}

func (e *DeploymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deployment: %s: %v", e.Message, e.Err)
	}
	return "deployment: " + e.Message
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// OperationError indicates an operation name is unknown to the provider
// or the operation failed to complete.
type OperationError struct {
	Operation string
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q: %s", e.Operation, e.Message)
}
