package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when a workflow id does not exist.
var ErrNotFound = errors.New("not found")

// Filter narrows a workflow listing. Fields combine with AND over
// equality; zero values match everything.
type Filter struct {
	Status Status
	Name   string
}

// Matches reports whether the workflow state satisfies the filter.
func (f Filter) Matches(w *WorkflowState) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.Name != "" && w.Name != f.Name {
		return false
	}
	return true
}

// Store is a crash-safe mapping from workflow id to the full workflow
// state, steps embedded.
//
// Implementations live in the store subpackage:
//   - MemStore: in-memory, for tests and ephemeral runs
//   - SQLiteStore: single-file database, durable single-process store
//   - MySQLStore: relational store for production deployments
//
// Save must be atomic with respect to concurrent readers: a reader sees
// either the pre-state or the post-state, never a torn write.
type Store interface {
	// Save upserts the full workflow state.
	Save(ctx context.Context, w *WorkflowState) error

	// Load returns the workflow state for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*WorkflowState, error)

	// List returns workflows matching the filter. Ordering is unspecified.
	List(ctx context.Context, filter Filter) ([]*WorkflowState, error)

	// Delete removes a workflow. Deleting an absent id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Cleanup atomically removes every workflow with terminal status and
	// CompletedAt older than maxAge, returning the count removed.
	// Cleanup is idempotent over a quiescent store.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}
