// Package store provides durable implementations of the workflow.Store
// contract: an in-memory store for tests, a SQLite store for single-process
// durability, and a MySQL store for production deployments.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/cloudweave/cloudweave/workflow"
)

// MemStore is an in-memory implementation of workflow.Store.
//
// Designed for:
//   - Testing and development
//   - Short-lived workflows where persistence isn't required
//
// States are deep-copied on save and load, so a reader never observes a
// torn write and callers cannot mutate stored state through aliases.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with retained workflow history
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.WorkflowState
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*workflow.WorkflowState),
	}
}

// Save upserts a deep copy of the workflow state.
func (m *MemStore) Save(_ context.Context, w *workflow.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w.Clone()
	return nil
}

// Load returns a deep copy of the workflow state for id.
func (m *MemStore) Load(_ context.Context, id string) (*workflow.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return w.Clone(), nil
}

// List returns deep copies of workflows matching the filter.
func (m *MemStore) List(_ context.Context, filter workflow.Filter) ([]*workflow.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*workflow.WorkflowState
	for _, w := range m.workflows {
		if filter.Matches(w) {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// Delete removes a workflow.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

// Cleanup removes terminal workflows whose CompletedAt is older than maxAge.
func (m *MemStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	count := 0
	for id, w := range m.workflows {
		if !w.Status.Terminal() || w.CompletedAt == nil {
			continue
		}
		if w.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.workflows, id)
		count++
	}
	return count, nil
}
