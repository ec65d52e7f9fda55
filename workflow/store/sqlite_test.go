package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudweave/cloudweave/workflow"
	"github.com/cloudweave/cloudweave/workflow/store"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestSQLiteStore_SaveLoad verifies the relational round trip, timestamps
// and JSON payloads included.
func TestSQLiteStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	t.Run("load absent returns ErrNotFound", func(t *testing.T) {
		if _, err := st.Load(ctx, "ghost"); !errors.Is(err, workflow.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("full round trip", func(t *testing.T) {
		created := time.Now().UTC().Truncate(time.Millisecond)
		started := created.Add(time.Second)
		finished := created.Add(2 * time.Second)
		w := &workflow.WorkflowState{
			ID:           "wf-1",
			Name:         "deploy",
			Status:       workflow.StatusCompleted,
			CreatedAt:    created,
			StartedAt:    &started,
			CompletedAt:  &finished,
			ErrorMessage: "",
			Inputs:       map[string]any{"deployment_id": "dep-1"},
			Outputs:      map[string]any{"endpoint": "https://10.0.0.1"},
			Metadata:     map[string]any{"region": "eu-west-1"},
			Steps: map[string]*workflow.StepState{
				"s1": {
					ID:          "s1",
					Name:        "start",
					Status:      workflow.StepCompleted,
					StartedAt:   &started,
					CompletedAt: &finished,
					Outputs:     map[string]any{"ip": "10.0.0.1"},
					RetryCount:  1,
					MaxRetries:  3,
				},
				"s2": {
					ID:           "s2",
					Name:         "verify",
					Status:       workflow.StepFailed,
					ErrorMessage: "connection refused",
					MaxRetries:   3,
				},
			},
		}
		if err := st.Save(ctx, w); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := st.Load(ctx, "wf-1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Name != "deploy" || got.Status != workflow.StatusCompleted {
			t.Error("workflow fields differ after round trip")
		}
		if !got.CreatedAt.Equal(created) || !got.StartedAt.Equal(started) || !got.CompletedAt.Equal(finished) {
			t.Error("timestamps differ after round trip")
		}
		if got.Inputs["deployment_id"] != "dep-1" || got.Outputs["endpoint"] != "https://10.0.0.1" || got.Metadata["region"] != "eu-west-1" {
			t.Error("JSON payloads differ after round trip")
		}
		if len(got.Steps) != 2 {
			t.Fatalf("expected 2 steps, got %d", len(got.Steps))
		}
		s1 := got.Steps["s1"]
		if s1.Outputs["ip"] != "10.0.0.1" || s1.RetryCount != 1 || s1.MaxRetries != 3 {
			t.Error("step s1 differs after round trip")
		}
		if got.Steps["s2"].ErrorMessage != "connection refused" {
			t.Error("step s2 error message lost")
		}
	})

	t.Run("save is an upsert", func(t *testing.T) {
		w, _ := st.Load(ctx, "wf-1")
		w.Status = workflow.StatusFailed
		delete(w.Steps, "s2")
		if err := st.Save(ctx, w); err != nil {
			t.Fatalf("second Save failed: %v", err)
		}

		got, _ := st.Load(ctx, "wf-1")
		if got.Status != workflow.StatusFailed {
			t.Error("expected updated status")
		}
		if len(got.Steps) != 1 {
			t.Errorf("expected step rows replaced, got %d", len(got.Steps))
		}
	})
}

// TestSQLiteStore_List verifies filter pushdown.
func TestSQLiteStore_List(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	_ = st.Save(ctx, sampleState("wf-1", workflow.StatusRunning))
	_ = st.Save(ctx, sampleState("wf-2", workflow.StatusCompleted))

	all, err := st.List(ctx, workflow.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 workflows, got %d", len(all))
	}
	for _, w := range all {
		if len(w.Steps) != 1 {
			t.Error("expected steps loaded with each workflow")
		}
	}

	running, _ := st.List(ctx, workflow.Filter{Status: workflow.StatusRunning})
	if len(running) != 1 || running[0].ID != "wf-1" {
		t.Errorf("expected wf-1 only, got %d results", len(running))
	}
}

// TestSQLiteStore_Delete verifies step rows cascade with the workflow.
func TestSQLiteStore_Delete(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	_ = st.Save(ctx, sampleState("wf-1", workflow.StatusRunning))

	if err := st.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := st.Load(ctx, "wf-1"); !errors.Is(err, workflow.ErrNotFound) {
		t.Error("expected workflow gone")
	}
	if err := st.Delete(ctx, "wf-1"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

// TestSQLiteStore_Cleanup verifies the retention sweep respects status
// and age.
func TestSQLiteStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	old := sampleState("old", workflow.StatusFailed)
	past := time.Now().Add(-time.Hour)
	old.CompletedAt = &past
	_ = st.Save(ctx, old)

	fresh := sampleState("fresh", workflow.StatusCompleted)
	_ = st.Save(ctx, fresh)

	live := sampleState("live", workflow.StatusRunning)
	_ = st.Save(ctx, live)

	n, err := st.Cleanup(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := st.Load(ctx, "old"); !errors.Is(err, workflow.ErrNotFound) {
		t.Error("expected old workflow purged")
	}
	if _, err := st.Load(ctx, "live"); err != nil {
		t.Error("expected running workflow kept")
	}

	n, err = st.Cleanup(ctx, 30*time.Minute)
	if err != nil || n != 0 {
		t.Errorf("expected idempotent second sweep, got %d, %v", n, err)
	}
}

// TestSQLiteStore_Persistence verifies state survives reopening the file.
func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st1, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := st1.Save(ctx, sampleState("wf-1", workflow.StatusRunning)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = st2.Close() }()

	got, err := st2.Load(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if got.Steps["s1"] == nil {
		t.Error("expected steps to survive reopen")
	}
}

// TestSQLiteStore_Closed verifies operations fail after Close.
func TestSQLiteStore_Closed(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("expected double close to be a no-op, got %v", err)
	}
	if _, err := st.Load(context.Background(), "wf-1"); err == nil {
		t.Error("expected error on closed store")
	}
}
