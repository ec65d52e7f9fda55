package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cloudweave/cloudweave/workflow"
)

// SQLiteStore is a SQLite implementation of workflow.Store.
//
// It stores workflow and step state in a single-file database.
// Designed for:
//   - Development and single-process deployments with zero setup
//   - Durable state that survives process restarts
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and wraps each Save in a
// transaction, so a reader sees either the pre-state or the post-state of
// a workflow, never a torn write.
//
// Schema:
//   - workflows: one row per workflow (status, timestamps, JSON payloads)
//   - workflow_steps: one row per step, cascade-deleted with its workflow
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./state.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file and tables if missing
//   - Enables WAL mode for concurrent reads
//   - Enables foreign keys so step rows cascade-delete
//   - Sets a busy timeout for lock contention
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	workflowsTable := `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			inputs_json TEXT,
			outputs_json TEXT,
			metadata_json TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, workflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			outputs_json TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			PRIMARY KEY (workflow_id, id)
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create workflow_steps table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)"); err != nil {
		return fmt.Errorf("failed to create idx_workflows_status: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_steps_workflow ON workflow_steps(workflow_id)"); err != nil {
		return fmt.Errorf("failed to create idx_steps_workflow: %w", err)
	}
	return nil
}

// Save upserts the workflow row and replaces its step rows in one
// transaction.
func (s *SQLiteStore) Save(ctx context.Context, w *workflow.WorkflowState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	inputs, outputs, metadata, err := marshalPayloads(w)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	workflowQuery := `
		INSERT INTO workflows
			(id, name, status, created_at, started_at, completed_at, error_message, inputs_json, outputs_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			inputs_json = excluded.inputs_json,
			outputs_json = excluded.outputs_json,
			metadata_json = excluded.metadata_json
	`
	_, err = tx.ExecContext(ctx, workflowQuery,
		w.ID, w.Name, string(w.Status),
		formatTime(&w.CreatedAt), formatTime(w.StartedAt), formatTime(w.CompletedAt),
		nullString(w.ErrorMessage), inputs, outputs, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM workflow_steps WHERE workflow_id = ?", w.ID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}

	stepQuery := `
		INSERT INTO workflow_steps
			(id, workflow_id, name, status, started_at, completed_at, error_message, outputs_json, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, step := range w.Steps {
		var stepOutputs any
		if step.Outputs != nil {
			data, merr := json.Marshal(step.Outputs)
			if merr != nil {
				err = fmt.Errorf("failed to marshal step outputs: %w", merr)
				return err
			}
			stepOutputs = string(data)
		}
		_, err = tx.ExecContext(ctx, stepQuery,
			step.ID, w.ID, step.Name, string(step.Status),
			formatTime(step.StartedAt), formatTime(step.CompletedAt),
			nullString(step.ErrorMessage), stepOutputs,
			step.RetryCount, step.MaxRetries,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load returns the workflow state for id, steps included.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*workflow.WorkflowState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, started_at, completed_at, error_message, inputs_json, outputs_json, metadata_json
		FROM workflows WHERE id = ?
	`, id)

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if err := s.loadSteps(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// List returns workflows matching the filter, steps included.
func (s *SQLiteStore) List(ctx context.Context, filter workflow.Filter) ([]*workflow.WorkflowState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, status, created_at, started_at, completed_at, error_message, inputs_json, outputs_json, metadata_json
		FROM workflows WHERE 1=1
	`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.WorkflowState
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	for _, w := range out {
		if err := s.loadSteps(ctx, w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes a workflow; its step rows cascade.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// Cleanup removes terminal workflows completed before now-maxAge.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at <= ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
//
// After Close, all operations return an error. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, w *workflow.WorkflowState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, started_at, completed_at, error_message, outputs_json, retry_count, max_retries
		FROM workflow_steps WHERE workflow_id = ?
	`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	w.Steps = make(map[string]*workflow.StepState)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return fmt.Errorf("failed to scan step row: %w", err)
		}
		w.Steps[step.ID] = step
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating step rows: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scannable) (*workflow.WorkflowState, error) {
	var (
		w          workflow.WorkflowState
		status     string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		errMsg     sql.NullString
		inputs     sql.NullString
		outputs    sql.NullString
		metadata   sql.NullString
	)
	err := row.Scan(&w.ID, &w.Name, &status, &createdAt, &startedAt, &finishedAt, &errMsg, &inputs, &outputs, &metadata)
	if err != nil {
		return nil, err
	}

	w.Status = workflow.Status(status)
	if w.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if w.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if w.CompletedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	w.ErrorMessage = errMsg.String

	if err := unmarshalNullJSON(inputs, &w.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalNullJSON(outputs, &w.Outputs); err != nil {
		return nil, err
	}
	if err := unmarshalNullJSON(metadata, &w.Metadata); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanStep(row scannable) (*workflow.StepState, error) {
	var (
		step       workflow.StepState
		status     string
		startedAt  sql.NullString
		finishedAt sql.NullString
		errMsg     sql.NullString
		outputs    sql.NullString
	)
	err := row.Scan(&step.ID, &step.Name, &status, &startedAt, &finishedAt, &errMsg, &outputs, &step.RetryCount, &step.MaxRetries)
	if err != nil {
		return nil, err
	}

	step.Status = workflow.StepStatus(status)
	if step.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	step.ErrorMessage = errMsg.String
	if err := unmarshalNullJSON(outputs, &step.Outputs); err != nil {
		return nil, err
	}
	return &step, nil
}

func marshalPayloads(w *workflow.WorkflowState) (inputs, outputs, metadata any, err error) {
	if w.Inputs != nil {
		data, merr := json.Marshal(w.Inputs)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal inputs: %w", merr)
		}
		inputs = string(data)
	}
	if w.Outputs != nil {
		data, merr := json.Marshal(w.Outputs)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal outputs: %w", merr)
		}
		outputs = string(data)
	}
	if w.Metadata != nil {
		data, merr := json.Marshal(w.Metadata)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", merr)
		}
		metadata = string(data)
	}
	return inputs, outputs, metadata, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &t, nil
}

func unmarshalNullJSON(v sql.NullString, dest *map[string]any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), dest); err != nil {
		return fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return nil
}
