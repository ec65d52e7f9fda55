package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cloudweave/cloudweave/workflow"
)

// mysqlTimeLayout is the DATETIME(6) literal format. All values are UTC.
const mysqlTimeLayout = "2006-01-02 15:04:05.999999"

// MySQLStore is a MySQL/MariaDB implementation of workflow.Store.
//
// Designed for:
//   - Production deployments requiring persistence
//   - Long-running workflows that survive process restarts
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and wraps each Save in a transaction.
//
// Schema:
//   - workflows: one row per workflow
//   - workflow_steps: one row per step, cascade-deleted with its workflow
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Security warning: never hardcode credentials in source. Use environment
// variables:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	if dsn == "" {
//	    log.Fatal("MYSQL_DSN environment variable not set")
//	}
//	st, err := store.NewMySQLStore(dsn)
//
// The store automatically creates required tables and configures the
// connection pool.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	workflowsTable := `
		CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			error_message TEXT,
			inputs_json JSON,
			outputs_json JSON,
			metadata_json JSON,
			INDEX idx_workflows_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, workflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			id VARCHAR(255) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			error_message TEXT,
			outputs_json JSON,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			PRIMARY KEY (workflow_id, id),
			CONSTRAINT fk_steps_workflow FOREIGN KEY (workflow_id)
				REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create workflow_steps table: %w", err)
	}
	return nil
}

// Save upserts the workflow row and replaces its step rows in one
// transaction.
func (m *MySQLStore) Save(ctx context.Context, w *workflow.WorkflowState) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	inputs, outputs, metadata, err := marshalPayloads(w)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			status = VALUES(status),
			created_at = VALUES(created_at),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at),
			error_message = VALUES(error_message),
			inputs_json = VALUES(inputs_json),
			outputs_json = VALUES(outputs_json),
			metadata_json = VALUES(metadata_json)
	`
	_, err = tx.ExecContext(ctx, workflowQuery,
		w.ID, w.Name, string(w.Status),
		formatMySQLTime(&w.CreatedAt), formatMySQLTime(w.StartedAt), formatMySQLTime(w.CompletedAt),
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
			formatMySQLTime(step.StartedAt), formatMySQLTime(step.CompletedAt),
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
func (m *MySQLStore) Load(ctx context.Context, id string) (*workflow.WorkflowState, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, started_at, completed_at, error_message, inputs_json, outputs_json, metadata_json
		FROM workflows WHERE id = ?
	`, id)

	w, err := scanMySQLWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if err := m.loadSteps(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// List returns workflows matching the filter, steps included.
func (m *MySQLStore) List(ctx context.Context, filter workflow.Filter) ([]*workflow.WorkflowState, error) {
	if err := m.checkOpen(); err != nil {
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

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.WorkflowState
	for rows.Next() {
		w, err := scanMySQLWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	for _, w := range out {
		if err := m.loadSteps(ctx, w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes a workflow; its step rows cascade.
func (m *MySQLStore) Delete(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
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
func (m *MySQLStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(mysqlTimeLayout)
	res, err := m.db.ExecContext(ctx, `
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MySQLStore) loadSteps(ctx context.Context, w *workflow.WorkflowState) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, status, started_at, completed_at, error_message, outputs_json, retry_count, max_retries
		FROM workflow_steps WHERE workflow_id = ?
	`, w.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	w.Steps = make(map[string]*workflow.StepState)
	for rows.Next() {
		step, err := scanMySQLStep(rows)
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

func scanMySQLWorkflow(row scannable) (*workflow.WorkflowState, error) {
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
	if w.CreatedAt, err = time.Parse(mysqlTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if w.StartedAt, err = parseMySQLNullTime(startedAt); err != nil {
		return nil, err
	}
	if w.CompletedAt, err = parseMySQLNullTime(finishedAt); err != nil {
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

func scanMySQLStep(row scannable) (*workflow.StepState, error) {
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
	if step.StartedAt, err = parseMySQLNullTime(startedAt); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseMySQLNullTime(finishedAt); err != nil {
		return nil, err
	}
	step.ErrorMessage = errMsg.String
	if err := unmarshalNullJSON(outputs, &step.Outputs); err != nil {
		return nil, err
	}
	return &step, nil
}

func formatMySQLTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(mysqlTimeLayout)
}

func parseMySQLNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(mysqlTimeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
