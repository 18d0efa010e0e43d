// Package run owns the workflow-run entity and its lifecycle: creation,
// scheduling, status transitions, result synthesis, forking, history.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Run statuses.
const (
	StatusPending          = "pending"
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run: not found")

// Terminal reports whether a status is final.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Run is one workflow execution.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Config is the workflow configuration captured at creation so a
	// resume can rebuild the same graph (gates included).
	Config map[string]any `json:"config,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result synthesizes the user-facing result from the output map: the
// final output when present, otherwise the whole output.
func (r *Run) Result() any {
	if r.Output == nil {
		return nil
	}
	if final, ok := r.Output["final_output"]; ok {
		return final
	}
	return r.Output
}

// Store persists runs in the shared database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates a store over the shared database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type runRow struct {
	ID          string         `db:"id"`
	WorkflowID  string         `db:"workflow_id"`
	TenantID    string         `db:"tenant_id"`
	Status      string         `db:"status"`
	Input       string         `db:"input"`
	Output      sql.NullString `db:"output"`
	Error       sql.NullString `db:"error"`
	Config      string         `db:"config"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (row runRow) toRun() (*Run, error) {
	r := &Run{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		TenantID:   row.TenantID,
		Status:     row.Status,
		CreatedAt:  row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Input), &r.Input); err != nil {
		return nil, fmt.Errorf("run: decode input: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Config), &r.Config); err != nil {
		return nil, fmt.Errorf("run: decode config: %w", err)
	}
	if row.Output.Valid {
		if err := json.Unmarshal([]byte(row.Output.String), &r.Output); err != nil {
			return nil, fmt.Errorf("run: decode output: %w", err)
		}
	}
	if row.Error.Valid {
		r.Error = row.Error.String
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		r.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// Create inserts a new pending run.
func (s *Store) Create(ctx context.Context, r *Run) error {
	input, err := json.Marshal(orEmptyMap(r.Input))
	if err != nil {
		return fmt.Errorf("run: encode input: %w", err)
	}
	cfg, err := json.Marshal(orEmptyMap(r.Config))
	if err != nil {
		return fmt.Errorf("run: encode config: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, tenant_id, status, input, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.TenantID, r.Status, string(input), string(cfg), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("run: create: %w", err)
	}
	return nil
}

// Get loads one run.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, workflow_id, tenant_id, status, input, output, error, config, created_at, started_at, completed_at
		FROM workflow_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("run: get: %w", err)
	}
	return row.toRun()
}

// MarkRunning transitions the run to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusRunning, `
		UPDATE workflow_runs SET status = ?, started_at = ? WHERE id = ?`)
}

// MarkAwaitingApproval pauses the run at a review gate.
func (s *Store) MarkAwaitingApproval(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ? WHERE id = ?`, StatusAwaitingApproval, id)
	return checkUpdated(res, err)
}

// Complete stores the output map and finishes the run.
func (s *Store) Complete(ctx context.Context, id string, output map[string]any) error {
	data, err := json.Marshal(orEmptyMap(output))
	if err != nil {
		return fmt.Errorf("run: encode output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, string(data), s.now().UTC(), id)
	return checkUpdated(res, err)
}

// Fail records the error and finishes the run.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		StatusFailed, errMsg, s.now().UTC(), id)
	return checkUpdated(res, err)
}

// ListByWorkflow returns a workflow's runs, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Run, error) {
	q := `
		SELECT id, workflow_id, tenant_id, status, input, output, error, config, created_at, started_at, completed_at
		FROM workflow_runs WHERE workflow_id = ? ORDER BY created_at DESC`
	args := []any{workflowID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("run: list: %w", err)
	}
	out := make([]*Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CountStale counts terminal runs older than the cutoff. An operator
// cron uses this before archiving.
func (s *Store) CountStale(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE status IN (?, ?) AND completed_at < ?`,
		StatusCompleted, StatusFailed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("run: count stale: %w", err)
	}
	return n, nil
}

func (s *Store) setStatus(ctx context.Context, id, status, query string) error {
	res, err := s.db.ExecContext(ctx, query, status, s.now().UTC(), id)
	return checkUpdated(res, err)
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("run: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
