package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Review statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewExpired  = "expired"
)

var (
	// ErrNotFound is returned for unknown review IDs.
	ErrNotFound = errors.New("hitl: review not found")

	// ErrAlreadyDecided is returned when a second decision reaches a
	// review that already left pending. The first decision stands.
	ErrAlreadyDecided = errors.New("hitl: review already decided")
)

// ReviewRequest is one pending (or settled) approval.
type ReviewRequest struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	Step         string         `json:"step"`
	CheckpointID string         `json:"checkpoint_id"`
	RiskLevel    string         `json:"risk_level"`
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecisionNote string         `json:"decision_note,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

// ReviewStore persists review requests.
type ReviewStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewReviewStore creates a store over the shared database.
func NewReviewStore(db *sqlx.DB) *ReviewStore {
	return &ReviewStore{db: db, now: time.Now}
}

type reviewRow struct {
	ID           string         `db:"id"`
	RunID        string         `db:"run_id"`
	Step         string         `db:"step"`
	CheckpointID string         `db:"checkpoint_id"`
	RiskLevel    string         `db:"risk_level"`
	Status       string         `db:"status"`
	Payload      string         `db:"payload"`
	DecidedBy    sql.NullString `db:"decided_by"`
	DecisionNote sql.NullString `db:"decision_note"`
	CreatedAt    time.Time      `db:"created_at"`
	ExpiresAt    time.Time      `db:"expires_at"`
	DecidedAt    sql.NullTime   `db:"decided_at"`
}

func (row reviewRow) toReview() (*ReviewRequest, error) {
	r := &ReviewRequest{
		ID:           row.ID,
		RunID:        row.RunID,
		Step:         row.Step,
		CheckpointID: row.CheckpointID,
		RiskLevel:    row.RiskLevel,
		Status:       row.Status,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
	}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("hitl: decode payload: %w", err)
		}
	}
	if row.DecidedBy.Valid {
		r.DecidedBy = row.DecidedBy.String
	}
	if row.DecisionNote.Valid {
		r.DecisionNote = row.DecisionNote.String
	}
	if row.DecidedAt.Valid {
		t := row.DecidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}

// Create opens a pending review for a paused run.
func (s *ReviewStore) Create(ctx context.Context, runID, checkpointID string, gate Gate, payload map[string]any) (*ReviewRequest, error) {
	now := s.now().UTC()
	r := &ReviewRequest{
		ID:           uuid.NewString(),
		RunID:        runID,
		Step:         gate.Step,
		CheckpointID: checkpointID,
		RiskLevel:    gate.RiskLevel,
		Status:       ReviewPending,
		Payload:      payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(gate.Timeout),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hitl: encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_requests (id, run_id, step, checkpoint_id, risk_level, status, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.Step, r.CheckpointID, r.RiskLevel, r.Status, string(data), r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("hitl: create review: %w", err)
	}
	return r, nil
}

// Get loads one review.
func (s *ReviewStore) Get(ctx context.Context, id string) (*ReviewRequest, error) {
	var row reviewRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_id, step, checkpoint_id, risk_level, status, payload, decided_by, decision_note, created_at, expires_at, decided_at
		FROM review_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hitl: get review: %w", err)
	}
	return row.toReview()
}

// ListPending returns open reviews, optionally filtered by run.
func (s *ReviewStore) ListPending(ctx context.Context, runID string) ([]*ReviewRequest, error) {
	q := `
		SELECT id, run_id, step, checkpoint_id, risk_level, status, payload, decided_by, decision_note, created_at, expires_at, decided_at
		FROM review_requests WHERE status = ?`
	args := []any{ReviewPending}
	if runID != "" {
		q += " AND run_id = ?"
		args = append(args, runID)
	}
	q += " ORDER BY created_at"
	var rows []reviewRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("hitl: list pending: %w", err)
	}
	out := make([]*ReviewRequest, 0, len(rows))
	for _, row := range rows {
		r, err := row.toReview()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Decide settles a pending review exactly once. The guarded UPDATE only
// matches a pending row, so concurrent decisions race on rows-affected
// and exactly one wins; the loser gets ErrAlreadyDecided.
func (s *ReviewStore) Decide(ctx context.Context, id, status, decidedBy, note string) (*ReviewRequest, error) {
	if status != ReviewApproved && status != ReviewRejected {
		return nil, fmt.Errorf("hitl: invalid decision %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE review_requests
		SET status = ?, decided_by = ?, decision_note = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		status, decidedBy, note, s.now().UTC(), id, ReviewPending)
	if err != nil {
		return nil, fmt.Errorf("hitl: decide: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyDecided
	}
	return s.Get(ctx, id)
}

// ExpireDue transitions every overdue pending review to expired and
// returns them for timeout handling. The same guarded-update pattern
// keeps expiry and a racing human decision mutually exclusive.
func (s *ReviewStore) ExpireDue(ctx context.Context) ([]*ReviewRequest, error) {
	now := s.now().UTC()
	due, err := s.ListPending(ctx, "")
	if err != nil {
		return nil, err
	}
	var expired []*ReviewRequest
	for _, r := range due {
		if r.ExpiresAt.After(now) {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE review_requests SET status = ?, decided_at = ?
			WHERE id = ? AND status = ?`,
			ReviewExpired, now, r.ID, ReviewPending)
		if err != nil {
			return nil, fmt.Errorf("hitl: expire: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			r.Status = ReviewExpired
			expired = append(expired, r)
		}
	}
	return expired, nil
}
