package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Deployment roles.
const (
	RoleActive = "active"
	RoleShadow = "shadow"
)

// Deployment binds a snapshot to an agent role. At most one deployment
// per (agent, role) is active at a time.
type Deployment struct {
	ID         string       `db:"id" json:"id"`
	AgentID    string       `db:"agent_id" json:"agent_id"`
	SnapshotID string       `db:"snapshot_id" json:"snapshot_id"`
	Role       string       `db:"role" json:"role"`
	Active     bool         `db:"active" json:"active"`
	DeployedAt time.Time    `db:"deployed_at" json:"deployed_at"`
	RetiredAt  sql.NullTime `db:"retired_at" json:"-"`
}

// Registry tracks deployments.
type Registry struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRegistry creates a registry over the shared database.
func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Deploy retires the current (agent, role) deployment and activates the
// snapshot in its place, atomically.
func (r *Registry) Deploy(ctx context.Context, agentID, snapshotID, role string) (*Deployment, error) {
	if role != RoleActive && role != RoleShadow {
		return nil, fmt.Errorf("version: invalid role %q", role)
	}
	now := r.now().UTC()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("version: deploy begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE deployments SET active = 0, retired_at = ?
		WHERE agent_id = ? AND role = ? AND active = 1`,
		now, agentID, role)
	if err != nil {
		return nil, fmt.Errorf("version: retire previous: %w", err)
	}

	d := &Deployment{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		SnapshotID: snapshotID,
		Role:       role,
		Active:     true,
		DeployedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id, agent_id, snapshot_id, role, active, deployed_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		d.ID, d.AgentID, d.SnapshotID, d.Role, d.DeployedAt)
	if err != nil {
		return nil, fmt.Errorf("version: insert deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// Retire deactivates the (agent, role) deployment, if any.
func (r *Registry) Retire(ctx context.Context, agentID, role string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE deployments SET active = 0, retired_at = ?
		WHERE agent_id = ? AND role = ? AND active = 1`,
		r.now().UTC(), agentID, role)
	if err != nil {
		return fmt.Errorf("version: retire: %w", err)
	}
	return nil
}

// ActiveDeployment returns the live deployment for (agent, role).
func (r *Registry) ActiveDeployment(ctx context.Context, agentID, role string) (*Deployment, error) {
	var d Deployment
	err := r.db.GetContext(ctx, &d, `
		SELECT id, agent_id, snapshot_id, role, active, deployed_at, retired_at
		FROM deployments WHERE agent_id = ? AND role = ? AND active = 1`,
		agentID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("version: active deployment: %w", err)
	}
	return &d, nil
}

// List returns an agent's deployment history, newest first.
func (r *Registry) List(ctx context.Context, agentID string) ([]Deployment, error) {
	var out []Deployment
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, agent_id, snapshot_id, role, active, deployed_at, retired_at
		FROM deployments WHERE agent_id = ? ORDER BY deployed_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("version: list deployments: %w", err)
	}
	return out, nil
}
