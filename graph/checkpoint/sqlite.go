package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLiteSaver persists checkpoints in SQLite. It creates its own tables
// on construction, so it can share a database handle with the other
// relational stores or run against ":memory:" in tests.
type SQLiteSaver struct {
	db *sqlx.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT NOT NULL,
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	payload              BLOB NOT NULL,
	metadata             TEXT NOT NULL DEFAULT '{}',
	created_at           TIMESTAMP NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	channel       TEXT NOT NULL,
	value         BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id, task_id, idx),
	FOREIGN KEY (thread_id, checkpoint_id)
		REFERENCES checkpoints (thread_id, checkpoint_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
	ON checkpoints (thread_id, checkpoint_id DESC);
`

// NewSQLiteSaver creates the schema if needed and returns the saver.
func NewSQLiteSaver(db *sqlx.DB) (*SQLiteSaver, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &SQLiteSaver{db: db}, nil
}

type checkpointRow struct {
	ThreadID     string         `db:"thread_id"`
	CheckpointID string         `db:"checkpoint_id"`
	ParentID     sql.NullString `db:"parent_checkpoint_id"`
	Payload      []byte         `db:"payload"`
	Metadata     string         `db:"metadata"`
	CreatedAt    time.Time      `db:"created_at"`
}

type writeRow struct {
	TaskID  string `db:"task_id"`
	Idx     int    `db:"idx"`
	Channel string `db:"channel"`
	Value   []byte `db:"value"`
}

// GetTuple loads a checkpoint and its writes; empty checkpointID means
// the thread's latest.
func (s *SQLiteSaver) GetTuple(ctx context.Context, threadID, checkpointID string) (*Tuple, error) {
	var row checkpointRow
	var err error
	if checkpointID == "" {
		err = s.db.GetContext(ctx, &row, `
			SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
			FROM checkpoints WHERE thread_id = ?
			ORDER BY checkpoint_id DESC LIMIT 1`, threadID)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
			FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load: %w", err)
	}

	t, err := row.toTuple()
	if err != nil {
		return nil, err
	}

	var writes []writeRow
	err = s.db.SelectContext(ctx, &writes, `
		SELECT task_id, idx, channel, value FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY task_id, idx`, t.ThreadID, t.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	for _, w := range writes {
		t.Writes = append(t.Writes, PendingWrite(w))
	}
	return t, nil
}

// Put inserts a new checkpoint row.
func (s *SQLiteSaver) Put(ctx context.Context, t Tuple) error {
	meta, err := json.Marshal(orEmpty(t.Metadata))
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var parent any
	if t.ParentCheckpointID != "" {
		parent = t.ParentCheckpointID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ThreadID, t.CheckpointID, parent, t.Payload, string(meta), createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

// PutWrites upserts pending writes inside one transaction.
func (s *SQLiteSaver) PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}
	var exists int
	err := s.db.GetContext(ctx, &exists, `
		SELECT COUNT(*) FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`,
		threadID, checkpointID)
	if err != nil {
		return fmt.Errorf("checkpoint: verify target: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_writes (thread_id, checkpoint_id, task_id, idx, channel, value)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (thread_id, checkpoint_id, task_id, idx)
			DO UPDATE SET channel = excluded.channel, value = excluded.value`,
			threadID, checkpointID, w.TaskID, w.Idx, w.Channel, w.Value)
		if err != nil {
			return fmt.Errorf("checkpoint: insert write: %w", err)
		}
	}
	return tx.Commit()
}

// Fork copies a checkpoint under a new thread with a fresh UUIDv7 ID.
func (s *SQLiteSaver) Fork(ctx context.Context, threadID, checkpointID, newThreadID string) (*Tuple, error) {
	src, err := s.GetTuple(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	forked := Tuple{
		ThreadID:     newThreadID,
		CheckpointID: id.String(),
		Payload:      src.Payload,
		Metadata:     forkMetadata(src.Metadata),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Put(ctx, forked); err != nil {
		return nil, err
	}
	return &forked, nil
}

// List returns checkpoints newest-first without their writes.
func (s *SQLiteSaver) List(ctx context.Context, threadID string, limit int) ([]Tuple, error) {
	q := `
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY checkpoint_id DESC`
	args := []any{threadID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Tuple, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTuple()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (r checkpointRow) toTuple() (*Tuple, error) {
	t := &Tuple{
		ThreadID:     r.ThreadID,
		CheckpointID: r.CheckpointID,
		Payload:      r.Payload,
		CreatedAt:    r.CreatedAt,
	}
	if r.ParentID.Valid {
		t.ParentCheckpointID = r.ParentID.String
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
