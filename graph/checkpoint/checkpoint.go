// Package checkpoint persists workflow execution state.
//
// A run is a thread of checkpoints. Each checkpoint captures the full
// state after one superstep and points at its parent, so the per-thread
// history is a chain; forking copies one checkpoint under a new thread
// with no parent. Checkpoint IDs are UUIDv7, so lexicographic order on
// IDs is creation order within a thread.
//
// Pending writes record node output deltas attached to the checkpoint
// that preceded the step which produced them. A resume can therefore
// re-apply the deltas of a step that committed its writes but crashed
// before saving the next checkpoint.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a thread or checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrConflict is returned by Put when the checkpoint ID already
	// exists on the thread. Callers retry with a fresh ID.
	ErrConflict = errors.New("checkpoint: already exists")
)

// Tuple is one checkpoint with its attached pending writes.
type Tuple struct {
	ThreadID           string
	CheckpointID       string
	ParentCheckpointID string // empty for the first checkpoint of a thread

	// Payload is the serialized workflow state.
	Payload []byte

	// Metadata carries step bookkeeping: step number, source
	// ("input", "loop", "fork"), and the next nodes to run.
	Metadata map[string]any

	// Writes are the pending writes attached to this checkpoint,
	// ordered by (task, index).
	Writes []PendingWrite

	CreatedAt time.Time
}

// PendingWrite is one channel delta produced by a node task.
type PendingWrite struct {
	TaskID  string // "node:step", unique per producing task
	Idx     int    // ordering within the task
	Channel string // state slot the value targets
	Value   []byte // serialized slot value
}

// Saver stores and retrieves checkpoint tuples.
//
// All methods are safe for concurrent use. GetTuple with an empty
// checkpointID returns the latest checkpoint of the thread.
type Saver interface {
	// GetTuple loads one checkpoint with its writes.
	GetTuple(ctx context.Context, threadID, checkpointID string) (*Tuple, error)

	// Put saves a new checkpoint. The tuple's Writes field is ignored;
	// writes attach via PutWrites. Returns ErrConflict when the
	// (thread, checkpoint) pair already exists.
	Put(ctx context.Context, t Tuple) error

	// PutWrites attaches pending writes to an existing checkpoint.
	// Re-attaching the same (task, idx) pair overwrites, so replayed
	// commits are idempotent.
	PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error

	// Fork copies the given checkpoint (latest if checkpointID is empty)
	// under newThreadID with a fresh ID, no parent and no writes, and
	// returns the copy.
	Fork(ctx context.Context, threadID, checkpointID, newThreadID string) (*Tuple, error)

	// List returns the thread's checkpoints newest-first, at most limit
	// (limit <= 0 means all). Writes are not loaded.
	List(ctx context.Context, threadID string, limit int) ([]Tuple, error)
}
