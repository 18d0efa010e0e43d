package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemSaver is an in-memory Saver for tests and single-process use.
type MemSaver struct {
	mu      sync.RWMutex
	threads map[string]map[string]*Tuple // thread -> checkpoint id -> tuple
}

// NewMemSaver creates an empty in-memory saver.
func NewMemSaver() *MemSaver {
	return &MemSaver{threads: make(map[string]map[string]*Tuple)}
}

// GetTuple returns a copy of the requested checkpoint, or the latest one
// when checkpointID is empty.
func (m *MemSaver) GetTuple(ctx context.Context, threadID, checkpointID string) (*Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ckpts, ok := m.threads[threadID]
	if !ok || len(ckpts) == 0 {
		return nil, ErrNotFound
	}
	if checkpointID == "" {
		checkpointID = latestID(ckpts)
	}
	t, ok := ckpts[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneTuple(t)
	return &cp, nil
}

// Put saves a new checkpoint.
func (m *MemSaver) Put(ctx context.Context, t Tuple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ckpts, ok := m.threads[t.ThreadID]
	if !ok {
		ckpts = make(map[string]*Tuple)
		m.threads[t.ThreadID] = ckpts
	}
	if _, exists := ckpts[t.CheckpointID]; exists {
		return ErrConflict
	}
	cp := cloneTuple(&t)
	cp.Writes = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	ckpts[t.CheckpointID] = &cp
	return nil
}

// PutWrites attaches writes to an existing checkpoint, upserting by
// (task, idx).
func (m *MemSaver) PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ckpts, ok := m.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	t, ok := ckpts[checkpointID]
	if !ok {
		return ErrNotFound
	}
	for _, w := range writes {
		replaced := false
		for i, old := range t.Writes {
			if old.TaskID == w.TaskID && old.Idx == w.Idx {
				t.Writes[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			t.Writes = append(t.Writes, w)
		}
	}
	sortWrites(t.Writes)
	return nil
}

// Fork copies a checkpoint under a new thread with a fresh UUIDv7 ID, no
// parent and no writes.
func (m *MemSaver) Fork(ctx context.Context, threadID, checkpointID, newThreadID string) (*Tuple, error) {
	src, err := m.GetTuple(ctx, threadID, checkpointID)
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
	if err := m.Put(ctx, forked); err != nil {
		return nil, err
	}
	return &forked, nil
}

// List returns the thread's checkpoints newest-first without writes.
func (m *MemSaver) List(ctx context.Context, threadID string, limit int) ([]Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ckpts, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Tuple, 0, len(ckpts))
	for _, t := range ckpts {
		cp := cloneTuple(t)
		cp.Writes = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckpointID > out[j].CheckpointID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func latestID(ckpts map[string]*Tuple) string {
	latest := ""
	for id := range ckpts {
		if id > latest {
			latest = id
		}
	}
	return latest
}

func cloneTuple(t *Tuple) Tuple {
	cp := *t
	cp.Payload = append([]byte(nil), t.Payload...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Writes = append([]PendingWrite(nil), t.Writes...)
	return cp
}

func forkMetadata(src map[string]any) map[string]any {
	meta := map[string]any{"source": "fork"}
	if src != nil {
		if step, ok := src["step"]; ok {
			meta["step"] = step
		}
		if next, ok := src["next"]; ok {
			meta["next"] = next
		}
	}
	return meta
}

func sortWrites(ws []PendingWrite) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].TaskID != ws[j].TaskID {
			return ws[i].TaskID < ws[j].TaskID
		}
		return ws[i].Idx < ws[j].Idx
	})
}
