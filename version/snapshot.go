package version

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned for unknown snapshots or deployments.
var ErrNotFound = errors.New("version: not found")

// Snapshot is one captured agent version: a zip archive on disk plus a
// database row pointing at it.
type Snapshot struct {
	ID          string         `db:"id" json:"id"`
	AgentID     string         `db:"agent_id" json:"agent_id"`
	Version     string         `db:"version" json:"version"`
	ArchivePath string         `db:"archive_path" json:"archive_path"`
	Metadata    map[string]any `db:"-" json:"metadata,omitempty"`
	MetadataRaw string         `db:"metadata" json:"-"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// Archive is a snapshot's unpacked content.
type Archive struct {
	Metadata        map[string]any
	Artifacts       map[string][]byte
	StateCheckpoint []byte // nil when the snapshot carried none
}

// Snapshotter writes snapshot archives and their rows.
type Snapshotter struct {
	db    *sqlx.DB
	dir   string
	audit *AuditStore
	now   func() time.Time
}

// NewSnapshotter stores archives under dir, creating it as needed.
func NewSnapshotter(db *sqlx.DB, dir string, audit *AuditStore) (*Snapshotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("version: snapshot dir: %w", err)
	}
	return &Snapshotter{db: db, dir: dir, audit: audit, now: time.Now}, nil
}

// Create captures an agent version. The archive layout is fixed:
// metadata.json at the root, each artifact under artifacts/, and an
// optional state_checkpoint.json.
func (s *Snapshotter) Create(ctx context.Context, agentID, versionLabel string, metadata map[string]any, artifacts map[string][]byte, stateCheckpoint []byte) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Version:   versionLabel,
		Metadata:  orEmpty(metadata),
		CreatedAt: s.now().UTC(),
	}
	snap.Metadata["agent_id"] = agentID
	snap.Metadata["version"] = versionLabel
	snap.Metadata["created_at"] = snap.CreatedAt.Format(time.RFC3339)

	archive, err := buildArchive(snap.Metadata, artifacts, stateCheckpoint)
	if err != nil {
		return nil, err
	}
	snap.ArchivePath = filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s.zip", agentID, versionLabel, snap.ID))
	if err := os.WriteFile(snap.ArchivePath, archive, 0o644); err != nil {
		return nil, fmt.Errorf("version: write archive: %w", err)
	}

	metaJSON, err := json.Marshal(snap.Metadata)
	if err != nil {
		return nil, fmt.Errorf("version: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, agent_id, version, archive_path, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.AgentID, snap.Version, snap.ArchivePath, string(metaJSON), snap.CreatedAt)
	if err != nil {
		os.Remove(snap.ArchivePath)
		return nil, fmt.Errorf("version: insert snapshot: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, ActionSnapshot, agentID, snap.ID, map[string]any{
			"version": versionLabel,
			"path":    snap.ArchivePath,
		})
	}
	return snap, nil
}

// Get loads one snapshot row.
func (s *Snapshotter) Get(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.GetContext(ctx, &snap, `
		SELECT id, agent_id, version, archive_path, metadata, created_at
		FROM snapshots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("version: get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(snap.MetadataRaw), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("version: decode metadata: %w", err)
	}
	return &snap, nil
}

// List returns an agent's snapshots, newest first.
func (s *Snapshotter) List(ctx context.Context, agentID string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps, `
		SELECT id, agent_id, version, archive_path, metadata, created_at
		FROM snapshots WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("version: list snapshots: %w", err)
	}
	for i := range snaps {
		if err := json.Unmarshal([]byte(snaps[i].MetadataRaw), &snaps[i].Metadata); err != nil {
			return nil, fmt.Errorf("version: decode metadata: %w", err)
		}
	}
	return snaps, nil
}

// Load opens and unpacks a snapshot's archive.
func (s *Snapshotter) Load(ctx context.Context, id string) (*Snapshot, *Archive, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(snap.ArchivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("version: read archive: %w", err)
	}
	arch, err := parseArchive(data)
	if err != nil {
		return nil, nil, err
	}
	return snap, arch, nil
}

func buildArchive(metadata map[string]any, artifacts map[string][]byte, stateCheckpoint []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("version: encode metadata: %w", err)
	}
	if err := writeZipFile(zw, "metadata.json", metaJSON); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeZipFile(zw, "artifacts/"+name, artifacts[name]); err != nil {
			return nil, err
		}
	}

	if stateCheckpoint != nil {
		if err := writeZipFile(zw, "state_checkpoint.json", stateCheckpoint); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("version: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("version: archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("version: archive entry %s: %w", name, err)
	}
	return nil
}

func parseArchive(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("version: open archive: %w", err)
	}
	arch := &Archive{Artifacts: make(map[string][]byte)}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("version: open entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("version: read entry %s: %w", f.Name, err)
		}
		switch {
		case f.Name == "metadata.json":
			if err := json.Unmarshal(content, &arch.Metadata); err != nil {
				return nil, fmt.Errorf("version: decode archive metadata: %w", err)
			}
		case f.Name == "state_checkpoint.json":
			arch.StateCheckpoint = content
		case len(f.Name) > len("artifacts/") && f.Name[:len("artifacts/")] == "artifacts/":
			arch.Artifacts[f.Name[len("artifacts/"):]] = content
		}
	}
	return arch, nil
}
