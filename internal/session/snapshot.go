package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Snapshot is the human-readable per-session JSON written alongside the
// database, one file per instance under .ralph/sessions/.
type Snapshot struct {
	Session *Session `json:"session"`
	// Recent holds the tail of the event log for quick inspection.
	Recent []json.RawMessage `json:"recent,omitempty"`
}

// snapshotTail is how many trailing events a snapshot keeps.
const snapshotTail = 50

// SnapshotDir returns the snapshot directory under the workspace root.
func SnapshotDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".ralph", "sessions")
}

// DBPath returns the session database path under the workspace root.
func DBPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".ralph", "sessions.db")
}

// WriteSnapshot writes the session's snapshot file atomically.
func WriteSnapshot(workspaceRoot string, snap *Snapshot) error {
	if snap.Session == nil || snap.Session.ID == "" {
		return fmt.Errorf("snapshot requires a session id")
	}
	dir := SnapshotDir(workspaceRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if len(snap.Recent) > snapshotTail {
		snap.Recent = snap.Recent[len(snap.Recent)-snapshotTail:]
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	path := filepath.Join(dir, sanitizeID(snap.Session.ID)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a session's snapshot file.
func ReadSnapshot(workspaceRoot, sessionID string) (*Snapshot, error) {
	path := filepath.Join(SnapshotDir(workspaceRoot), sanitizeID(sessionID)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// ListSnapshots returns the session ids with snapshot files.
func ListSnapshots(workspaceRoot string) ([]string, error) {
	entries, err := os.ReadDir(SnapshotDir(workspaceRoot))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// sanitizeID keeps snapshot filenames inside the snapshot directory.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}
