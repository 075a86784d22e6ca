package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is the on-disk form of a host observation.
type Snapshot struct {
	Processes   []Process    `json:"processes"`
	Connections []Connection `json:"connections"`
}

// SnapshotInspector serves host state from a JSON snapshot file. The
// file is re-read on every call, so a replaced snapshot is observed by
// later scans within the same run.
type SnapshotInspector struct {
	path string
}

// NewSnapshotInspector returns an inspector backed by the snapshot at
// path. An empty path yields an inspector that reports a quiet host.
func NewSnapshotInspector(path string) *SnapshotInspector {
	return &SnapshotInspector{path: path}
}

func (s *SnapshotInspector) load() (*Snapshot, error) {
	if s.path == "" {
		return &Snapshot{}, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read host snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode host snapshot %s: %w", s.path, err)
	}
	return &snap, nil
}

// Processes returns the process table from the snapshot.
func (s *SnapshotInspector) Processes(ctx context.Context) ([]Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.Processes, nil
}

// Connections returns the inet connection table from the snapshot.
func (s *SnapshotInspector) Connections(ctx context.Context) ([]Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.Connections, nil
}

// StaticInspector serves a fixed in-memory snapshot.
type StaticInspector struct {
	Snapshot Snapshot
}

// Processes returns the fixed process table.
func (s *StaticInspector) Processes(_ context.Context) ([]Process, error) {
	return s.Snapshot.Processes, nil
}

// Connections returns the fixed connection table.
func (s *StaticInspector) Connections(_ context.Context) ([]Connection, error) {
	return s.Snapshot.Connections, nil
}
