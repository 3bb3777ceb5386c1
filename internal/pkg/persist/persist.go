// Package persist implements partisan's membership snapshot
// persistence: a single opaque file under
// <data_dir>/peer_service/cluster_state holding the (Active, Passive)
// view sets, written atomically (temp file, then rename) the same way
// internal/pkg/config's loader treats its embedded default as a
// fallback for a missing file -- here a missing or truncated
// snapshot is treated as first boot rather than an error.
package persist

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
)

const (
	stateDir  = "peer_service"
	stateFile = "cluster_state"
)

// Snapshot is the persisted membership state.
type Snapshot struct {
	Active  []nodespec.NodeSpec
	Passive []nodespec.NodeSpec
}

// Store reads and writes membership snapshots under a data directory.
type Store struct {
	path string
}

// New returns a Store rooted at dataDir, or nil if dataDir is empty
// (persistence disabled, matching an unset partisan_data_dir).
func New(dataDir string) *Store {
	if dataDir == "" {
		return nil
	}
	return &Store{path: filepath.Join(dataDir, stateDir, stateFile)}
}

// Load reads the snapshot. A missing or truncated file is reported as
// ok == false rather than an error, so the caller treats it as first
// boot.
func (s *Store) Load() (Snapshot, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("partisan: decode cluster state: %w", err)
	}
	return snap, true, nil
}

// Save writes snap atomically: encode to a temp file in the same
// directory, fsync, then rename over the existing snapshot.
func (s *Store) Save(snap Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("partisan: create state dir: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(snap); err != nil {
		return fmt.Errorf("partisan: encode cluster state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("partisan: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("partisan: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("partisan: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("partisan: close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("partisan: rename state file: %w", err)
	}
	return nil
}

// Delete removes the persisted snapshot, if any. Used by leave(self).
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("partisan: delete cluster state: %w", err)
	}
	return nil
}
