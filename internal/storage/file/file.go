// Package file stores the registry snapshot as a JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/teampoint/teampoint/internal/game/room"
)

// Store writes snapshots to a single JSON file. Saves replace the file
// atomically, so a crash leaves either the old or the new document.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store for path. The file is created on the first Save.
//
// Precondition: path must be non-empty.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing or empty file yields an empty snapshot.
func (s *Store) Load(_ context.Context) (room.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return room.Snapshot{}, nil
	}
	if err != nil {
		return room.Snapshot{}, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return room.Snapshot{}, nil
	}

	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return room.Snapshot{}, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return snap, nil
}

// Save writes snap to a temporary file next to the document and renames it
// into place.
func (s *Store) Save(ctx context.Context, snap room.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Rooms == nil {
		snap.Rooms = []room.Room{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
