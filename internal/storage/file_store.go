// Package storage holds the snapshot cache: a freshness-bounded in-memory
// slot with tiered fallback, optionally persisted to a single JSON file so
// a restart does not start from Absent.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/collection-scanner/internal/types"
)

// FileStore persists the latest snapshot as one JSON file. Load failures are
// soft: a missing or corrupt file reads as no snapshot at all.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to the given path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted snapshot. Returns (nil, nil) when the file is
// missing, unreadable, or does not validate; the cache then treats the slot
// as Absent.
func (s *FileStore) Load() (*types.StatusSnapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}

	var snapshot types.StatusSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, nil
	}
	if err := snapshot.Validate(); err != nil {
		return nil, nil
	}
	if snapshot.CapturedAt.IsZero() {
		// Old files without a capture time fall back to the file's mtime.
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, nil
		}
		snapshot.CapturedAt = info.ModTime()
	}
	return &snapshot, nil
}

// Save writes the snapshot atomically via a temp file rename.
func (s *FileStore) Save(snapshot *types.StatusSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}
	return nil
}
