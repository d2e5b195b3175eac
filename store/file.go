package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/slotrace/courtracer/reservation"
)

// FileStore persists reservation records to a single JSON document whose
// top-level value is a list of records (spec §6). Every mutation replaces
// the file atomically: write to a temp file in the same directory, fsync,
// then rename over the target.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore writing to path. The directory must
// exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) LoadAll(ctx context.Context) ([]*reservation.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue store: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []*reservation.Request
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("queue store: unmarshal %s: %w", f.path, err)
	}
	return records, nil
}

func (f *FileStore) Save(ctx context.Context, records []*reservation.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if records == nil {
		records = []*reservation.Request{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("queue store: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("queue store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("queue store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue store: close temp: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("queue store: rename into place: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
