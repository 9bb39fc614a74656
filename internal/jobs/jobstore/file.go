package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/domaind/internal/uuidv7"
)

// FileStore keeps one JSON document per job under a spool directory on the
// host's local or shared filesystem. Writes go through a temp file in the
// same directory, fsync, rename, and a directory fsync, so a crash never
// leaves a torn record behind.
type FileStore struct {
	root string
}

// NewFileStore creates (if needed) and opens the spool directory.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: create spool dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Put atomically persists rec.
func (s *FileStore) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", rec.ID, err)
	}
	tmp := filepath.Join(s.root, "."+rec.ID+"."+uuidv7.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("jobstore: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jobstore: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jobstore: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jobstore: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jobstore: rename: %w", err)
	}
	return syncDir(s.root)
}

// Get loads one record.
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("jobstore: decode %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every stored record, skipping leftover temp files.
func (s *FileStore) List(ctx context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list spool: %w", err)
	}
	var out []*Record
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record; deleting a missing record is an error so
// callers notice double clears.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: delete %s: %w", id, err)
	}
	return syncDir(s.root)
}

// Close satisfies Store.
func (s *FileStore) Close() error { return nil }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("jobstore: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("jobstore: sync dir: %w", err)
	}
	return nil
}
