package jobstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests and throwaway engines.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]*Record

	// PutHook, when non-nil, runs before every Put; returning an error
	// simulates a persistence failure.
	PutHook func(rec *Record) error
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]*Record)}
}

// Put stores a deep copy of rec.
func (s *MemStore) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutHook != nil {
		if err := s.PutHook(rec); err != nil {
			return err
		}
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

// Get returns a deep copy of the stored record.
func (s *MemStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of all records.
func (s *MemStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Delete removes the record.
func (s *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.recs, id)
	return nil
}

// Close satisfies Store.
func (s *MemStore) Close() error { return nil }
