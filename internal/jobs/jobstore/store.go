// Package jobstore persists job records so job progress survives a process
// restart. Backends share one contract: Put is atomic and durable before it
// returns, and Get never observes a partially-written record.
package jobstore

import (
	"context"
	"errors"
)

// ErrNotFound indicates the job id has no stored record.
var ErrNotFound = errors.New("jobstore: not found")

// Record is the durable state of one job. It is written before the first
// step executes and rewritten at every completed step, so the highest
// completed step marker is always on stable storage.
type Record struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Params      []byte         `json:"params,omitempty"`
	StepsDone   []string       `json:"steps_done,omitempty"`
	StepRetries map[string]int `json:"step_retries,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt int64          `json:"submitted_at_unix"`
	UpdatedAt   int64          `json:"updated_at_unix"`
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Params != nil {
		out.Params = append([]byte(nil), r.Params...)
	}
	if r.StepsDone != nil {
		out.StepsDone = append([]string(nil), r.StepsDone...)
	}
	if r.StepRetries != nil {
		out.StepRetries = make(map[string]int, len(r.StepRetries))
		for k, v := range r.StepRetries {
			out.StepRetries[k] = v
		}
	}
	return &out
}

// Store is the durable job-state backend.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
