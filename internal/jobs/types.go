package jobs

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/domaind/internal/resmgr"
)

// Type tags a job with its fixed step sequence.
type Type string

const (
	TypeCreateVolume      Type = "create-volume"
	TypeCopyData          Type = "copy-data"
	TypeMerge             Type = "merge"
	TypeAmendVolume       Type = "amend-volume"
	TypeUpdateVolume      Type = "update-volume"
	TypeIndirectionChange Type = "indirection-change"
)

// Params carries the arguments of every job type; each type validates the
// fields it needs. Params round-trips through JSON in the job record.
type Params struct {
	Volume       string            `json:"volume,omitempty"`
	Source       string            `json:"source,omitempty"`
	Dest         string            `json:"dest,omitempty"`
	Top          string            `json:"top,omitempty"`
	Base         string            `json:"base,omitempty"`
	Target       string            `json:"target,omitempty"`
	SizeBytes    int64             `json:"size_bytes,omitempty"`
	Format       string            `json:"format,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	RemoveSource bool              `json:"remove_source,omitempty"`
}

// transientError marks a step failure worth retrying with backoff.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the step runner retries it instead of failing the
// job outright.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// step is one idempotent unit of a job. Completion is recorded durably
// before the next step starts.
type step struct {
	name string
	run  func(ctx context.Context, vols VolumeOps, p Params) error
}

// typeSpec binds a job type to its validation, lock footprint and steps.
type typeSpec struct {
	steps     []step
	validate  func(p Params) error
	resources func(ns string, p Params) []resmgr.Request
}

// tmpName is the staging name used before the finalize rename, so a crash
// between rename and marker persistence is detectable by existence probes.
func tmpName(final string) string { return final + ".tmp" }

func require(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidParams, field)
	}
	return nil
}

// allocateStaging creates the staging volume unless a previous attempt
// already did, or the job already finalized and only the marker was lost.
func allocateStaging(ctx context.Context, vols VolumeOps, final string, size int64) error {
	done, err := vols.Exists(ctx, final)
	if err != nil {
		return Transient(err)
	}
	if done {
		return nil
	}
	staged, err := vols.Exists(ctx, tmpName(final))
	if err != nil {
		return Transient(err)
	}
	if staged {
		return nil
	}
	return vols.Create(ctx, tmpName(final), size)
}

// finalize renames staging to final. If final exists and staging is gone,
// an earlier attempt already applied the rename and we skip forward.
func finalize(ctx context.Context, vols VolumeOps, final string) error {
	done, err := vols.Exists(ctx, final)
	if err != nil {
		return Transient(err)
	}
	staged, stErr := vols.Exists(ctx, tmpName(final))
	if stErr != nil {
		return Transient(stErr)
	}
	if done && !staged {
		return nil
	}
	return vols.Rename(ctx, tmpName(final), final)
}

// verifyStaged checks whichever of staging and final currently holds the
// data, so re-runs around the finalize boundary stay green.
func verifyStaged(ctx context.Context, vols VolumeOps, final string) error {
	staged, err := vols.Exists(ctx, tmpName(final))
	if err != nil {
		return Transient(err)
	}
	if staged {
		return vols.Verify(ctx, tmpName(final))
	}
	return vols.Verify(ctx, final)
}

var typeSpecs = map[Type]*typeSpec{
	TypeCreateVolume: {
		validate: func(p Params) error {
			if err := require("volume", p.Volume); err != nil {
				return err
			}
			if p.SizeBytes <= 0 {
				return fmt.Errorf("%w: size_bytes must be positive", ErrInvalidParams)
			}
			return nil
		},
		resources: func(ns string, p Params) []resmgr.Request {
			return []resmgr.Request{{Namespace: ns, Name: p.Volume, Mode: resmgr.Exclusive}}
		},
		steps: []step{
			{name: "allocate", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return allocateStaging(ctx, vols, p.Volume, p.SizeBytes)
			}},
			{name: "write-metadata", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				staged, err := vols.Exists(ctx, tmpName(p.Volume))
				if err != nil {
					return Transient(err)
				}
				if !staged {
					// Already finalized on a previous attempt.
					return nil
				}
				return vols.UpdateMeta(ctx, tmpName(p.Volume), p.Meta)
			}},
			{name: "finalize", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return finalize(ctx, vols, p.Volume)
			}},
		},
	},
	TypeCopyData: {
		validate: func(p Params) error {
			if err := require("source", p.Source); err != nil {
				return err
			}
			if err := require("dest", p.Dest); err != nil {
				return err
			}
			if p.Source == p.Dest {
				return fmt.Errorf("%w: source and dest are the same volume", ErrInvalidParams)
			}
			return nil
		},
		resources: func(ns string, p Params) []resmgr.Request {
			reqs := []resmgr.Request{
				{Namespace: ns, Name: p.Source, Mode: resmgr.Shared},
				{Namespace: ns, Name: p.Dest, Mode: resmgr.Exclusive},
			}
			if p.Dest < p.Source {
				reqs[0], reqs[1] = reqs[1], reqs[0]
			}
			return reqs
		},
		steps: []step{
			{name: "allocate", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return allocateStaging(ctx, vols, p.Dest, p.SizeBytes)
			}},
			{name: "copy", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				staged, err := vols.Exists(ctx, tmpName(p.Dest))
				if err != nil {
					return Transient(err)
				}
				if !staged {
					return nil
				}
				return vols.Copy(ctx, p.Source, tmpName(p.Dest))
			}},
			{name: "verify", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return verifyStaged(ctx, vols, p.Dest)
			}},
			{name: "finalize", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return finalize(ctx, vols, p.Dest)
			}},
			{name: "release-source", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				if !p.RemoveSource {
					return nil
				}
				exists, err := vols.Exists(ctx, p.Source)
				if err != nil {
					return Transient(err)
				}
				if !exists {
					return nil
				}
				return vols.Remove(ctx, p.Source)
			}},
		},
	},
	TypeMerge: {
		validate: func(p Params) error {
			if err := require("top", p.Top); err != nil {
				return err
			}
			if err := require("base", p.Base); err != nil {
				return err
			}
			return nil
		},
		resources: func(ns string, p Params) []resmgr.Request {
			reqs := []resmgr.Request{
				{Namespace: ns, Name: p.Base, Mode: resmgr.Exclusive},
				{Namespace: ns, Name: p.Top, Mode: resmgr.Exclusive},
			}
			if p.Top < p.Base {
				reqs[0], reqs[1] = reqs[1], reqs[0]
			}
			return reqs
		},
		steps: []step{
			{name: "commit", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				exists, err := vols.Exists(ctx, p.Top)
				if err != nil {
					return Transient(err)
				}
				if !exists {
					// A previous attempt already committed and removed top.
					return nil
				}
				return vols.Commit(ctx, p.Top, p.Base)
			}},
			{name: "verify", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.Verify(ctx, p.Base)
			}},
			{name: "remove-top", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				exists, err := vols.Exists(ctx, p.Top)
				if err != nil {
					return Transient(err)
				}
				if !exists {
					return nil
				}
				return vols.Remove(ctx, p.Top)
			}},
		},
	},
	TypeAmendVolume: {
		validate: func(p Params) error {
			if err := require("volume", p.Volume); err != nil {
				return err
			}
			return require("format", p.Format)
		},
		resources: func(ns string, p Params) []resmgr.Request {
			return []resmgr.Request{{Namespace: ns, Name: p.Volume, Mode: resmgr.Exclusive}}
		},
		steps: []step{
			{name: "amend", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.Amend(ctx, p.Volume, p.Format)
			}},
			{name: "verify", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.Verify(ctx, p.Volume)
			}},
		},
	},
	TypeUpdateVolume: {
		validate: func(p Params) error {
			if err := require("volume", p.Volume); err != nil {
				return err
			}
			if len(p.Meta) == 0 {
				return fmt.Errorf("%w: empty meta", ErrInvalidParams)
			}
			return nil
		},
		resources: func(ns string, p Params) []resmgr.Request {
			return []resmgr.Request{{Namespace: ns, Name: p.Volume, Mode: resmgr.Exclusive}}
		},
		steps: []step{
			{name: "update-metadata", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.UpdateMeta(ctx, p.Volume, p.Meta)
			}},
		},
	},
	TypeIndirectionChange: {
		validate: func(p Params) error {
			if err := require("volume", p.Volume); err != nil {
				return err
			}
			return require("target", p.Target)
		},
		resources: func(ns string, p Params) []resmgr.Request {
			return []resmgr.Request{{Namespace: ns, Name: p.Volume, Mode: resmgr.Exclusive}}
		},
		steps: []step{
			{name: "set-indirection", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.SetIndirection(ctx, p.Volume, p.Target)
			}},
			{name: "verify", run: func(ctx context.Context, vols VolumeOps, p Params) error {
				return vols.Verify(ctx, p.Volume)
			}},
		},
	},
}

func specFor(typ Type) (*typeSpec, error) {
	spec, ok := typeSpecs[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return spec, nil
}
