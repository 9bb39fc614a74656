// Package jobs runs long storage operations as asynchronous, resumable
// jobs. A job is a fixed ordered sequence of idempotent steps; every
// completed step is recorded durably before the next one starts, so a
// restarted process resumes at the first unmarked step instead of
// re-applying earlier effects. Jobs take all their resource locks up front
// through the resource manager and hold them until they finish.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/jobs/jobstore"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/resmgr"
	"pkt.systems/domaind/internal/sched"
	"pkt.systems/domaind/internal/uuidv7"
	"pkt.systems/pslog"
)

var (
	// ErrJobNotDone indicates a clear of a job that has not reached a
	// terminal state.
	ErrJobNotDone = errors.New("jobs: job not done")
	// ErrNoSuchJob indicates an unknown or already-cleared job id.
	ErrNoSuchJob = errors.New("jobs: no such job")
	// ErrJobNotActive indicates an abort of a job already in a terminal
	// state.
	ErrJobNotActive = errors.New("jobs: job not active")
	// ErrUnknownType indicates a submit with an unregistered job type.
	ErrUnknownType = errors.New("jobs: unknown job type")
	// ErrInvalidParams indicates params that fail the job type's
	// validation.
	ErrInvalidParams = errors.New("jobs: invalid params")
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateAborting State = "aborting"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateAborted  State = "aborted"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateAborted:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of one job.
type Status struct {
	ID          string
	Type        Type
	State       State
	CurrentStep string
	StepsDone   []string
	StepRetries map[string]int
	FailedStep  string
	Error       string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Config wires an Engine to its collaborators. Store, Resources, Executor
// and Volumes are required.
type Config struct {
	Store     jobstore.Store
	Resources *resmgr.Manager
	Executor  *sched.Executor
	Volumes   VolumeOps

	// Namespace is the resource-manager namespace jobs lock volumes in.
	Namespace string

	Logger pslog.Logger
	Clock  clock.Clock

	// MaxStepRetries bounds transient-error retries per step.
	MaxStepRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// DispatchTimeout bounds how long Submit waits for a free worker
	// before failing with sched.ErrExecutorBusy.
	DispatchTimeout time.Duration
}

const (
	// DefaultNamespace is the volume lock namespace.
	DefaultNamespace = "volumes"
	// DefaultMaxStepRetries bounds per-step transient retries.
	DefaultMaxStepRetries = 3
	// DefaultRetryBackoff is the initial transient-retry delay.
	DefaultRetryBackoff = 250 * time.Millisecond
)

// Engine owns job submission, execution, recovery and bookkeeping.
type Engine struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	metrics *engineMetrics
	tracer  trace.Tracer

	mu   sync.Mutex
	jobs map[string]*job
}

// New validates cfg and constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("jobs: Config.Store is required")
	}
	if cfg.Resources == nil {
		return nil, errors.New("jobs: Config.Resources is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("jobs: Config.Executor is required")
	}
	if cfg.Volumes == nil {
		return nil, errors.New("jobs: Config.Volumes is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = DefaultMaxStepRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := logutil.WithSubsystem(cfg.Logger, "jobs")
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		clock:   cfg.Clock,
		metrics: newEngineMetrics(logger),
		tracer:  otel.Tracer("pkt.systems/domaind/jobs"),
		jobs:    make(map[string]*job),
	}, nil
}

// Submit validates, persists and dispatches a new job. The record is
// durable before a worker touches it; if persistence fails the job never
// existed, and if no worker frees up within the dispatch timeout the record
// is removed again and sched.ErrExecutorBusy returned.
func (e *Engine) Submit(ctx context.Context, typ Type, params Params) (string, error) {
	spec, err := specFor(typ)
	if err != nil {
		return "", err
	}
	if err := spec.validate(params); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("jobs: encode params: %w", err)
	}

	now := e.clock.Now()
	j := &job{
		id:     uuidv7.NewString(),
		typ:    typ,
		spec:   spec,
		params: params,
		state:  StatePending,
		rec: &jobstore.Record{
			Type:        string(typ),
			Status:      string(StatePending),
			Params:      encoded,
			SubmittedAt: now.Unix(),
			UpdatedAt:   now.Unix(),
		},
		done: make(chan struct{}),
	}
	j.rec.ID = j.id

	if err := e.cfg.Store.Put(ctx, j.rec); err != nil {
		return "", fmt.Errorf("jobs: persist %s: %w", j.id, err)
	}
	if err := e.dispatch(j); err != nil {
		if delErr := e.cfg.Store.Delete(context.WithoutCancel(ctx), j.id); delErr != nil {
			e.logger.Warn("job.submit.cleanup_failed", "job", j.id, "error", delErr)
		}
		return "", err
	}
	e.logger.Info("job.submitted", "job", j.id, "type", string(typ))
	e.metrics.submitted(ctx, typ)
	return j.id, nil
}

func (e *Engine) dispatch(j *job) error {
	e.mu.Lock()
	e.jobs[j.id] = j
	e.mu.Unlock()

	_, err := e.cfg.Executor.Dispatch(func(ctx context.Context) error {
		e.run(ctx, j)
		return nil
	}, e.cfg.DispatchTimeout)
	if err != nil {
		e.mu.Lock()
		delete(e.jobs, j.id)
		e.mu.Unlock()
		return fmt.Errorf("jobs: dispatch %s: %w", j.id, err)
	}
	return nil
}

// Status reports the current snapshot of one job.
func (e *Engine) Status(jobID string) (Status, error) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	return j.status(), nil
}

// Jobs snapshots every job the engine knows about, ordered by id.
func (e *Engine) Jobs() []Status {
	e.mu.Lock()
	all := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		all = append(all, j)
	}
	e.mu.Unlock()
	out := make([]Status, 0, len(all))
	for _, j := range all {
		out = append(out, j.status())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Abort requests cooperative cancellation. A pending job's resource wait is
// interrupted; a running job stops at its next step checkpoint. Aborting a
// terminal job fails with ErrJobNotActive.
func (e *Engine) Abort(jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	if err := j.requestAbort(); err != nil {
		return err
	}
	e.logger.Info("job.abort_requested", "job", jobID)
	return nil
}

// Clear removes a terminal job's record so callers can reconcile outcomes
// at their own pace. Clearing a live job fails with ErrJobNotDone.
func (e *Engine) Clear(ctx context.Context, jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	if !j.status().State.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobNotDone, jobID)
	}
	if err := e.cfg.Store.Delete(ctx, jobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return err
	}
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
	e.logger.Info("job.cleared", "job", jobID)
	return nil
}

// Recover scans the store at startup, re-registers terminal jobs for
// querying and re-dispatches every job that was live when the previous
// process died. A resumed job continues at its first step without a
// durable completion marker.
func (e *Engine) Recover(ctx context.Context) error {
	recs, err := e.cfg.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("jobs: recover: %w", err)
	}
	for _, rec := range recs {
		j, err := jobFromRecord(rec)
		if err != nil {
			e.logger.Error("job.recover.skip", "job", rec.ID, "error", err)
			continue
		}
		if j.state.Terminal() {
			e.mu.Lock()
			e.jobs[j.id] = j
			e.mu.Unlock()
			continue
		}
		// An interrupted abort resumes as a plain abort request so the
		// job still stops at its first checkpoint.
		resumeAborting := j.state == StateAborting
		j.state = StatePending
		if err := e.dispatch(j); err != nil {
			return err
		}
		if resumeAborting {
			_ = j.requestAbort()
		}
		e.logger.Info("job.resumed", "job", j.id, "type", string(j.typ),
			"steps_done", len(j.rec.StepsDone))
	}
	return nil
}

func jobFromRecord(rec *jobstore.Record) (*job, error) {
	spec, err := specFor(Type(rec.Type))
	if err != nil {
		return nil, err
	}
	var params Params
	if len(rec.Params) > 0 {
		if err := json.Unmarshal(rec.Params, &params); err != nil {
			return nil, fmt.Errorf("jobs: decode params: %w", err)
		}
	}
	return &job{
		id:     rec.ID,
		typ:    Type(rec.Type),
		spec:   spec,
		params: params,
		state:  State(rec.Status),
		rec:    rec.Clone(),
		done:   make(chan struct{}),
	}, nil
}
