package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/domaind/internal/jobs/jobstore"
	"pkt.systems/pslog"
)

// errAbortRequested routes a checkpoint abort out of the step runner.
var errAbortRequested = errors.New("jobs: abort requested")

// job is the in-memory runtime of one submitted job. Its record is mutated
// only by the owning worker; other goroutines read snapshots through the
// mutex and signal aborts through the flag.
type job struct {
	id     string
	typ    Type
	spec   *typeSpec
	params Params

	mu            sync.Mutex
	state         State
	current       string
	aborted       bool
	acquireCancel context.CancelFunc
	rec           *jobstore.Record

	done chan struct{}
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		ID:          j.id,
		Type:        j.typ,
		State:       j.state,
		CurrentStep: j.current,
		FailedStep:  j.rec.FailedStep,
		Error:       j.rec.Error,
		SubmittedAt: time.Unix(j.rec.SubmittedAt, 0).UTC(),
		UpdatedAt:   time.Unix(j.rec.UpdatedAt, 0).UTC(),
	}
	st.StepsDone = append([]string(nil), j.rec.StepsDone...)
	if len(j.rec.StepRetries) > 0 {
		st.StepRetries = make(map[string]int, len(j.rec.StepRetries))
		for k, v := range j.rec.StepRetries {
			st.StepRetries[k] = v
		}
	}
	return st
}

func (j *job) requestAbort() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobNotActive, j.id, j.state)
	}
	j.aborted = true
	if j.state == StateRunning {
		j.state = StateAborting
	}
	if j.acquireCancel != nil {
		j.acquireCancel()
	}
	return nil
}

func (j *job) isAborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

func (j *job) setAcquireCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	j.acquireCancel = cancel
	aborted := j.aborted
	j.mu.Unlock()
	// An abort that raced ahead of registration still cancels the wait.
	if aborted && cancel != nil {
		cancel()
	}
}

func (j *job) hasDone(stepName string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, name := range j.rec.StepsDone {
		if name == stepName {
			return true
		}
	}
	return false
}

// run drives a job from resource acquisition through its step sequence to a
// terminal state. It is the only writer of the job's record.
func (e *Engine) run(ctx context.Context, j *job) {
	ctx, span := e.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", j.id),
		attribute.String("job.type", string(j.typ)),
	))
	defer span.End()
	logger := e.logger.With("job", j.id, "type", string(j.typ))
	start := e.clock.Now()

	// The job stays pending while waiting for its locks; an abort cancels
	// the wait instead of interrupting a step.
	acquireCtx, cancel := context.WithCancel(ctx)
	j.setAcquireCancel(cancel)
	group, err := e.cfg.Resources.AcquireAll(acquireCtx, j.spec.resources(e.cfg.Namespace, j.params))
	j.setAcquireCancel(nil)
	cancel()
	if err != nil {
		if j.isAborted() {
			e.finish(ctx, span, logger, j, StateAborted, "", nil, start)
			return
		}
		e.finish(ctx, span, logger, j, StateFailed, "acquire", err, start)
		return
	}
	defer group.Release()

	if j.isAborted() {
		e.finish(ctx, span, logger, j, StateAborted, "", nil, start)
		return
	}
	j.mu.Lock()
	j.state = StateRunning
	j.mu.Unlock()
	if err := e.persist(ctx, j); err != nil {
		e.finish(ctx, span, logger, j, StateFailed, "persist", err, start)
		return
	}
	logger.Info("job.running", "steps", len(j.spec.steps))

	for _, st := range j.spec.steps {
		if j.hasDone(st.name) {
			logger.Debug("job.step.skipped", "step", st.name)
			continue
		}
		// Checkpoint: aborts take effect between steps, never mid-step.
		if j.isAborted() {
			e.finish(ctx, span, logger, j, StateAborted, "", nil, start)
			return
		}
		j.mu.Lock()
		j.current = st.name
		j.mu.Unlock()
		if err := e.runStep(ctx, j, st, logger); err != nil {
			if errors.Is(err, errAbortRequested) {
				e.finish(ctx, span, logger, j, StateAborted, "", nil, start)
				return
			}
			e.finish(ctx, span, logger, j, StateFailed, st.name, err, start)
			return
		}
		j.mu.Lock()
		j.current = ""
		j.rec.StepsDone = append(j.rec.StepsDone, st.name)
		j.mu.Unlock()
		if err := e.persist(ctx, j); err != nil {
			e.finish(ctx, span, logger, j, StateFailed, "persist", err, start)
			return
		}
	}
	e.finish(ctx, span, logger, j, StateDone, "", nil, start)
}

// runStep executes one step, retrying transient failures with doubling
// backoff up to the configured bound.
func (e *Engine) runStep(ctx context.Context, j *job, st step, logger pslog.Logger) error {
	attempt := 0
	for {
		stepCtx, span := e.tracer.Start(ctx, "job.step", trace.WithAttributes(
			attribute.String("job.id", j.id),
			attribute.String("job.step", st.name),
			attribute.Int("job.attempt", attempt),
		))
		err := st.run(stepCtx, e.cfg.Volumes, j.params)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			logger.Info("job.step.done", "step", st.name)
			return nil
		}
		if !IsTransient(err) || attempt >= e.cfg.MaxStepRetries {
			return err
		}
		attempt++
		j.mu.Lock()
		if j.rec.StepRetries == nil {
			j.rec.StepRetries = make(map[string]int)
		}
		j.rec.StepRetries[st.name]++
		j.mu.Unlock()
		e.metrics.retried(ctx, j.typ, st.name)
		delay := e.cfg.RetryBackoff << (attempt - 1)
		logger.Warn("job.step.retry", "step", st.name, "attempt", attempt,
			"backoff", delay.String(), "error", err)
		select {
		case <-e.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if j.isAborted() {
			return errAbortRequested
		}
	}
}

func (e *Engine) persist(ctx context.Context, j *job) error {
	j.mu.Lock()
	j.rec.Status = string(j.state)
	j.rec.UpdatedAt = e.clock.Now().Unix()
	rec := j.rec.Clone()
	j.mu.Unlock()
	// Job state must outlive a canceled submit or a closing executor.
	return e.cfg.Store.Put(context.WithoutCancel(ctx), rec)
}

func (e *Engine) finish(ctx context.Context, span trace.Span, logger pslog.Logger,
	j *job, state State, failedStep string, cause error, start time.Time) {
	j.mu.Lock()
	j.state = state
	j.current = ""
	if state == StateFailed {
		j.rec.FailedStep = failedStep
		if cause != nil {
			j.rec.Error = cause.Error()
		}
	}
	j.mu.Unlock()
	if err := e.persist(ctx, j); err != nil {
		logger.Error("job.persist_failed", "state", string(state), "error", err)
	}
	close(j.done)

	elapsed := e.clock.Now().Sub(start)
	e.metrics.completed(ctx, j.typ, state, elapsed)
	switch state {
	case StateDone:
		logger.Info("job.done", "elapsed", elapsed.String())
	case StateAborted:
		logger.Info("job.aborted", "elapsed", elapsed.String())
		span.SetStatus(codes.Error, "aborted")
	default:
		logger.Error("job.failed", "step", failedStep, "error", cause, "elapsed", elapsed.String())
		span.SetStatus(codes.Error, cause.Error())
	}
}
