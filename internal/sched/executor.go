// Package sched is the deferred/periodic/timeout-bounded execution substrate
// shared by the job engine and the engine's maintenance loops. The executor
// applies backpressure instead of buffering: a dispatch that finds no free
// worker within its timeout is rejected, never queued unbounded.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
)

var (
	// ErrExecutorBusy indicates no worker freed up before the dispatch
	// timeout.
	ErrExecutorBusy = errors.New("sched: executor busy")
	// ErrExecutorClosed indicates a dispatch after Close.
	ErrExecutorClosed = errors.New("sched: executor closed")
)

// Task is a unit of work; the context is canceled when the executor closes.
type Task func(ctx context.Context) error

// Future resolves once its task finished.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finished or ctx expired, returning the task's
// error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} { return f.done }

type dispatchEntry struct {
	task Task
	fut  *Future
}

// Executor runs tasks on a bounded worker pool.
type Executor struct {
	logger pslog.Logger
	clock  clock.Clock

	tasks chan dispatchEntry
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// ExecutorOption tunes executor construction.
type ExecutorOption func(*Executor)

// WithExecutorLogger supplies the executor's logger.
func WithExecutorLogger(logger pslog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorClock overrides the wall clock (tests).
func WithExecutorClock(clk clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clk }
}

// NewExecutor starts a pool of workers goroutines.
func NewExecutor(workers int, opts ...ExecutorOption) *Executor {
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{
		clock: clock.Real{},
		// Unbuffered: a send succeeds only when a worker is actually
		// free, which is exactly the backpressure contract.
		tasks: make(chan dispatchEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logutil.WithSubsystem(e.logger, "sched.executor")
	e.ctx, e.stop = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case entry := <-e.tasks:
			e.run(id, entry)
		}
	}
}

func (e *Executor) run(id int, entry dispatchEntry) {
	defer func() {
		if r := recover(); r != nil {
			entry.fut.err = fmt.Errorf("sched: task panic: %v", r)
			e.logger.Error("executor.task_panic", "worker", id, "panic", fmt.Sprint(r))
		}
		close(entry.fut.done)
	}()
	entry.fut.err = entry.task(e.ctx)
}

// Dispatch hands task to a free worker, waiting at most timeout for one.
// A non-positive timeout tries exactly once.
func (e *Executor) Dispatch(task Task, timeout time.Duration) (*Future, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.mu.Unlock()

	fut := &Future{done: make(chan struct{})}
	entry := dispatchEntry{task: task, fut: fut}
	if timeout <= 0 {
		select {
		case e.tasks <- entry:
			return fut, nil
		default:
			return nil, ErrExecutorBusy
		}
	}
	select {
	case e.tasks <- entry:
		return fut, nil
	case <-e.clock.After(timeout):
		return nil, ErrExecutorBusy
	case <-e.ctx.Done():
		return nil, ErrExecutorClosed
	}
}

// Close stops accepting work, cancels running task contexts, and waits for
// the workers to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}
