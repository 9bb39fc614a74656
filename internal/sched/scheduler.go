package sched

import (
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
)

// Scheduler runs deferred and periodic callbacks on their own goroutines.
// Periodic tasks compute the next fire time from the start of the last fire
// and skip missed ticks, so an overrunning task never causes a burst of
// back-to-back fires. A panicking task is logged and the entry keeps firing.
type Scheduler struct {
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	closed  bool
	quit    chan struct{}
	entries sync.WaitGroup
}

// SchedulerOption tunes scheduler construction.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger supplies the scheduler's logger.
func WithSchedulerLogger(logger pslog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSchedulerClock overrides the wall clock (tests).
func WithSchedulerClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clk }
}

// NewScheduler constructs an idle scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock: clock.Real{},
		quit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logutil.WithSubsystem(s.logger, "sched.scheduler")
	return s
}

// Entry is a cancellable handle on a scheduled task.
type Entry struct {
	stopOnce sync.Once
	stop     chan struct{}
}

// Stop cancels the entry. Safe to call multiple times; a fire already in
// progress runs to completion.
func (e *Entry) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// After runs task once after delay unless stopped first.
func (s *Scheduler) After(delay time.Duration, task func()) *Entry {
	entry := &Entry{stop: make(chan struct{})}
	s.entries.Add(1)
	go func() {
		defer s.entries.Done()
		select {
		case <-s.quit:
		case <-entry.stop:
		case <-s.clock.After(delay):
			s.runProtected(task)
		}
	}()
	return entry
}

// Periodic fires task every interval until the entry or scheduler stops.
func (s *Scheduler) Periodic(interval time.Duration, task func()) *Entry {
	if interval <= 0 {
		interval = time.Second
	}
	entry := &Entry{stop: make(chan struct{})}
	s.entries.Add(1)
	go func() {
		defer s.entries.Done()
		next := s.clock.Now().Add(interval)
		for {
			wait := next.Sub(s.clock.Now())
			select {
			case <-s.quit:
				return
			case <-entry.stop:
				return
			case <-s.clock.After(wait):
			}
			fireStart := s.clock.Now()
			s.runProtected(task)
			next = fireStart.Add(interval)
			if now := s.clock.Now(); now.After(next) {
				// The task overran its interval; skip the missed
				// ticks rather than firing a burst.
				skipped := 0
				for !next.After(now) {
					next = next.Add(interval)
					skipped++
				}
				s.logger.Warn("scheduler.ticks_skipped",
					"interval", interval.String(),
					"skipped", skipped,
				)
			}
		}
	}()
	return entry
}

func (s *Scheduler) runProtected(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler.task_panic", "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Close stops every entry and waits for their goroutines.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	s.entries.Wait()
}
