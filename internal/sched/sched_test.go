package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchRunsTask(t *testing.T) {
	t.Parallel()

	e := NewExecutor(2)
	defer e.Close()

	var ran atomic.Bool
	fut, err := e.Dispatch(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestDispatchPropagatesTaskError(t *testing.T) {
	t.Parallel()

	e := NewExecutor(1)
	defer e.Close()

	boom := errors.New("boom")
	fut, err := e.Dispatch(func(ctx context.Context) error { return boom }, time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := fut.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestDispatchRejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	e := NewExecutor(2)
	defer e.Close()

	release := make(chan struct{})
	var futures []*Future
	for i := 0; i < 2; i++ {
		fut, err := e.Dispatch(func(ctx context.Context) error {
			<-release
			return nil
		}, time.Second)
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		futures = append(futures, fut)
	}

	// Workers are busy; a bounded dispatch must be rejected, not queued.
	if _, err := e.Dispatch(func(ctx context.Context) error { return nil }, 50*time.Millisecond); !errors.Is(err, ErrExecutorBusy) {
		t.Fatalf("expected ErrExecutorBusy, got %v", err)
	}

	close(release)
	for _, fut := range futures {
		if err := fut.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	// With a free worker the same dispatch succeeds.
	fut, err := e.Dispatch(func(ctx context.Context) error { return nil }, time.Second)
	if err != nil {
		t.Fatalf("Dispatch after drain: %v", err)
	}
	if err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	t.Parallel()

	e := NewExecutor(1)
	defer e.Close()

	fut, err := e.Dispatch(func(ctx context.Context) error { panic("kaboom") }, time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := fut.Wait(context.Background()); err == nil {
		t.Fatal("expected error from panicking task")
	}

	// The worker must survive the panic.
	fut, err = e.Dispatch(func(ctx context.Context) error { return nil }, time.Second)
	if err != nil {
		t.Fatalf("Dispatch after panic: %v", err)
	}
	if err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after panic: %v", err)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	t.Parallel()

	e := NewExecutor(1)
	e.Close()
	if _, err := e.Dispatch(func(ctx context.Context) error { return nil }, time.Second); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}

func TestSchedulerAfterFiresOnce(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Close()

	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("After never fired")
	}
}

func TestSchedulerAfterStop(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Close()

	var fired atomic.Bool
	entry := s.After(50*time.Millisecond, func() { fired.Store(true) })
	entry.Stop()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped entry fired")
	}
}

func TestSchedulerPeriodicFiresAndStops(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Close()

	var count atomic.Int32
	entry := s.Periodic(20*time.Millisecond, func() { count.Add(1) })

	deadline := time.After(2 * time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("periodic fired only %d times", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	entry.Stop()
	settled := count.Load()
	time.Sleep(100 * time.Millisecond)
	if count.Load() > settled+1 {
		t.Fatalf("entry kept firing after Stop: %d -> %d", settled, count.Load())
	}
}

func TestSchedulerSkipsMissedTicks(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Close()

	var mu sync.Mutex
	var fires []time.Time
	entry := s.Periodic(30*time.Millisecond, func() {
		mu.Lock()
		fires = append(fires, time.Now())
		n := len(fires)
		mu.Unlock()
		if n == 1 {
			// Overrun several intervals on the first fire.
			time.Sleep(110 * time.Millisecond)
		}
	})
	defer entry.Stop()

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(fires)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("periodic starved after overrun")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// Fire 2 must come after the overrun finished plus a fresh interval
	// boundary, not in an immediate catch-up burst.
	gap := fires[1].Sub(fires[0])
	if gap < 110*time.Millisecond {
		t.Fatalf("tick fired during overrun window: gap %v", gap)
	}
}

func TestSchedulerPanicDoesNotKillEntry(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	defer s.Close()

	var count atomic.Int32
	entry := s.Periodic(15*time.Millisecond, func() {
		if count.Add(1) == 1 {
			panic("first fire explodes")
		}
	})
	defer entry.Stop()

	deadline := time.After(2 * time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("entry died after panic: %d fires", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
