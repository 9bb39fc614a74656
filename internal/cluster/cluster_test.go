package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/domaind/internal/clock"
)

func TestMemLockerExcludes(t *testing.T) {
	t.Parallel()

	l := NewMemLocker(clock.Real{})
	ctx := context.Background()
	if err := l.Acquire(ctx, "dom1", "lease-a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.IsHeld("dom1", "lease-a") {
		t.Fatal("expected lock to be held")
	}

	err := l.Acquire(ctx, "dom1", "lease-a", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for held lock, got %v", err)
	}

	// Different resource in same lockspace is independent.
	if err := l.Acquire(ctx, "dom1", "lease-b", time.Second); err != nil {
		t.Fatalf("acquire independent: %v", err)
	}

	if err := l.Release("dom1", "lease-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l.IsHeld("dom1", "lease-a") {
		t.Fatal("expected lock released")
	}
	if err := l.Release("dom1", "lease-a"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestMemLockerHandoff(t *testing.T) {
	t.Parallel()

	l := NewMemLocker(clock.Real{})
	ctx := context.Background()
	if err := l.Acquire(ctx, "dom1", "lease-a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan error, 1)
	go func() {
		defer wg.Done()
		acquired <- l.Acquire(ctx, "dom1", "lease-a", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := l.Release("dom1", "lease-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()
	if err := <-acquired; err != nil {
		t.Fatalf("waiter should acquire after release, got %v", err)
	}
}

func TestMemLockerContextCancel(t *testing.T) {
	t.Parallel()

	l := NewMemLocker(clock.Real{})
	ctx := context.Background()
	if err := l.Acquire(ctx, "dom1", "lease-a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(cctx, "dom1", "lease-a", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFileLockerAcquireRelease(t *testing.T) {
	t.Parallel()

	l, err := NewFileLocker(t.TempDir(), clock.Real{})
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	ctx := context.Background()
	if err := l.Acquire(ctx, "dom1", "xleases", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.IsHeld("dom1", "xleases") {
		t.Fatal("expected held")
	}
	if err := l.Release("dom1", "xleases"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release("dom1", "xleases"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	// Reacquire after release must succeed.
	if err := l.Acquire(ctx, "dom1", "xleases", time.Second); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}
