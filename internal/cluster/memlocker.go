package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/domaind/internal/clock"
)

// MemLocker is an in-process Locker for tests and single-host setups. It
// honors the same blocking and timeout contract as storage-backed lockers.
type MemLocker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	held  map[string]bool
	clock clock.Clock

	// AcquireHook, when non-nil, observes every successful acquisition.
	AcquireHook func(lockspace, resource string)
}

// NewMemLocker constructs an empty MemLocker.
func NewMemLocker(clk clock.Clock) *MemLocker {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &MemLocker{held: make(map[string]bool), clock: clk}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func lockKey(lockspace, resource string) string {
	return lockspace + "/" + resource
}

// Acquire obtains the named lock, blocking until available or timed out.
func (l *MemLocker) Acquire(ctx context.Context, lockspace, resource string, timeout time.Duration) error {
	key := lockKey(lockspace, resource)
	deadline := time.Time{}
	if timeout > 0 {
		deadline = l.clock.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	// Wake waiters periodically so deadline and context expiry are observed
	// even when no release happens.
	stopTick := make(chan struct{})
	defer close(stopTick)
	go func() {
		for {
			select {
			case <-stopTick:
				return
			case <-l.clock.After(10 * time.Millisecond):
				l.cond.Broadcast()
			}
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.held[key] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !l.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		l.cond.Wait()
	}
	l.held[key] = true
	if l.AcquireHook != nil {
		l.AcquireHook(lockspace, resource)
	}
	return nil
}

// Release relinquishes a held lock.
func (l *MemLocker) Release(lockspace, resource string) error {
	key := lockKey(lockspace, resource)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[key] {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	delete(l.held, key)
	l.cond.Broadcast()
	return nil
}

// IsHeld reports whether the lock is currently held.
func (l *MemLocker) IsHeld(lockspace, resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[lockKey(lockspace, resource)]
}
