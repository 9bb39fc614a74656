// Package cluster defines the boundary to the cluster-wide locking
// primitive that fences leases across hosts. domaind only depends on this
// interface; a sanlock-style daemon is the production collaborator, while
// FileLocker covers shared-filesystem domains and MemLocker covers tests.
package cluster

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout indicates the lock could not be obtained before the
	// caller's deadline.
	ErrTimeout = errors.New("cluster: lock acquisition timed out")
	// ErrNotHeld indicates a release of a lock this process does not hold.
	ErrNotHeld = errors.New("cluster: lock not held")
)

// Locker is the fencing primitive: at most one host holds a given
// (lockspace, resource) pair at a time, backed by storage-resident state.
type Locker interface {
	// Acquire obtains the named lock, blocking up to timeout (or the
	// context deadline, whichever is earlier). Zero timeout means the
	// context alone bounds the wait.
	Acquire(ctx context.Context, lockspace, resource string, timeout time.Duration) error
	// Release relinquishes a held lock.
	Release(lockspace, resource string) error
	// IsHeld reports whether this process currently holds the lock.
	IsHeld(lockspace, resource string) bool
}
