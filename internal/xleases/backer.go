package xleases

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/domaind/internal/cluster"
)

// Backer bridges lease-backed resource namespaces to the directory plus the
// cluster locking primitive: it satisfies the resource manager's LeaseBacker
// contract without resmgr importing this package.
type Backer struct {
	dir     *Directory
	locker  cluster.Locker
	timeout time.Duration
}

// NewBacker wires a Backer for dir. timeout bounds cluster-lock acquisition
// per lease; zero means the caller's context alone bounds it.
func NewBacker(dir *Directory, locker cluster.Locker, timeout time.Duration) *Backer {
	return &Backer{dir: dir, locker: locker, timeout: timeout}
}

// AcquireLease resolves the lease slot and takes its cluster lock. The
// lookup validates the authoritative record first, so a stale or removed
// lease fails here instead of fencing the wrong slot.
func (b *Backer) AcquireLease(ctx context.Context, name string) error {
	if _, err := b.dir.Lookup(name); err != nil {
		return err
	}
	if err := b.locker.Acquire(ctx, b.dir.Lockspace(), name, b.timeout); err != nil {
		return fmt.Errorf("xleases: acquire cluster lock %s: %w", name, err)
	}
	return nil
}

// ReleaseLease drops the lease's cluster lock.
func (b *Backer) ReleaseLease(name string) error {
	return b.locker.Release(b.dir.Lockspace(), name)
}
