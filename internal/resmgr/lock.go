package resmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// resource carries the lock state for one (namespace, name) pair. Resources
// are created on first use and reaped from the namespace table once fully
// idle; the dead flag closes the race between reaping and a concurrent
// lookup that still holds a pointer to the old entry.
type resource struct {
	mu      sync.Mutex
	dead    bool
	mode    Mode
	holders int
	queue   []*waiter

	leaseMu   sync.Mutex
	leaseRefs int
}

type waiter struct {
	mode    Mode
	ready   chan struct{}
	granted bool
}

// Lock represents one granted in-process lock.
type Lock struct {
	mgr  *Manager
	ns   *namespace
	res  *resource
	name string
	mode Mode

	once sync.Once
}

// Namespace returns the lock's namespace.
func (l *Lock) Namespace() string { return l.ns.name }

// Name returns the locked resource name.
func (l *Lock) Name() string { return l.name }

// Mode returns the granted mode.
func (l *Lock) Mode() Mode { return l.mode }

func (m *Manager) acquire(ctx context.Context, ns *namespace, name string, mode Mode) (*Lock, error) {
	start := m.clock.Now()
	var r *resource
	for {
		r, _ = ns.resources.LoadOrCompute(name, func() *resource { return &resource{} })
		r.mu.Lock()
		if !r.dead {
			break
		}
		r.mu.Unlock()
	}

	// Immediate grant only when nothing queues ahead; anything else joins
	// the FIFO so waiting exclusives cannot starve behind a shared stream.
	if len(r.queue) == 0 && (r.holders == 0 || (mode == Shared && r.mode == Shared)) {
		r.holders++
		r.mode = mode
		r.mu.Unlock()
	} else {
		w := &waiter{mode: mode, ready: make(chan struct{})}
		r.queue = append(r.queue, w)
		r.mu.Unlock()
		m.metrics.contended(ctx, ns.name, mode)

		select {
		case <-w.ready:
		case <-ctx.Done():
			r.mu.Lock()
			if w.granted {
				// Granted and expired at once: give the grant back.
				r.holders--
				if r.holders == 0 {
					promoteLocked(r)
				}
			} else {
				for i, queued := range r.queue {
					if queued == w {
						r.queue = append(r.queue[:i], r.queue[i+1:]...)
						break
					}
				}
			}
			r.mu.Unlock()
			m.reap(ns, name, r)
			m.metrics.timedOut(ctx, ns.name, mode)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s/%s (%s)", ErrLockTimeout, ns.name, name, mode)
			}
			return nil, ctx.Err()
		}
	}

	if ns.backer != nil {
		if err := m.acquireLease(ctx, ns, name, r); err != nil {
			m.releaseInProcess(ns, name, r)
			m.metrics.timedOut(ctx, ns.name, mode)
			return nil, err
		}
	}

	m.metrics.acquired(ctx, ns.name, mode, m.clock.Now().Sub(start))
	m.logger.Debug("lock.acquired",
		"namespace", ns.name,
		"resource", name,
		"mode", mode.String(),
	)
	return &Lock{mgr: m, ns: ns, res: r, name: name, mode: mode}, nil
}

// acquireLease takes the cluster lease on the 0 -> 1 holder transition. The
// leaseMu serializes ref transitions against concurrent acquire/release so
// the lease is held exactly while at least one in-process holder exists.
func (m *Manager) acquireLease(ctx context.Context, ns *namespace, name string, r *resource) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leaseRefs == 0 {
		if err := ns.backer.AcquireLease(ctx, name); err != nil {
			return fmt.Errorf("resmgr: cluster lease %s/%s: %w", ns.name, name, err)
		}
	}
	r.leaseRefs++
	return nil
}

// Release drops the lock. The last release of a resource wakes its waiters;
// for lease-backed namespaces the cluster lease is dropped before the last
// in-process holder lets go. Release is idempotent.
func (l *Lock) Release() {
	l.once.Do(func() {
		if l.ns.backer != nil {
			l.res.leaseMu.Lock()
			l.res.leaseRefs--
			if l.res.leaseRefs == 0 {
				if err := l.ns.backer.ReleaseLease(l.name); err != nil {
					l.mgr.logger.Error("lock.lease_release_failed",
						"namespace", l.ns.name,
						"resource", l.name,
						"error", err,
					)
				}
			}
			l.res.leaseMu.Unlock()
		}
		l.mgr.releaseInProcess(l.ns, l.name, l.res)
		l.mgr.logger.Debug("lock.released",
			"namespace", l.ns.name,
			"resource", l.name,
			"mode", l.mode.String(),
		)
	})
}

func (m *Manager) releaseInProcess(ns *namespace, name string, r *resource) {
	r.mu.Lock()
	r.holders--
	if r.holders == 0 {
		promoteLocked(r)
	}
	r.mu.Unlock()
	m.reap(ns, name, r)
}

// promoteLocked grants the head of the queue once the resource is free.
// An exclusive head is granted alone; a shared head is granted together with
// every other shared waiter in the queue.
func promoteLocked(r *resource) {
	if len(r.queue) == 0 {
		return
	}
	if r.queue[0].mode == Exclusive {
		head := r.queue[0]
		r.queue = r.queue[1:]
		r.mode = Exclusive
		r.holders = 1
		head.granted = true
		close(head.ready)
		return
	}
	remaining := r.queue[:0]
	granted := 0
	for _, w := range r.queue {
		if w.mode != Shared {
			remaining = append(remaining, w)
			continue
		}
		granted++
		w.granted = true
		close(w.ready)
	}
	r.queue = remaining
	r.mode = Shared
	r.holders = granted
}

// reap removes the resource from the namespace table when fully idle.
func (m *Manager) reap(ns *namespace, name string, r *resource) {
	ns.resources.Compute(name, func(old *resource, loaded bool) (*resource, bool) {
		if !loaded || old != r {
			return old, !loaded
		}
		r.mu.Lock()
		r.leaseMu.Lock()
		idle := r.holders == 0 && len(r.queue) == 0 && r.leaseRefs == 0
		if idle {
			r.dead = true
		}
		r.leaseMu.Unlock()
		r.mu.Unlock()
		return old, idle
	})
}
