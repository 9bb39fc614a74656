// Package resmgr is the in-process resource manager. Callers take shared or
// exclusive locks on (namespace, name) pairs before touching a volume;
// multi-resource operations must request their locks pre-sorted in the
// registered namespace order, which makes cross-resource deadlock
// structurally impossible instead of detected at runtime.
//
// A namespace may be lease-backed: the first in-process holder of a resource
// also takes the matching cluster lease through a LeaseBacker, and the lease
// is dropped only when the last in-process holder releases. Host-local
// callers therefore can never bypass the cross-host guarantee.
package resmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"pkt.systems/pslog"

	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/logutil"
)

var (
	// ErrLockTimeout indicates the caller's deadline elapsed while waiting
	// for a compatible grant.
	ErrLockTimeout = errors.New("resmgr: lock acquisition timed out")
	// ErrInvalidOrder indicates a multi-resource request that violates the
	// registered namespace order. This is a programmer error; it is never
	// retried.
	ErrInvalidOrder = errors.New("resmgr: resources requested out of order")
	// ErrUnknownNamespace indicates an acquire against an unregistered
	// namespace.
	ErrUnknownNamespace = errors.New("resmgr: unknown namespace")
	// ErrNamespaceExists indicates a duplicate namespace registration.
	ErrNamespaceExists = errors.New("resmgr: namespace already registered")
)

// Mode selects shared or exclusive access.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota
	// Exclusive excludes all other holders.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// OrderKey fixes a namespace's position in the global lock order.
type OrderKey int

// LeaseBacker bridges lease-backed namespaces to the cluster locking
// primitive. AcquireLease blocks on storage I/O and must honor ctx.
type LeaseBacker interface {
	AcquireLease(ctx context.Context, name string) error
	ReleaseLease(name string) error
}

// Request names one resource of a multi-resource acquisition.
type Request struct {
	Namespace string
	Name      string
	Mode      Mode
}

// Manager owns the namespace registry and all resource lock state.
type Manager struct {
	logger  pslog.Logger
	clock   clock.Clock
	metrics *managerMetrics

	regMu      sync.Mutex
	namespaces *xsync.MapOf[string, *namespace]
}

type namespace struct {
	name      string
	order     OrderKey
	backer    LeaseBacker
	resources *xsync.MapOf[string, *resource]
}

// Option tunes Manager construction.
type Option func(*Manager)

// WithLogger supplies the manager's logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the wall clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:      clock.Real{},
		namespaces: xsync.NewMapOf[string, *namespace](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logutil.WithSubsystem(m.logger, "resmgr")
	m.metrics = newManagerMetrics(m.logger)
	return m
}

// RegisterNamespace declares a namespace and its lock order key. backer may
// be nil for namespaces that need no cross-host fencing.
func (m *Manager) RegisterNamespace(name string, order OrderKey, backer LeaseBacker) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownNamespace)
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, ok := m.namespaces.Load(name); ok {
		return fmt.Errorf("%w: %s", ErrNamespaceExists, name)
	}
	m.namespaces.Store(name, &namespace{
		name:      name,
		order:     order,
		backer:    backer,
		resources: xsync.NewMapOf[string, *resource](),
	})
	m.logger.Debug("namespace.registered", "namespace", name, "order", int(order), "lease_backed", backer != nil)
	return nil
}

func (m *Manager) lookupNamespace(name string) (*namespace, error) {
	ns, ok := m.namespaces.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, name)
	}
	return ns, nil
}

// Acquire takes a single lock, blocking until compatible with the current
// holders or until ctx expires (mapped to ErrLockTimeout).
func (m *Manager) Acquire(ctx context.Context, nsName, name string, mode Mode) (*Lock, error) {
	ns, err := m.lookupNamespace(nsName)
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, ns, name, mode)
}

// AcquireAll takes every requested lock in order. Requests must be sorted by
// (namespace order key, name); anything else fails with ErrInvalidOrder
// before any lock is taken. On any acquisition failure the locks already
// granted are released.
func (m *Manager) AcquireAll(ctx context.Context, requests []Request) (*Group, error) {
	resolved := make([]*namespace, len(requests))
	for i, req := range requests {
		ns, err := m.lookupNamespace(req.Namespace)
		if err != nil {
			return nil, err
		}
		resolved[i] = ns
	}
	if !sort.SliceIsSorted(requests, func(i, j int) bool {
		if resolved[i].order != resolved[j].order {
			return resolved[i].order < resolved[j].order
		}
		return requests[i].Name < requests[j].Name
	}) {
		return nil, fmt.Errorf("%w: %d resources", ErrInvalidOrder, len(requests))
	}
	for i := 1; i < len(requests); i++ {
		if resolved[i].order == resolved[i-1].order && requests[i].Name == requests[i-1].Name {
			return nil, fmt.Errorf("%w: duplicate resource %s/%s",
				ErrInvalidOrder, requests[i].Namespace, requests[i].Name)
		}
	}

	group := &Group{}
	for i, req := range requests {
		lock, err := m.acquire(ctx, resolved[i], req.Name, req.Mode)
		if err != nil {
			group.Release()
			return nil, err
		}
		group.locks = append(group.locks, lock)
	}
	return group, nil
}

// Group holds the locks of one multi-resource acquisition.
type Group struct {
	mu    sync.Mutex
	locks []*Lock
}

// Release releases the group's locks in reverse acquisition order.
// It is idempotent.
func (g *Group) Release() {
	g.mu.Lock()
	locks := g.locks
	g.locks = nil
	g.mu.Unlock()
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Release()
	}
}

// Len reports how many locks the group still holds.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
