package jobs

import (
	"context"
	"fmt"
	"sync"
)

// VolumeOps is the storage collaborator job steps mutate volumes through.
// Implementations must tolerate repeated calls for the same logical effect:
// steps re-run after a crash or a transient failure, so Create on an
// existing volume and Remove on a missing one are guarded by the callers
// with Exists probes, but Copy, Verify, Amend, UpdateMeta and SetIndirection
// must themselves be safe to repeat.
type VolumeOps interface {
	Create(ctx context.Context, name string, sizeBytes int64) error
	Exists(ctx context.Context, name string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	Verify(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
	Commit(ctx context.Context, top, base string) error
	Amend(ctx context.Context, name, format string) error
	UpdateMeta(ctx context.Context, name string, meta map[string]string) error
	SetIndirection(ctx context.Context, name, target string) error
}

type memVolume struct {
	size   int64
	format string
	meta   map[string]string
	target string
	data   string
}

// MemVolumes is an in-memory VolumeOps for tests. Every call increments a
// per-operation counter so tests can assert that resumed jobs do not
// re-apply effects, and Hook lets tests inject failures per operation.
type MemVolumes struct {
	mu      sync.Mutex
	volumes map[string]*memVolume
	calls   map[string]int

	// Hook, when non-nil, runs before every operation with the operation
	// name and primary volume name; a non-nil return aborts the call.
	Hook func(op, name string) error
}

// NewMemVolumes constructs an empty volume set.
func NewMemVolumes() *MemVolumes {
	return &MemVolumes{
		volumes: make(map[string]*memVolume),
		calls:   make(map[string]int),
	}
}

// Calls reports how many times op has been invoked.
func (m *MemVolumes) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemVolumes) enter(op, name string) error {
	m.calls[op]++
	if m.Hook != nil {
		return m.Hook(op, name)
	}
	return nil
}

func (m *MemVolumes) Create(ctx context.Context, name string, sizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Create", name); err != nil {
		return err
	}
	if _, ok := m.volumes[name]; ok {
		return fmt.Errorf("volume %s already exists", name)
	}
	m.volumes[name] = &memVolume{size: sizeBytes, meta: map[string]string{}}
	return nil
}

func (m *MemVolumes) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Exists", name); err != nil {
		return false, err
	}
	_, ok := m.volumes[name]
	return ok, nil
}

func (m *MemVolumes) Copy(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Copy", src); err != nil {
		return err
	}
	from, ok := m.volumes[src]
	if !ok {
		return fmt.Errorf("source volume %s missing", src)
	}
	to, ok := m.volumes[dst]
	if !ok {
		return fmt.Errorf("destination volume %s missing", dst)
	}
	to.data = from.data
	to.format = from.format
	return nil
}

func (m *MemVolumes) Verify(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Verify", name); err != nil {
		return err
	}
	if _, ok := m.volumes[name]; !ok {
		return fmt.Errorf("volume %s missing", name)
	}
	return nil
}

func (m *MemVolumes) Rename(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Rename", oldName); err != nil {
		return err
	}
	vol, ok := m.volumes[oldName]
	if !ok {
		return fmt.Errorf("volume %s missing", oldName)
	}
	if _, ok := m.volumes[newName]; ok {
		return fmt.Errorf("volume %s already exists", newName)
	}
	delete(m.volumes, oldName)
	m.volumes[newName] = vol
	return nil
}

func (m *MemVolumes) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Remove", name); err != nil {
		return err
	}
	if _, ok := m.volumes[name]; !ok {
		return fmt.Errorf("volume %s missing", name)
	}
	delete(m.volumes, name)
	return nil
}

func (m *MemVolumes) Commit(ctx context.Context, top, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Commit", top); err != nil {
		return err
	}
	t, ok := m.volumes[top]
	if !ok {
		return fmt.Errorf("top volume %s missing", top)
	}
	b, ok := m.volumes[base]
	if !ok {
		return fmt.Errorf("base volume %s missing", base)
	}
	if t.data != "" {
		b.data = t.data
	}
	return nil
}

func (m *MemVolumes) Amend(ctx context.Context, name, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Amend", name); err != nil {
		return err
	}
	vol, ok := m.volumes[name]
	if !ok {
		return fmt.Errorf("volume %s missing", name)
	}
	vol.format = format
	return nil
}

func (m *MemVolumes) UpdateMeta(ctx context.Context, name string, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateMeta", name); err != nil {
		return err
	}
	vol, ok := m.volumes[name]
	if !ok {
		return fmt.Errorf("volume %s missing", name)
	}
	for k, v := range meta {
		vol.meta[k] = v
	}
	return nil
}

func (m *MemVolumes) SetIndirection(ctx context.Context, name, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetIndirection", name); err != nil {
		return err
	}
	vol, ok := m.volumes[name]
	if !ok {
		return fmt.Errorf("volume %s missing", name)
	}
	vol.target = target
	return nil
}

// SetData seeds volume contents for tests.
func (m *MemVolumes) SetData(name, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vol, ok := m.volumes[name]; ok {
		vol.data = data
	}
}

// Data reads volume contents for test assertions.
func (m *MemVolumes) Data(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vol, ok := m.volumes[name]; ok {
		return vol.data
	}
	return ""
}

// Target reads the indirection target for test assertions.
func (m *MemVolumes) Target(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vol, ok := m.volumes[name]; ok {
		return vol.target
	}
	return ""
}

// Format reads the volume format for test assertions.
func (m *MemVolumes) Format(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vol, ok := m.volumes[name]; ok {
		return vol.format
	}
	return ""
}
