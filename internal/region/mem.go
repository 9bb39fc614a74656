package region

import "sync"

// Mem is an in-memory Region for tests. It enforces the same alignment rules
// as File and can inject failures through the optional hooks.
type Mem struct {
	mu  sync.Mutex
	buf []byte

	// FailWrite, when non-nil, is consulted before every WriteAt; returning a
	// non-nil error simulates a storage fault. FailRead mirrors it for reads.
	FailWrite func(off int64) error
	FailRead  func(off int64) error
}

// NewMem allocates a zeroed in-memory region of size bytes.
func NewMem(size int64) *Mem {
	if size%SectorSize != 0 {
		panic("region: NewMem size must be sector-aligned")
	}
	return &Mem{buf: make([]byte, size)}
}

// Size returns the region size in bytes.
func (m *Mem) Size() int64 {
	return int64(len(m.buf))
}

// ReadAt copies from the region into p.
func (m *Mem) ReadAt(p []byte, off int64) error {
	if err := checkAligned(len(p), off, m.Size()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRead != nil {
		if err := m.FailRead(off); err != nil {
			return err
		}
	}
	copy(p, m.buf[off:])
	return nil
}

// WriteAt copies p into the region.
func (m *Mem) WriteAt(p []byte, off int64) error {
	if err := checkAligned(len(p), off, m.Size()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite != nil {
		if err := m.FailWrite(off); err != nil {
			return err
		}
	}
	copy(m.buf[off:], p)
	return nil
}

// Corrupt flips bytes at off for tests simulating torn or corrupted writes.
func (m *Mem) Corrupt(off int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n && off+int64(i) < int64(len(m.buf)); i++ {
		m.buf[off+int64(i)] ^= 0xff
	}
}

// Snapshot returns a copy of the raw region contents.
func (m *Mem) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// Close satisfies Region.
func (m *Mem) Close() error { return nil }
