package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/domaind/internal/clock"
)

const filePollInterval = 100 * time.Millisecond

// FileLocker implements Locker using advisory locks on per-resource lock
// files under a directory on the shared filesystem. It is suitable for NFS
// and other shared-filesystem domains where fcntl locks are mediated by the
// server; block domains need a sanlock-style collaborator instead.
type FileLocker struct {
	root  string
	clock clock.Clock

	mu   sync.Mutex
	held map[string]*os.File
}

// NewFileLocker creates a FileLocker rooted at dir.
func NewFileLocker(dir string, clk clock.Clock) (*FileLocker, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create lock dir: %w", err)
	}
	return &FileLocker{root: dir, clock: clk, held: make(map[string]*os.File)}, nil
}

func (l *FileLocker) path(lockspace, resource string) string {
	// Flatten to one file per pair; lockspace and resource names are
	// validated upstream and never contain separators.
	name := strings.ReplaceAll(lockspace, string(os.PathSeparator), "_") +
		"__" + strings.ReplaceAll(resource, string(os.PathSeparator), "_")
	return filepath.Join(l.root, name+".lock")
}

// Acquire obtains the lock, polling with a short interval until the timeout
// or context deadline expires. fcntl locks do not support timed waits, so a
// non-blocking attempt loop keeps the deadline honest.
func (l *FileLocker) Acquire(ctx context.Context, lockspace, resource string, timeout time.Duration) error {
	key := lockKey(lockspace, resource)
	deadline := time.Time{}
	if timeout > 0 {
		deadline = l.clock.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.OpenFile(l.path(lockspace, resource), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("cluster: open lock file: %w", err)
		}
		err = tryLockFile(f)
		if err == nil {
			l.mu.Lock()
			l.held[key] = f
			l.mu.Unlock()
			return nil
		}
		f.Close()
		if !isLockContended(err) {
			return fmt.Errorf("cluster: lock %s: %w", key, err)
		}
		if !deadline.IsZero() && !l.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(filePollInterval):
		}
	}
}

// Release drops the advisory lock and closes the lock file.
func (l *FileLocker) Release(lockspace, resource string) error {
	key := lockKey(lockspace, resource)
	l.mu.Lock()
	f, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	if err := unlockFile(f); err != nil {
		f.Close()
		return fmt.Errorf("cluster: unlock %s: %w", key, err)
	}
	return f.Close()
}

// IsHeld reports whether this process holds the lock.
func (l *FileLocker) IsHeld(lockspace, resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[lockKey(lockspace, resource)]
	return ok
}
