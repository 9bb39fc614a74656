//go:build unix

package cluster

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile attempts a non-blocking exclusive advisory lock.
func tryLockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// unlockFile releases any advisory lock held on the file handle.
func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// isLockContended reports whether err means another process holds the lock.
func isLockContended(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}
