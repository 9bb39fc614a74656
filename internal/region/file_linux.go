//go:build linux

package region

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openDirect opens path with O_DIRECT, retrying without it on filesystems
// that reject direct I/O (tmpfs and some NFS servers return EINVAL).
func openDirect(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_DIRECT, 0o644)
	if err == nil {
		return f, true, nil
	}
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		return f, false, err
	}
	return nil, false, err
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
