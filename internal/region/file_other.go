//go:build !linux

package region

import (
	"os"
	"unsafe"
)

// openDirect opens path buffered on platforms without O_DIRECT; WriteAt still
// fsyncs, so durability holds even though reads may hit the page cache.
func openDirect(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	return f, false, err
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
