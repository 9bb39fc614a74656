// Package region provides sector-aligned raw I/O over a reserved area of a
// storage domain's metadata volume. Both the lease directory and the mailbox
// relay store their on-disk state through a Region; nothing above this
// package touches offsets that are not multiples of the sector size.
package region

import (
	"errors"
	"fmt"
)

// SectorSize is the unit of all region I/O. Records and frames occupy whole
// sectors so a torn write can clobber at most one record.
const SectorSize = 512

var (
	// ErrUnaligned indicates an offset or length that is not sector-aligned.
	ErrUnaligned = errors.New("region: unaligned i/o")
	// ErrOutOfRange indicates i/o beyond the end of the region.
	ErrOutOfRange = errors.New("region: out of range")
)

// Region is a fixed-size window of shared storage supporting durable,
// sector-aligned reads and writes. WriteAt must not return before the data
// reached stable storage.
type Region interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Size() int64
	Close() error
}

func checkAligned(n int, off int64, size int64) error {
	if off%SectorSize != 0 || n%SectorSize != 0 {
		return fmt.Errorf("%w: off=%d len=%d", ErrUnaligned, off, n)
	}
	if off < 0 || off+int64(n) > size {
		return fmt.Errorf("%w: off=%d len=%d size=%d", ErrOutOfRange, off, n, size)
	}
	return nil
}
