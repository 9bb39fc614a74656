package region

import (
	"fmt"
	"os"
)

// File is a Region backed by a file or block device on the shared domain.
// It opens with O_DIRECT where the platform and filesystem support it so
// reads observe other hosts' writes instead of the local page cache, and
// falls back to buffered I/O plus fsync elsewhere.
type File struct {
	f      *os.File
	path   string
	size   int64
	direct bool
}

// OpenFile opens path as a region of exactly size bytes, growing a regular
// file when it is shorter. size must be sector-aligned.
func OpenFile(path string, size int64) (*File, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("%w: region size %d", ErrUnaligned, size)
	}
	f, direct, err := openDirect(path)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	if info.Mode().IsRegular() && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("region: grow %s to %d: %w", path, size, err)
		}
	}
	return &File{f: f, path: path, size: size, direct: direct}, nil
}

// Path returns the backing file path; the mailbox watcher uses it to arm
// fsnotify wakeups on plain-file regions.
func (r *File) Path() string { return r.path }

// Direct reports whether the region bypasses the page cache.
func (r *File) Direct() bool { return r.direct }

// Size returns the region size in bytes.
func (r *File) Size() int64 { return r.size }

// ReadAt fills p from the region starting at off.
func (r *File) ReadAt(p []byte, off int64) error {
	if err := checkAligned(len(p), off, r.size); err != nil {
		return err
	}
	buf := p
	if r.direct {
		buf = alignedBuf(len(p))
	}
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("region: read %s off=%d: %w", r.path, off, err)
	}
	if r.direct {
		copy(p, buf)
	}
	return nil
}

// WriteAt stores p at off and waits until the data reached stable storage.
func (r *File) WriteAt(p []byte, off int64) error {
	if err := checkAligned(len(p), off, r.size); err != nil {
		return err
	}
	buf := p
	if r.direct {
		buf = alignedBuf(len(p))
		copy(buf, p)
	}
	if _, err := r.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("region: write %s off=%d: %w", r.path, off, err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("region: sync %s: %w", r.path, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (r *File) Close() error {
	return r.f.Close()
}

// alignedBuf returns a sector-aligned buffer of n bytes as required for
// O_DIRECT transfers.
func alignedBuf(n int) []byte {
	raw := make([]byte, n+SectorSize)
	off := 0
	if rem := sliceAddr(raw) % SectorSize; rem != 0 {
		off = SectorSize - int(rem)
	}
	return raw[off : off+n]
}
