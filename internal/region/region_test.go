package region

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemRejectsUnaligned(t *testing.T) {
	t.Parallel()

	m := NewMem(4 * SectorSize)
	if err := m.ReadAt(make([]byte, SectorSize), 100); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for odd offset, got %v", err)
	}
	if err := m.WriteAt(make([]byte, 100), 0); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for odd length, got %v", err)
	}
	if err := m.ReadAt(make([]byte, SectorSize), 4*SectorSize); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange past end, got %v", err)
	}
}

func TestMemRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMem(2 * SectorSize)
	want := bytes.Repeat([]byte{0xab}, SectorSize)
	if err := m.WriteAt(want, SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, SectorSize)
	if err := m.ReadAt(got, SectorSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back different data")
	}
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata")
	r, err := OpenFile(path, 8*SectorSize)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	if r.Size() != 8*SectorSize {
		t.Fatalf("size = %d, want %d", r.Size(), 8*SectorSize)
	}

	want := bytes.Repeat([]byte{0x5a}, 2*SectorSize)
	if err := r.WriteAt(want, 2*SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 2*SectorSize)
	if err := r.ReadAt(got, 2*SectorSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back different data")
	}
}

func TestOpenFileRejectsUnalignedSize(t *testing.T) {
	t.Parallel()

	_, err := OpenFile(filepath.Join(t.TempDir(), "metadata"), SectorSize+1)
	if !errors.Is(err, ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned, got %v", err)
	}
}
