package xleases

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"pkt.systems/domaind/internal/region"
)

// On-disk format. The index occupies the start of the metadata region: one
// header sector followed by SlotCount record sectors. Each record is
// confined to its own sector so a torn write can damage at most one lease.
//
// Header sector:
//
//	magic     uint32  "xLSE"
//	version   uint32
//	slotCount uint32
//	slotSize  uint32
//	lockspace [64]byte NUL-padded
//	checksum  uint32   CRC-32C over the preceding fields
//
// Record sector:
//
//	name     [48]byte NUL-padded
//	sequence uint64   bumped on every rewrite, directory-wide monotonic
//	flags    uint32   bit 0: used
//	checksum uint32   CRC-32C over name+sequence+flags
//
// A fully zeroed record is free (uninitialized or properly freed); anything
// else must carry a valid checksum or it is corrupt and treated as absent.
const (
	indexMagic    = 0x784c5345 // "xLSE"
	formatVersion = 1

	// MaxNameLen bounds lease names; the fixed record field holds the name
	// NUL-padded.
	MaxNameLen = 48

	lockspaceFieldLen = 64

	recordNameOff = 0
	recordSeqOff  = MaxNameLen
	recordFlagOff = recordSeqOff + 8
	recordSumOff  = recordFlagOff + 4
	recordDataLen = recordSumOff + 4

	flagUsed = 1 << 0
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type record struct {
	name     string
	sequence uint64
	used     bool
}

type recordState int

const (
	recordFree recordState = iota
	recordUsed
	recordCorrupt
)

// decodeRecord classifies one record sector.
func decodeRecord(sector []byte) (record, recordState) {
	data := sector[:recordDataLen]
	if isZero(sector) {
		return record{}, recordFree
	}
	stored := binary.LittleEndian.Uint32(data[recordSumOff:])
	if crc32.Checksum(data[:recordSumOff], castagnoli) != stored {
		return record{}, recordCorrupt
	}
	// The padding beyond the checksum must be zero; stray bytes mean the
	// sector was overwritten by something that is not a lease record.
	if !isZero(sector[recordDataLen:]) {
		return record{}, recordCorrupt
	}
	name := string(bytes.TrimRight(data[recordNameOff:recordNameOff+MaxNameLen], "\x00"))
	rec := record{
		name:     name,
		sequence: binary.LittleEndian.Uint64(data[recordSeqOff:]),
		used:     binary.LittleEndian.Uint32(data[recordFlagOff:])&flagUsed != 0,
	}
	if rec.used && rec.name == "" {
		return record{}, recordCorrupt
	}
	if !rec.used && rec.name != "" {
		return record{}, recordCorrupt
	}
	if !rec.used {
		return rec, recordFree
	}
	return rec, recordUsed
}

// encodeRecord renders a used record into a zeroed sector buffer.
func encodeRecord(sector []byte, rec record) {
	for i := range sector {
		sector[i] = 0
	}
	copy(sector[recordNameOff:recordNameOff+MaxNameLen], rec.name)
	binary.LittleEndian.PutUint64(sector[recordSeqOff:], rec.sequence)
	binary.LittleEndian.PutUint32(sector[recordFlagOff:], flagUsed)
	sum := crc32.Checksum(sector[:recordSumOff], castagnoli)
	binary.LittleEndian.PutUint32(sector[recordSumOff:], sum)
}

type header struct {
	slotCount uint32
	slotSize  uint32
	lockspace string
}

func encodeHeader(sector []byte, h header) {
	for i := range sector {
		sector[i] = 0
	}
	binary.LittleEndian.PutUint32(sector[0:], indexMagic)
	binary.LittleEndian.PutUint32(sector[4:], formatVersion)
	binary.LittleEndian.PutUint32(sector[8:], h.slotCount)
	binary.LittleEndian.PutUint32(sector[12:], h.slotSize)
	copy(sector[16:16+lockspaceFieldLen], h.lockspace)
	sum := crc32.Checksum(sector[:16+lockspaceFieldLen], castagnoli)
	binary.LittleEndian.PutUint32(sector[16+lockspaceFieldLen:], sum)
}

func decodeHeader(sector []byte) (header, error) {
	if binary.LittleEndian.Uint32(sector[0:]) != indexMagic {
		return header{}, fmt.Errorf("%w: bad magic", ErrNotFormatted)
	}
	stored := binary.LittleEndian.Uint32(sector[16+lockspaceFieldLen:])
	if crc32.Checksum(sector[:16+lockspaceFieldLen], castagnoli) != stored {
		return header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptRecord)
	}
	if v := binary.LittleEndian.Uint32(sector[4:]); v != formatVersion {
		return header{}, fmt.Errorf("xleases: unsupported format version %d", v)
	}
	h := header{
		slotCount: binary.LittleEndian.Uint32(sector[8:]),
		slotSize:  binary.LittleEndian.Uint32(sector[12:]),
	}
	if h.slotSize != region.SectorSize {
		return header{}, fmt.Errorf("xleases: unsupported slot size %d", h.slotSize)
	}
	h.lockspace = string(bytes.TrimRight(sector[16:16+lockspaceFieldLen], "\x00"))
	return h, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
