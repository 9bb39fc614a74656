package mailbox

import (
	"encoding/binary"
	"hash/crc32"

	"pkt.systems/domaind/internal/region"
)

// Frame layout, one sector per frame:
//
//	offset 0   sequence   uint64 LE
//	offset 8   command    uint16 LE
//	offset 10  payloadLen uint16 LE
//	offset 12  payload    up to MaxPayload bytes, zero padded
//	offset 508 checksum   uint32 LE, CRC-32C over bytes [0,508)
//
// An all-zero sector is a free slot. Anything that fails the checksum is
// treated as no message at all; shared storage is allowed to hand back torn
// or scribbled sectors and the relay must never act on them.
const (
	// FrameSize is the fixed size of one mailbox frame.
	FrameSize = region.SectorSize

	frameCRCOffset = FrameSize - 4

	// MaxPayload is the room left for payload in one frame.
	MaxPayload = frameCRCOffset - 12
)

var frameCRCTable = crc32.MakeTable(crc32.Castagnoli)

// frame is the decoded form of one mailbox sector.
type frame struct {
	seq     uint64
	command uint16
	payload []byte
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.seq)
	binary.LittleEndian.PutUint16(buf[8:10], f.command)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(f.payload)))
	copy(buf[12:], f.payload)
	binary.LittleEndian.PutUint32(buf[frameCRCOffset:], crc32.Checksum(buf[:frameCRCOffset], frameCRCTable))
	return buf
}

// decodeFrame classifies a sector as a free slot, a valid frame, or junk.
// Junk and free both yield ok == false; junk additionally yields
// corrupt == true so pollers can count it.
func decodeFrame(buf []byte) (f frame, ok bool, corrupt bool) {
	if allZero(buf) {
		return frame{}, false, false
	}
	sum := binary.LittleEndian.Uint32(buf[frameCRCOffset:])
	if sum != crc32.Checksum(buf[:frameCRCOffset], frameCRCTable) {
		return frame{}, false, true
	}
	n := int(binary.LittleEndian.Uint16(buf[10:12]))
	if n > MaxPayload {
		return frame{}, false, true
	}
	f.seq = binary.LittleEndian.Uint64(buf[0:8])
	f.command = binary.LittleEndian.Uint16(buf[8:10])
	f.payload = append([]byte(nil), buf[12:12+n]...)
	return f, true, false
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
