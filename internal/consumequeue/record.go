package consumequeue

import (
	"encoding/binary"
	"fmt"
	"time"
)

// RecordSize is the encoded length of an IndexRecord.
const RecordSize = 8 + 4 + 8 + 4 // = 24

// IndexRecord points at one message in the commit log.
//
// Layout, little-endian:
//
//	[physical_offset : 8 bytes, uint64]
//	[size            : 4 bytes, uint32]  frame length in the commit log
//	[tag_hash        : 8 bytes, uint64]
//	[delay           : 4 bytes, uint32]  seconds
//
// A Size of 0 marks the scheduler's idle sentinel and is never stored.
type IndexRecord struct {
	PhysicalOffset uint64
	Size           uint32
	TagHash        uint64
	DelaySeconds   uint32
}

// IsSentinel reports whether r is the zero-size placeholder.
func (r IndexRecord) IsSentinel() bool { return r.Size == 0 }

// Delay returns the record's delay as a duration.
func (r IndexRecord) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// AppendTo appends the encoded record to b.
func (r IndexRecord) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, r.PhysicalOffset)
	b = binary.LittleEndian.AppendUint32(b, r.Size)
	b = binary.LittleEndian.AppendUint64(b, r.TagHash)
	b = binary.LittleEndian.AppendUint32(b, r.DelaySeconds)
	return b
}

// Encode returns the 24-byte form of r.
func (r IndexRecord) Encode() []byte {
	return r.AppendTo(make([]byte, 0, RecordSize))
}

// DecodeRecord parses the first RecordSize bytes of b.
func DecodeRecord(b []byte) (IndexRecord, error) {
	if len(b) < RecordSize {
		return IndexRecord{}, fmt.Errorf("consumequeue: record needs %d bytes, got %d", RecordSize, len(b))
	}
	return IndexRecord{
		PhysicalOffset: binary.LittleEndian.Uint64(b[0:]),
		Size:           binary.LittleEndian.Uint32(b[8:]),
		TagHash:        binary.LittleEndian.Uint64(b[12:]),
		DelaySeconds:   binary.LittleEndian.Uint32(b[20:]),
	}, nil
}
