// Package message implements the binary framing of a single stored message.
//
// Frame layout, little-endian:
//
//	[msg_len         : 4 bytes, uint32]  frame size minus these 4 bytes
//	[body_crc        : 4 bytes, uint32]  CRC32 (IEEE) of body
//	[physical_offset : 8 bytes, uint64]  logical commit-log offset of this frame
//	[send_timestamp  : 8 bytes, uint64]  producer clock, UTC ms
//	[store_timestamp : 8 bytes, uint64]  broker clock at ingestion, UTC ms
//	[body_len        : 4 bytes, uint32]
//	[body            : body_len bytes ]
//	[topic_len       : 2 bytes, uint16]
//	[topic           : topic_len bytes]
//	[prop_len        : 2 bytes, uint16]
//	[prop            : prop_len bytes ]
//
// The fixed-width fields add up to FixedHeaderLen bytes, so a frame is always
// FixedHeaderLen + len(body) + len(topic) + len(prop) bytes long.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// FixedHeaderLen is the size of every fixed-width field of a frame, msg_len
// included. No legal frame is shorter.
const FixedHeaderLen = 4 + 4 + 8 + 8 + 8 + 4 + 2 + 2 // = 40

// lenPrefix is the size of the leading msg_len field.
const lenPrefix = 4

var (
	// ErrChecksumMismatch is returned by Decode when body_crc does not match
	// the CRC32 of the decoded body.
	ErrChecksumMismatch = errors.New("message: checksum mismatch")

	// ErrShortFrame is returned when a buffer cannot hold the frame its
	// length prefix announces, or the prefix is below FixedHeaderLen.
	ErrShortFrame = errors.New("message: short frame")

	// ErrMalformed is returned when the inner length fields disagree with msg_len.
	ErrMalformed = errors.New("message: malformed frame")

	// ErrFieldTooLong is returned when topic or prop exceed 65535 bytes, or
	// the body exceeds the uint32 range.
	ErrFieldTooLong = errors.New("message: field too long")
)

// Message is one logical unit of stored data. It is immutable once persisted.
type Message struct {
	MsgLen         uint32
	BodyCRC        uint32
	PhysicalOffset uint64
	SendTimestamp  uint64
	StoreTimestamp uint64
	Body           []byte
	Topic          string
	Prop           string
}

// New builds a message with body_crc and msg_len derived from its contents.
func New(topic string, body []byte, prop string, sendTimestamp uint64) (*Message, error) {
	m := &Message{
		SendTimestamp: sendTimestamp,
		Body:          append([]byte(nil), body...),
		Topic:         topic,
		Prop:          prop,
	}
	if err := m.Seal(); err != nil {
		return nil, err
	}
	return m, nil
}

// Seal recomputes body_crc and msg_len from the current field values.
// Call it after changing Body, Topic or Prop.
func (m *Message) Seal() error {
	if err := m.checkLengths(); err != nil {
		return err
	}
	m.BodyCRC = Checksum(m.Body)
	m.MsgLen = uint32(m.Size() - lenPrefix)
	return nil
}

// BodyLen returns the encoded body_len field.
func (m *Message) BodyLen() uint32 { return uint32(len(m.Body)) }

// TopicLen returns the encoded topic_len field.
func (m *Message) TopicLen() uint16 { return uint16(len(m.Topic)) }

// PropLen returns the encoded prop_len field.
func (m *Message) PropLen() uint16 { return uint16(len(m.Prop)) }

// Size is the total encoded length of the frame, msg_len included.
func (m *Message) Size() int {
	return FixedHeaderLen + len(m.Body) + len(m.Topic) + len(m.Prop)
}

func (m *Message) checkLengths() error {
	if len(m.Topic) > math.MaxUint16 {
		return fmt.Errorf("%w: topic is %d bytes", ErrFieldTooLong, len(m.Topic))
	}
	if len(m.Prop) > math.MaxUint16 {
		return fmt.Errorf("%w: prop is %d bytes", ErrFieldTooLong, len(m.Prop))
	}
	if uint64(len(m.Body)) > math.MaxUint32-FixedHeaderLen-2*math.MaxUint16 {
		return fmt.Errorf("%w: body is %d bytes", ErrFieldTooLong, len(m.Body))
	}
	return nil
}

// Encode serialises m into its binary frame. msg_len is always written from
// the actual field lengths; body_crc is written as stored.
func (m *Message) Encode() ([]byte, error) {
	if err := m.checkLengths(); err != nil {
		return nil, err
	}
	size := m.Size()
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size-lenPrefix))
	buf = binary.LittleEndian.AppendUint32(buf, m.BodyCRC)
	buf = binary.LittleEndian.AppendUint64(buf, m.PhysicalOffset)
	buf = binary.LittleEndian.AppendUint64(buf, m.SendTimestamp)
	buf = binary.LittleEndian.AppendUint64(buf, m.StoreTimestamp)
	buf = binary.LittleEndian.AppendUint32(buf, m.BodyLen())
	buf = append(buf, m.Body...)
	buf = binary.LittleEndian.AppendUint16(buf, m.TopicLen())
	buf = append(buf, m.Topic...)
	buf = binary.LittleEndian.AppendUint16(buf, m.PropLen())
	buf = append(buf, m.Prop...)
	return buf, nil
}

// FrameLen reads the length prefix at the start of b and returns the total
// frame size it announces. It does not validate the rest of the frame.
func FrameLen(b []byte) (int, error) {
	if len(b) < lenPrefix {
		return 0, fmt.Errorf("%w: %d bytes, need length prefix", ErrShortFrame, len(b))
	}
	n := int(binary.LittleEndian.Uint32(b)) + lenPrefix
	if n < FixedHeaderLen {
		return 0, fmt.Errorf("%w: msg_len %d below fixed header", ErrShortFrame, n-lenPrefix)
	}
	return n, nil
}

// Decode parses one frame from the start of b and verifies its checksum.
// Bytes past the frame are ignored. The returned message owns its memory.
func Decode(b []byte) (*Message, error) {
	n, err := FrameLen(b)
	if err != nil {
		return nil, err
	}
	if n > len(b) {
		return nil, fmt.Errorf("%w: frame is %d bytes, buffer has %d", ErrShortFrame, n, len(b))
	}

	r := &reader{buf: b[:n]}
	m := &Message{}
	m.MsgLen = r.uint32()
	m.BodyCRC = r.uint32()
	m.PhysicalOffset = r.uint64()
	m.SendTimestamp = r.uint64()
	m.StoreTimestamp = r.uint64()
	body := r.bytes(int(r.uint32()))
	topic := r.bytes(int(r.uint16()))
	prop := r.bytes(int(r.uint16()))
	if r.err != nil {
		return nil, r.err
	}
	if r.off != n {
		return nil, fmt.Errorf("%w: fields end at %d, msg_len says %d", ErrMalformed, r.off, n)
	}

	if sum := Checksum(body); sum != m.BodyCRC {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrChecksumMismatch, m.BodyCRC, sum)
	}

	if len(body) > 0 {
		m.Body = make([]byte, len(body))
		copy(m.Body, body)
	}
	m.Topic = string(topic)
	m.Prop = string(prop)
	return m, nil
}

// Checksum returns the body checksum stored in body_crc.
func Checksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// reader is a bounds-checked little-endian cursor. The first overrun is kept
// in err and every later read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: field at %d overruns frame of %d bytes", ErrMalformed, r.off, len(r.buf))
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) bytes(n int) []byte { return r.take(n) }

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
