package message_test

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/snehjoshi/delaylog/internal/message"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const poemJSON = `{"msg_len":66,"body_crc":342342,"physical_offset":0,"send_timestamp":1232432443,` +
	`"store_timestamp":1232432999,"body_len":21,"body":"此情可待成追忆","topic_len":9,` +
	`"topic":"topic_oms","prop_len":0,"prop":""}`

func mustNew(t *testing.T, topic string, body []byte, prop string) *message.Message {
	t.Helper()
	m, err := message.New(topic, body, prop, 1232432443)
	if err != nil {
		t.Fatalf("message.New: %v", err)
	}
	return m
}

func mustEncode(t *testing.T, m *message.Message) []byte {
	t.Helper()
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestFixedHeaderLen(t *testing.T) {
	if message.FixedHeaderLen != 40 {
		t.Fatalf("FixedHeaderLen = %d, want 40", message.FixedHeaderLen)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		body  []byte
		prop  string
	}{
		{"empty everything", "", nil, ""},
		{"ascii", "orders", []byte(`{"id":1}`), "_delay-10"},
		{"utf8 body", "topic_oms", []byte("此情可待成追忆"), ""},
		{"binary body", "bin", []byte{0, 1, 2, 0xff, 0xfe}, "_delay-5;_tag-eu"},
		{"large body", "big", make([]byte, 64*1024), "k-v"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := mustNew(t, tc.topic, tc.body, tc.prop)
			m.PhysicalOffset = 4096
			m.StoreTimestamp = 1700000000000

			frame := mustEncode(t, m)
			if len(frame) != m.Size() {
				t.Fatalf("frame length %d, Size() %d", len(frame), m.Size())
			}
			if int(m.MsgLen)+4 != len(frame) {
				t.Fatalf("msg_len+4 = %d, frame length %d", m.MsgLen+4, len(frame))
			}

			got, err := message.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, m)
			}
			if got.BodyCRC != message.Checksum(got.Body) {
				t.Errorf("body_crc %08x does not match recomputed %08x", got.BodyCRC, message.Checksum(got.Body))
			}
		})
	}
}

func TestEncode_PoemScenario(t *testing.T) {
	m, err := message.FromJSON([]byte(poemJSON))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	if m.BodyLen() != 21 || m.TopicLen() != 9 || m.PropLen() != 0 {
		t.Fatalf("lengths body=%d topic=%d prop=%d, want 21/9/0", m.BodyLen(), m.TopicLen(), m.PropLen())
	}

	frame := mustEncode(t, m)
	if want := 40 + 21 + 9 + 0; len(frame) != want {
		t.Fatalf("frame length %d, want %d", len(frame), want)
	}
	if got := binary.LittleEndian.Uint32(frame); got != 66 {
		t.Errorf("msg_len prefix %d, want 66", got)
	}
	if m.BodyCRC == 342342 {
		t.Error("client-declared body_crc must be discarded")
	}
	if m.BodyCRC != message.Checksum([]byte("此情可待成追忆")) {
		t.Error("body_crc not recomputed from body")
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	frame := mustEncode(t, mustNew(t, "t", []byte("hello"), ""))
	// Flip a body byte: body starts right after the 36-byte prefix.
	frame[36] ^= 0xff

	_, err := message.Decode(frame)
	if !errors.Is(err, message.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDecode_ShortFrames(t *testing.T) {
	frame := mustEncode(t, mustNew(t, "topic", []byte("body"), ""))

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"prefix only partial", frame[:3]},
		{"truncated", frame[:len(frame)-1]},
		{"undersized prefix", []byte{10, 0, 0, 0, 0, 0, 0, 0}},
		{"zero prefix", make([]byte, 64)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := message.Decode(tc.buf); !errors.Is(err, message.ErrShortFrame) {
				t.Errorf("expected ErrShortFrame, got %v", err)
			}
		})
	}
}

func TestDecode_InnerLengthsDisagree(t *testing.T) {
	frame := mustEncode(t, mustNew(t, "topic", []byte("body"), ""))
	// Inflate body_len so the variable fields overrun msg_len.
	binary.LittleEndian.PutUint32(frame[32:], 1000)

	if _, err := message.Decode(frame); !errors.Is(err, message.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	m := mustNew(t, "topic", []byte("body"), "")
	frame := append(mustEncode(t, m), 0xde, 0xad, 0xbe, 0xef)

	got, err := message.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestFrameLen(t *testing.T) {
	m := mustNew(t, "topic", []byte("body"), "")
	frame := mustEncode(t, m)

	n, err := message.FrameLen(frame)
	if err != nil {
		t.Fatalf("FrameLen: %v", err)
	}
	if n != len(frame) {
		t.Errorf("FrameLen = %d, want %d", n, len(frame))
	}
}

func TestNew_RejectsOversizedTopic(t *testing.T) {
	long := make([]byte, 70_000)
	if _, err := message.New(string(long), nil, "", 0); !errors.Is(err, message.ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	m, err := message.FromJSON([]byte(poemJSON))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	data, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	back, err := message.FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON(again): %v", err)
	}
	if !reflect.DeepEqual(back, m) {
		t.Errorf("json round trip mismatch:\n got %+v\nwant %+v", back, m)
	}
}

func TestFromJSON_Invalid(t *testing.T) {
	if _, err := message.FromJSON([]byte(`{"body": 12`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
	if _, err := message.FromJSON([]byte(`{"body": 12}`)); !errors.Is(err, message.ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON for wrong field type, got %v", err)
	}
}
