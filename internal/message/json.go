package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJSON is returned when the text form of a message cannot be parsed.
var ErrInvalidJSON = errors.New("message: invalid json")

// wireMessage is the text (JSON) representation accepted from producers.
// The length fields and body_crc are informational only: they are always
// recomputed from the payloads.
type wireMessage struct {
	MsgLen         uint32 `json:"msg_len"`
	BodyCRC        uint32 `json:"body_crc"`
	PhysicalOffset uint64 `json:"physical_offset"`
	SendTimestamp  uint64 `json:"send_timestamp"`
	StoreTimestamp uint64 `json:"store_timestamp"`
	BodyLen        uint32 `json:"body_len"`
	Body           string `json:"body"`
	TopicLen       uint16 `json:"topic_len"`
	Topic          string `json:"topic"`
	PropLen        uint16 `json:"prop_len"`
	Prop           string `json:"prop"`
}

// FromJSON builds a message from its text form. The client-declared body_crc
// and length fields are discarded and recomputed.
func FromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UnmarshalJSON implements json.Unmarshaler. It never trusts the wire checksum.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	*m = Message{
		PhysicalOffset: w.PhysicalOffset,
		SendTimestamp:  w.SendTimestamp,
		StoreTimestamp: w.StoreTimestamp,
		Body:           append([]byte(nil), w.Body...),
		Topic:          w.Topic,
		Prop:           w.Prop,
	}
	return m.Seal()
}

// MarshalJSON implements json.Marshaler using the same field names.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		MsgLen:         m.MsgLen,
		BodyCRC:        m.BodyCRC,
		PhysicalOffset: m.PhysicalOffset,
		SendTimestamp:  m.SendTimestamp,
		StoreTimestamp: m.StoreTimestamp,
		BodyLen:        m.BodyLen(),
		Body:           string(m.Body),
		TopicLen:       m.TopicLen(),
		Topic:          m.Topic,
		PropLen:        m.PropLen(),
		Prop:           m.Prop,
	})
}
