package bus

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is one unit of traffic on the bus.
type Message struct {
	Header Hash `msgpack:"header"`
	Body   Hash `msgpack:"body"`

	// Channel is the broker channel the message arrived on. Not serialized.
	Channel string `msgpack:"-"`
}

// Args returns the positional arguments of a call message.
func (m *Message) Args() []any {
	if m == nil || m.Body == nil {
		return nil
	}
	switch args := m.Body[BodyArgs].(type) {
	case []any:
		return args
	default:
		return nil
	}
}

// Encode serializes a message with msgpack.
func Encode(m *Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a msgpack encoded message. Integers come back as int64 or
// uint64 regardless of their encoded width.
func Decode(data []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Header == nil {
		m.Header = Hash{}
	}
	if m.Body == nil {
		m.Body = Hash{}
	}
	return &m, nil
}
