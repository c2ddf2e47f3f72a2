package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEmptyPayload is returned by Decode when a message carries no data.
var ErrEmptyPayload = errors.New("message has no data")

// Message is the envelope every WebSocket frame uses
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Pool of buffers to avoid allocation and ensure thread safety
var bufferPool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// NewMessage wraps data in an envelope stamped with at. A nil data leaves the
// payload empty.
func NewMessage(messageType MessageType, data any, at time.Time) (*Message, error) {
	m := &Message{Type: messageType, Timestamp: at}
	if data == nil {
		return m, nil
	}
	raw, err := marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	m.Data = raw
	return m, nil
}

// Encode serializes the envelope
func (m *Message) Encode() ([]byte, error) {
	return marshal(m)
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 || bytes.Equal(m.Data, []byte("null")) {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Parse reads an envelope from a raw frame
func Parse(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("parse message: missing type")
	}
	return &m, nil
}

func marshal(v any) ([]byte, error) {
	// Get a buffer from the pool to ensure thread safety
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	// Create a copy to avoid aliasing the pooled buffer, minus the encoder's
	// trailing newline
	out := make([]byte, buf.Len()-1)
	copy(out, buf.Bytes())
	return out, nil
}
