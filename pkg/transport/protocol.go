package transport

import (
	"encoding/json"
)

// Message types for the driver/host wire protocol.
const (
	MessageTypeEvent = "event"
	MessageTypeAck   = "ack"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
	MessageTypeError = "error"
)

// Message is one wire frame between driver and host. Inbound lifecycle
// events and outbound envelopes share this shape; acks and errors correlate
// to an outbound event by ID.
type Message struct {
	Type  string          `json:"type"`            // "event", "ack", "ping", "pong", "error"
	ID    string          `json:"id,omitempty"`    // correlation ID for event/ack pairs
	Event string          `json:"event,omitempty"` // lifecycle event name
	Frame json.RawMessage `json:"frame,omitempty"` // kind-specific payload
	Error string          `json:"error,omitempty"` // error description
}

// Encode serializes a message to JSON bytes.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a JSON message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewEventMessage creates an outbound event message carrying an envelope
// frame under the given correlation ID.
func NewEventMessage(id, event string, frame json.RawMessage) *Message {
	return &Message{
		Type:  MessageTypeEvent,
		ID:    id,
		Event: event,
		Frame: frame,
	}
}

// NewPongMessage creates a pong message in response to a ping.
func NewPongMessage(pingID string) *Message {
	return &Message{
		Type: MessageTypePong,
		ID:   pingID,
	}
}
