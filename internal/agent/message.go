package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the bus message format, used for publishes (device scrape
// results), directed sends and synchronous calls alike.
type Message struct {
	// ID is a unique identifier for this message.
	ID string

	// Type identifies the message. For publishes this is the device
	// topic (e.g. "devices/campus/building/thermostat/all"); for calls
	// it names the operation (e.g. "get_point").
	Type string

	// Payload is the message body as a JSON string. Use
	// UnmarshalPayload to decode it.
	Payload string

	// Timestamp is the RFC 3339 creation time.
	Timestamp string

	// Headers carries optional metadata (source agent, device path,
	// correlation IDs).
	Headers map[string]string
}

// NewMessage creates a message of the given type; payload is serialized to
// JSON. ID and timestamp are generated.
func NewMessage(msgType string, payload any) *Message {
	data, _ := json.Marshal(payload)
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   string(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Headers:   make(map[string]string),
	}
}

// WithHeader sets a header and returns the message for chaining.
func (m *Message) WithHeader(key, value string) *Message {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
	return m
}

// Header returns a header value, or def if absent.
func (m *Message) Header(key, def string) string {
	if v, ok := m.Headers[key]; ok {
		return v
	}
	return def
}

// UnmarshalPayload decodes the payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone returns a copy of the message with its own header map.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
		Headers:   make(map[string]string, len(m.Headers)),
	}
	for k, v := range m.Headers {
		clone.Headers[k] = v
	}
	return clone
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Timestamp:%s}", m.ID, m.Type, m.Timestamp)
}
