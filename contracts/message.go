package contracts

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// PayloadKind tells text payloads apart from map payloads
type PayloadKind int

const (
	// PayloadText carries a single text body
	PayloadText PayloadKind = iota
	// PayloadMap carries named scalar fields
	PayloadMap
)

// String returns the wire name of the payload kind
func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadMap:
		return "map"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// Payload is the application body of a message
type Payload struct {
	Kind   PayloadKind
	Text   string
	Fields map[string]any
}

// TextPayload returns a text payload
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

// MapPayload returns a map payload holding a copy of fields
func MapPayload(fields map[string]any) Payload {
	return Payload{Kind: PayloadMap, Fields: maps.Clone(fields)}
}

// Validate checks that map payloads only hold scalar values
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		return nil
	case PayloadMap:
		for name, v := range p.Fields {
			if !isScalar(v) {
				return fmt.Errorf("field %q: unsupported value type %T", name, v)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown payload kind %d", int(p.Kind))
	}
}

// String renders the payload for display
func (p Payload) String() string {
	if p.Kind == PayloadText {
		return p.Text
	}
	return fmt.Sprint(p.Fields)
}

// Float returns a numeric map field as float64
func (p Payload) Float(name string) (float64, bool) {
	switch v := p.Fields[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// Message is a payload plus the transport metadata the request/reply
// protocol relies on. Messages are values; the library never mutates a
// message it has been handed.
type Message struct {
	ID            string
	CorrelationID string
	ReplyTo       *Destination
	Timestamp     time.Time
	Properties    map[string]string
	Payload       Payload
}

// NewMessageID returns a fresh globally unique message identifier
func NewMessageID() string {
	return "ID:" + uuid.New().String()
}

// NewTextMessage creates a text message with a generated ID and current timestamp
func NewTextMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		Timestamp: time.Now().UTC(),
		Payload:   TextPayload(text),
	}
}

// NewMapMessage creates a map message with a generated ID and current timestamp
func NewMapMessage(fields map[string]any) Message {
	return Message{
		ID:        NewMessageID(),
		Timestamp: time.Now().UTC(),
		Payload:   MapPayload(fields),
	}
}

// NewReply creates a text reply correlated with request
func NewReply(request Message, text string) Message {
	reply := NewTextMessage(text)
	reply.CorrelationID = request.ID
	return reply
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	c := m
	if m.ReplyTo != nil {
		replyTo := *m.ReplyTo
		c.ReplyTo = &replyTo
	}
	c.Properties = maps.Clone(m.Properties)
	c.Payload.Fields = maps.Clone(m.Payload.Fields)
	return c
}

// WithProperty returns a copy of the message with the property set
func (m Message) WithProperty(key, value string) Message {
	c := m.Clone()
	if c.Properties == nil {
		c.Properties = make(map[string]string, 1)
	}
	c.Properties[key] = value
	return c
}

// Property returns a message property
func (m Message) Property(key string) string {
	return m.Properties[key]
}

// IsReply reports whether the message references an earlier request
func (m Message) IsReply() bool {
	return m.CorrelationID != ""
}
