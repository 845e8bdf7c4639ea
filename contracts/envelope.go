package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEnvelope is returned when an inbound envelope cannot be turned into a message
var ErrInvalidEnvelope = errors.New("contracts: invalid envelope")

// Envelope wraps messages for transports without native message metadata
type Envelope struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Timestamp     string            `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       *EnvelopeAddress  `json:"replyTo,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Text          string            `json:"text,omitempty"`
	Fields        map[string]any    `json:"fields,omitempty"`
}

// EnvelopeAddress is the wire shape of a reply-to destination
type EnvelopeAddress struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// NewEnvelope converts a message to its wire shape
func NewEnvelope(msg Message) (*Envelope, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidEnvelope)
	}
	if err := msg.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	env := &Envelope{
		ID:            msg.ID,
		Kind:          msg.Payload.Kind.String(),
		CorrelationID: msg.CorrelationID,
		Properties:    msg.Properties,
	}
	if !msg.Timestamp.IsZero() {
		env.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if msg.ReplyTo != nil {
		env.ReplyTo = &EnvelopeAddress{Name: msg.ReplyTo.Name, Kind: msg.ReplyTo.Kind.String()}
	}
	if msg.Payload.Kind == PayloadMap {
		env.Fields = msg.Payload.Fields
	} else {
		env.Text = msg.Payload.Text
	}
	return env, nil
}

// Message converts the envelope back to a message
func (e *Envelope) Message() (Message, error) {
	if e.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}

	msg := Message{
		ID:            e.ID,
		CorrelationID: e.CorrelationID,
		Properties:    e.Properties,
	}
	if e.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidEnvelope, err)
		}
		msg.Timestamp = ts
	}
	if e.ReplyTo != nil {
		kind, err := ParseDestinationKind(e.ReplyTo.Kind)
		if err != nil {
			return Message{}, fmt.Errorf("%w: replyTo: %v", ErrInvalidEnvelope, err)
		}
		msg.ReplyTo = &Destination{Name: e.ReplyTo.Name, Kind: kind}
	}

	switch e.Kind {
	case "", PayloadText.String():
		msg.Payload = TextPayload(e.Text)
	case PayloadMap.String():
		msg.Payload = Payload{Kind: PayloadMap, Fields: e.Fields}
		if err := msg.Payload.Validate(); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown payload kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return msg, nil
}
