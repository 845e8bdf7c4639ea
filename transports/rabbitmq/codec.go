package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/codec"
)

const (
	contentTypeText = "text/plain"

	// replyKindHeader carries the kind of the reply-to destination, which
	// the AMQP reply-to property cannot express
	replyKindHeader = "x-msgbook-reply-kind"
)

// SupportedProperties lists the message properties carried natively
func SupportedProperties() []string {
	return []string{"message-id", "correlation-id", "reply-to", "timestamp", "content-type", "type", "headers"}
}

func toPublishing(msg contracts.Message) (amqp.Publishing, error) {
	if msg.ID == "" {
		return amqp.Publishing{}, fmt.Errorf("message id is required")
	}

	p := amqp.Publishing{
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Payload.Kind.String(),
		DeliveryMode:  amqp.Transient,
	}

	if len(msg.Properties) > 0 || msg.ReplyTo != nil {
		p.Headers = make(amqp.Table, len(msg.Properties)+1)
		for k, v := range msg.Properties {
			p.Headers[k] = v
		}
	}
	if msg.ReplyTo != nil {
		p.ReplyTo = msg.ReplyTo.Name
		p.Headers[replyKindHeader] = msg.ReplyTo.Kind.String()
	}

	switch msg.Payload.Kind {
	case contracts.PayloadText:
		p.ContentType = contentTypeText
		p.Body = []byte(msg.Payload.Text)
	case contracts.PayloadMap:
		if err := msg.Payload.Validate(); err != nil {
			return amqp.Publishing{}, err
		}
		body, err := codec.EncodeFields(msg.Payload.Fields)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to encode fields: %w", err)
		}
		p.ContentType = codec.ContentType
		p.Body = body
	default:
		return amqp.Publishing{}, fmt.Errorf("unsupported payload kind %v", msg.Payload.Kind)
	}

	return p, nil
}

func fromDelivery(d amqp.Delivery) (contracts.Message, error) {
	if d.MessageId == "" {
		return contracts.Message{}, fmt.Errorf("%w: missing message id", contracts.ErrInvalidEnvelope)
	}

	msg := contracts.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		Timestamp:     d.Timestamp,
	}

	replyKind := contracts.Direct
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == replyKindHeader {
			kind, err := contracts.ParseDestinationKind(s)
			if err != nil {
				return contracts.Message{}, fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
			}
			replyKind = kind
			continue
		}
		if msg.Properties == nil {
			msg.Properties = make(map[string]string)
		}
		msg.Properties[k] = s
	}
	if d.ReplyTo != "" {
		msg.ReplyTo = &contracts.Destination{Name: d.ReplyTo, Kind: replyKind}
	}

	if d.Type == contracts.PayloadMap.String() || d.ContentType == codec.ContentType {
		fields, err := codec.DecodeFields(d.Body)
		if err != nil {
			return contracts.Message{}, fmt.Errorf("%w: %v", contracts.ErrInvalidEnvelope, err)
		}
		msg.Payload = contracts.Payload{Kind: contracts.PayloadMap, Fields: fields}
		return msg, nil
	}

	msg.Payload = contracts.TextPayload(string(d.Body))
	return msg, nil
}
