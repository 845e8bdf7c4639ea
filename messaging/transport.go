package messaging

import (
	"context"

	"github.com/cmwolfe/msgbook/contracts"
)

// Connector opens sessions against a broker
type Connector interface {
	// Connect establishes a session with the broker
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc is a function adapter for Connector
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect implements Connector
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

// DeliveryFunc receives inbound messages from a subscription. It is called
// from the transport's delivery goroutine.
type DeliveryFunc func(ctx context.Context, msg contracts.Message)

// Session is a live connection to a broker
type Session interface {
	// OpenDestination creates or looks up a named channel
	OpenDestination(ctx context.Context, name string, kind contracts.DestinationKind) (contracts.Destination, error)

	// Send hands a message to the broker. It returns once the broker has
	// accepted the message for delivery.
	Send(ctx context.Context, dest contracts.Destination, msg contracts.Message) error

	// Subscribe registers onDeliver for every message arriving on dest
	Subscribe(ctx context.Context, dest contracts.Destination, onDeliver DeliveryFunc) error

	// Metadata describes the provider behind the session
	Metadata(ctx context.Context) (SessionMetadata, error)

	// Close releases the connection and stops all subscriptions
	Close() error
}

// SessionMetadata describes the messaging provider of a session
type SessionMetadata struct {
	ProviderName    string
	ProviderVersion string
	ProtocolVersion string
	// Properties lists the message properties the provider supports
	Properties []string
	// Server holds provider specific details, such as the broker address
	Server map[string]string
}
