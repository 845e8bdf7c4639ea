package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cmwolfe/msgbook/contracts"
)

// OriginProperty names the message property carrying the publishing
// client's id. It backs no-local subscriptions.
const OriginProperty = "origin"

// BroadcastClient publishes to a shared broadcast destination and hands
// every inbound message on it to the dispatcher's broadcast handler
type BroadcastClient struct {
	session    Session
	channel    contracts.Destination
	dispatcher *Dispatcher
	clientID   string
	noLocal    bool
	logger     *slog.Logger
	metrics    MetricsCollector
}

// BroadcastClientConfig holds client configuration
type BroadcastClientConfig struct {
	ClientID   string
	NoLocal    bool
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	Metrics    MetricsCollector
}

// BroadcastClientOption configures the client
type BroadcastClientOption func(*BroadcastClientConfig)

// WithClientID sets the id stamped on published messages
func WithClientID(id string) BroadcastClientOption {
	return func(c *BroadcastClientConfig) {
		c.ClientID = id
	}
}

// WithNoLocal stops the client from receiving its own messages
func WithNoLocal(noLocal bool) BroadcastClientOption {
	return func(c *BroadcastClientConfig) {
		c.NoLocal = noLocal
	}
}

// WithBroadcastDispatcher routes the subscription through a shared dispatcher
func WithBroadcastDispatcher(dispatcher *Dispatcher) BroadcastClientOption {
	return func(c *BroadcastClientConfig) {
		c.Dispatcher = dispatcher
	}
}

// WithBroadcastLogger sets the logger
func WithBroadcastLogger(logger *slog.Logger) BroadcastClientOption {
	return func(c *BroadcastClientConfig) {
		c.Logger = logger
	}
}

// WithBroadcastMetrics sets the metrics collector
func WithBroadcastMetrics(metrics MetricsCollector) BroadcastClientOption {
	return func(c *BroadcastClientConfig) {
		c.Metrics = metrics
	}
}

// NewBroadcastClient opens the broadcast destination named channel and
// subscribes to it
func NewBroadcastClient(ctx context.Context, session Session, channel string, opts ...BroadcastClientOption) (*BroadcastClient, error) {
	if session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	config := &BroadcastClientConfig{
		ClientID: uuid.New().String(),
		Logger:   slog.Default(),
		Metrics:  NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Dispatcher == nil {
		config.Dispatcher = NewDispatcher(nil,
			WithDispatcherLogger(config.Logger),
			WithDispatcherMetrics(config.Metrics),
		)
	}

	dest, err := session.OpenDestination(ctx, channel, contracts.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast destination: %w", err)
	}

	c := &BroadcastClient{
		session:    session,
		channel:    dest,
		dispatcher: config.Dispatcher,
		clientID:   config.ClientID,
		noLocal:    config.NoLocal,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}

	if c.noLocal {
		c.dispatcher.AddFilter(c.isLocal)
	}

	if err := session.Subscribe(ctx, dest, c.dispatcher.Deliver); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", dest.Name, err)
	}

	return c, nil
}

// Publish sends msg to the shared channel. It returns once the transport
// has accepted the message; no reply is expected.
func (c *BroadcastClient) Publish(ctx context.Context, msg contracts.Message) error {
	out := msg.WithProperty(OriginProperty, c.clientID)
	if out.ID == "" {
		out.ID = contracts.NewMessageID()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	if err := c.session.Send(ctx, c.channel, out); err != nil {
		c.metrics.RecordPublish(c.channel.Name, false)
		return newTransportError("publish", c.channel, err)
	}
	c.metrics.RecordPublish(c.channel.Name, true)
	return nil
}

// SetHandler registers the callback for inbound messages. Handlers run on
// the transport's delivery goroutine and should hand long work off.
func (c *BroadcastClient) SetHandler(handler MessageHandler) {
	c.dispatcher.SetBroadcastHandler(handler)
}

// Channel returns the broadcast destination
func (c *BroadcastClient) Channel() contracts.Destination {
	return c.channel
}

// ClientID returns the id stamped on published messages
func (c *BroadcastClient) ClientID() string {
	return c.clientID
}

func (c *BroadcastClient) isLocal(msg contracts.Message) bool {
	return msg.Property(OriginProperty) == c.clientID
}
