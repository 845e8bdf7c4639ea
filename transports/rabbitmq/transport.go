// Package rabbitmq adapts RabbitMQ to messaging.Session.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/rabbitmq"
	"github.com/cmwolfe/msgbook/messaging"
)

// ProviderName is reported in session metadata
const ProviderName = "RabbitMQ"

// Session is a messaging.Session over one AMQP connection
type Session struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// SessionConfig holds configuration for the session
type SessionConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// SessionOption configures the session
type SessionOption func(*SessionConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the session and its plumbing
func WithLogger(logger *slog.Logger) SessionOption {
	return func(cfg *SessionConfig) {
		cfg.Logger = logger
	}
}

// NewConnector returns a connector dialing url on every Connect
func NewConnector(url string, options ...SessionOption) messaging.Connector {
	return messaging.ConnectorFunc(func(ctx context.Context) (messaging.Session, error) {
		return Dial(ctx, url, options...)
	})
}

// Dial connects to the broker at url
func Dial(ctx context.Context, url string, options ...SessionOption) (*Session, error) {
	cfg := &SessionConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Session{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(pool, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
	}, nil
}

// OpenDestination declares the fanout exchange or queue behind name
func (s *Session) OpenDestination(ctx context.Context, name string, kind contracts.DestinationKind) (contracts.Destination, error) {
	if strings.TrimSpace(name) == "" {
		return contracts.Destination{}, fmt.Errorf("destination name is required")
	}

	switch kind {
	case contracts.Broadcast:
		if err := s.topology.DeclareExchange(ctx, rabbitmq.BroadcastExchange(name)); err != nil {
			return contracts.Destination{}, err
		}
	case contracts.Direct:
		if _, err := s.topology.DeclareQueue(ctx, rabbitmq.DirectQueue(name)); err != nil {
			return contracts.Destination{}, err
		}
	default:
		return contracts.Destination{}, fmt.Errorf("unsupported destination kind %v", kind)
	}

	return contracts.Destination{Name: name, Kind: kind}, nil
}

// Send publishes msg and waits for the broker confirm
func (s *Session) Send(ctx context.Context, dest contracts.Destination, msg contracts.Message) error {
	publishing, err := toPublishing(msg)
	if err != nil {
		return err
	}

	exchange, routingKey := route(dest)
	return s.publisher.Publish(ctx, exchange, routingKey, publishing)
}

// Subscribe consumes dest. Broadcast subscribers each get a private queue
// bound to the exchange.
func (s *Session) Subscribe(ctx context.Context, dest contracts.Destination, onDeliver messaging.DeliveryFunc) error {
	queue := dest.Name
	if dest.Kind == contracts.Broadcast {
		var err error
		queue, err = s.topology.DeclareBroadcastSubscription(ctx, dest.Name)
		if err != nil {
			return err
		}
	}

	_, err := s.consumer.Subscribe(ctx, queue, func(ctx context.Context, delivery amqp.Delivery) error {
		msg, err := fromDelivery(delivery)
		if err != nil {
			return fmt.Errorf("dropping malformed delivery: %w", err)
		}
		onDeliver(ctx, msg)
		return nil
	})
	return err
}

// Metadata reports the broker product and version from the handshake
func (s *Session) Metadata(ctx context.Context) (messaging.SessionMetadata, error) {
	info, err := s.manager.ServerInfo()
	if err != nil {
		return messaging.SessionMetadata{}, err
	}

	provider := info.Product
	if provider == "" {
		provider = ProviderName
	}

	return messaging.SessionMetadata{
		ProviderName:    provider,
		ProviderVersion: info.Version,
		ProtocolVersion: info.Protocol,
		Properties:      SupportedProperties(),
		Server: map[string]string{
			"platform": info.Platform,
		},
	}, nil
}

// Close stops all subscriptions and closes the connection
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.consumer.Close()
		s.pool.Close()
		s.closeErr = s.manager.Close()
	})
	return s.closeErr
}

func route(dest contracts.Destination) (exchange, routingKey string) {
	if dest.Kind == contracts.Broadcast {
		return dest.Name, ""
	}
	return "", dest.Name
}
