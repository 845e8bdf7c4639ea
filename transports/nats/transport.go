// Package nats adapts NATS core messaging to messaging.Session. Messages
// travel as JSON envelopes; broadcast destinations are plain subjects and
// direct destinations are queue-group subscriptions on a subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/codec"
	"github.com/cmwolfe/msgbook/messaging"
)

// ProviderName is reported in session metadata
const ProviderName = "NATS"

// ErrSessionClosed is returned by a closed session
var ErrSessionClosed = errors.New("nats: session closed")

// Config holds NATS-specific configuration
type Config struct {
	URL string
	// Name identifies the connection on the server
	Name string
	// QueueGroupPrefix prefixes the queue group of direct destinations
	QueueGroupPrefix string
	// FlushTimeout bounds the wait for the server to take a send
	FlushTimeout  time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = natsgo.DefaultURL
	}
	if c.Name == "" {
		c.Name = "msgbook"
	}
	if c.QueueGroupPrefix == "" {
		c.QueueGroupPrefix = "msgbook"
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// Session is a messaging.Session over one NATS connection
type Session struct {
	nc     *natsgo.Conn
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []*natsgo.Subscription
	closed        bool
}

// NewConnector returns a connector dialing cfg on every Connect
func NewConnector(cfg Config, logger *slog.Logger) messaging.Connector {
	return messaging.ConnectorFunc(func(ctx context.Context) (messaging.Session, error) {
		return Dial(ctx, cfg, logger)
	})
}

// Dial connects to the NATS server
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrlRedacted())
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, natsgo.Timeout(time.Until(deadline)))
	}

	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())
	return &Session{nc: nc, config: cfg, logger: logger}, nil
}

// OpenDestination validates name as a subject. NATS subjects need no
// declaration.
func (s *Session) OpenDestination(ctx context.Context, name string, kind contracts.DestinationKind) (contracts.Destination, error) {
	if err := validateSubject(name); err != nil {
		return contracts.Destination{}, err
	}
	if kind != contracts.Broadcast && kind != contracts.Direct {
		return contracts.Destination{}, fmt.Errorf("unsupported destination kind %v", kind)
	}
	return contracts.Destination{Name: name, Kind: kind}, nil
}

// Send publishes msg and waits until the server has processed it
func (s *Session) Send(ctx context.Context, dest contracts.Destination, msg contracts.Message) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	data, err := codec.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if err := s.nc.Publish(dest.Name, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", dest.Name, err)
	}

	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, s.config.FlushTimeout)
		defer cancel()
	}
	if err := s.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush publish to %s: %w", dest.Name, err)
	}
	return nil
}

// Subscribe delivers every message on dest to onDeliver. Each
// subscription delivers in order on its own goroutine.
func (s *Session) Subscribe(ctx context.Context, dest contracts.Destination, onDeliver messaging.DeliveryFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	handler := func(m *natsgo.Msg) {
		msg, err := codec.DecodeMessage(m.Data)
		if err != nil {
			s.logger.Error("dropping malformed message", "subject", m.Subject, "error", err)
			return
		}
		onDeliver(context.Background(), msg)
	}

	var (
		sub *natsgo.Subscription
		err error
	)
	if dest.Kind == contracts.Direct {
		sub, err = s.nc.QueueSubscribe(dest.Name, s.queueGroup(dest.Name), handler)
	} else {
		sub, err = s.nc.Subscribe(dest.Name, handler)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", dest.Name, err)
	}

	// the subscription must be registered before anyone publishes to it
	if err := s.nc.FlushTimeout(s.config.FlushTimeout); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to register subscription on %s: %w", dest.Name, err)
	}

	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

func (s *Session) queueGroup(subject string) string {
	return s.config.QueueGroupPrefix + "." + subject
}

// Metadata reports the connected server's identity
func (s *Session) Metadata(ctx context.Context) (messaging.SessionMetadata, error) {
	if s.isClosed() || !s.nc.IsConnected() {
		return messaging.SessionMetadata{}, ErrSessionClosed
	}

	return messaging.SessionMetadata{
		ProviderName:    ProviderName,
		ProviderVersion: s.nc.ConnectedServerVersion(),
		ProtocolVersion: "NATS client " + natsgo.Version,
		Properties:      SupportedProperties(),
		Server: map[string]string{
			"id":         s.nc.ConnectedServerId(),
			"name":       s.nc.ConnectedServerName(),
			"url":        s.nc.ConnectedUrlRedacted(),
			"maxPayload": fmt.Sprint(s.nc.MaxPayload()),
		},
	}, nil
}

// SupportedProperties lists the envelope fields carried per message
func SupportedProperties() []string {
	return []string{"id", "correlationId", "replyTo", "timestamp", "kind", "properties"}
}

// Close unsubscribes everything and closes the connection
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subscriptions
	s.subscriptions = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			s.logger.Debug("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	s.nc.Close()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func validateSubject(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("destination name is required")
	}
	if strings.ContainsAny(name, " \t\r\n*>") {
		return fmt.Errorf("invalid subject %q", name)
	}
	return nil
}
