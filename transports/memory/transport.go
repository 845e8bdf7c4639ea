// Package memory is an in-process messaging.Session backed by watermill's
// gochannel pub/sub. Every session opened from one Broker sees the same
// destinations.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/codec"
	"github.com/cmwolfe/msgbook/messaging"
)

// ProviderName is reported in session metadata
const ProviderName = "watermill gochannel"

const defaultBuffer = 256

var (
	// ErrBrokerClosed is returned once the broker is closed
	ErrBrokerClosed = errors.New("memory: broker closed")
	// ErrSessionClosed is returned by a closed session
	ErrSessionClosed = errors.New("memory: session closed")
)

// Broker owns the shared in-memory pub/sub
type Broker struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	queues map[string]*directQueue
	closed bool
}

// BrokerOption configures the broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithBuffer sets how many messages a subscriber may hold before
// publishers block
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		b.buffer = n
	}
}

// NewBroker creates an empty in-memory broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		logger: slog.Default(),
		buffer: defaultBuffer,
		queues: make(map[string]*directQueue),
	}
	for _, opt := range options {
		opt(b)
	}

	// Publish returns once every subscriber has taken the message, which
	// keeps per-publisher order intact.
	b.pubSub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(b.buffer),
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(b.logger))
	return b
}

// Connector returns a connector opening sessions on b
func (b *Broker) Connector() messaging.Connector {
	return messaging.ConnectorFunc(func(ctx context.Context) (messaging.Session, error) {
		return b.Connect(ctx)
	})
}

// Connect opens a session on the broker
func (b *Broker) Connect(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	return &Session{broker: b}, nil
}

// Close stops all deliveries
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := b.queues
	b.queues = map[string]*directQueue{}
	b.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	return b.pubSub.Close()
}

// Session is a messaging.Session on a Broker
type Session struct {
	broker *Broker

	mu        sync.Mutex
	consumers []*consumer
	cancels   []context.CancelFunc
	closed    bool
}

// OpenDestination returns the named destination. Nothing needs declaring.
func (s *Session) OpenDestination(ctx context.Context, name string, kind contracts.DestinationKind) (contracts.Destination, error) {
	if strings.TrimSpace(name) == "" {
		return contracts.Destination{}, fmt.Errorf("destination name is required")
	}
	if kind != contracts.Broadcast && kind != contracts.Direct {
		return contracts.Destination{}, fmt.Errorf("unsupported destination kind %v", kind)
	}
	return contracts.Destination{Name: name, Kind: kind}, nil
}

// Send publishes msg. It returns once every current subscriber has
// queued the message. Messages to destinations nobody subscribes to are
// discarded.
func (s *Session) Send(ctx context.Context, dest contracts.Destination, msg contracts.Message) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	payload, err := codec.EncodeMessage(msg)
	if err != nil {
		return err
	}

	wm := message.NewMessage(msg.ID, payload)
	wm.SetContext(ctx)
	if err := s.broker.pubSub.Publish(topicOf(dest), wm); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", dest.Name, err)
	}
	return nil
}

// Subscribe delivers messages on dest to onDeliver in order on a
// dedicated goroutine. Direct destinations hand each message to one
// subscriber, rotating between them.
func (s *Session) Subscribe(ctx context.Context, dest contracts.Destination, onDeliver messaging.DeliveryFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	c := newConsumer(onDeliver, s.broker.buffer)

	if dest.Kind == contracts.Direct {
		if err := s.broker.addQueueConsumer(dest, c); err != nil {
			c.stop()
			return err
		}
	} else {
		subCtx, cancel := context.WithCancel(context.Background())
		messages, err := s.broker.pubSub.Subscribe(subCtx, topicOf(dest))
		if err != nil {
			cancel()
			c.stop()
			return fmt.Errorf("failed to subscribe to %s: %w", dest.Name, err)
		}
		s.cancels = append(s.cancels, cancel)
		go s.broker.pump(dest, messages, func() *consumer { return c })
	}

	s.consumers = append(s.consumers, c)
	return nil
}

// Metadata describes the in-memory provider
func (s *Session) Metadata(ctx context.Context) (messaging.SessionMetadata, error) {
	if s.isClosed() {
		return messaging.SessionMetadata{}, ErrSessionClosed
	}
	return messaging.SessionMetadata{
		ProviderName:    ProviderName,
		ProviderVersion: moduleVersion("github.com/ThreeDotsLabs/watermill"),
		ProtocolVersion: "in-process",
		Properties:      []string{"id", "correlationId", "replyTo", "timestamp", "kind", "properties"},
		Server:          map[string]string{},
	}, nil
}

// Close stops the session's subscriptions
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers, cancels := s.consumers, s.cancels
	s.consumers, s.cancels = nil, nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range consumers {
		s.broker.removeQueueConsumer(c)
		c.stop()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// topicOf keeps broadcast and direct destinations of the same name apart
func topicOf(dest contracts.Destination) string {
	return dest.Kind.String() + "." + dest.Name
}

// directQueue fans one watermill subscription out to its consumers in
// rotation
type directQueue struct {
	mu        sync.Mutex
	consumers []*consumer
	next      int
	cancel    context.CancelFunc
}

func (q *directQueue) pick() *consumer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.consumers) == 0 {
		return nil
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	return c
}

func (q *directQueue) stop() {
	q.cancel()
}

func (b *Broker) addQueueConsumer(dest contracts.Destination, c *consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	q, ok := b.queues[dest.Name]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		messages, err := b.pubSub.Subscribe(ctx, topicOf(dest))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", dest.Name, err)
		}
		q = &directQueue{cancel: cancel}
		b.queues[dest.Name] = q
		go b.pump(dest, messages, q.pick)
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, c)
	q.mu.Unlock()
	return nil
}

func (b *Broker) removeQueueConsumer(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, q := range b.queues {
		q.mu.Lock()
		for i, existing := range q.consumers {
			if existing == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		empty := len(q.consumers) == 0
		q.mu.Unlock()

		if empty {
			q.stop()
			delete(b.queues, name)
		}
	}
}

// pump moves watermill messages to consumers until the subscription ends
func (b *Broker) pump(dest contracts.Destination, messages <-chan *message.Message, target func() *consumer) {
	for wm := range messages {
		msg, err := codec.DecodeMessage(wm.Payload)
		if err != nil {
			b.logger.Error("dropping malformed message", "destination", dest.String(), "error", err)
			wm.Ack()
			continue
		}

		c := target()
		if c == nil {
			b.logger.Debug("no consumer, dropping message", "destination", dest.String(), "messageId", msg.ID)
			wm.Ack()
			continue
		}
		c.enqueue(msg)
		wm.Ack()
	}
}

// consumer runs one subscription's callback on its own goroutine so a
// callback may publish without stalling the publisher it is answering
type consumer struct {
	deliveries chan contracts.Message
	onDeliver  messaging.DeliveryFunc
	done       chan struct{}
	stopOnce   sync.Once
}

func newConsumer(onDeliver messaging.DeliveryFunc, buffer int) *consumer {
	c := &consumer{
		deliveries: make(chan contracts.Message, buffer),
		onDeliver:  onDeliver,
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *consumer) run() {
	for {
		select {
		case msg := <-c.deliveries:
			c.onDeliver(context.Background(), msg)
		case <-c.done:
			return
		}
	}
}

func (c *consumer) enqueue(msg contracts.Message) {
	select {
	case c.deliveries <- msg:
	case <-c.done:
	}
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func moduleVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == path {
			return dep.Version
		}
	}
	return "unknown"
}
