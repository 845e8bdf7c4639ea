package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Returning an error rejects the
// delivery without requeueing it.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs subscriptions, each on its own channel and goroutine.
// Deliveries of one subscription are handled in order.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	autoAck       bool
	logger        *slog.Logger

	mu      sync.Mutex
	active  map[string]*subscription
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.WaitGroup
}

type subscription struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck lets the broker consider deliveries acknowledged on send
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer drawing channels from pool
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue and returns the consumer tag. The
// subscription runs until Cancel or Close; ctx only bounds the setup.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrConsumerClosed
	}

	tag := "msgbook-" + uuid.New().String()[:8]
	consumerErr := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return "", consumerErr("subscribe", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Release(ch)
		return "", consumerErr("set qos", err)
	}

	deliveries, err := ch.Consume(queue, tag, c.autoAck, false, false, false, nil)
	if err != nil {
		c.pool.Release(ch)
		return "", consumerErr("consume", err)
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	sub := &subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active[tag] = sub
	c.mu.Unlock()

	c.stopped.Add(1)
	go c.processDeliveries(subCtx, sub, deliveries, handler)

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return tag, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		c.mu.Lock()
		delete(c.active, sub.tag)
		c.mu.Unlock()
		// the channel carried a consumer; never hand it to a publisher
		c.pool.Release(sub.channel)
		close(sub.done)
		c.stopped.Done()
		c.logger.Debug("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			c.handleDelivery(ctx, sub, delivery, handler)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, sub *subscription, delivery amqp.Delivery, handler DeliveryHandler) {
	err := handler(ctx, delivery)
	if err != nil {
		c.logger.Error("failed to handle delivery",
			"error", err,
			"queue", sub.queue,
			"messageId", delivery.MessageId)
	}

	if c.autoAck {
		return
	}
	if err != nil {
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to reject delivery", "error", nackErr)
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack delivery", "error", ackErr)
	}
}

// Cancel stops one subscription and waits for its loop to exit
func (c *Consumer) Cancel(tag string) error {
	c.mu.Lock()
	sub, ok := c.active[tag]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer %s", tag)
	}

	if err := sub.channel.Cancel(tag, false); err != nil {
		c.logger.Debug("basic.cancel failed", "consumerTag", tag, "error", err)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// ActiveSubscriptions returns the queues currently consumed
func (c *Consumer) ActiveSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for _, sub := range c.active {
		queues = append(queues, sub.queue)
	}
	return queues
}

// Close stops every subscription and waits for them to exit
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.stopped.Wait()
	return nil
}
