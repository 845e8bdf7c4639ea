package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker to confirm them
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how often a failed publish is retried
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithRetryDelay sets the base delay between publish retries
func WithRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher drawing channels from pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		maxRetries:     2,
		retryDelay:     200 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and returns once the broker has confirmed it.
// Retryable failures are retried with linear backoff.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
			}
			p.logger.Debug("retrying publish",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt+1,
				"error", lastErr)
		}

		lastErr = p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(lastErr) {
			break
		}
	}

	return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: lastErr, Timestamp: time.Now()}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if !ch.confirmed {
		if err := ch.Confirm(false); err != nil {
			p.pool.Release(ch)
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		ch.confirmed = true
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Release(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		// an unconfirmed publish leaves the delivery tag sequence in doubt
		p.pool.Release(ch)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrPublishTimeout
		}
		return err
	}
	p.pool.Put(ch)

	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
