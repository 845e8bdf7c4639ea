package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cmwolfe/msgbook/contracts"
)

const tracerName = "github.com/cmwolfe/msgbook/messaging"

// DefaultRequestTimeout bounds SendRequest when the caller passes no timeout
const DefaultRequestTimeout = 30 * time.Second

// RequestReplyClient sends requests to a direct destination and waits for
// the correlated reply on a private reply destination
type RequestReplyClient struct {
	session        Session
	target         contracts.Destination
	replyTo        contracts.Destination
	registry       *CorrelationRegistry
	dispatcher     *Dispatcher
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	tracer         trace.Tracer

	mu     sync.RWMutex
	closed bool
}

// RequestReplyClientConfig holds client configuration
type RequestReplyClientConfig struct {
	ReplyDestination string
	Registry         *CorrelationRegistry
	Dispatcher       *Dispatcher
	DefaultTimeout   time.Duration
	Logger           *slog.Logger
	Metrics          MetricsCollector
	Tracer           trace.Tracer
}

// RequestReplyClientOption configures the client
type RequestReplyClientOption func(*RequestReplyClientConfig)

// WithReplyDestination sets the name of the reply queue
func WithReplyDestination(name string) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.ReplyDestination = name
	}
}

// WithRegistry shares a correlation registry with other components
func WithRegistry(registry *CorrelationRegistry) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.Registry = registry
	}
}

// WithDispatcher routes the reply subscription through a shared dispatcher.
// The dispatcher must resolve against the client's registry.
func WithDispatcher(dispatcher *Dispatcher) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.Dispatcher = dispatcher
	}
}

// WithDefaultTimeout sets the timeout used when SendRequest gets none. A
// non-positive value keeps DefaultRequestTimeout.
func WithDefaultTimeout(timeout time.Duration) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithRequestLogger sets the logger
func WithRequestLogger(logger *slog.Logger) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.Logger = logger
	}
}

// WithRequestMetrics sets the metrics collector
func WithRequestMetrics(metrics MetricsCollector) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.Metrics = metrics
	}
}

// WithTracer sets the tracer used for request spans
func WithTracer(tracer trace.Tracer) RequestReplyClientOption {
	return func(c *RequestReplyClientConfig) {
		c.Tracer = tracer
	}
}

// NewRequestReplyClient opens the reply destination on session and
// subscribes to it. Requests go to target.
func NewRequestReplyClient(ctx context.Context, session Session, target contracts.Destination, opts ...RequestReplyClientOption) (*RequestReplyClient, error) {
	if session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if target.IsZero() {
		return nil, fmt.Errorf("target destination is required")
	}

	config := &RequestReplyClientConfig{
		ReplyDestination: fmt.Sprintf("reply.%s", uuid.New().String()[:8]),
		DefaultTimeout:   DefaultRequestTimeout,
		Logger:           slog.Default(),
		Metrics:          NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultRequestTimeout
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.Registry == nil {
		config.Registry = NewCorrelationRegistry(
			WithRegistryLogger(config.Logger),
			WithRegistryMetrics(config.Metrics),
		)
	}
	if config.Dispatcher == nil {
		config.Dispatcher = NewDispatcher(config.Registry,
			WithDispatcherLogger(config.Logger),
			WithDispatcherMetrics(config.Metrics),
		)
	}

	replyTo, err := session.OpenDestination(ctx, config.ReplyDestination, contracts.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to open reply destination: %w", err)
	}

	if err := session.Subscribe(ctx, replyTo, config.Dispatcher.Deliver); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply destination: %w", err)
	}

	config.Logger.Debug("request/reply client ready",
		"target", target.Name,
		"replyTo", replyTo.Name)

	return &RequestReplyClient{
		session:        session,
		target:         target,
		replyTo:        replyTo,
		registry:       config.Registry,
		dispatcher:     config.Dispatcher,
		defaultTimeout: config.DefaultTimeout,
		logger:         config.Logger,
		metrics:        config.Metrics,
		tracer:         config.Tracer,
	}, nil
}

// SendRequest sends request and blocks until the correlated reply arrives,
// timeout elapses or ctx is done. Exactly one of reply or error is returned.
// Failures to send come back as *TransportError, missing replies as
// *TimeoutError.
func (c *RequestReplyClient) SendRequest(ctx context.Context, request contracts.Message, timeout time.Duration) (contracts.Message, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return contracts.Message{}, ErrClientClosed
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	req := request.Clone()
	if req.ID == "" {
		req.ID = contracts.NewMessageID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	replyTo := c.replyTo
	req.ReplyTo = &replyTo

	ctx, span := c.tracer.Start(ctx, "SendRequest",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.target.Name),
			attribute.String("messaging.message.id", req.ID),
			attribute.String("messaging.reply_to", replyTo.Name),
		))
	defer span.End()

	start := time.Now()
	reply, outcome, err := c.roundTrip(ctx, req, timeout)
	c.metrics.RecordRequest(c.target.Name, outcome, time.Since(start))

	span.SetAttributes(attribute.String("messaging.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return contracts.Message{}, err
	}
	return reply, nil
}

func (c *RequestReplyClient) roundTrip(ctx context.Context, req contracts.Message, timeout time.Duration) (contracts.Message, string, error) {
	pending, err := c.registry.Register(req.ID, timeout)
	if err != nil {
		return contracts.Message{}, OutcomeLabelFailed, err
	}

	if err := c.session.Send(ctx, c.target, req); err != nil {
		c.registry.Remove(req.ID)
		c.metrics.RecordPublish(c.target.Name, false)
		return contracts.Message{}, OutcomeLabelFailed, newTransportError("send", c.target, err)
	}
	c.metrics.RecordPublish(c.target.Name, true)

	c.logger.Debug("request sent",
		"requestId", req.ID,
		"target", c.target.Name,
		"timeout", timeout)

	select {
	case <-pending.Done():
	case <-ctx.Done():
		// Whoever got there first wins; a reply that beat the cancellation
		// is still returned.
		c.registry.Cancel(req.ID)
	}

	outcome, reply := pending.Result()
	switch outcome {
	case OutcomeReplied:
		return reply, OutcomeLabelReplied, nil
	case OutcomeTimedOut:
		return contracts.Message{}, OutcomeLabelTimeout, &TimeoutError{RequestID: req.ID, Timeout: timeout}
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contracts.Message{}, OutcomeLabelCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return contracts.Message{}, OutcomeLabelCancelled, ErrCancelled
	}
}

// ReplyDestination returns the private destination replies arrive on
func (c *RequestReplyClient) ReplyDestination() contracts.Destination {
	return c.replyTo
}

// DefaultTimeout returns the timeout applied when SendRequest gets none
func (c *RequestReplyClient) DefaultTimeout() time.Duration {
	return c.defaultTimeout
}

// Target returns the destination requests are sent to
func (c *RequestReplyClient) Target() contracts.Destination {
	return c.target
}

// Registry returns the correlation registry
func (c *RequestReplyClient) Registry() *CorrelationRegistry {
	return c.registry
}

// Dispatcher returns the dispatcher handling the reply subscription
func (c *RequestReplyClient) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Close rejects new requests and cancels the pending ones. The session is
// owned by the caller and left open.
func (c *RequestReplyClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.registry.CancelAll(); n > 0 {
		c.logger.Info("cancelled pending requests", "count", n)
	}
	return nil
}
