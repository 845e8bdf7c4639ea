// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package msgbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/messaging"
)

var (
	// ErrNoRequestQueue is returned by SendRequest when the client was built without a request queue
	ErrNoRequestQueue = errors.New("msgbook: no request queue configured")
	// ErrNoBroadcastTopic is returned by Publish when the client was built without a topic
	ErrNoBroadcastTopic = errors.New("msgbook: no broadcast topic configured")
)

// Client provides the main entry point for msgbook. It owns one session,
// one correlation registry and one dispatcher shared by the request/reply
// and broadcast sides.
type Client struct {
	session    messaging.Session
	registry   *messaging.CorrelationRegistry
	dispatcher *messaging.Dispatcher
	requests   *messaging.RequestReplyClient
	broadcast  *messaging.BroadcastClient
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient connects through connector and sets up the request queue and
// broadcast topic given in options. At least one of them is required.
func NewClient(ctx context.Context, connector messaging.Connector, options ...ClientOption) (*Client, error) {
	if connector == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		metrics:        messaging.NoOpMetricsCollector{},
		defaultTimeout: messaging.DefaultRequestTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.defaultTimeout <= 0 {
		cfg.defaultTimeout = messaging.DefaultRequestTimeout
	}
	if cfg.requestQueue == "" && cfg.broadcastTopic == "" {
		return nil, fmt.Errorf("either a request queue or a broadcast topic is required")
	}

	session, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	client, err := newClient(ctx, session, cfg)
	if err != nil {
		if closeErr := session.Close(); closeErr != nil {
			cfg.logger.Warn("failed to close session after setup error", "error", closeErr)
		}
		return nil, err
	}
	return client, nil
}

func newClient(ctx context.Context, session messaging.Session, cfg *clientConfig) (*Client, error) {
	registry := messaging.NewCorrelationRegistry(
		messaging.WithRegistryLogger(cfg.logger),
		messaging.WithRegistryMetrics(cfg.metrics),
	)
	dispatcher := messaging.NewDispatcher(registry,
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
	)

	c := &Client{
		session:    session,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     cfg.logger,
	}

	if cfg.requestQueue != "" {
		target, err := session.OpenDestination(ctx, cfg.requestQueue, contracts.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to open request queue: %w", err)
		}
		opts := []messaging.RequestReplyClientOption{
			messaging.WithRegistry(registry),
			messaging.WithDispatcher(dispatcher),
			messaging.WithDefaultTimeout(cfg.defaultTimeout),
			messaging.WithRequestLogger(cfg.logger),
			messaging.WithRequestMetrics(cfg.metrics),
		}
		if cfg.replyQueue != "" {
			opts = append(opts, messaging.WithReplyDestination(cfg.replyQueue))
		}
		if cfg.tracer != nil {
			opts = append(opts, messaging.WithTracer(cfg.tracer))
		}
		c.requests, err = messaging.NewRequestReplyClient(ctx, session, target, opts...)
		if err != nil {
			return nil, err
		}
	}

	if cfg.broadcastTopic != "" {
		opts := []messaging.BroadcastClientOption{
			messaging.WithBroadcastDispatcher(dispatcher),
			messaging.WithNoLocal(cfg.noLocal),
			messaging.WithBroadcastLogger(cfg.logger),
			messaging.WithBroadcastMetrics(cfg.metrics),
		}
		if cfg.clientID != "" {
			opts = append(opts, messaging.WithClientID(cfg.clientID))
		}
		var err error
		c.broadcast, err = messaging.NewBroadcastClient(ctx, session, cfg.broadcastTopic, opts...)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// SendRequest sends request to the request queue and waits for its reply.
// A timeout of zero uses the client's default.
func (c *Client) SendRequest(ctx context.Context, request contracts.Message, timeout time.Duration) (contracts.Message, error) {
	if c.requests == nil {
		return contracts.Message{}, ErrNoRequestQueue
	}
	return c.requests.SendRequest(ctx, request, timeout)
}

// Publish sends msg to every subscriber of the broadcast topic
func (c *Client) Publish(ctx context.Context, msg contracts.Message) error {
	if c.broadcast == nil {
		return ErrNoBroadcastTopic
	}
	if c.isClosed() {
		return messaging.ErrClientClosed
	}
	return c.broadcast.Publish(ctx, msg)
}

// SetBroadcastHandler registers the callback for broadcast traffic and
// replies that match no pending request
func (c *Client) SetBroadcastHandler(handler messaging.MessageHandler) {
	c.dispatcher.SetBroadcastHandler(handler)
}

// Metadata describes the provider behind the client's session
func (c *Client) Metadata(ctx context.Context) (messaging.SessionMetadata, error) {
	return c.session.Metadata(ctx)
}

// Session returns the underlying session
func (c *Client) Session() messaging.Session {
	return c.session
}

// Registry returns the correlation registry
func (c *Client) Registry() *messaging.CorrelationRegistry {
	return c.registry
}

// Dispatcher returns the dispatcher shared by all subscriptions
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// ClientID returns the id stamped on broadcast messages, or "" without a topic
func (c *Client) ClientID() string {
	if c.broadcast == nil {
		return ""
	}
	return c.broadcast.ClientID()
}

// Shutdown wakes every pending SendRequest with messaging.ErrCancelled and
// closes the session. ctx bounds the wait for the session to close.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.requests != nil {
		if err := c.requests.Close(); err != nil {
			c.logger.Warn("failed to close request client", "error", err)
		}
	} else if n := c.registry.CancelAll(); n > 0 {
		c.logger.Info("cancelled pending requests", "count", n)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.session.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session close: %w", ctx.Err())
	}
}

// Close shuts the client down without a deadline
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	tracer         trace.Tracer
	requestQueue   string
	replyQueue     string
	broadcastTopic string
	clientID       string
	noLocal        bool
	defaultTimeout time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTracer sets the tracer used for request spans
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithRequestQueue sets the queue requests are sent to
func WithRequestQueue(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestQueue = name
	}
}

// WithReplyQueue sets the private queue replies arrive on
func WithReplyQueue(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyQueue = name
	}
}

// WithBroadcastTopic sets the shared topic for Publish and the broadcast handler
func WithBroadcastTopic(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broadcastTopic = name
	}
}

// WithClientID sets the id stamped on broadcast messages
func WithClientID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clientID = id
	}
}

// WithNoLocal drops broadcast messages this client published itself
func WithNoLocal(noLocal bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.noLocal = noLocal
	}
}

// WithDefaultTimeout sets the timeout SendRequest uses when given none. A
// non-positive value keeps messaging.DefaultRequestTimeout.
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultTimeout = timeout
	}
}
