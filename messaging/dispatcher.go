package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cmwolfe/msgbook/contracts"
)

// Dispatcher is the single inbound entry point for a client's endpoints.
// A message whose correlation id matches a pending request resolves that
// request and goes no further; everything else reaches the broadcast
// handler.
type Dispatcher struct {
	registry *CorrelationRegistry
	handler  MessageHandler
	filters  []DeliveryFilter
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  MetricsCollector
}

// DeliveryFilter reports whether a message should be withheld from the
// broadcast handler
type DeliveryFilter func(msg contracts.Message) bool

// DispatcherOption configures the dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher creates a dispatcher resolving replies against registry.
// A nil registry makes every message broadcast traffic.
func NewDispatcher(registry *CorrelationRegistry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// SetBroadcastHandler registers the handler for broadcast and unsolicited
// traffic, replacing any previous one. A nil handler drops such traffic.
func (d *Dispatcher) SetBroadcastHandler(handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// AddFilter withholds matching messages from the broadcast handler
func (d *Dispatcher) AddFilter(filter DeliveryFilter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, filter)
}

// Deliver routes one inbound message. It satisfies DeliveryFunc.
func (d *Dispatcher) Deliver(ctx context.Context, msg contracts.Message) {
	if msg.CorrelationID != "" && d.registry != nil {
		if d.registry.Resolve(msg.CorrelationID, msg) {
			d.metrics.RecordDelivery(RouteReply)
			return
		}
	}

	d.mu.RLock()
	handler := d.handler
	filters := d.filters
	d.mu.RUnlock()

	for _, withhold := range filters {
		if withhold(msg) {
			d.metrics.RecordDelivery(RouteDropped)
			return
		}
	}

	if handler == nil {
		d.logger.Debug("no broadcast handler, dropping message", "messageId", msg.ID)
		d.metrics.RecordDelivery(RouteDropped)
		return
	}

	if err := d.invoke(ctx, handler, msg); err != nil {
		d.logger.Error("broadcast handler failed",
			"error", err,
			"messageId", msg.ID)
		d.metrics.RecordDelivery(RouteDropped)
		return
	}
	d.metrics.RecordDelivery(RouteBroadcast)
}

func (d *Dispatcher) invoke(ctx context.Context, handler MessageHandler, msg contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v\n%s", r, debug.Stack())
		}
	}()
	handler.Handle(ctx, msg)
	return nil
}
