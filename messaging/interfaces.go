package messaging

import (
	"context"
	"time"

	"github.com/cmwolfe/msgbook/contracts"
)

// MessageHandler consumes broadcast and unsolicited messages
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.Message)
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message)

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.Message) {
	f(ctx, msg)
}

// Request outcomes reported to MetricsCollector
const (
	OutcomeLabelReplied   = "replied"
	OutcomeLabelTimeout   = "timeout"
	OutcomeLabelCancelled = "cancelled"
	OutcomeLabelFailed    = "failed"
)

// Delivery routes reported to MetricsCollector
const (
	RouteReply     = "reply"
	RouteBroadcast = "broadcast"
	RouteDropped   = "dropped"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordRequest records a finished request/reply exchange
	RecordRequest(destination string, outcome string, duration time.Duration)

	// RecordPublish records a send to the transport
	RecordPublish(destination string, success bool)

	// RecordDelivery records how an inbound message was routed
	RecordDelivery(route string)

	// SetPending reports the number of requests awaiting a reply
	SetPending(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(destination string, outcome string, duration time.Duration) {
}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(destination string, success bool) {}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(route string) {}

// SetPending does nothing
func (NoOpMetricsCollector) SetPending(n int) {}
