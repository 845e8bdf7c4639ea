package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/contracts"
)

type countingMetrics struct {
	NoOpMetricsCollector
	routes map[string]int
}

func (m *countingMetrics) RecordDelivery(route string) {
	m.routes[route]++
}

func TestDispatcher(t *testing.T) {
	t.Run("matching reply is consumed", func(t *testing.T) {
		registry := NewCorrelationRegistry()
		metrics := &countingMetrics{routes: map[string]int{}}
		dispatcher := NewDispatcher(registry, WithDispatcherMetrics(metrics))
		handler := newCollector()
		dispatcher.SetBroadcastHandler(handler)

		pending, err := registry.Register("R1", time.Minute)
		require.NoError(t, err)

		dispatcher.Deliver(context.Background(), contracts.NewReply(contracts.Message{ID: "R1"}, "Accepted"))

		outcome, reply := pending.Result()
		assert.Equal(t, OutcomeReplied, outcome)
		assert.Equal(t, "Accepted", reply.Payload.Text)
		assert.Empty(t, handler.texts())
		assert.Equal(t, 1, metrics.routes[RouteReply])
	})

	t.Run("unmatched reply is forwarded", func(t *testing.T) {
		dispatcher := NewDispatcher(NewCorrelationRegistry())
		handler := newCollector()
		dispatcher.SetBroadcastHandler(handler)

		dispatcher.Deliver(context.Background(), contracts.NewReply(contracts.Message{ID: "gone"}, "late"))

		assert.Equal(t, []string{"late"}, handler.texts())
	})

	t.Run("plain message is forwarded", func(t *testing.T) {
		dispatcher := NewDispatcher(nil)
		handler := newCollector()
		dispatcher.SetBroadcastHandler(handler)

		dispatcher.Deliver(context.Background(), contracts.NewTextMessage("alice: hi"))

		assert.Equal(t, []string{"alice: hi"}, handler.texts())
	})

	t.Run("no handler drops silently", func(t *testing.T) {
		metrics := &countingMetrics{routes: map[string]int{}}
		dispatcher := NewDispatcher(nil, WithDispatcherMetrics(metrics))

		assert.NotPanics(t, func() {
			dispatcher.Deliver(context.Background(), contracts.NewTextMessage("x"))
		})
		assert.Equal(t, 1, metrics.routes[RouteDropped])
	})

	t.Run("panicking handler does not stop delivery", func(t *testing.T) {
		dispatcher := NewDispatcher(nil)
		calls := 0
		dispatcher.SetBroadcastHandler(MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) {
			calls++
			if msg.Payload.Text == "boom" {
				panic("malformed")
			}
		}))

		assert.NotPanics(t, func() {
			dispatcher.Deliver(context.Background(), contracts.NewTextMessage("boom"))
			dispatcher.Deliver(context.Background(), contracts.NewTextMessage("fine"))
		})
		assert.Equal(t, 2, calls)
	})

	t.Run("filters withhold messages", func(t *testing.T) {
		dispatcher := NewDispatcher(nil)
		handler := newCollector()
		dispatcher.SetBroadcastHandler(handler)
		dispatcher.AddFilter(func(msg contracts.Message) bool {
			return msg.Property("origin") == "me"
		})

		dispatcher.Deliver(context.Background(), contracts.NewTextMessage("mine").WithProperty("origin", "me"))
		dispatcher.Deliver(context.Background(), contracts.NewTextMessage("theirs").WithProperty("origin", "them"))

		assert.Equal(t, []string{"theirs"}, handler.texts())
	})

	t.Run("replies bypass filters", func(t *testing.T) {
		registry := NewCorrelationRegistry()
		dispatcher := NewDispatcher(registry)
		dispatcher.AddFilter(func(contracts.Message) bool { return true })
		pending, _ := registry.Register("R1", time.Minute)

		dispatcher.Deliver(context.Background(), contracts.NewReply(contracts.Message{ID: "R1"}, "ok"))

		outcome, _ := pending.Result()
		assert.Equal(t, OutcomeReplied, outcome)
	})
}
