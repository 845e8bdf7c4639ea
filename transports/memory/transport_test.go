package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/messaging"
)

type inbox struct {
	mu    sync.Mutex
	texts []string
	got   chan struct{}
}

func newInbox() *inbox {
	return &inbox{got: make(chan struct{}, 64)}
}

func (i *inbox) deliver(ctx context.Context, msg contracts.Message) {
	i.mu.Lock()
	i.texts = append(i.texts, msg.Payload.Text)
	i.mu.Unlock()
	i.got <- struct{}{}
}

func (i *inbox) wait(t *testing.T, n int) []string {
	t.Helper()
	for k := 0; k < n; k++ {
		select {
		case <-i.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", k, n)
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.texts...)
}

func connect(t *testing.T, b *Broker) *Session {
	t.Helper()
	s, err := b.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBroadcast(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	alice, bob, carol := connect(t, b), connect(t, b), connect(t, b)
	topic, err := carol.OpenDestination(ctx, "topic1", contracts.Broadcast)
	require.NoError(t, err)

	first, second := newInbox(), newInbox()
	require.NoError(t, carol.Subscribe(ctx, topic, first.deliver))
	require.NoError(t, alice.Subscribe(ctx, topic, second.deliver))

	require.NoError(t, alice.Send(ctx, topic, contracts.NewTextMessage("alice: hi")))
	require.NoError(t, bob.Send(ctx, topic, contracts.NewTextMessage("bob: hello")))

	assert.Equal(t, []string{"alice: hi", "bob: hello"}, first.wait(t, 2))
	assert.Equal(t, []string{"alice: hi", "bob: hello"}, second.wait(t, 2))
}

func TestDirectRotatesConsumers(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	sender, a, c := connect(t, b), connect(t, b), connect(t, b)
	queue, err := sender.OpenDestination(ctx, "work", contracts.Direct)
	require.NoError(t, err)

	first, second := newInbox(), newInbox()
	require.NoError(t, a.Subscribe(ctx, queue, first.deliver))
	require.NoError(t, c.Subscribe(ctx, queue, second.deliver))

	for i := 0; i < 4; i++ {
		require.NoError(t, sender.Send(ctx, queue, contracts.NewTextMessage("job")))
	}

	assert.Len(t, first.wait(t, 2), 2)
	assert.Len(t, second.wait(t, 2), 2)

	t.Run("closed consumers leave the rotation", func(t *testing.T) {
		require.NoError(t, c.Close())
		require.NoError(t, sender.Send(ctx, queue, contracts.NewTextMessage("job")))
		assert.Len(t, first.wait(t, 1), 3)
	})
}

func TestBroadcastAndDirectNamesDoNotCollide(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	s := connect(t, b)

	topicBox, queueBox := newInbox(), newInbox()
	require.NoError(t, s.Subscribe(ctx, contracts.NewTopic("x"), topicBox.deliver))
	require.NoError(t, s.Subscribe(ctx, contracts.NewQueue("x"), queueBox.deliver))

	require.NoError(t, s.Send(ctx, contracts.NewQueue("x"), contracts.NewTextMessage("direct")))

	assert.Equal(t, []string{"direct"}, queueBox.wait(t, 1))
	select {
	case <-topicBox.got:
		t.Fatal("direct message reached the broadcast subscriber")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandlerMayPublish(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	s := connect(t, b)
	topic := contracts.NewTopic("echo")

	box := newInbox()
	require.NoError(t, s.Subscribe(ctx, topic, func(ctx context.Context, msg contracts.Message) {
		box.deliver(ctx, msg)
		if msg.Payload.Text == "ping" {
			assert.NoError(t, s.Send(ctx, topic, contracts.NewTextMessage("pong")))
		}
	}))

	require.NoError(t, s.Send(ctx, topic, contracts.NewTextMessage("ping")))
	assert.Equal(t, []string{"ping", "pong"}, box.wait(t, 2))
}

func TestLoanExchange(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	lender := connect(t, b)
	requests := contracts.NewQueue("LoanRequestQ")
	require.NoError(t, lender.Subscribe(ctx, requests, func(ctx context.Context, msg contracts.Message) {
		time.Sleep(50 * time.Millisecond)
		_ = lender.Send(ctx, *msg.ReplyTo, contracts.NewReply(msg, "Accepted"))
	}))

	borrower := connect(t, b)
	client, err := messaging.NewRequestReplyClient(ctx, borrower, requests,
		messaging.WithReplyDestination("LoanResponseQ"))
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.SendRequest(ctx, contracts.NewMapMessage(map[string]any{"Salary": 50000.0, "LoanAmount": 120000.0}), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", reply.Payload.Text)
}

func TestClosed(t *testing.T) {
	b := NewBroker()
	s := connect(t, b)
	ctx := context.Background()

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProviderName, md.ProviderName)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(ctx, contracts.NewTopic("t"), contracts.NewTextMessage("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.Subscribe(ctx, contracts.NewTopic("t"), func(context.Context, contracts.Message) {}), ErrSessionClosed)

	require.NoError(t, b.Close())
	_, err = b.Connect(ctx)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
