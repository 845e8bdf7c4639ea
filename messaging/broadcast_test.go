package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/contracts"
)

func TestBroadcastClient(t *testing.T) {
	t.Run("NewBroadcastClient validates input", func(t *testing.T) {
		_, err := NewBroadcastClient(context.Background(), nil, "topic1")
		assert.Error(t, err)

		s := newFakeSession()
		defer s.Close()
		_, err = NewBroadcastClient(context.Background(), s, "")
		assert.Error(t, err)
	})

	t.Run("third subscriber sees both messages in order", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		ctx := context.Background()

		alice, err := NewBroadcastClient(ctx, s, "topic1")
		require.NoError(t, err)
		bob, err := NewBroadcastClient(ctx, s, "topic1")
		require.NoError(t, err)
		carol, err := NewBroadcastClient(ctx, s, "topic1")
		require.NoError(t, err)
		handler := newCollector()
		carol.SetHandler(handler)

		require.NoError(t, alice.Publish(ctx, contracts.NewTextMessage("alice: hi")))
		require.NoError(t, bob.Publish(ctx, contracts.NewTextMessage("bob: hello")))

		require.True(t, handler.wait(2, time.Second))
		assert.Equal(t, []string{"alice: hi", "bob: hello"}, handler.texts())
	})

	t.Run("publish stamps origin and keeps the caller's message", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()

		client, err := NewBroadcastClient(context.Background(), s, "topic1", WithClientID("c1"))
		require.NoError(t, err)

		msg := contracts.NewTextMessage("alice: hi")
		require.NoError(t, client.Publish(context.Background(), msg))

		sent := s.sentTo("topic1")
		require.Len(t, sent, 1)
		assert.Equal(t, "c1", sent[0].Property(OriginProperty))
		assert.Equal(t, msg.ID, sent[0].ID)
		assert.Empty(t, msg.Property(OriginProperty))
		assert.Equal(t, contracts.Broadcast, client.Channel().Kind)
	})

	t.Run("no-local hides the client's own messages", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		ctx := context.Background()

		me, err := NewBroadcastClient(ctx, s, "topic1", WithNoLocal(true))
		require.NoError(t, err)
		other, err := NewBroadcastClient(ctx, s, "topic1")
		require.NoError(t, err)
		handler := newCollector()
		me.SetHandler(handler)

		require.NoError(t, me.Publish(ctx, contracts.NewTextMessage("me: echo?")))
		require.NoError(t, other.Publish(ctx, contracts.NewTextMessage("other: hi")))

		require.True(t, handler.wait(1, time.Second))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"other: hi"}, handler.texts())
	})

	t.Run("publish failure is a transport error", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()

		client, err := NewBroadcastClient(context.Background(), s, "topic1")
		require.NoError(t, err)
		s.setSendErr(errors.New("broker gone"))

		err = client.Publish(context.Background(), contracts.NewTextMessage("x"))
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "publish", te.Op)
		assert.Equal(t, "topic1", te.Destination.Name)
	})

	t.Run("duplicates pass through", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()

		client, err := NewBroadcastClient(context.Background(), s, "topic1")
		require.NoError(t, err)
		handler := newCollector()
		client.SetHandler(handler)

		msg := contracts.NewTextMessage("again")
		s.inject(client.Channel(), msg)
		s.inject(client.Channel(), msg)

		require.True(t, handler.wait(2, time.Second))
		assert.Equal(t, []string{"again", "again"}, handler.texts())
	})
}
