package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/contracts"
)

const loanRequestQ = "LoanRequestQ"

func newLoanClient(t *testing.T, s *fakeSession, opts ...RequestReplyClientOption) *RequestReplyClient {
	t.Helper()
	client, err := NewRequestReplyClient(context.Background(), s, contracts.NewQueue(loanRequestQ), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func loanRequest() contracts.Message {
	return contracts.NewMapMessage(map[string]any{"Salary": 50000.0, "LoanAmount": 120000.0})
}

func TestRequestReplyClient(t *testing.T) {
	t.Run("NewRequestReplyClient validates input", func(t *testing.T) {
		_, err := NewRequestReplyClient(context.Background(), nil, contracts.NewQueue("q"))
		assert.Error(t, err)

		s := newFakeSession()
		defer s.Close()
		_, err = NewRequestReplyClient(context.Background(), s, contracts.Destination{})
		assert.Error(t, err)
	})

	t.Run("reply destination defaults to a private queue", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)

		assert.Equal(t, contracts.Direct, client.ReplyDestination().Kind)
		assert.Regexp(t, `^reply\.[0-9a-f]{8}$`, client.ReplyDestination().Name)
		assert.Equal(t, loanRequestQ, client.Target().Name)
	})

	t.Run("loan request is accepted", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		lender(s, loanRequestQ, 500*time.Millisecond, func(contracts.Message) string { return "Accepted" })
		client := newLoanClient(t, s, WithReplyDestination("LoanResponseQ"))

		request := loanRequest()
		request.ID = "R1"

		start := time.Now()
		reply, err := client.SendRequest(context.Background(), request, 30*time.Second)
		require.NoError(t, err)

		assert.Equal(t, "Accepted", reply.Payload.Text)
		assert.Equal(t, "R1", reply.CorrelationID)
		assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, 0, client.Registry().Len())

		sent := s.sentTo(loanRequestQ)
		require.Len(t, sent, 1)
		assert.Equal(t, "R1", sent[0].ID)
		require.NotNil(t, sent[0].ReplyTo)
		assert.Equal(t, contracts.NewQueue("LoanResponseQ"), *sent[0].ReplyTo)
		assert.Nil(t, request.ReplyTo, "caller's message must not be modified")
	})

	t.Run("generates an id when none is set", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		lender(s, loanRequestQ, 0, func(contracts.Message) string { return "Declined" })
		client := newLoanClient(t, s)

		request := loanRequest()
		request.ID = ""

		reply, err := client.SendRequest(context.Background(), request, time.Second)
		require.NoError(t, err)

		sent := s.sentTo(loanRequestQ)
		require.Len(t, sent, 1)
		assert.NotEmpty(t, sent[0].ID)
		assert.Equal(t, sent[0].ID, reply.CorrelationID)
	})

	t.Run("no reply times out within the bound", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)

		timeout := 100 * time.Millisecond
		start := time.Now()
		reply, err := client.SendRequest(context.Background(), loanRequest(), timeout)
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.True(t, IsTimeout(err))
		assert.False(t, IsTransport(err))
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, timeout, te.Timeout)
		assert.Empty(t, reply.ID)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+time.Second)
		assert.Equal(t, 0, client.Registry().Len())
	})

	t.Run("send failure is a transport error and rolls back", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)
		s.setSendErr(errors.New("connection reset"))

		_, err := client.SendRequest(context.Background(), loanRequest(), time.Second)

		require.Error(t, err)
		assert.True(t, IsTransport(err))
		assert.False(t, IsTimeout(err))
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "send", te.Op)
		assert.Equal(t, loanRequestQ, te.Destination.Name)
		assert.EqualError(t, errors.Unwrap(err), "connection reset")
		assert.Equal(t, 0, client.Registry().Len())
	})

	t.Run("duplicate pending id is reported", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)

		_, err := client.Registry().Register("R1", time.Minute)
		require.NoError(t, err)

		request := loanRequest()
		request.ID = "R1"
		_, err = client.SendRequest(context.Background(), request, time.Second)
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.Empty(t, s.sentTo(loanRequestQ))
	})

	t.Run("late reply is dropped and harms nobody", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)
		handler := newCollector()
		client.Dispatcher().SetBroadcastHandler(handler)

		first := loanRequest()
		_, err := client.SendRequest(context.Background(), first, 50*time.Millisecond)
		require.True(t, IsTimeout(err))

		lender(s, loanRequestQ, 20*time.Millisecond, func(contracts.Message) string { return "Accepted" })
		done := make(chan error, 1)
		go func() {
			_, err := client.SendRequest(context.Background(), loanRequest(), 5*time.Second)
			done <- err
		}()

		s.inject(client.ReplyDestination(), contracts.NewReply(first, "too late"))

		require.NoError(t, <-done)
		// unmatched replies fall through to the broadcast handler
		require.True(t, handler.wait(1, time.Second))
		assert.Equal(t, []string{"too late"}, handler.texts())
	})

	t.Run("reply for one request never resolves another", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		lender(s, loanRequestQ, 10*time.Millisecond, func(m contracts.Message) string {
			return "answer:" + m.ID
		})
		client := newLoanClient(t, s)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				request := loanRequest()
				request.ID = fmt.Sprintf("R%d", i)
				reply, err := client.SendRequest(context.Background(), request, 5*time.Second)
				if err != nil {
					errs <- err
					return
				}
				if reply.Payload.Text != "answer:"+request.ID {
					errs <- fmt.Errorf("request %s got %q", request.ID, reply.Payload.Text)
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}
		assert.Equal(t, 0, client.Registry().Len())
	})

	t.Run("broadcast traffic while pending reaches the handler", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		registry := NewCorrelationRegistry()
		dispatcher := NewDispatcher(registry)
		handler := newCollector()
		client := newLoanClient(t, s, WithRegistry(registry), WithDispatcher(dispatcher))
		chat, err := NewBroadcastClient(context.Background(), s, "topic1", WithBroadcastDispatcher(dispatcher))
		require.NoError(t, err)
		chat.SetHandler(handler)

		s.setOnSend(func(dest contracts.Destination, msg contracts.Message) {
			if dest.Name != loanRequestQ {
				return
			}
			// unrelated traffic, one message even claiming a correlation id
			s.inject(chat.Channel(), contracts.NewTextMessage("alice: hi"))
			stray := contracts.NewTextMessage("bob: hello")
			stray.CorrelationID = "someone-else"
			s.inject(chat.Channel(), stray)
			s.injectAfter(200*time.Millisecond, *msg.ReplyTo, contracts.NewReply(msg, "Accepted"))
		})

		reply, err := client.SendRequest(context.Background(), loanRequest(), 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "Accepted", reply.Payload.Text)

		require.True(t, handler.wait(2, time.Second))
		assert.Equal(t, []string{"alice: hi", "bob: hello"}, handler.texts())
	})

	t.Run("context cancellation releases the entry", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := client.SendRequest(ctx, loanRequest(), 10*time.Second)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, IsTimeout(err))
		assert.Equal(t, 0, client.Registry().Len())
	})

	t.Run("Close cancels waiting callers", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s)

		done := make(chan error, 1)
		go func() {
			_, err := client.SendRequest(context.Background(), loanRequest(), time.Minute)
			done <- err
		}()

		require.Eventually(t, func() bool { return client.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, client.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("caller still blocked after Close")
		}

		_, err := client.SendRequest(context.Background(), loanRequest(), time.Second)
		assert.ErrorIs(t, err, ErrClientClosed)
	})

	t.Run("default timeout applies to non-positive timeouts", func(t *testing.T) {
		s := newFakeSession()
		defer s.Close()
		client := newLoanClient(t, s, WithDefaultTimeout(30*time.Millisecond))

		_, err := client.SendRequest(context.Background(), loanRequest(), 0)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 30*time.Millisecond, te.Timeout)
	})

	t.Run("non-positive default timeout falls back to the package default", func(t *testing.T) {
		for _, timeout := range []time.Duration{0, -time.Second} {
			s := newFakeSession()
			client := newLoanClient(t, s, WithDefaultTimeout(timeout))
			assert.Equal(t, DefaultRequestTimeout, client.DefaultTimeout())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_, err := client.SendRequest(ctx, loanRequest(), 0)
			cancel()
			require.ErrorIs(t, err, ErrCancelled)
			assert.Equal(t, 0, client.Registry().Len())
			s.Close()
		}
	})
}
