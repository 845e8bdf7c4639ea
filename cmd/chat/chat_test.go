package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/contracts"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg contracts.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg.Payload.Text)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunChat(t *testing.T) {
	t.Run("publishes lines until exit", func(t *testing.T) {
		pub := &recordingPublisher{}
		in := strings.NewReader("hi\nhow are you?\nEXIT\nnever sent\n")

		require.NoError(t, runChat(context.Background(), pub, "alice", in, discardLogger()))
		assert.Equal(t, []string{"alice: hi", "alice: how are you?"}, pub.sent)
	})

	t.Run("stops at end of input", func(t *testing.T) {
		pub := &recordingPublisher{}

		require.NoError(t, runChat(context.Background(), pub, "bob", strings.NewReader("hello"), discardLogger()))
		assert.Equal(t, []string{"bob: hello"}, pub.sent)
	})

	t.Run("send failures are logged and chat continues", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("broker gone")}
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))

		require.NoError(t, runChat(context.Background(), pub, "carol", strings.NewReader("one\ntwo\n"), logger))
		assert.Equal(t, 2, strings.Count(logs.String(), "failed to send chat message"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r, w := io.Pipe()
		defer w.Close()

		assert.NoError(t, runChat(ctx, &recordingPublisher{}, "dave", r, discardLogger()))
	})
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	handler := printer(&out)

	handler.Handle(context.Background(), contracts.NewTextMessage("bob: hello"))
	handler.Handle(context.Background(), contracts.NewTextMessage("carol: hey"))

	assert.Equal(t, "bob: hello\ncarol: hey\n", out.String())
}
