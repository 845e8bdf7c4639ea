package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/cli"
	"github.com/cmwolfe/msgbook/messaging"
)

const exitCommand = "exit"

type publisher interface {
	Publish(ctx context.Context, msg contracts.Message) error
}

// chatLine formats what other participants see
func chatLine(username, text string) string {
	return fmt.Sprintf("%s: %s", username, text)
}

// runChat publishes every line read from in until "exit", EOF or ctx is done
func runChat(ctx context.Context, pub publisher, username string, in io.Reader, logger *slog.Logger) error {
	lines := cli.Lines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.EqualFold(strings.TrimSpace(line), exitCommand) {
				return nil
			}
			if err := pub.Publish(ctx, contracts.NewTextMessage(chatLine(username, line))); err != nil {
				logger.Error("failed to send chat message", "error", err)
			}
		}
	}
}

// printer writes incoming chat text to out, one message per line
func printer(out io.Writer) messaging.MessageHandler {
	var mu sync.Mutex
	return messaging.MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, msg.Payload.String())
	})
}
