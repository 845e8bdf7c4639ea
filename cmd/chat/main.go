package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cmwolfe/msgbook"
	"github.com/cmwolfe/msgbook/internal/cli"
)

const shutdownTimeout = 5 * time.Second

func main() {
	opts := cli.NewOptions()

	rootCmd := &cobra.Command{
		Use:   "chat",
		Short: "Broadcast chat over a shared topic",
		Long: `Chat publishes every line typed on stdin to a shared topic and prints
what the other participants send. Type "exit" to leave.`,
		Version: cli.Version(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()

			logger := opts.Logger(cmd.ErrOrStderr())
			connector, err := opts.Connector(logger)
			if err != nil {
				return err
			}

			collector, stopMetrics, err := opts.Metrics(logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := stopMetrics(context.Background()); err != nil {
					logger.Warn("failed to stop metrics server", "error", err)
				}
			}()

			username := opts.Config.Username
			if username == "" {
				username = uuid.NewString()
			}

			client, err := msgbook.NewClient(ctx, connector,
				msgbook.WithBroadcastTopic(opts.Config.ChatTopic),
				msgbook.WithNoLocal(true),
				msgbook.WithMetrics(collector),
				msgbook.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to join %s: %w", opts.Config.ChatTopic, err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := client.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			client.SetBroadcastHandler(printer(cmd.OutOrStdout()))
			logger.Debug("joined chat", "topic", opts.Config.ChatTopic, "username", username, "config", opts.Config.String())

			return runChat(ctx, client, username, cmd.InOrStdin(), logger)
		},
	}

	opts.BindConnectionFlags(rootCmd)
	rootCmd.Flags().StringVarP(&opts.Config.Username, "username", "n", "", "Name shown before your messages (random if empty)")
	rootCmd.Flags().StringVar(&opts.Config.ChatTopic, "topic", opts.Config.ChatTopic, "Topic to chat on")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
