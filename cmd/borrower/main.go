package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmwolfe/msgbook"
	"github.com/cmwolfe/msgbook/internal/cli"
)

const shutdownTimeout = 5 * time.Second

func main() {
	opts := cli.NewOptions()

	rootCmd := &cobra.Command{
		Use:   "borrower",
		Short: "Send loan requests and wait for the lender's decision",
		Long: `Borrower reads "salary, loan amount" lines from stdin, sends each as a
loan request and prints the lender's reply. A blank line quits.`,
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

			clientOpts := append(loanClientOptions(opts.Config, cmd.Flags().Changed("response-queue")),
				msgbook.WithMetrics(collector),
				msgbook.WithLogger(logger))
			client, err := msgbook.NewClient(ctx, connector, clientOpts...)
			if err != nil {
				return fmt.Errorf("failed to set up loan queues: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := client.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			logger.Debug("borrower ready", "config", opts.Config.String())
			return runBorrower(ctx, client, opts.Config.RequestTimeout, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	opts.BindConnectionFlags(rootCmd)
	rootCmd.Flags().StringVar(&opts.Config.RequestQueue, "request-queue", opts.Config.RequestQueue, "Queue loan requests are sent to")
	rootCmd.Flags().StringVar(&opts.Config.ResponseQueue, "response-queue", opts.Config.ResponseQueue, "Shared queue the lender replies on, safe for a single borrower only. Unset, each borrower replies on a private queue")
	rootCmd.Flags().DurationVar(&opts.Config.RequestTimeout, "timeout", opts.Config.RequestTimeout, "How long to wait for the lender")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
