package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmwolfe/msgbook/internal/broker"
	"github.com/cmwolfe/msgbook/internal/cli"
)

func main() {
	var (
		cfg     broker.Config
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Run an embedded NATS broker",
		Long: `Broker runs a NATS server in-process so chat and borrower can talk to
each other with --transport nats and no external infrastructure.`,
		Version: cli.Version(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()

			cfg.Logger = cli.NewLogger(cmd.ErrOrStderr(), verbose)
			srv, err := broker.Start(cfg)
			if err != nil {
				return err
			}
			defer srv.Shutdown()

			fmt.Fprintf(cmd.OutOrStdout(), "Broker %s listening on %s\n", srv.Version(), srv.ClientURL())
			fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

			<-ctx.Done()
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Host, "host", broker.DefaultHost, "Address to listen on")
	flags.IntVarP(&cfg.Port, "port", "p", broker.DefaultPort, "Port to listen on (-1 for a random port)")
	flags.Int32Var(&cfg.MaxPayload, "max-payload", broker.DefaultMaxPayload, "Largest accepted message in bytes")
	flags.BoolVar(&cfg.Debug, "debug", false, "Log protocol debug output")
	flags.BoolVar(&cfg.Trace, "trace", false, "Log every protocol message")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
