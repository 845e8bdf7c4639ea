package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cmwolfe/msgbook/internal/cli"
	"github.com/cmwolfe/msgbook/messaging"
)

func main() {
	opts := cli.NewOptions()

	rootCmd := &cobra.Command{
		Use:     "metadata",
		Short:   "Show what the messaging provider reports about itself",
		Version: cli.Version(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()

			logger := opts.Logger(cmd.ErrOrStderr())
			connector, err := opts.Connector(logger)
			if err != nil {
				return err
			}

			session, err := connector.Connect(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer session.Close()

			md, err := session.Metadata(ctx)
			if err != nil {
				return fmt.Errorf("failed to read metadata: %w", err)
			}

			printMetadata(cmd.OutOrStdout(), md, opts.Verbose)
			return nil
		},
	}

	opts.BindConnectionFlags(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func printMetadata(out io.Writer, md messaging.SessionMetadata, withServer bool) {
	fmt.Fprintf(out, "Protocol Version: %s\n", md.ProtocolVersion)
	fmt.Fprintf(out, "Provider: %s\n", md.ProviderName)
	fmt.Fprintf(out, "Provider Version: %s\n", md.ProviderVersion)

	fmt.Fprintln(out, "Properties Supported: ")
	for _, p := range md.Properties {
		fmt.Fprintf(out, "  %s\n", p)
	}

	if !withServer || len(md.Server) == 0 {
		return
	}
	keys := make([]string, 0, len(md.Server))
	for k := range md.Server {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(out, "Server: ")
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, md.Server[k])
	}
}
