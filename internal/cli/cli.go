// Package cli holds the flag and logging setup shared by the msgbook commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cmwolfe/msgbook/internal/config"
	"github.com/cmwolfe/msgbook/messaging"
	"github.com/cmwolfe/msgbook/metrics"
	"github.com/cmwolfe/msgbook/transports"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Version returns the build description shown by --version
func Version() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime)
}

// Options are the flags every command shares
type Options struct {
	Config  config.Config
	Verbose bool
	// MetricsAddr serves Prometheus metrics when set
	MetricsAddr string
}

// NewOptions returns options seeded with config.Default
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}

// BindConnectionFlags registers the broker selection flags on cmd
func (o *Options) BindConnectionFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.Config.Transport, "transport", "t", o.Config.Transport, "Transport to use (rabbitmq, nats, memory)")
	flags.StringVarP(&o.Config.URL, "url", "u", o.Config.URL, "Broker URL (defaults to the transport's local address)")
	flags.IntVar(&o.Config.ConnectRetries, "connect-retries", o.Config.ConnectRetries, "Retries when the broker is not reachable yet")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "Enable verbose output")
}

// Logger returns the text logger the commands write diagnostics with
func (o *Options) Logger(w io.Writer) *slog.Logger {
	return NewLogger(w, o.Verbose)
}

// Connector validates the configuration and returns a connector for it
func (o *Options) Connector(logger *slog.Logger) (messaging.Connector, error) {
	return transports.NewConnector(o.Config, logger)
}

// Metrics returns the collector the command should report to and a stop
// function for the metrics endpoint. Without MetricsAddr nothing is served.
func (o *Options) Metrics(logger *slog.Logger) (messaging.MetricsCollector, func(context.Context) error, error) {
	if o.MetricsAddr == "" {
		return messaging.NoOpMetricsCollector{}, func(context.Context) error { return nil }, nil
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheusCollector(reg)
	if err != nil {
		return nil, nil, err
	}
	srv, err := metrics.Serve(o.MetricsAddr, reg, logger)
	if err != nil {
		return nil, nil, err
	}
	return collector, srv.Shutdown, nil
}

// NewLogger returns a text logger at info level, or debug when verbose
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SignalContext returns a context cancelled on interrupt or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Lines delivers the lines read from in until in is exhausted or ctx is done.
// The channel is closed on EOF.
func Lines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
