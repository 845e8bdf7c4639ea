// Package broker runs an embedded NATS server for local chat and loan
// exchanges and for end-to-end tests.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Defaults for the embedded server
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = natsserver.DEFAULT_PORT
	DefaultMaxPayload   = 1024 * 100
	DefaultReadyTimeout = 10 * time.Second
)

// ErrNotReady is returned when the server did not accept connections in time
var ErrNotReady = errors.New("broker: server not ready for connections")

// Config configures the embedded server
type Config struct {
	Host string
	// Port to listen on. -1 picks a random free port.
	Port         int
	MaxPayload   int32
	ReadyTimeout time.Duration
	Debug        bool
	Trace        bool
	Logger       *slog.Logger
}

// Server is a running embedded NATS server
type Server struct {
	mu     sync.Mutex
	ns     *natsserver.Server
	logger *slog.Logger
}

// Start launches the server and waits until it accepts connections
func Start(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := &natsserver.Options{
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
		Debug:      cfg.Debug,
		Trace:      cfg.Trace,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to create server: %w", err)
	}
	ns.SetLogger(newNATSLogger(cfg.Logger), cfg.Debug, cfg.Trace)

	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, ErrNotReady
	}

	cfg.Logger.Info("embedded broker started", "url", ns.ClientURL())
	return &Server{ns: ns, logger: cfg.Logger}, nil
}

// ClientURL returns the address clients connect to
func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

// NumClients reports the number of connected clients
func (s *Server) NumClients() int {
	return s.ns.NumClients()
}

// Version returns the server version
func (s *Server) Version() string {
	return natsserver.VERSION
}

// Shutdown stops the server and waits for it to exit. It is safe to call
// more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ns == nil || !s.ns.Running() {
		return
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.logger.Info("embedded broker stopped")
}

// natsLogger forwards server log lines to slog
type natsLogger struct {
	logger *slog.Logger
}

func newNATSLogger(logger *slog.Logger) natsserver.Logger {
	return natsLogger{logger: logger.With("component", "nats-server")}
}

func (l natsLogger) Noticef(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l natsLogger) Warnf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l natsLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l natsLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l natsLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l natsLogger) Tracef(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
