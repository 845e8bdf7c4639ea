// Package transports picks a messaging.Connector from configuration.
package transports

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cmwolfe/msgbook/internal/config"
	internalrabbitmq "github.com/cmwolfe/msgbook/internal/rabbitmq"
	"github.com/cmwolfe/msgbook/messaging"
	"github.com/cmwolfe/msgbook/transports/memory"
	"github.com/cmwolfe/msgbook/transports/nats"
	"github.com/cmwolfe/msgbook/transports/rabbitmq"
)

var (
	memoryOnce   sync.Once
	memoryBroker *memory.Broker
)

// SharedMemoryBroker returns the process-wide in-memory broker used by
// the "memory" transport
func SharedMemoryBroker(logger *slog.Logger) *memory.Broker {
	memoryOnce.Do(func() {
		if logger == nil {
			logger = slog.Default()
		}
		memoryBroker = memory.NewBroker(memory.WithLogger(logger))
	})
	return memoryBroker
}

// NewConnector returns the connector for cfg's transport
func NewConnector(cfg config.Config, logger *slog.Logger) (messaging.Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg.TransportName() {
	case config.TransportRabbitMQ:
		connector := rabbitmq.NewConnector(cfg.BrokerURL(), rabbitmq.WithLogger(logger))
		return WithConnectRetry(connector, cfg.ConnectRetries, internalrabbitmq.IsRetryable, logger), nil
	case config.TransportNATS:
		connector := nats.NewConnector(nats.Config{URL: cfg.BrokerURL()}, logger)
		return WithConnectRetry(connector, cfg.ConnectRetries, nil, logger), nil
	case config.TransportMemory:
		return SharedMemoryBroker(logger).Connector(), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}
