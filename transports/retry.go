package transports

import (
	"context"
	"log/slog"
	"time"

	"github.com/cmwolfe/msgbook/internal/reliability"
	"github.com/cmwolfe/msgbook/messaging"
)

// Connect retry backoff
const (
	connectInitialInterval = 250 * time.Millisecond
	connectMaxInterval     = 5 * time.Second
)

// retryingConnector retries Connect while the broker is unreachable
type retryingConnector struct {
	next   messaging.Connector
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// WithConnectRetry wraps next so Connect is retried up to retries times.
// retryable classifies dial errors; nil treats every error as transient.
func WithConnectRetry(next messaging.Connector, retries int, retryable reliability.Classifier, logger *slog.Logger) messaging.Connector {
	if retries <= 0 {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy := reliability.NewExponentialBackoff(connectInitialInterval, connectMaxInterval, 2.0, retries)
	policy.Retryable = retryable
	return &retryingConnector{next: next, policy: policy, logger: logger}
}

// Connect implements messaging.Connector
func (c *retryingConnector) Connect(ctx context.Context) (messaging.Session, error) {
	var (
		session messaging.Session
		attempt int
	)
	err := reliability.Retry(ctx, c.policy, func() error {
		attempt++
		s, err := c.next.Connect(ctx)
		if err != nil {
			c.logger.Warn("connect attempt failed",
				"attempt", attempt,
				"maxRetries", c.policy.MaxRetries(),
				"error", err)
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
