package messaging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmwolfe/msgbook/contracts"
)

// Outcome is the resolution of a pending request
type Outcome int

const (
	// OutcomePending means the request is still awaiting its reply
	OutcomePending Outcome = iota
	// OutcomeReplied means a matching reply arrived
	OutcomeReplied
	// OutcomeTimedOut means the deadline passed first
	OutcomeTimedOut
	// OutcomeCancelled means the caller or a shutdown gave up on the request
	OutcomeCancelled
	// OutcomeRemoved means the request was rolled back before it was sent
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeReplied:
		return OutcomeLabelReplied
	case OutcomeTimedOut:
		return OutcomeLabelTimeout
	case OutcomeCancelled:
		return OutcomeLabelCancelled
	case OutcomeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// PendingRequest is a request awaiting its reply. Its outcome is assigned
// exactly once, by whichever of reply, timer, cancellation or rollback
// reaches the registry first.
type PendingRequest struct {
	id       string
	deadline time.Time
	timer    *time.Timer
	done     chan struct{}

	// guarded by the owning registry's lock
	outcome Outcome
	reply   contracts.Message
}

// ID returns the request message id
func (p *PendingRequest) ID() string {
	return p.id
}

// Deadline returns when the request times out
func (p *PendingRequest) Deadline() time.Time {
	return p.deadline
}

// Done is closed once the request is resolved
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome and, for OutcomeReplied, the reply. It must
// only be called after Done is closed.
func (p *PendingRequest) Result() (Outcome, contracts.Message) {
	<-p.done
	return p.outcome, p.reply
}

// settle assigns the outcome if none was assigned yet. The caller holds the
// registry lock.
func (p *PendingRequest) settle(outcome Outcome, reply contracts.Message) bool {
	if p.outcome != OutcomePending {
		return false
	}
	p.outcome = outcome
	p.reply = reply
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true
}

// CorrelationRegistry tracks requests awaiting a reply, keyed by request
// message id. Every key present is unresolved.
type CorrelationRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	closed  bool
	logger  *slog.Logger
	metrics MetricsCollector
}

// RegistryOption configures the registry
type RegistryOption func(*CorrelationRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *CorrelationRegistry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(metrics MetricsCollector) RegistryOption {
	return func(r *CorrelationRegistry) {
		r.metrics = metrics
	}
}

// NewCorrelationRegistry creates an empty registry
func NewCorrelationRegistry(options ...RegistryOption) *CorrelationRegistry {
	r := &CorrelationRegistry{
		pending: make(map[string]*PendingRequest),
		logger:  slog.Default(),
		metrics: NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register starts tracking requestID. A timer expires the entry once
// timeout has elapsed; a non-positive timeout registers an entry that only
// a reply, Cancel or Remove can resolve. Once CancelAll has run, Register
// fails with ErrClientClosed.
func (r *CorrelationRegistry) Register(requestID string, timeout time.Duration) (*PendingRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}

	p := &PendingRequest{
		id:   requestID,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClientClosed
	}
	if _, exists := r.pending[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, requestID)
	}

	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
		p.timer = time.AfterFunc(timeout, func() {
			r.expireEntry(p)
		})
	}

	r.pending[requestID] = p
	r.metrics.SetPending(len(r.pending))
	return p, nil
}

// Resolve hands reply to the request registered under correlationID.
// It returns false, without error, when no such request is pending: the
// reply arrived late, twice, or was never solicited.
func (r *CorrelationRegistry) Resolve(correlationID string, reply contracts.Message) bool {
	if correlationID == "" {
		return false
	}

	if r.finish(correlationID, OutcomeReplied, reply) {
		return true
	}

	r.logger.Debug("dropping reply with no pending request",
		"correlationId", correlationID,
		"messageId", reply.ID)
	return false
}

// Expire times out requestID. It returns false if the entry was already
// resolved, so a reply racing the deadline is never discarded.
func (r *CorrelationRegistry) Expire(requestID string) bool {
	expired := r.finish(requestID, OutcomeTimedOut, contracts.Message{})
	if expired {
		r.logger.Debug("request expired", "requestId", requestID)
	}
	return expired
}

// Cancel resolves requestID as cancelled if it is still pending
func (r *CorrelationRegistry) Cancel(requestID string) bool {
	return r.finish(requestID, OutcomeCancelled, contracts.Message{})
}

// Remove rolls back requestID, typically after the request failed to send,
// so that no reply can resolve it later
func (r *CorrelationRegistry) Remove(requestID string) bool {
	return r.finish(requestID, OutcomeRemoved, contracts.Message{})
}

// CancelAll cancels every pending request and returns how many there were.
// The registry accepts no further registrations afterwards.
func (r *CorrelationRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	n := 0
	for id, p := range r.pending {
		delete(r.pending, id)
		if p.settle(OutcomeCancelled, contracts.Message{}) {
			n++
		}
	}
	r.metrics.SetPending(0)
	return n
}

// Len returns the number of pending requests
func (r *CorrelationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// expireEntry times out p only while p itself is the entry under its id, so
// a stale timer never settles a later registration that reused the id
func (r *CorrelationRegistry) expireEntry(p *PendingRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[p.id] != p {
		return false
	}
	delete(r.pending, p.id)
	r.metrics.SetPending(len(r.pending))
	if !p.settle(OutcomeTimedOut, contracts.Message{}) {
		return false
	}
	r.logger.Debug("request expired", "requestId", p.id)
	return true
}

// finish removes requestID and assigns its outcome, under the registry lock
func (r *CorrelationRegistry) finish(requestID string, outcome Outcome, reply contracts.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pending[requestID]
	if !exists {
		return false
	}
	delete(r.pending, requestID)
	r.metrics.SetPending(len(r.pending))
	return p.settle(outcome, reply)
}
