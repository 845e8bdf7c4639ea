package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/cmwolfe/msgbook/contracts"
)

var (
	// ErrTimeout matches every TimeoutError
	ErrTimeout = errors.New("messaging: no response")
	// ErrDuplicateID is returned when a request id is already pending
	ErrDuplicateID = errors.New("messaging: duplicate request id")
	// ErrCancelled is returned to callers whose request was drained by shutdown
	ErrCancelled = errors.New("messaging: request cancelled")
	// ErrClientClosed is returned by clients after Close
	ErrClientClosed = errors.New("messaging: client closed")
	// ErrInvalidRequest is returned for requests that cannot be tracked
	ErrInvalidRequest = errors.New("messaging: invalid request")
)

// TimeoutError reports a request that got no reply within its bound
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no response to request %s within %v", e.RequestID, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError reports a failure to hand a message to the transport
type TransportError struct {
	Op          string
	Destination contracts.Destination
	Err         error
	Timestamp   time.Time
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging: could not %s to %s: %v", e.Op, e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, dest contracts.Destination, err error) *TransportError {
	return &TransportError{
		Op:          op,
		Destination: dest,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// IsTimeout reports whether err means no reply arrived in time
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTransport reports whether err means a message could not be sent
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
