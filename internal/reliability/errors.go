package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
	ErrUnknownState         = errors.New("circuit breaker: unknown state")

	// Retry errors
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// Failure store errors
	ErrFailureNotFound = errors.New("failure store: record not found")
	ErrInvalidFailure  = errors.New("failure store: invalid record")
)

// CircuitBreakerError represents a circuit breaker rejection with context
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry at %s)",
			e.Op, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrCircuitHalfOpenLimit
	}
	return ErrCircuitOpen
}

// IsRetryableError checks if an error should be retried. Errors are
// retryable unless they say otherwise through IsRetryable() or wrap
// ErrNonRetryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
