// Package reliability provides the failure-handling building blocks used by
// message delivery.
//
// This package implements:
//   - Retry policies: deterministic doubling backoff for delivery attempts, plus
//     a jittered variant for transport reconnects
//   - Circuit Breaker: stops pushing to a transport that keeps failing
//   - Failure Store: keeps failed and expired messages for later inspection
//
// Errors are retryable unless they wrap ErrNonRetryable or report
// IsRetryable() == false. Use Permanent to mark an error as final.
//
// Example usage:
//
//	policy := NewDoublingBackoff(100*time.Millisecond, 5*time.Second, 3)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return send(ctx, msg)
//	})
package reliability
