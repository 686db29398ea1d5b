// Package delivery implements the per-message delivery guarantees.
//
//	best-effort    one attempt, failure is final
//	at-least-once  up to MaxRetries attempts with doubling backoff
//	exactly-once   as at-least-once, but each attempt waits for the
//	               consumer's acknowledgment
//
// Retries always reuse the message id so consumers can deduplicate.
package delivery
