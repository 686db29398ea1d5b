// Package messaging defines the transport contract the router delivers
// through.
//
// A Transport sends one message. An AckTransport additionally waits for
// the receiving side to confirm processing, which exactly-once delivery
// requires. GuardedTransport wraps either kind in a circuit breaker, and
// AckTracker correlates inbound acknowledgments with the sends waiting on
// them.
package messaging
