// Package router is the entry point of the delivery subsystem.
//
// Submit validates a message, rejects stale timestamps, applies the per
// agent type rate limit to low and medium priority traffic and appends the
// message to the immediate (high, critical) or background (low, medium)
// queue. Drain hands entries to a transport in strict priority order through
// the delivery guarantee engine, and a background sweeper removes entries
// whose TTL elapsed.
package router
