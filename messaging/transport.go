package messaging

import (
	"context"
	"errors"

	"github.com/glimte/agentmsg/contracts"
)

var (
	// ErrUnavailable is returned by a transport that cannot push right now.
	ErrUnavailable = errors.New("messaging: transport unavailable")
	// ErrAckUnsupported is returned when exactly-once delivery is requested
	// over a transport without acknowledgments.
	ErrAckUnsupported = errors.New("messaging: transport does not support acknowledgments")
	// ErrAckTimeout is returned when no acknowledgment arrived in time.
	ErrAckTimeout = errors.New("messaging: acknowledgment timeout")
	// ErrAckRejected is returned when the consumer acknowledged with a failure.
	ErrAckRejected = errors.New("messaging: acknowledgment reported failure")
	// ErrTrackerClosed is returned to waiters when the tracker shuts down.
	ErrTrackerClosed = errors.New("messaging: acknowledgment tracker closed")
)

// Transport pushes messages to a client session.
type Transport interface {
	// Send hands msg to the consumer. A nil error means the transport
	// accepted it, not that the consumer processed it.
	Send(ctx context.Context, msg *contracts.AgentMessage) error
	// Available reports whether Send can currently succeed.
	Available() bool
}

// AckTransport is a Transport that can wait for the consumer to confirm a
// message. Retries of the same message carry the same id, so an implementation
// may treat a repeat SendWithAck as a continued wait.
type AckTransport interface {
	Transport
	SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error
}

// Poller is the pull side used when no push channel is connected.
type Poller interface {
	// Poll returns up to max messages waiting for the consumer.
	Poll(max int) []*contracts.AgentMessage
	// Ack confirms a polled message. It reports false for unknown ids.
	Ack(ack Ack) bool
}

// Named is implemented by transports that report a name for logs and metrics.
type Named interface {
	Name() string
}

// TransportName returns t's name, or "transport" when it has none.
func TransportName(t Transport) string {
	if n, ok := t.(Named); ok {
		return n.Name()
	}
	return "transport"
}
