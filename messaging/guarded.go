package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
)

// GuardedTransport puts a circuit breaker in front of a push transport.
// While the breaker is open the transport reports itself unavailable, so
// drains stop and leave messages queued instead of burning retries.
// Non-retryable errors pass through without counting against the breaker.
type GuardedTransport struct {
	inner   Transport
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger
}

// NewGuardedTransport wraps inner with breaker
func NewGuardedTransport(inner Transport, breaker *reliability.CircuitBreaker, logger *slog.Logger) *GuardedTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedTransport{inner: inner, breaker: breaker, logger: logger}
}

// Name implements Named
func (g *GuardedTransport) Name() string {
	return TransportName(g.inner)
}

// Inner returns the wrapped transport
func (g *GuardedTransport) Inner() Transport {
	return g.inner
}

// Breaker returns the circuit breaker
func (g *GuardedTransport) Breaker() *reliability.CircuitBreaker {
	return g.breaker
}

// Available implements Transport
func (g *GuardedTransport) Available() bool {
	return g.breaker.Ready() && g.inner.Available()
}

// Send implements Transport
func (g *GuardedTransport) Send(ctx context.Context, msg *contracts.AgentMessage) error {
	return g.guard(ctx, msg, g.inner.Send)
}

// SendWithAck implements AckTransport. It returns ErrAckUnsupported when the
// wrapped transport cannot acknowledge.
func (g *GuardedTransport) SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error {
	at, ok := g.inner.(AckTransport)
	if !ok {
		return reliability.Permanent(ErrAckUnsupported)
	}
	return g.guard(ctx, msg, at.SendWithAck)
}

// SupportsAck reports whether the wrapped transport can acknowledge
func (g *GuardedTransport) SupportsAck() bool {
	_, ok := g.inner.(AckTransport)
	return ok
}

func (g *GuardedTransport) guard(ctx context.Context, msg *contracts.AgentMessage,
	send func(context.Context, *contracts.AgentMessage) error) error {
	var permanent error
	err := g.breaker.Execute(ctx, func() error {
		err := send(ctx, msg)
		if err != nil && !reliability.IsRetryableError(err) {
			permanent = err
			return nil
		}
		if errors.Is(err, context.Canceled) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	if errors.Is(err, reliability.ErrCircuitOpen) || errors.Is(err, reliability.ErrCircuitHalfOpenLimit) {
		g.logger.Debug("circuit breaker rejected send",
			"transport", g.Name(),
			"messageId", msg.ID,
			"state", g.breaker.GetState().String())
	}
	return err
}

// SupportsAck reports whether t can deliver exactly-once messages
func SupportsAck(t Transport) bool {
	if g, ok := t.(interface{ SupportsAck() bool }); ok {
		return g.SupportsAck()
	}
	_, ok := t.(AckTransport)
	return ok
}
