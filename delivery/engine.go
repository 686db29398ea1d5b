package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/queue"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// Outcome is the result of delivering one entry
type Outcome struct {
	// Entry is the entry as it stood when delivery ended.
	Entry queue.Entry
	// Status is delivered, failed or expired, or queued when the entry was
	// handed back because ctx ended.
	Status queue.Status
	// Err is the last delivery error for failed entries.
	Err error
	// ExpiredElsewhere is set when the sweeper removed the entry while it
	// was being delivered and has already reported it.
	ExpiredElsewhere bool
}

// Engine applies a message's delivery guarantee: how many attempts it gets,
// how long to wait between them and whether the consumer must acknowledge.
type Engine struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithMaxRetries sets the total attempts for at-least-once and exactly-once
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithBackoff sets the first retry delay and the cap
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		e.baseDelay = base
		e.maxDelay = max
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine with three attempts and 100ms doubling backoff
// capped at 5s unless configured otherwise.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRetries < 1 {
		e.maxRetries = 1
	}
	return e
}

// MaxRetries returns the attempt budget for retried guarantees
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Attempts returns how many attempts a guarantee is allowed
func (e *Engine) Attempts(g contracts.DeliveryGuarantee) int {
	if g == contracts.BestEffort {
		return 1
	}
	return e.maxRetries
}

// Policy returns the retry policy for a guarantee. Once n attempts have
// been made the next one waits baseDelay * 2^n, capped at maxDelay.
func (e *Engine) Policy(g contracts.DeliveryGuarantee) reliability.RetryPolicy {
	return reliability.NewDoublingBackoff(e.baseDelay, e.maxDelay, e.Attempts(g))
}

// Deliver runs the attempts for an entry the store has marked delivering.
// The store lock is never held while the transport is called.
func (e *Engine) Deliver(ctx context.Context, store *queue.Store, entry queue.Entry, t messaging.Transport) Outcome {
	msg := entry.Message
	send := e.sender(msg.DeliveryGuarantee, t)
	logger := e.logger.With(
		"messageId", msg.ID,
		"agentType", msg.AgentType,
		"priority", msg.Priority,
		"deliveryGuarantee", msg.DeliveryGuarantee,
		"transport", messaging.TransportName(t))

	attempts := entry.Attempts
	err := reliability.Retry(ctx, e.Policy(msg.DeliveryGuarantee), func(int) error {
		n, err := store.BeginAttempt(msg.ID)
		if err != nil {
			return reliability.Permanent(err)
		}
		attempts = n

		err = send(ctx, msg)
		if err != nil {
			store.RecordError(msg.ID, err)
			logger.Warn("delivery attempt failed", "attempt", n, "error", err)
		}
		return err
	})

	switch {
	case err == nil:
		final, ok := store.Complete(msg.ID, queue.StatusDelivered, nil)
		if !ok {
			// the sweeper expired it while the transport had it; the sweeper
			// already counted and audited the expiry
			logger.Info("message accepted by transport after it expired", "attempts", attempts)
			return e.goneOutcome(entry, attempts)
		}
		logger.Debug("message delivered", "attempts", attempts)
		return Outcome{Entry: final, Status: queue.StatusDelivered}

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if rqErr := store.Requeue(msg.ID); rqErr != nil {
			return e.goneOutcome(entry, attempts)
		}
		final, _ := store.Get(msg.ID)
		logger.Info("delivery interrupted, message requeued", "attempts", attempts)
		return Outcome{Entry: final, Status: queue.StatusQueued, Err: err}

	case errors.Is(err, contracts.ErrExpired):
		final := entry
		final.Attempts = attempts
		final.Status = queue.StatusExpired
		return Outcome{Entry: final, Status: queue.StatusExpired, Err: err}

	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrNotDelivering):
		return e.goneOutcome(entry, attempts)
	}

	failure := &contracts.DeliveryError{MessageID: msg.ID, Attempts: attempts, Err: err}
	final, ok := store.Complete(msg.ID, queue.StatusFailed, failure)
	if !ok {
		return e.goneOutcome(entry, attempts)
	}
	logger.Error("message delivery failed",
		"attempts", attempts,
		"maxAttempts", e.Attempts(msg.DeliveryGuarantee),
		"error", err)
	return Outcome{Entry: final, Status: queue.StatusFailed, Err: failure}
}

func (e *Engine) goneOutcome(entry queue.Entry, attempts int) Outcome {
	final := entry
	final.Attempts = attempts
	final.Status = queue.StatusExpired
	return Outcome{Entry: final, Status: queue.StatusExpired, ExpiredElsewhere: true}
}

func (e *Engine) sender(g contracts.DeliveryGuarantee, t messaging.Transport) func(context.Context, *contracts.AgentMessage) error {
	if !g.RequiresAck() {
		return t.Send
	}
	if at, ok := t.(messaging.AckTransport); ok && messaging.SupportsAck(t) {
		return at.SendWithAck
	}
	return func(context.Context, *contracts.AgentMessage) error {
		return reliability.Permanent(messaging.ErrAckUnsupported)
	}
}
