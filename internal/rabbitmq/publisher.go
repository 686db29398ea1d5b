package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one confirm-mode channel and waits for the broker
// to confirm each message. Publishes are serialized so a return can be
// matched to the message that caused it.
type Publisher struct {
	cm             *ConnectionManager
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	ch      *amqp.Channel
	returns chan amqp.Return
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on top of cm
func NewPublisher(cm *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		cm:             cm,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// channel must be called with mu held
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.cm.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	p.ch = ch
	return ch, nil
}

// reset must be called with mu held
func (p *Publisher) reset() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// Publish sends msg and blocks until the broker confirms it. With mandatory
// set, a message no queue accepts fails with ErrUnroutable.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, MessageID: msg.MessageId, Err: err}
	}

	ch, err := p.channel()
	if err != nil {
		return fail(err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		p.reset()
		return fail(err)
	}

	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		// a late confirm would be attributed to the next publish
		p.reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(ErrConfirmTimeout)
	}
	if !acked {
		return fail(ErrPublishNotConfirmed)
	}

	// the broker sends basic.return before the ack of a returned message
	select {
	case ret := <-p.returns:
		return fail(fmt.Errorf("%w: %s", ErrUnroutable, ret.ReplyText))
	default:
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
