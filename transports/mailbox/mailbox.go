// Package mailbox is the pull fallback transport. Messages pushed to a
// mailbox wait there until the client polls for them, and exactly-once
// messages are held until the client acknowledges them.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/messaging"
)

// DefaultCapacity bounds the messages a mailbox holds before it reports
// itself unavailable.
const DefaultCapacity = 1000

// Mailbox buffers messages for one client session
type Mailbox struct {
	mu       sync.Mutex
	inbox    []*contracts.AgentMessage
	waiting  map[string]struct{}
	unacked  map[string]struct{}
	capacity int
	closed   bool

	tracker    *messaging.AckTracker
	ownTracker bool
	logger     *slog.Logger
}

// Option configures a Mailbox
type Option func(*Mailbox)

// WithCapacity sets the maximum number of unpolled messages
func WithCapacity(n int) Option {
	return func(m *Mailbox) {
		m.capacity = n
	}
}

// WithTracker shares an acknowledgment tracker with other transports
func WithTracker(t *messaging.AckTracker) Option {
	return func(m *Mailbox) {
		m.tracker = t
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		m.logger = logger
	}
}

// New creates an empty mailbox
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		waiting:  make(map[string]struct{}),
		unacked:  make(map[string]struct{}),
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = messaging.NewAckTracker(messaging.WithAckLogger(m.logger))
		m.ownTracker = true
	}
	return m
}

// Name implements messaging.Named
func (m *Mailbox) Name() string {
	return "mailbox"
}

// Available reports whether the mailbox has room
func (m *Mailbox) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && (m.capacity <= 0 || len(m.inbox) < m.capacity)
}

// Send stores a copy of msg for the next poll. A message whose id is still
// waiting to be polled is not stored twice.
func (m *Mailbox) Send(ctx context.Context, msg *contracts.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: mailbox closed", messaging.ErrUnavailable)
	}
	if _, dup := m.waiting[msg.ID]; dup {
		return nil
	}
	if m.capacity > 0 && len(m.inbox) >= m.capacity {
		return fmt.Errorf("%w: mailbox full (%d)", messaging.ErrUnavailable, m.capacity)
	}

	m.inbox = append(m.inbox, msg.Clone())
	m.waiting[msg.ID] = struct{}{}
	return nil
}

// SendWithAck stores msg and blocks until the client acknowledges it, the
// tracker's timeout passes or ctx ends.
func (m *Mailbox) SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error {
	pending := m.tracker.Register(msg.ID)
	m.setUnacked(msg.ID, true)
	defer m.setUnacked(msg.ID, false)

	if err := m.Send(ctx, msg); err != nil {
		m.tracker.Forget(msg.ID)
		return err
	}
	_, err := pending.Wait(ctx)
	return err
}

func (m *Mailbox) setUnacked(id string, waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if waiting {
		m.unacked[id] = struct{}{}
	} else {
		delete(m.unacked, id)
	}
}

// Poll removes and returns up to max messages in arrival order. A max of
// zero or less returns everything.
func (m *Mailbox) Poll(max int) []*contracts.AgentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.inbox)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*contracts.AgentMessage, n)
	copy(out, m.inbox[:n])
	clear(m.inbox[:n])
	m.inbox = m.inbox[n:]
	for _, msg := range out {
		delete(m.waiting, msg.ID)
	}
	return out
}

// Ack forwards a client acknowledgment to the waiting sender. Ids this
// mailbox is not waiting on are refused even when the tracker is shared.
func (m *Mailbox) Ack(ack messaging.Ack) bool {
	m.mu.Lock()
	_, ok := m.unacked[ack.MessageID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("ignoring acknowledgment for a message this mailbox did not send", "messageId", ack.MessageID)
		return false
	}
	return m.tracker.Acknowledge(ack)
}

// Len returns the number of unpolled messages
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox)
}

// Close rejects further sends and releases acknowledgment waiters
func (m *Mailbox) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.ownTracker {
		return m.tracker.Close()
	}
	return nil
}

var (
	_ messaging.AckTransport = (*Mailbox)(nil)
	_ messaging.Poller       = (*Mailbox)(nil)
)
