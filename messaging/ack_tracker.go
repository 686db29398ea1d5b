package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
)

// Ack is a consumer's confirmation that it processed a message
type Ack struct {
	MessageID   string    `json:"messageId"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// PendingAck is an outstanding wait for one message's acknowledgment
type PendingAck struct {
	MessageID string
	ch        chan Ack
	timeout   time.Duration
	createdAt time.Time
	mu        sync.Mutex
	completed bool
	closed    bool
}

func newPendingAck(messageID string, timeout time.Duration) *PendingAck {
	return &PendingAck{
		MessageID: messageID,
		ch:        make(chan Ack, 1),
		timeout:   timeout,
		createdAt: time.Now(),
	}
}

// Wait blocks until the acknowledgment arrives, the timeout passes or ctx
// ends. A negative acknowledgment is returned as a non-retryable error.
func (p *PendingAck) Wait(ctx context.Context) (Ack, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case ack := <-p.ch:
		if p.isClosed() {
			return ack, ErrTrackerClosed
		}
		if !ack.Success {
			return ack, reliability.Permanent(fmt.Errorf("%w: %s", ErrAckRejected, ack.Error))
		}
		return ack, nil
	case <-timer.C:
		p.markCompleted()
		return Ack{}, fmt.Errorf("%w after %v for message %s", ErrAckTimeout, p.timeout, p.MessageID)
	case <-ctx.Done():
		p.markCompleted()
		return Ack{}, ctx.Err()
	}
}

// IsCompleted returns true if the acknowledgment was received or the wait ended
func (p *PendingAck) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *PendingAck) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PendingAck) markCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = true
}

func (p *PendingAck) complete(ack Ack) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return false
	}
	p.completed = true
	p.ch <- ack
	return true
}

// AckTracker matches incoming acknowledgments to messages awaiting them.
// A message is registered once per attempt; registering an id that still has
// an open wait returns that wait, so a late acknowledgment for an earlier
// attempt satisfies the retry.
type AckTracker struct {
	pending         map[string]*PendingAck
	defaultTimeout  time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// AckTrackerOption configures an AckTracker
type AckTrackerOption func(*AckTracker)

// WithAckTimeout sets how long a wait lasts
func WithAckTimeout(d time.Duration) AckTrackerOption {
	return func(t *AckTracker) {
		t.defaultTimeout = d
	}
}

// WithCleanupInterval sets how often abandoned waits are purged
func WithCleanupInterval(d time.Duration) AckTrackerOption {
	return func(t *AckTracker) {
		t.cleanupInterval = d
	}
}

// WithAckLogger sets the logger
func WithAckLogger(logger *slog.Logger) AckTrackerOption {
	return func(t *AckTracker) {
		t.logger = logger
	}
}

// NewAckTracker creates a tracker and starts its cleanup routine
func NewAckTracker(opts ...AckTrackerOption) *AckTracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &AckTracker{
		pending:         make(map[string]*PendingAck),
		defaultTimeout:  10 * time.Second,
		cleanupInterval: time.Minute,
		logger:          slog.Default(),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.cleanupRoutine()

	return t
}

// Timeout returns the per-wait timeout
func (t *AckTracker) Timeout() time.Duration {
	return t.defaultTimeout
}

// Register opens a wait for messageID
func (t *AckTracker) Register(messageID string) *PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[messageID]; ok && !p.IsCompleted() {
		return p
	}
	p := newPendingAck(messageID, t.defaultTimeout)
	t.pending[messageID] = p

	t.logger.Debug("registered pending acknowledgment", "messageId", messageID)
	return p
}

// Forget drops the wait for messageID without completing it
func (t *AckTracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, messageID)
}

// Acknowledge completes the wait for ack.MessageID. It reports false when
// nothing was waiting.
func (t *AckTracker) Acknowledge(ack Ack) bool {
	if ack.ProcessedAt.IsZero() {
		ack.ProcessedAt = time.Now()
	}

	t.mu.Lock()
	p, ok := t.pending[ack.MessageID]
	if ok {
		delete(t.pending, ack.MessageID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("acknowledgment for unknown message", "messageId", ack.MessageID)
		return false
	}

	if !p.complete(ack) {
		t.logger.Warn("acknowledgment arrived after wait ended", "messageId", ack.MessageID)
		return false
	}

	t.logger.Debug("acknowledgment received",
		"messageId", ack.MessageID,
		"success", ack.Success,
		"waited", time.Since(p.createdAt))
	return true
}

// Pending returns the number of open waits
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *AckTracker) cleanupRoutine() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *AckTracker) cleanup() {
	now := time.Now()

	t.mu.Lock()
	removed := 0
	for id, p := range t.pending {
		if p.IsCompleted() || now.Sub(p.createdAt) > p.timeout*2 {
			delete(t.pending, id)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("cleaned up stale acknowledgment waits", "count", removed)
	}
}

// Close stops the cleanup routine and releases every waiter with
// ErrTrackerClosed.
func (t *AckTracker) Close() error {
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.complete(Ack{MessageID: id, Error: ErrTrackerClosed.Error(), ProcessedAt: time.Now()})
	}
	t.pending = make(map[string]*PendingAck)
	return nil
}
