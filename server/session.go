package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/transports/mailbox"
)

// Session is one client session: its router, the mailbox it falls back to
// and the push transport currently attached, if any.
type Session struct {
	name    string
	router  *router.Router
	mailbox *mailbox.Mailbox
	tracker *messaging.AckTracker

	mu          sync.RWMutex
	push        *messaging.GuardedTransport
	breakerOpts []reliability.CircuitBreakerOption

	interval time.Duration
	kick     chan struct{}
	logger   *slog.Logger
}

// Name returns the session name
func (s *Session) Name() string {
	return s.name
}

// Router returns the session router
func (s *Session) Router() *router.Router {
	return s.router
}

// Mailbox returns the pull fallback
func (s *Session) Mailbox() *mailbox.Mailbox {
	return s.mailbox
}

// Tracker returns the acknowledgment tracker for this session's transports
func (s *Session) Tracker() *messaging.AckTracker {
	return s.tracker
}

// Push returns the attached push transport or nil
func (s *Session) Push() *messaging.GuardedTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.push
}

// Transport returns the push transport while it can deliver, otherwise the
// mailbox.
func (s *Session) Transport() messaging.Transport {
	if p := s.Push(); p != nil && p.Available() {
		return p
	}
	return s.mailbox
}

// Attach makes t the session's push transport behind a fresh circuit
// breaker. A previously attached transport is closed.
func (s *Session) Attach(t messaging.Transport) *messaging.GuardedTransport {
	opts := append([]reliability.CircuitBreakerOption{
		reliability.WithName("push:" + s.name),
	}, s.breakerOpts...)
	guarded := messaging.NewGuardedTransport(t, reliability.NewCircuitBreaker(opts...), s.logger)

	s.mu.Lock()
	prev := s.push
	s.push = guarded
	s.mu.Unlock()

	if prev != nil {
		closeTransport(prev.Inner())
	}
	s.logger.Info("push transport attached", "transport", messaging.TransportName(t))
	s.Kick()
	return guarded
}

// Detach removes t if it is still the attached push transport
func (s *Session) Detach(t messaging.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.push != nil && s.push.Inner() == t {
		s.push = nil
		s.logger.Info("push transport detached", "transport", messaging.TransportName(t))
	}
}

// Kick wakes the delivery loop
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run drains the router whenever a message is submitted, a transport is
// attached or the interval passes, until ctx ends.
func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.router.Notify():
		case <-s.kick:
		case <-ticker.C:
		}

		report := s.router.Drain(ctx, s.Transport())
		if report.Delivered+report.Failed+report.Expired > 0 {
			s.logger.Debug("drained",
				"delivered", report.Delivered,
				"failed", report.Failed,
				"expired", report.Expired,
				"requeued", report.Requeued)
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	push := s.push
	s.push = nil
	s.mu.Unlock()

	if push != nil {
		closeTransport(push.Inner())
	}
	s.mailbox.Close()
	s.tracker.Close()
}
