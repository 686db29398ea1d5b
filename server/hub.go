package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/glimte/agentmsg/delivery"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/queue"
	"github.com/glimte/agentmsg/ratelimit"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/transports/mailbox"
)

// DefaultDrainInterval is how often a session retries delivery without
// being signalled.
const DefaultDrainInterval = time.Second

var (
	ErrInvalidSession = errors.New("server: session name must be 1-128 characters of [A-Za-z0-9._-]")
	ErrHubClosed      = errors.New("server: hub closed")
)

var sessionName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// PushFactory opens the broker push transport for a new session
type PushFactory func(ctx context.Context, session string) (messaging.Transport, error)

// Hub owns one router per client session. The rate limiter, delivery
// engine, metrics and failure store are shared by every session; ack
// tracking is per session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	limiter       ratelimit.Limiter
	engine        *delivery.Engine
	metrics       monitor.Collector
	failures      reliability.FailureStore
	ackOpts       []messaging.AckTrackerOption
	routerOpts    []router.Option
	drainInterval time.Duration
	mailboxSize   int
	push          PushFactory
	breakerOpts   []reliability.CircuitBreakerOption
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithLimiter shares l across sessions
func WithLimiter(l ratelimit.Limiter) HubOption {
	return func(h *Hub) {
		h.limiter = l
	}
}

// WithEngine shares e across sessions
func WithEngine(e *delivery.Engine) HubOption {
	return func(h *Hub) {
		h.engine = e
	}
}

// WithCollector sets the metrics collector
func WithCollector(c monitor.Collector) HubOption {
	return func(h *Hub) {
		h.metrics = c
	}
}

// WithFailureStore sets where failed and expired messages are recorded
func WithFailureStore(s reliability.FailureStore) HubOption {
	return func(h *Hub) {
		h.failures = s
	}
}

// WithAckOptions configures the acknowledgment tracker each session builds
// for its mailbox and WebSocket connections.
func WithAckOptions(opts ...messaging.AckTrackerOption) HubOption {
	return func(h *Hub) {
		h.ackOpts = append(h.ackOpts, opts...)
	}
}

// WithRouterOptions appends options applied to every session router
func WithRouterOptions(opts ...router.Option) HubOption {
	return func(h *Hub) {
		h.routerOpts = append(h.routerOpts, opts...)
	}
}

// WithDrainInterval sets the periodic drain interval
func WithDrainInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		h.drainInterval = d
	}
}

// WithMailboxSize bounds each session's pull mailbox
func WithMailboxSize(n int) HubOption {
	return func(h *Hub) {
		h.mailboxSize = n
	}
}

// WithPushFactory attaches a broker transport to every new session
func WithPushFactory(f PushFactory) HubOption {
	return func(h *Hub) {
		h.push = f
	}
}

// WithBreakerOptions configures the circuit breaker put in front of each
// push transport.
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) HubOption {
	return func(h *Hub) {
		h.breakerOpts = append(h.breakerOpts, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty hub
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:      make(map[string]*Session),
		metrics:       monitor.NopCollector{},
		drainInterval: DefaultDrainInterval,
		mailboxSize:   mailbox.DefaultCapacity,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.limiter == nil {
		h.limiter = ratelimit.NewMemoryLimiter(ratelimit.WithMemoryLogger(h.logger))
	}
	if h.engine == nil {
		h.engine = delivery.NewEngine(delivery.WithLogger(h.logger))
	}
	if h.failures == nil {
		h.failures = reliability.NewInMemoryFailureStore()
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Session returns the named session, creating and starting it on first use
func (h *Hub) Session(name string) (*Session, error) {
	if !sessionName.MatchString(name) {
		return nil, ErrInvalidSession
	}
	if s, ok := h.Lookup(name); ok {
		return s, nil
	}

	// built outside the lock: router construction may publish metrics,
	// and the depth collector reads the session map
	s := h.newSession(name)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return nil, ErrHubClosed
	}
	if existing, ok := h.sessions[name]; ok {
		h.mu.Unlock()
		s.close()
		return existing, nil
	}
	h.sessions[name] = s
	h.wg.Add(1)
	h.mu.Unlock()

	s.router.Start()
	go func() {
		defer h.wg.Done()
		s.run(h.ctx)
	}()

	if h.push != nil {
		go h.attachPush(s)
	}
	h.logger.Info("session opened", "session", name)
	return s, nil
}

func (h *Hub) newSession(name string) *Session {
	logger := h.logger.With("session", name)
	opts := []router.Option{
		router.WithLimiter(h.limiter),
		router.WithEngine(h.engine),
		router.WithCollector(depthCollector{Collector: h.metrics, hub: h}),
		router.WithFailureStore(h.failures),
		router.WithSession(name),
		router.WithLogger(h.logger),
	}
	opts = append(opts, h.routerOpts...)

	// acks are scoped to the session that sent the message
	tracker := messaging.NewAckTracker(append([]messaging.AckTrackerOption{messaging.WithAckLogger(logger)}, h.ackOpts...)...)

	return &Session{
		name:    name,
		router:  router.New(opts...),
		tracker: tracker,
		mailbox: mailbox.New(
			mailbox.WithCapacity(h.mailboxSize),
			mailbox.WithTracker(tracker),
			mailbox.WithLogger(logger),
		),
		interval:    h.drainInterval,
		kick:        make(chan struct{}, 1),
		breakerOpts: h.breakerOpts,
		logger:      logger,
	}
}

func (h *Hub) attachPush(s *Session) {
	ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()

	t, err := h.push(ctx, s.name)
	if err != nil {
		s.logger.Warn("push transport unavailable, using mailbox", "error", err)
		return
	}
	if h.ctx.Err() != nil {
		closeTransport(t)
		return
	}
	s.Attach(t)
}

// Lookup returns an existing session
func (h *Hub) Lookup(name string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[name]
	return s, ok
}

// Names returns the open session names in sorted order
func (h *Hub) Names() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	h.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Depths sums queue depths across all sessions
func (h *Hub) Depths() map[string]int {
	out := make(map[string]int, len(queue.Names))
	for _, name := range queue.Names {
		out[string(name)] = 0
	}
	for _, s := range h.snapshot() {
		for name, n := range s.router.Depths() {
			out[name] += n
		}
	}
	return out
}

// Failures returns the shared failure store
func (h *Hub) Failures() reliability.FailureStore {
	return h.failures
}

// Close stops every session. Each router drains what it can through its
// current transport before ctx ends.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	var errs []error
	for _, s := range h.snapshot() {
		report, err := s.router.Shutdown(ctx, s.Transport())
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.name, err))
		}
		s.logger.Info("session closed",
			"delivered", report.Delivered,
			"failed", report.Failed,
			"expired", report.Expired,
			"remaining", s.router.Depth(queue.Immediate)+s.router.Depth(queue.Background))
		s.close()
	}
	return errors.Join(errs...)
}

// depthCollector reports queue depth summed over every session instead of
// the depth of whichever session last changed.
type depthCollector struct {
	monitor.Collector
	hub *Hub
}

func (d depthCollector) QueueDepth(queue string, _ int) {
	d.Collector.QueueDepth(queue, d.hub.Depths()[queue])
}

func closeTransport(t messaging.Transport) {
	if c, ok := t.(io.Closer); ok {
		c.Close()
	}
}
