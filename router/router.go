package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/delivery"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/queue"
	"github.com/glimte/agentmsg/ratelimit"
)

// ErrNotAccepting is returned by Submit after Shutdown
var ErrNotAccepting = errors.New("router: not accepting messages")

// Receipt describes how an accepted message will be handled
type Receipt struct {
	ID                string     `json:"id"`
	Queue             queue.Name `json:"queue"`
	RateLimitBypassed bool       `json:"rateLimitBypassed"`
	RequiresAck       bool       `json:"requiresAck"`
	MaxRetries        int        `json:"maxRetries"`
}

// DrainReport counts what one Drain call did
type DrainReport struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Requeued  int `json:"requeued"`
}

func (d *DrainReport) add(o DrainReport) {
	d.Delivered += o.Delivered
	d.Failed += o.Failed
	d.Expired += o.Expired
	d.Requeued += o.Requeued
}

// Router admits agent messages into the immediate and background queues and
// drains them through a transport.
type Router struct {
	store   *queue.Store
	limiter ratelimit.Limiter
	engine  *delivery.Engine
	metrics monitor.Collector

	failures reliability.FailureStore

	session       string
	staleWindow   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	// drainMu allows a single drain at a time
	drainMu sync.Mutex
	notify  chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a router with an in-memory limiter and default engine unless
// configured otherwise.
func New(opts ...Option) *Router {
	r := &Router{
		staleWindow:   DefaultStaleWindow,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.limiter == nil {
		r.limiter = ratelimit.NewMemoryLimiter(ratelimit.WithClock(r.now), ratelimit.WithMemoryLogger(r.logger))
	}
	if r.engine == nil {
		r.engine = delivery.NewEngine(delivery.WithLogger(r.logger))
	}
	if r.metrics == nil {
		r.metrics = monitor.NopCollector{}
	}
	if r.session != "" {
		r.logger = r.logger.With("session", r.session)
	}
	r.store = queue.NewStore(queue.WithClock(r.now))
	return r
}

// Session returns the session name given at construction
func (r *Router) Session() string {
	return r.session
}

// Engine returns the delivery engine
func (r *Router) Engine() *delivery.Engine {
	return r.engine
}

// Submit validates msg and enqueues a copy of it. High and critical
// priorities skip the rate limiter.
func (r *Router) Submit(ctx context.Context, msg *contracts.AgentMessage) (Receipt, error) {
	if msg == nil {
		return Receipt{}, &contracts.ValidationError{Field: "message", Reason: "must not be nil"}
	}
	if r.store.Closed() {
		return Receipt{}, ErrNotAccepting
	}
	if err := msg.Validate(); err != nil {
		r.reject(msg, monitor.RejectInvalid, err)
		return Receipt{}, err
	}

	if r.staleWindow > 0 {
		skew := r.now().Sub(msg.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > r.staleWindow {
			err := &contracts.StaleMessageError{MessageID: msg.ID, Skew: skew, Window: r.staleWindow}
			r.reject(msg, monitor.RejectStale, err)
			return Receipt{}, err
		}
	}

	if _, live := r.store.Get(msg.ID); live {
		err := &contracts.ValidationError{Field: "id", Reason: "duplicates a message still in flight"}
		r.reject(msg, monitor.RejectDuplicate, err)
		return Receipt{}, err
	}

	bypassed := msg.Priority.Urgent()
	if !bypassed && !r.limiter.Allow(ctx, msg.AgentType) {
		err := &contracts.RateLimitedError{
			AgentType: msg.AgentType,
			Limit:     r.limiter.Ceiling(msg.AgentType),
			Window:    ratelimit.Window,
		}
		r.reject(msg, monitor.RejectRateLimited, err)
		return Receipt{}, err
	}

	entry, err := r.store.Enqueue(msg.Clone())
	switch {
	case errors.Is(err, queue.ErrDuplicateID):
		err = &contracts.ValidationError{Field: "id", Reason: "duplicates a message still in flight"}
		r.reject(msg, monitor.RejectDuplicate, err)
		return Receipt{}, err
	case errors.Is(err, queue.ErrClosed):
		r.reject(msg, monitor.RejectClosed, err)
		return Receipt{}, ErrNotAccepting
	case err != nil:
		return Receipt{}, err
	}

	r.metrics.MessageCreated(msg.AgentType, msg.Priority)
	r.metrics.QueueDepth(string(entry.Queue), r.store.Depth(entry.Queue))
	r.logger.Debug("message queued",
		"messageId", msg.ID,
		"agentType", msg.AgentType,
		"priority", msg.Priority,
		"queue", entry.Queue,
		"rateLimitBypassed", bypassed)

	select {
	case r.notify <- struct{}{}:
	default:
	}

	return Receipt{
		ID:                msg.ID,
		Queue:             entry.Queue,
		RateLimitBypassed: bypassed,
		RequiresAck:       msg.DeliveryGuarantee.RequiresAck(),
		MaxRetries:        r.engine.Attempts(msg.DeliveryGuarantee),
	}, nil
}

// Notify receives a value after a message is queued. It is buffered by one
// so bursts of submits coalesce into a single wake-up.
func (r *Router) Notify() <-chan struct{} {
	return r.notify
}

func (r *Router) reject(msg *contracts.AgentMessage, reason string, err error) {
	r.metrics.MessageRejected(msg.AgentType, reason)
	r.logger.Info("message rejected",
		"messageId", msg.ID,
		"agentType", msg.AgentType,
		"priority", msg.Priority,
		"reason", reason,
		"error", err)
}

// Drain delivers queued entries through t, immediate before background,
// until the queues are empty, ctx ends or t reports it cannot push.
// Undelivered entries stay queued. Only one Drain runs at a time.
func (r *Router) Drain(ctx context.Context, t messaging.Transport) DrainReport {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	var report DrainReport
	for ctx.Err() == nil && t.Available() {
		entry, expired := r.store.Next()
		report.Expired += r.expired(ctx, expired)
		if entry == nil {
			break
		}

		out := r.engine.Deliver(ctx, r.store, *entry, t)
		report.add(r.settle(ctx, out))
		if out.Status == queue.StatusQueued {
			break
		}
	}

	r.publishDepth()
	if report != (DrainReport{}) {
		r.logger.Debug("drain finished",
			"delivered", report.Delivered,
			"failed", report.Failed,
			"expired", report.Expired,
			"requeued", report.Requeued)
	}
	return report
}

// settle records metrics and audit entries for one delivery outcome
func (r *Router) settle(ctx context.Context, out delivery.Outcome) DrainReport {
	msg := out.Entry.Message
	switch out.Status {
	case queue.StatusDelivered:
		r.metrics.MessageDelivered(msg.AgentType, msg.Priority, r.now().Sub(out.Entry.EnqueuedAt))
		return DrainReport{Delivered: 1}

	case queue.StatusFailed:
		r.metrics.MessageFailed(msg.AgentType, msg.Priority)
		r.audit(ctx, out.Entry, reliability.OutcomeFailed, out.Err)
		return DrainReport{Failed: 1}

	case queue.StatusExpired:
		if out.ExpiredElsewhere {
			return DrainReport{}
		}
		return DrainReport{Expired: r.expired(ctx, []queue.Entry{out.Entry})}

	case queue.StatusQueued:
		return DrainReport{Requeued: 1}
	}
	return DrainReport{}
}

// expired reports entries that ran out of TTL and returns how many there were
func (r *Router) expired(ctx context.Context, entries []queue.Entry) int {
	now := r.now()
	for _, e := range entries {
		msg := e.Message
		age := e.Age(now)
		r.metrics.MessageExpired(msg.AgentType, msg.Priority, age)
		r.logger.Info("message expired",
			"messageId", msg.ID,
			"agentType", msg.AgentType,
			"priority", msg.Priority,
			"queue", e.Queue,
			"ageMs", age.Milliseconds(),
			"attempts", e.Attempts)
		r.audit(ctx, e, reliability.OutcomeExpired, nil)
	}
	return len(entries)
}

func (r *Router) audit(ctx context.Context, e queue.Entry, outcome reliability.Outcome, cause error) {
	if r.failures == nil {
		return
	}
	rec := reliability.NewFailureRecord(e.Message, string(e.Queue), outcome, e.Attempts, cause)
	rec.Session = r.session
	if err := r.failures.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record delivery failure", "messageId", e.Message.ID, "error", err)
	}
}

func (r *Router) publishDepth() {
	for _, name := range queue.Names {
		r.metrics.QueueDepth(string(name), r.store.Depth(name))
	}
}

// Depth returns the number of live entries in a queue
func (r *Router) Depth(name queue.Name) int {
	return r.store.Depth(name)
}

// Depths returns the depth of every queue keyed by name
func (r *Router) Depths() map[string]int {
	out := make(map[string]int, len(queue.Names))
	for _, name := range queue.Names {
		out[string(name)] = r.store.Depth(name)
	}
	return out
}

// Entries returns a snapshot of a queue in FIFO order
func (r *Router) Entries(name queue.Name) []queue.Entry {
	return r.store.Entries(name)
}

// Start opens the queues for submission and runs the expiration sweeper.
// Calling Start on a running router does nothing.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	r.store.Reopen()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.sweepLoop(ctx)
	r.logger.Info("router started", "sweepInterval", r.sweepInterval, "staleWindow", r.staleWindow)
}

// Shutdown stops accepting messages, drains what is left through t when t
// is non-nil and stops the sweeper. Entries the drain could not deliver
// before ctx ended stay queued.
func (r *Router) Shutdown(ctx context.Context, t messaging.Transport) (DrainReport, error) {
	r.store.Close()

	var report DrainReport
	if t != nil {
		report = r.Drain(ctx, t)
	}

	r.mu.Lock()
	if r.running {
		r.cancel()
		r.running = false
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.logger.Info("router stopped", "remaining", r.store.Len())
	return report, ctx.Err()
}
