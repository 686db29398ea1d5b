package router

import (
	"log/slog"
	"time"

	"github.com/glimte/agentmsg/delivery"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/ratelimit"
)

const (
	DefaultStaleWindow   = 5 * time.Minute
	DefaultSweepInterval = time.Second
)

// Option configures a Router
type Option func(*Router)

// WithLimiter sets the rate limiter consulted for low and medium priority
func WithLimiter(l ratelimit.Limiter) Option {
	return func(r *Router) {
		r.limiter = l
	}
}

// WithEngine sets the delivery guarantee engine
func WithEngine(e *delivery.Engine) Option {
	return func(r *Router) {
		r.engine = e
	}
}

// WithCollector sets the metrics sink
func WithCollector(c monitor.Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// WithFailureStore records failed and expired messages
func WithFailureStore(s reliability.FailureStore) Option {
	return func(r *Router) {
		r.failures = s
	}
}

// WithStaleWindow sets the tolerated distance between a message timestamp
// and the time it is submitted. Zero disables the check.
func WithStaleWindow(d time.Duration) Option {
	return func(r *Router) {
		r.staleWindow = d
	}
}

// WithSweepInterval sets how often the expiration sweeper runs
func WithSweepInterval(d time.Duration) Option {
	return func(r *Router) {
		r.sweepInterval = d
	}
}

// WithSession names the client session the router serves
func WithSession(session string) Option {
	return func(r *Router) {
		r.session = session
	}
}

// WithClock overrides the time source for the router and its queues
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}
