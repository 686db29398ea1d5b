package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/trust"
)

// MaxBodySize bounds request bodies
const MaxBodySize = 1 << 20

// Server exposes a Hub over HTTP
type Server struct {
	hub     *Hub
	codec   *trust.Codec
	health  *monitor.Registry
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithCodec verifies trust tokens on submitted messages and enables the
// token verification endpoint.
func WithCodec(c *trust.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// WithHealth serves registry at /healthz
func WithHealth(registry *monitor.Registry) Option {
	return func(s *Server) {
		s.health = registry
	}
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server for hub
func New(hub *Hub, opts ...Option) *Server {
	s := &Server{
		hub:    hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = monitor.NewRegistry()
		s.health.Register(monitor.QueueDepthChecker(hub.Depths, 1000, 10000))
	}
	return s
}

// Routes builds the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/livez", monitor.LivenessHandler())
	r.Handle("/healthz", monitor.NewHandler(s.health, 5*time.Second))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{session}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/messages", s.submit)
			r.Get("/poll", s.poll)
			r.Post("/ack/{id}", s.ack)
			r.Get("/ws", s.serveWebSocket)
		})
		r.Get("/failures", s.listFailures)
		r.Post("/failures/{id}/resolve", s.resolveFailure)
		r.Post("/tokens/verify", s.verifyToken)
	})
	return r
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"requestId", chimw.GetReqID(r.Context()),
					"remoteAddr", r.RemoteAddr)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
