// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/agentmsg/config"
	"github.com/glimte/agentmsg/delivery"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/pipeline"
	"github.com/glimte/agentmsg/ratelimit"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/server"
	"github.com/glimte/agentmsg/transports/nats"
	rabbitmqTransport "github.com/glimte/agentmsg/transports/rabbitmq"
	"github.com/glimte/agentmsg/trust"
)

// Client wires the delivery subsystem together from a config.Config
type Client struct {
	cfg      config.Config
	codec    *trust.Codec
	limiter  ratelimit.Limiter
	redis    *redis.Client
	metrics  *monitor.PrometheusCollector
	stats    *monitor.SimpleMetricsCollector
	failures *reliability.InMemoryFailureStore
	hub      *server.Hub
	health   *monitor.Registry
	server   *server.Server
	logger   *slog.Logger
}

type clientConfig struct {
	logger *slog.Logger
	push   server.PushFactory
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithPushFactory replaces the broker transport chosen from the config
func WithPushFactory(f server.PushFactory) ClientOption {
	return func(c *clientConfig) {
		c.push = f
	}
}

// NewClient validates cfg and builds every component it describes
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}
	logger := cc.logger

	codec, err := trust.NewCodec([]byte(cfg.Trust.Secret),
		trust.WithLifetime(cfg.Trust.Lifetime.Duration),
		trust.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create trust codec: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		codec:    codec,
		metrics:  monitor.NewPrometheusCollector(""),
		stats:    monitor.NewSimpleMetricsCollector(),
		failures: reliability.NewInMemoryFailureStore(),
		health:   monitor.NewRegistry(),
		logger:   logger,
	}

	if err := c.setupLimiter(); err != nil {
		return nil, err
	}

	push := cc.push
	if push == nil {
		push = c.brokerPush()
	}

	engine := delivery.NewEngine(
		delivery.WithMaxRetries(cfg.Delivery.MaxRetries),
		delivery.WithBackoff(cfg.Delivery.BackoffBase.Duration, cfg.Delivery.BackoffMax.Duration),
		delivery.WithLogger(logger),
	)

	hubOpts := []server.HubOption{
		server.WithLimiter(c.limiter),
		server.WithEngine(engine),
		server.WithCollector(monitor.Multi{c.metrics, c.stats}),
		server.WithFailureStore(c.failures),
		server.WithAckOptions(messaging.WithAckTimeout(cfg.Delivery.AckTimeout.Duration)),
		server.WithRouterOptions(
			router.WithStaleWindow(cfg.Delivery.StaleWindow.Duration),
			router.WithSweepInterval(cfg.Delivery.SweepInterval.Duration),
		),
		server.WithDrainInterval(cfg.Delivery.DrainInterval.Duration),
		server.WithMailboxSize(cfg.Delivery.MailboxSize),
		server.WithLogger(logger),
	}
	if push != nil {
		hubOpts = append(hubOpts, server.WithPushFactory(push))
	}
	c.hub = server.NewHub(hubOpts...)

	c.health.Register(monitor.QueueDepthChecker(c.hub.Depths, 1000, 10000))
	c.health.Register(monitor.RuntimeChecker(5000, 20000))
	c.health.SetMetadata("listen", cfg.Listen)
	if c.redis != nil {
		client := c.redis
		c.health.Register(monitor.NewCheckerFunc("redis", func(ctx context.Context) monitor.CheckResult {
			start := time.Now()
			res := monitor.CheckResult{Name: "redis", Status: monitor.StatusHealthy, Timestamp: start}
			if err := client.Ping(ctx).Err(); err != nil {
				// the limiter keeps working per its fail-open setting
				res.Status = monitor.StatusDegraded
				res.Error = err.Error()
			}
			res.Duration = time.Since(start)
			return res
		}))
	}

	c.server = server.New(c.hub,
		server.WithCodec(codec),
		server.WithHealth(c.health),
		server.WithMetricsHandler(c.metrics.Handler()),
		server.WithServerLogger(logger),
	)
	return c, nil
}

func (c *Client) setupLimiter() error {
	ceilings := c.cfg.RateLimit.Ceilings()
	if c.cfg.Redis.URL == "" {
		c.limiter = ratelimit.NewMemoryLimiter(
			ratelimit.WithCeilings(ceilings),
			ratelimit.WithMemoryLogger(c.logger))
		return nil
	}

	opts, err := redis.ParseURL(c.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	c.redis = redis.NewClient(opts)
	c.limiter = ratelimit.NewRedisLimiter(c.redis,
		ratelimit.WithRedisCeilings(ceilings),
		ratelimit.WithKeyPrefix(c.cfg.Redis.KeyPrefix),
		ratelimit.WithFailOpen(c.cfg.Redis.FailOpen),
		ratelimit.WithRedisLogger(c.logger))
	return nil
}

// brokerPush picks the broker transport from the config. RabbitMQ wins
// when both brokers are configured.
func (c *Client) brokerPush() server.PushFactory {
	switch {
	case c.cfg.RabbitMQ.URL != "":
		if c.cfg.NATS.URL != "" {
			c.logger.Warn("both rabbitmq and nats configured, using rabbitmq")
		}
		rc := rabbitmqTransport.DefaultConfig()
		rc.URL = c.cfg.RabbitMQ.URL
		if c.cfg.RabbitMQ.Exchange != "" {
			rc.Exchange = c.cfg.RabbitMQ.Exchange
		}
		return func(ctx context.Context, session string) (messaging.Transport, error) {
			t, err := rabbitmqTransport.Connect(ctx, rc, session, c.logger)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	case c.cfg.NATS.URL != "":
		nc := nats.DefaultConfig()
		nc.URL = c.cfg.NATS.URL
		nc.AckTimeout = c.cfg.Delivery.AckTimeout.Duration
		if c.cfg.NATS.SubjectPrefix != "" {
			nc.SubjectPrefix = c.cfg.NATS.SubjectPrefix
		}
		return func(ctx context.Context, session string) (messaging.Transport, error) {
			t, err := nats.Connect(nc, session, c.logger)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	return nil
}

// Codec returns the trust token codec
func (c *Client) Codec() *trust.Codec {
	return c.codec
}

// Hub returns the session hub
func (c *Client) Hub() *server.Hub {
	return c.hub
}

// Limiter returns the shared rate limiter
func (c *Client) Limiter() ratelimit.Limiter {
	return c.limiter
}

// Stats returns the in-process metrics summary source
func (c *Client) Stats() *monitor.SimpleMetricsCollector {
	return c.stats
}

// Failures returns the failed message audit store
func (c *Client) Failures() reliability.FailureStore {
	return c.failures
}

// Handler returns the HTTP API
func (c *Client) Handler() http.Handler {
	return c.server.Routes()
}

// Adapter returns a producer adapter for session
func (c *Client) Adapter(session string, opts ...pipeline.Option) (*pipeline.Adapter, error) {
	s, err := c.hub.Session(session)
	if err != nil {
		return nil, err
	}
	opts = append([]pipeline.Option{
		pipeline.WithCodec(c.codec),
		pipeline.WithTTL(c.cfg.Delivery.DefaultTTL.Duration),
		pipeline.WithLogger(c.logger),
	}, opts...)
	return pipeline.NewAdapter(s.Router(), opts...), nil
}

// ListenAndServe serves the HTTP API on the configured address until ctx
// ends, then shuts the listener down.
func (c *Client) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              c.cfg.Listen,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("listening", "addr", c.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drains every session within ctx and releases connections
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
