package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then admits the call only
// if the remaining count is below the ceiling. Running it as one script keeps
// concurrent processes from overshooting.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= ceiling then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window * 2)
return 1
`)

// RedisLimiter shares ceilings across every process using the same Redis.
// Each agent type is a sorted set of admission timestamps in milliseconds.
type RedisLimiter struct {
	client    redis.UniversalClient
	ceilings  Ceilings
	keyPrefix string
	timeout   time.Duration
	failOpen  bool
	nowFunc   func() time.Time
	logger    *slog.Logger
}

// RedisOption configures a RedisLimiter
type RedisOption func(*RedisLimiter)

// WithRedisCeilings overrides the default ceilings
func WithRedisCeilings(c Ceilings) RedisOption {
	return func(r *RedisLimiter) {
		r.ceilings = c.merged()
	}
}

// WithKeyPrefix namespaces the sorted-set keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) {
		r.keyPrefix = prefix
	}
}

// WithFailOpen admits messages when Redis cannot be reached. The default is
// to deny.
func WithFailOpen(open bool) RedisOption {
	return func(r *RedisLimiter) {
		r.failOpen = open
	}
}

// WithRedisTimeout bounds each Redis round trip
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisLimiter) {
		r.timeout = d
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisLimiter) {
		r.logger = logger
	}
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{
		client:    client,
		ceilings:  DefaultCeilings(),
		keyPrefix: "agentmsg:ratelimit:",
		timeout:   250 * time.Millisecond,
		nowFunc:   time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisLimiter) key(agentType contracts.AgentType) string {
	return r.keyPrefix + string(agentType)
}

// Allow implements Limiter
func (r *RedisLimiter) Allow(ctx context.Context, agentType contracts.AgentType) bool {
	ceiling, ok := r.ceilings[agentType]
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.nowFunc().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{r.key(agentType)},
		now, Window.Milliseconds(), ceiling, member).Int()
	if err != nil {
		r.logger.Warn("rate limiter backend unavailable",
			"agentType", agentType,
			"failOpen", r.failOpen,
			"error", err)
		return r.failOpen
	}
	return res == 1
}

// Ceiling implements Limiter
func (r *RedisLimiter) Ceiling(agentType contracts.AgentType) int {
	return r.ceilings[agentType]
}

// Count returns how many admissions fall in the current window.
func (r *RedisLimiter) Count(ctx context.Context, agentType contracts.AgentType) (int64, error) {
	now := r.nowFunc().UnixMilli()
	return r.client.ZCount(ctx, r.key(agentType),
		fmt.Sprintf("(%d", now-Window.Milliseconds()), "+inf").Result()
}

// Reset clears the window for an agent type.
func (r *RedisLimiter) Reset(ctx context.Context, agentType contracts.AgentType) error {
	return r.client.Del(ctx, r.key(agentType)).Err()
}
