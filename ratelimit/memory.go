package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"golang.org/x/time/rate"
)

// MemoryLimiter keeps a sliding log of admission times per agent type. A
// call is admitted only while fewer than the ceiling admissions fall inside
// the trailing Window, matching the Redis backend. State is lost on restart.
type MemoryLimiter struct {
	mu       sync.Mutex
	ceilings Ceilings
	logs     map[contracts.AgentType][]time.Time
	nowFunc  func() time.Time // for testing
	denyLog  map[contracts.AgentType]*rate.Sometimes
	logger   *slog.Logger
}

// MemoryOption configures a MemoryLimiter
type MemoryOption func(*MemoryLimiter)

// WithCeilings overrides the default ceilings. Agent types not named keep
// their default.
func WithCeilings(c Ceilings) MemoryOption {
	return func(m *MemoryLimiter) {
		m.ceilings = c.merged()
	}
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *MemoryLimiter) {
		m.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) {
		m.nowFunc = now
	}
}

// NewMemoryLimiter creates a new in-memory limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		ceilings: DefaultCeilings(),
		logs:     make(map[contracts.AgentType][]time.Time),
		nowFunc:  time.Now,
		denyLog:  make(map[contracts.AgentType]*rate.Sometimes),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for agent := range m.ceilings {
		// denials are logged at most once per second per agent type
		m.denyLog[agent] = &rate.Sometimes{First: 1, Interval: time.Second}
	}
	return m
}

// trim drops admissions at or before now-Window. Must be called with mu held.
func (m *MemoryLimiter) trim(agentType contracts.AgentType, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	log := m.logs[agentType]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]
	m.logs[agentType] = log
	return log
}

// Allow implements Limiter. Unknown agent types are denied.
func (m *MemoryLimiter) Allow(_ context.Context, agentType contracts.AgentType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ceiling, ok := m.ceilings[agentType]
	if !ok {
		return false
	}
	now := m.nowFunc()
	log := m.trim(agentType, now)
	if len(log) >= ceiling {
		m.denyLog[agentType].Do(func() {
			m.logger.Debug("rate ceiling reached",
				"agentType", agentType,
				"ceiling", ceiling,
				"retryIn", log[0].Add(Window).Sub(now))
		})
		return false
	}
	m.logs[agentType] = append(log, now)
	return true
}

// Ceiling implements Limiter
func (m *MemoryLimiter) Ceiling(agentType contracts.AgentType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceilings[agentType]
}

// Remaining reports how many more calls the agent type may make right now.
func (m *MemoryLimiter) Remaining(agentType contracts.AgentType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ceiling, ok := m.ceilings[agentType]
	if !ok {
		return 0
	}
	return max(ceiling-len(m.trim(agentType, m.nowFunc())), 0)
}

// SetCeiling changes an agent type's budget. Admissions already inside the
// window still count against the new ceiling.
func (m *MemoryLimiter) SetCeiling(agentType contracts.AgentType, ceiling int) error {
	if ceiling <= 0 {
		return ErrInvalidCeiling
	}
	if !agentType.Valid() {
		return ErrUnknownAgent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ceilings[agentType] = ceiling
	if m.denyLog[agentType] == nil {
		m.denyLog[agentType] = &rate.Sometimes{First: 1, Interval: time.Second}
	}
	return nil
}
