package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to the ceiling then denies", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now))

		accepted := 0
		for i := 0; i < 11; i++ {
			if limiter.Allow(ctx, contracts.AgentSanitization) {
				accepted++
			}
		}

		assert.Equal(t, 10, accepted)
		assert.Equal(t, 0, limiter.Remaining(contracts.AgentSanitization))
	})

	t.Run("uses stock ceilings", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		assert.Equal(t, 10, limiter.Ceiling(contracts.AgentSanitization))
		assert.Equal(t, 5, limiter.Ceiling(contracts.AgentSecurity))
		assert.Equal(t, 30, limiter.Ceiling(contracts.AgentStatus))
		assert.Equal(t, 10, limiter.Ceiling(contracts.AgentError))
	})

	t.Run("agent types have independent budgets", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now))

		for i := 0; i < 5; i++ {
			require.True(t, limiter.Allow(ctx, contracts.AgentSecurity))
		}
		assert.False(t, limiter.Allow(ctx, contracts.AgentSecurity))
		assert.True(t, limiter.Allow(ctx, contracts.AgentStatus))
	})

	t.Run("admissions leave the window one minute after they were made", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now))

		for i := 0; i < 10; i++ {
			require.True(t, limiter.Allow(ctx, contracts.AgentSanitization))
		}

		clock.Advance(10 * time.Second)
		assert.False(t, limiter.Allow(ctx, contracts.AgentSanitization))

		clock.Advance(Window - 10*time.Second + time.Millisecond)
		assert.True(t, limiter.Allow(ctx, contracts.AgentSanitization))
		assert.Equal(t, 9, limiter.Remaining(contracts.AgentSanitization))
	})

	t.Run("never admits more than the ceiling in any trailing minute", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now), WithCeilings(Ceilings{contracts.AgentError: 6}))

		for i := 0; i < 6; i++ {
			require.True(t, limiter.Allow(ctx, contracts.AgentError))
		}

		clock.Advance(59 * time.Second)
		accepted := 0
		for i := 0; i < 20; i++ {
			if limiter.Allow(ctx, contracts.AgentError) {
				accepted++
			}
		}
		assert.Equal(t, 0, accepted)

		clock.Advance(time.Second)
		assert.Equal(t, 6, limiter.Remaining(contracts.AgentError))
	})

	t.Run("spread admissions expire individually", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now), WithCeilings(Ceilings{contracts.AgentSecurity: 2}))

		require.True(t, limiter.Allow(ctx, contracts.AgentSecurity))
		clock.Advance(30 * time.Second)
		require.True(t, limiter.Allow(ctx, contracts.AgentSecurity))
		require.False(t, limiter.Allow(ctx, contracts.AgentSecurity))

		clock.Advance(30 * time.Second)
		assert.True(t, limiter.Allow(ctx, contracts.AgentSecurity))
		assert.False(t, limiter.Allow(ctx, contracts.AgentSecurity))
	})

	t.Run("partial ceilings keep defaults", func(t *testing.T) {
		limiter := NewMemoryLimiter(WithCeilings(Ceilings{contracts.AgentStatus: 2}))

		assert.Equal(t, 2, limiter.Ceiling(contracts.AgentStatus))
		assert.Equal(t, 5, limiter.Ceiling(contracts.AgentSecurity))
	})

	t.Run("unknown agent type is denied", func(t *testing.T) {
		limiter := NewMemoryLimiter()
		assert.False(t, limiter.Allow(ctx, contracts.AgentType("billing")))
	})

	t.Run("set ceiling validates input", func(t *testing.T) {
		limiter := NewMemoryLimiter()

		assert.ErrorIs(t, limiter.SetCeiling(contracts.AgentStatus, 0), ErrInvalidCeiling)
		assert.ErrorIs(t, limiter.SetCeiling("billing", 3), ErrUnknownAgent)
		require.NoError(t, limiter.SetCeiling(contracts.AgentStatus, 1))

		assert.True(t, limiter.Allow(ctx, contracts.AgentStatus))
		assert.False(t, limiter.Allow(ctx, contracts.AgentStatus))
	})

	t.Run("concurrent callers never exceed the ceiling", func(t *testing.T) {
		clock := newStepClock()
		limiter := NewMemoryLimiter(WithClock(clock.Now))

		var wg sync.WaitGroup
		var admitted int32
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow(ctx, contracts.AgentStatus) {
					atomic.AddInt32(&admitted, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(30), admitted)
	})
}

func TestCeilingsValidate(t *testing.T) {
	assert.NoError(t, DefaultCeilings().Validate())
	assert.ErrorIs(t, Ceilings{contracts.AgentError: 0}.Validate(), ErrInvalidCeiling)
	assert.ErrorIs(t, Ceilings{"billing": 1}.Validate(), ErrUnknownAgent)
}
