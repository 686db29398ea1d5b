package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("doubling backoff is deterministic and capped", func(t *testing.T) {
		eb := NewDoublingBackoff(100*time.Millisecond, time.Second, 10)
		assert.False(t, eb.Jitter)

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 200 * time.Millisecond},
			{1, 400 * time.Millisecond},
			{2, 800 * time.Millisecond},
			{3, time.Second},
			{9, time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("max attempts counts the first try", func(t *testing.T) {
		eb := NewDoublingBackoff(10*time.Millisecond, time.Second, 3)

		retry, delay := eb.ShouldRetry(0, errors.New("x"))
		assert.True(t, retry)
		assert.Equal(t, 20*time.Millisecond, delay)

		retry, delay = eb.ShouldRetry(1, errors.New("x"))
		assert.True(t, retry)
		assert.Equal(t, 40*time.Millisecond, delay)

		retry, delay = eb.ShouldRetry(2, errors.New("x"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewDoublingBackoff(time.Millisecond, time.Second, 5)

		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad request")))
		assert.False(t, retry)

		retry, _ = eb.ShouldRetry(0, fmt.Errorf("send: %w", ErrNonRetryable))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewDoublingBackoff(time.Millisecond, time.Millisecond, 3), func(attempt int) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("passes zero based attempt numbers", func(t *testing.T) {
		var seen []int
		err := Retry(context.Background(), NewDoublingBackoff(time.Millisecond, time.Millisecond, 3), func(attempt int) error {
			seen = append(seen, attempt)
			if attempt < 2 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, seen)
	})

	t.Run("returns last error after max attempts", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewDoublingBackoff(time.Millisecond, time.Millisecond, 3), func(attempt int) error {
			attempts++
			return fmt.Errorf("failure %d", attempt)
		})

		require.Error(t, err)
		assert.Equal(t, "failure 2", err.Error())
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		attempts := 0
		cause := errors.New("unsupported")
		err := Retry(context.Background(), NewDoublingBackoff(time.Millisecond, time.Millisecond, 5), func(attempt int) error {
			attempts++
			return Permanent(cause)
		})

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honors context cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := Retry(ctx, NewDoublingBackoff(time.Hour, time.Hour, 5), func(attempt int) error {
			return errors.New("temporary")
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("timeout")))
	assert.False(t, IsRetryableError(Permanent(errors.New("x"))))
	assert.True(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryableError(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))))
}
