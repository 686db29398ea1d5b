package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckTracker(t *testing.T) {
	t.Run("acknowledgment releases the waiter", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(time.Second))
		defer tracker.Close()

		pending := tracker.Register("m-1")
		go func() {
			time.Sleep(10 * time.Millisecond)
			tracker.Acknowledge(Ack{MessageID: "m-1", Success: true})
		}()

		ack, err := pending.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "m-1", ack.MessageID)
		assert.False(t, ack.ProcessedAt.IsZero())
		assert.Zero(t, tracker.Pending())
	})

	t.Run("times out without acknowledgment", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(20 * time.Millisecond))
		defer tracker.Close()

		_, err := tracker.Register("m-1").Wait(context.Background())
		assert.ErrorIs(t, err, ErrAckTimeout)
		assert.True(t, reliability.IsRetryableError(err))
	})

	t.Run("negative acknowledgment is permanent", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(time.Second))
		defer tracker.Close()

		pending := tracker.Register("m-1")
		require.True(t, tracker.Acknowledge(Ack{MessageID: "m-1", Error: "render failed"}))

		_, err := pending.Wait(context.Background())
		assert.ErrorIs(t, err, ErrAckRejected)
		assert.False(t, reliability.IsRetryableError(err))
	})

	t.Run("re-registering an open wait returns it", func(t *testing.T) {
		tracker := NewAckTracker()
		defer tracker.Close()

		a := tracker.Register("m-1")
		b := tracker.Register("m-1")
		assert.Same(t, a, b)
		assert.Equal(t, 1, tracker.Pending())
	})

	t.Run("late acknowledgment satisfies the retry wait", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(20 * time.Millisecond))
		defer tracker.Close()

		_, err := tracker.Register("m-1").Wait(context.Background())
		require.ErrorIs(t, err, ErrAckTimeout)

		retry := tracker.Register("m-1")
		require.True(t, tracker.Acknowledge(Ack{MessageID: "m-1", Success: true}))
		_, err = retry.Wait(context.Background())
		assert.NoError(t, err)
	})

	t.Run("unknown acknowledgment is ignored", func(t *testing.T) {
		tracker := NewAckTracker()
		defer tracker.Close()

		assert.False(t, tracker.Acknowledge(Ack{MessageID: "nobody", Success: true}))
	})

	t.Run("context cancellation ends the wait", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(time.Minute))
		defer tracker.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tracker.Register("m-1").Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("close releases waiters", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(time.Minute))
		pending := tracker.Register("m-1")

		require.NoError(t, tracker.Close())
		_, err := pending.Wait(context.Background())
		assert.ErrorIs(t, err, ErrTrackerClosed)
		assert.Zero(t, tracker.Pending())
	})

	t.Run("cleanup purges finished waits", func(t *testing.T) {
		tracker := NewAckTracker(WithAckTimeout(5*time.Millisecond), WithCleanupInterval(10*time.Millisecond))
		defer tracker.Close()

		_, _ = tracker.Register("m-1").Wait(context.Background())
		assert.Eventually(t, func() bool { return tracker.Pending() == 0 }, time.Second, 5*time.Millisecond)
	})
}
