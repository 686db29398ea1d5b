package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static("a", StatusHealthy))
		r.Register(static("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(static("c", StatusUnhealthy))
		health := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Len(t, health.Checks, 3)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})

	t.Run("metadata is reported", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("version", "1.0.0")
		assert.Equal(t, "1.0.0", r.Check(context.Background()).Metadata["version"])
	})
}

func TestHandler(t *testing.T) {
	t.Run("degraded still answers 200", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static("ws", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusDegraded, body.Status)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static("queues", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("transport availability", func(t *testing.T) {
		up := true
		c := TransportChecker("websocket", func() bool { return up })
		assert.Equal(t, "transport:websocket", c.Name())
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

		up = false
		assert.Equal(t, StatusDegraded, c.Check(ctx).Status)
	})

	t.Run("queue depth thresholds", func(t *testing.T) {
		depths := map[string]int{"immediate": 3, "background": 4}
		c := QueueDepthChecker(func() map[string]int { return depths }, 5, 10)

		res := c.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, 7, res.Details["total"])

		depths["background"] = 7
		assert.Equal(t, StatusUnhealthy, c.Check(ctx).Status)

		depths = map[string]int{}
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)
	})

	t.Run("breaker state", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithName("ws"))
		c := BreakerChecker(cb)
		assert.Equal(t, StatusHealthy, c.Check(ctx).Status)

		_ = cb.Execute(ctx, func() error { return errors.New("down") })
		res := c.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, "open", res.Details["state"])
	})

	t.Run("goroutine thresholds", func(t *testing.T) {
		res := RuntimeChecker(0, 0).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Contains(t, res.Details, "goroutines")

		assert.Equal(t, StatusDegraded, RuntimeChecker(1, 0).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, RuntimeChecker(1, 1).Check(ctx).Status)
	})
}
