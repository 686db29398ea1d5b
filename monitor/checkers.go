package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
)

// AvailabilityFunc reports whether a dependency can currently be used
type AvailabilityFunc func() bool

// TransportChecker reports a transport's availability. A transport that is
// down only degrades the service because messages keep queueing.
func TransportChecker(name string, available AvailabilityFunc) Checker {
	return NewCheckerFunc("transport:"+name, func(ctx context.Context) CheckResult {
		res := CheckResult{Name: "transport:" + name, Timestamp: time.Now(), Status: StatusHealthy}
		if !available() {
			res.Status = StatusDegraded
			res.Message = "transport unavailable, messages are held in queue"
		}
		return res
	})
}

// QueueDepthChecker degrades once the summed depth reaches warn and turns
// unhealthy at critical. A zero threshold disables that level.
func QueueDepthChecker(depths func() map[string]int, warn, critical int) Checker {
	return NewCheckerFunc("queues", func(ctx context.Context) CheckResult {
		start := time.Now()
		total := 0
		details := make(map[string]any)
		for q, d := range depths() {
			details[q] = d
			total += d
		}
		details["total"] = total

		res := CheckResult{Name: "queues", Status: StatusHealthy, Details: details, Timestamp: start}
		switch {
		case critical > 0 && total >= critical:
			res.Status = StatusUnhealthy
			res.Message = fmt.Sprintf("queue depth %d at or above %d", total, critical)
		case warn > 0 && total >= warn:
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("queue depth %d at or above %d", total, warn)
		}
		res.Duration = time.Since(start)
		return res
	})
}

// BreakerChecker maps a circuit breaker state onto a health status
func BreakerChecker(cb *reliability.CircuitBreaker) Checker {
	name := "breaker:" + cb.Name()
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		m := cb.GetMetrics()
		res := CheckResult{
			Name:      name,
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details: map[string]any{
				"state":           m.State.String(),
				"currentFailures": m.CurrentFailures,
				"totalFailures":   m.TotalFailures,
			},
		}
		switch m.State {
		case reliability.StateOpen:
			res.Status = StatusDegraded
			res.Message = "circuit open"
		case reliability.StateHalfOpen:
			res.Status = StatusDegraded
			res.Message = "circuit probing"
		}
		return res
	})
}

// RuntimeChecker grades the goroutine count against warn and critical.
// Every live session holds at least one goroutine.
func RuntimeChecker(warn, critical int) Checker {
	return NewCheckerFunc("runtime", func(ctx context.Context) CheckResult {
		start := time.Now()
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		goroutines := runtime.NumGoroutine()

		res := CheckResult{
			Name:      "runtime",
			Status:    StatusHealthy,
			Timestamp: start,
			Details: map[string]any{
				"goroutines": goroutines,
				"heapMB":     float64(m.HeapAlloc) / 1024 / 1024,
				"gcRuns":     m.NumGC,
			},
		}
		switch {
		case critical > 0 && goroutines >= critical:
			res.Status = StatusUnhealthy
			res.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
		case warn > 0 && goroutines >= warn:
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
		}
		res.Duration = time.Since(start)
		return res
	})
}
