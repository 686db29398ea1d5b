package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/agentmsg/contracts"
)

// Event names used as keys in MetricsSummary
const (
	EventCreated   = "created"
	EventDelivered = "delivered"
	EventExpired   = "expired"
	EventFailed    = "failed"
)

// Labels identifies a counter series
type Labels struct {
	AgentType contracts.AgentType `json:"agentType"`
	Priority  contracts.Priority  `json:"priority"`
}

// SimpleMetricsCollector keeps counters and timing samples in memory. It
// backs tests and the JSON stats endpoint.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	counters   map[string]map[Labels]int64
	rejections map[contracts.AgentType]map[string]int64
	depths     map[string]int

	deliveryLatency *TimeStats
	expiryAge       *TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last 100 samples for percentiles
}

func (s *TimeStats) add(d time.Duration) {
	ms := d.Milliseconds()
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Count++
	s.TotalMs += ms

	if len(s.samples) >= 100 {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

func (s *TimeStats) stats() ProcessingStats {
	out := ProcessingStats{Count: s.Count, MinMs: s.MinMs, MaxMs: s.MaxMs}
	if s.Count > 0 {
		out.AvgMs = s.TotalMs / s.Count
	}
	if len(s.samples) > 0 {
		sorted := slices.Clone(s.samples)
		slices.Sort(sorted)
		out.P50Ms = percentile(sorted, 0.50)
		out.P95Ms = percentile(sorted, 0.95)
		out.P99Ms = percentile(sorted, 0.99)
	}
	return out
}

func percentile(sorted []int64, p float64) int64 {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.Reset()
	return c
}

func (c *SimpleMetricsCollector) inc(event string, a contracts.AgentType, p contracts.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[event] == nil {
		c.counters[event] = make(map[Labels]int64)
	}
	c.counters[event][Labels{a, p}]++
}

// MessageCreated implements Collector
func (c *SimpleMetricsCollector) MessageCreated(a contracts.AgentType, p contracts.Priority) {
	c.inc(EventCreated, a, p)
}

// MessageDelivered implements Collector
func (c *SimpleMetricsCollector) MessageDelivered(a contracts.AgentType, p contracts.Priority, latency time.Duration) {
	c.inc(EventDelivered, a, p)
	c.mu.Lock()
	c.deliveryLatency.add(latency)
	c.mu.Unlock()
}

// MessageExpired implements Collector
func (c *SimpleMetricsCollector) MessageExpired(a contracts.AgentType, p contracts.Priority, age time.Duration) {
	c.inc(EventExpired, a, p)
	c.mu.Lock()
	c.expiryAge.add(age)
	c.mu.Unlock()
}

// MessageFailed implements Collector
func (c *SimpleMetricsCollector) MessageFailed(a contracts.AgentType, p contracts.Priority) {
	c.inc(EventFailed, a, p)
}

// MessageRejected implements Collector
func (c *SimpleMetricsCollector) MessageRejected(a contracts.AgentType, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejections[a] == nil {
		c.rejections[a] = make(map[string]int64)
	}
	c.rejections[a][reason]++
}

// QueueDepth implements Collector
func (c *SimpleMetricsCollector) QueueDepth(queue string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depths[queue] = depth
}

// Count returns one counter value
func (c *SimpleMetricsCollector) Count(event string, a contracts.AgentType, p contracts.Priority) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[event][Labels{a, p}]
}

// Total sums an event across all labels
func (c *SimpleMetricsCollector) Total(event string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, v := range c.counters[event] {
		n += v
	}
	return n
}

// Rejected returns how often an agent type was rejected for reason
func (c *SimpleMetricsCollector) Rejected(a contracts.AgentType, reason string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rejections[a][reason]
}

// Depth returns the last reported depth of a queue
func (c *SimpleMetricsCollector) Depth(queue string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.depths[queue]
}

// MetricsSummary is a snapshot of everything collected
type MetricsSummary struct {
	Counters        map[string][]CounterSample          `json:"counters"`
	Rejections      map[contracts.AgentType]map[string]int64 `json:"rejections"`
	QueueDepths     map[string]int                      `json:"queueDepths"`
	DeliveryLatency ProcessingStats                     `json:"deliveryLatency"`
	ExpiryAge       ProcessingStats                     `json:"expiryAge"`
}

// CounterSample is one labelled counter value
type CounterSample struct {
	Labels
	Value int64 `json:"value"`
}

// ProcessingStats summarizes timing samples in milliseconds
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avgMs"`
	MinMs int64 `json:"minMs"`
	MaxMs int64 `json:"maxMs"`
	P50Ms int64 `json:"p50Ms"`
	P95Ms int64 `json:"p95Ms"`
	P99Ms int64 `json:"p99Ms"`
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Counters:        make(map[string][]CounterSample, len(c.counters)),
		Rejections:      make(map[contracts.AgentType]map[string]int64, len(c.rejections)),
		QueueDepths:     make(map[string]int, len(c.depths)),
		DeliveryLatency: c.deliveryLatency.stats(),
		ExpiryAge:       c.expiryAge.stats(),
	}
	for event, series := range c.counters {
		samples := make([]CounterSample, 0, len(series))
		for l, v := range series {
			samples = append(samples, CounterSample{Labels: l, Value: v})
		}
		slices.SortFunc(samples, func(a, b CounterSample) int {
			if a.AgentType != b.AgentType {
				if a.AgentType < b.AgentType {
					return -1
				}
				return 1
			}
			switch {
			case a.Priority < b.Priority:
				return -1
			case a.Priority > b.Priority:
				return 1
			}
			return 0
		})
		summary.Counters[event] = samples
	}
	for a, reasons := range c.rejections {
		summary.Rejections[a] = make(map[string]int64, len(reasons))
		for r, v := range reasons {
			summary.Rejections[a][r] = v
		}
	}
	for q, d := range c.depths {
		summary.QueueDepths[q] = d
	}
	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters = make(map[string]map[Labels]int64)
	c.rejections = make(map[contracts.AgentType]map[string]int64)
	c.depths = make(map[string]int)
	c.deliveryLatency = &TimeStats{}
	c.expiryAge = &TimeStats{}
}

var _ Collector = (*SimpleMetricsCollector)(nil)
