package monitor

import (
	"time"

	"github.com/glimte/agentmsg/contracts"
)

// Rejection reasons reported through MessageRejected
const (
	RejectInvalid     = "invalid"
	RejectStale       = "stale"
	RejectRateLimited = "rate_limited"
	RejectDuplicate   = "duplicate"
	RejectClosed      = "closed"
	RejectUntrusted   = "untrusted"
)

// Collector receives delivery lifecycle events. Implementations must be safe
// for concurrent use and must not block.
type Collector interface {
	MessageCreated(agentType contracts.AgentType, priority contracts.Priority)
	MessageDelivered(agentType contracts.AgentType, priority contracts.Priority, latency time.Duration)
	MessageExpired(agentType contracts.AgentType, priority contracts.Priority, age time.Duration)
	MessageFailed(agentType contracts.AgentType, priority contracts.Priority)
	MessageRejected(agentType contracts.AgentType, reason string)
	QueueDepth(queue string, depth int)
}

// NopCollector discards every event
type NopCollector struct{}

func (NopCollector) MessageCreated(contracts.AgentType, contracts.Priority)                    {}
func (NopCollector) MessageDelivered(contracts.AgentType, contracts.Priority, time.Duration) {}
func (NopCollector) MessageExpired(contracts.AgentType, contracts.Priority, time.Duration)   {}
func (NopCollector) MessageFailed(contracts.AgentType, contracts.Priority)                     {}
func (NopCollector) MessageRejected(contracts.AgentType, string)                               {}
func (NopCollector) QueueDepth(string, int)                                                    {}

// Multi fans every event out to several collectors
type Multi []Collector

func (m Multi) MessageCreated(a contracts.AgentType, p contracts.Priority) {
	for _, c := range m {
		c.MessageCreated(a, p)
	}
}

func (m Multi) MessageDelivered(a contracts.AgentType, p contracts.Priority, latency time.Duration) {
	for _, c := range m {
		c.MessageDelivered(a, p, latency)
	}
}

func (m Multi) MessageExpired(a contracts.AgentType, p contracts.Priority, age time.Duration) {
	for _, c := range m {
		c.MessageExpired(a, p, age)
	}
}

func (m Multi) MessageFailed(a contracts.AgentType, p contracts.Priority) {
	for _, c := range m {
		c.MessageFailed(a, p)
	}
}

func (m Multi) MessageRejected(a contracts.AgentType, reason string) {
	for _, c := range m {
		c.MessageRejected(a, reason)
	}
}

func (m Multi) QueueDepth(queue string, depth int) {
	for _, c := range m {
		c.QueueDepth(queue, depth)
	}
}

var (
	_ Collector = NopCollector{}
	_ Collector = Multi(nil)
)
