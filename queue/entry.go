package queue

import (
	"time"

	"github.com/glimte/agentmsg/contracts"
)

// Name identifies one of the two delivery queues
type Name string

const (
	Immediate  Name = "immediate"
	Background Name = "background"
)

// Names lists the queues in drain order
var Names = []Name{Immediate, Background}

// For returns the queue a priority is routed to.
func For(p contracts.Priority) Name {
	if p.Urgent() {
		return Immediate
	}
	return Background
}

// Status is the lifecycle state of a queue entry
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the entry has left its queue for good
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusExpired || s == StatusFailed
}

// Entry is a point-in-time copy of a queued message and its delivery state.
// The message itself is shared and must not be modified.
type Entry struct {
	Message    *contracts.AgentMessage
	Queue      Name
	EnqueuedAt time.Time
	Attempts   int
	Status     Status
	LastError  string
}

// ID returns the message id
func (e Entry) ID() string {
	return e.Message.ID
}

// ExpiresAt is the instant the entry's TTL runs out, measured from enqueue.
func (e Entry) ExpiresAt() time.Time {
	return e.EnqueuedAt.Add(e.Message.TTLDuration())
}

// ExpiredAt reports whether the TTL has elapsed at now
func (e Entry) ExpiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Age is how long the entry has been held at now
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}
