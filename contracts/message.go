package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies the processing agent that produced a message
type AgentType string

const (
	AgentSanitization AgentType = "sanitization"
	AgentSecurity     AgentType = "security"
	AgentStatus       AgentType = "status"
	AgentError        AgentType = "error"
)

// AgentTypes lists every known agent type in a stable order
var AgentTypes = []AgentType{AgentSanitization, AgentSecurity, AgentStatus, AgentError}

// Valid reports whether the agent type is one of the known values
func (a AgentType) Valid() bool {
	switch a {
	case AgentSanitization, AgentSecurity, AgentStatus, AgentError:
		return true
	}
	return false
}

// Priority determines queue placement
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every priority from lowest to highest
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Valid reports whether the priority is one of the known values
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Urgent reports whether the priority belongs on the immediate queue.
// Urgent messages are also exempt from rate limiting.
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// DeliveryGuarantee is the reliability contract for a message
type DeliveryGuarantee string

const (
	BestEffort  DeliveryGuarantee = "best-effort"
	AtLeastOnce DeliveryGuarantee = "at-least-once"
	ExactlyOnce DeliveryGuarantee = "exactly-once"
)

// Valid reports whether the guarantee is one of the known values
func (g DeliveryGuarantee) Valid() bool {
	switch g {
	case BestEffort, AtLeastOnce, ExactlyOnce:
		return true
	}
	return false
}

// RequiresAck reports whether delivery must be confirmed by the receiver
func (g DeliveryGuarantee) RequiresAck() bool {
	return g == ExactlyOnce
}

// AgentMessage is the unit of delivery from a backend agent to a client session
type AgentMessage struct {
	ID                string            `json:"id"`
	Content           string            `json:"content"`
	Timestamp         time.Time         `json:"timestamp"`
	AgentType         AgentType         `json:"agentType"`
	Priority          Priority          `json:"priority"`
	TTL               int64             `json:"ttl"` // milliseconds after Timestamp
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
	Source            string            `json:"source"`
	TrustToken        *TrustToken       `json:"trustToken,omitempty"`

	// Payload carries producer-specific data the core never interprets
	Payload json.RawMessage `json:"payload,omitempty"`

	// extra holds unknown wire fields so they survive a decode/encode cycle
	extra map[string]json.RawMessage
}

// NewAgentMessage creates a message with a generated ID and the current timestamp
func NewAgentMessage(agentType AgentType, priority Priority, content string) *AgentMessage {
	return &AgentMessage{
		ID:                uuid.Must(uuid.NewV7()).String(),
		Content:           content,
		Timestamp:         time.Now().UTC(),
		AgentType:         agentType,
		Priority:          priority,
		DeliveryGuarantee: BestEffort,
	}
}

// MaxTTL is the largest TTL in milliseconds that fits a time.Duration
const MaxTTL = math.MaxInt64 / int64(time.Millisecond)

// TTLDuration returns the message TTL as a duration, saturating at the
// largest representable duration.
func (m *AgentMessage) TTLDuration() time.Duration {
	if m.TTL > MaxTTL {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(m.TTL) * time.Millisecond
}

// ExpiresAt returns the instant after which the message is no longer deliverable
func (m *AgentMessage) ExpiresAt() time.Time {
	return m.Timestamp.Add(m.TTLDuration())
}

// Extra returns the raw value of an unknown wire field preserved from decoding
func (m *AgentMessage) Extra(name string) (json.RawMessage, bool) {
	v, ok := m.extra[name]
	return v, ok
}

// Clone returns a copy that shares no mutable state with m
func (m *AgentMessage) Clone() *AgentMessage {
	c := *m
	if m.TrustToken != nil {
		c.TrustToken = m.TrustToken.Clone()
	}
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(m.extra))
		for k, v := range m.extra {
			c.extra[k] = v
		}
	}
	return &c
}

// Validate checks the structural invariants of the message
func (m *AgentMessage) Validate() error {
	switch {
	case m.ID == "":
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	case !m.AgentType.Valid():
		return &ValidationError{Field: "agentType", Reason: "unknown agent type " + quote(string(m.AgentType))}
	case !m.Priority.Valid():
		return &ValidationError{Field: "priority", Reason: "unknown priority " + quote(string(m.Priority))}
	case !m.DeliveryGuarantee.Valid():
		return &ValidationError{Field: "deliveryGuarantee", Reason: "unknown guarantee " + quote(string(m.DeliveryGuarantee))}
	case m.TTL <= 0:
		return &ValidationError{Field: "ttl", Reason: "must be a positive number of milliseconds"}
	case m.TTL > MaxTTL:
		return &ValidationError{Field: "ttl", Reason: fmt.Sprintf("must not exceed %d milliseconds", MaxTTL)}
	case m.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	case m.Content == "":
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if m.TrustToken != nil {
		if err := m.TrustToken.CheckFields(); err != nil {
			return &ValidationError{Field: "trustToken", Reason: err.Error()}
		}
	}
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
