package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/google/uuid"
)

// Severity ranks how much attention a failed message deserves
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a message priority onto a failure severity
func SeverityFor(p contracts.Priority) Severity {
	switch p {
	case contracts.PriorityCritical:
		return SeverityCritical
	case contracts.PriorityHigh:
		return SeverityHigh
	case contracts.PriorityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Outcome is the terminal state a failure record describes
type Outcome string

const (
	OutcomeFailed  Outcome = "failed"
	OutcomeExpired Outcome = "expired"
)

// FailureRecord describes a message that never reached its consumer
type FailureRecord struct {
	ID                string                      `json:"id"`
	MessageID         string                      `json:"messageId"`
	Session           string                      `json:"session,omitempty"`
	AgentType         contracts.AgentType         `json:"agentType"`
	Priority          contracts.Priority          `json:"priority"`
	DeliveryGuarantee contracts.DeliveryGuarantee `json:"deliveryGuarantee"`
	Queue             string                      `json:"queue"`
	Outcome           Outcome                     `json:"outcome"`
	Severity          Severity                    `json:"severity"`
	Reason            string                      `json:"reason"`
	Attempts          int                         `json:"attempts"`
	RecordedAt        time.Time                   `json:"recordedAt"`
	Resolved          bool                        `json:"resolved"`
	ResolvedAt        *time.Time                  `json:"resolvedAt,omitempty"`
}

// NewFailureRecord builds a record for msg. err may be nil for expirations.
func NewFailureRecord(msg *contracts.AgentMessage, queue string, outcome Outcome, attempts int, err error) *FailureRecord {
	rec := &FailureRecord{
		MessageID:         msg.ID,
		AgentType:         msg.AgentType,
		Priority:          msg.Priority,
		DeliveryGuarantee: msg.DeliveryGuarantee,
		Queue:             queue,
		Outcome:           outcome,
		Severity:          SeverityFor(msg.Priority),
		Attempts:          attempts,
	}
	if err != nil {
		rec.Reason = err.Error()
	} else if outcome == OutcomeExpired {
		rec.Reason = "ttl elapsed before delivery"
	}
	return rec
}

// FailureFilter narrows List results. Zero values match everything.
type FailureFilter struct {
	Session    string
	AgentType  contracts.AgentType
	Outcome    Outcome
	Unresolved bool
	Limit      int
}

func (f FailureFilter) matches(r *FailureRecord) bool {
	if f.Session != "" && r.Session != f.Session {
		return false
	}
	if f.AgentType != "" && r.AgentType != f.AgentType {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.Unresolved && r.Resolved {
		return false
	}
	return true
}

// FailureStore keeps failed and expired messages for inspection
type FailureStore interface {
	Record(ctx context.Context, rec *FailureRecord) error
	Get(ctx context.Context, id string) (*FailureRecord, error)
	List(ctx context.Context, filter FailureFilter) ([]*FailureRecord, error)
	Resolve(ctx context.Context, id string) error
	Stats(ctx context.Context) (*FailureStats, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// FailureStats summarizes stored failures
type FailureStats struct {
	Total      int                         `json:"total"`
	Unresolved int                         `json:"unresolved"`
	ByOutcome  map[Outcome]int             `json:"byOutcome"`
	ByAgent    map[contracts.AgentType]int `json:"byAgent"`
	BySeverity map[Severity]int            `json:"bySeverity"`
}

// InMemoryFailureStore is a bounded in-memory FailureStore. Once capacity is
// reached the oldest record is evicted.
type InMemoryFailureStore struct {
	mu       sync.RWMutex
	records  map[string]*FailureRecord
	order    []string
	capacity int
	now      func() time.Time
}

// FailureStoreOption configures an InMemoryFailureStore
type FailureStoreOption func(*InMemoryFailureStore)

// WithCapacity bounds the number of records kept
func WithCapacity(n int) FailureStoreOption {
	return func(s *InMemoryFailureStore) {
		s.capacity = n
	}
}

// WithStoreClock overrides the time source
func WithStoreClock(now func() time.Time) FailureStoreOption {
	return func(s *InMemoryFailureStore) {
		s.now = now
	}
}

// NewInMemoryFailureStore creates a new in-memory failure store
func NewInMemoryFailureStore(opts ...FailureStoreOption) *InMemoryFailureStore {
	s := &InMemoryFailureStore{
		records:  make(map[string]*FailureRecord),
		capacity: 10000,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record stores rec, assigning an id and timestamp when missing
func (s *InMemoryFailureStore) Record(ctx context.Context, rec *FailureRecord) error {
	if rec == nil || rec.MessageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidFailure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}

	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	stored := *rec
	s.records[rec.ID] = &stored

	for s.capacity > 0 && len(s.order) > s.capacity {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get retrieves a record by id
func (s *InMemoryFailureStore) Get(ctx context.Context, id string) (*FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFailureNotFound, id)
	}
	c := *rec
	return &c, nil
}

// List returns matching records, newest first
func (s *InMemoryFailureStore) List(ctx context.Context, filter FailureFilter) ([]*FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FailureRecord, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if !filter.matches(rec) {
			continue
		}
		c := *rec
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Resolve marks a record as handled
func (s *InMemoryFailureStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFailureNotFound, id)
	}
	now := s.now()
	rec.Resolved = true
	rec.ResolvedAt = &now
	return nil
}

// Stats returns counts grouped by outcome, agent and severity
func (s *InMemoryFailureStore) Stats(ctx context.Context) (*FailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &FailureStats{
		Total:      len(s.records),
		ByOutcome:  make(map[Outcome]int),
		ByAgent:    make(map[contracts.AgentType]int),
		BySeverity: make(map[Severity]int),
	}
	for _, rec := range s.records {
		if !rec.Resolved {
			stats.Unresolved++
		}
		stats.ByOutcome[rec.Outcome]++
		stats.ByAgent[rec.AgentType]++
		stats.BySeverity[rec.Severity]++
	}
	return stats, nil
}

// Cleanup removes resolved records older than olderThan
func (s *InMemoryFailureStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Resolved && rec.ResolvedAt != nil && rec.ResolvedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}
