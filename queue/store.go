package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/glimte/agentmsg/contracts"
)

var (
	ErrClosed        = errors.New("queue: store is closed")
	ErrDuplicateID   = errors.New("queue: message id already queued")
	ErrNotFound      = errors.New("queue: entry not found")
	ErrNotDelivering = errors.New("queue: entry is not being delivered")
)

// Store owns the immediate and background queues. Every mutation happens
// under one mutex, and no method blocks on anything but that mutex.
type Store struct {
	mu     sync.Mutex
	queues map[Name][]*Entry
	byID   map[string]*Entry
	closed bool
	now    func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		queues: make(map[Name][]*Entry, len(Names)),
		byID:   make(map[string]*Entry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	return s.now()
}

// Enqueue appends msg to the tail of the queue its priority selects.
func (s *Store) Enqueue(msg *contracts.AgentMessage) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrClosed
	}
	if _, exists := s.byID[msg.ID]; exists {
		return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}

	e := &Entry{
		Message:    msg,
		Queue:      For(msg.Priority),
		EnqueuedAt: s.now(),
		Status:     StatusQueued,
	}
	s.queues[e.Queue] = append(s.queues[e.Queue], e)
	s.byID[msg.ID] = e
	return *e, nil
}

// Next marks the oldest queued entry of the highest-priority non-empty
// queue as delivering and returns it. Entries found past their TTL on the
// way are expired, removed and returned in expired.
func (s *Store) Next() (next *Entry, expired []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, name := range Names {
		for i := 0; i < len(s.queues[name]); {
			e := s.queues[name][i]
			if e.Status != StatusQueued {
				i++
				continue
			}
			if e.ExpiredAt(now) {
				e.Status = StatusExpired
				expired = append(expired, *e)
				s.removeLocked(e)
				continue
			}
			e.Status = StatusDelivering
			c := *e
			return &c, expired
		}
	}
	return nil, expired
}

// BeginAttempt counts one more delivery attempt for a delivering entry and
// returns the new total. If the TTL has run out the entry is expired and
// removed, and the returned error wraps contracts.ErrExpired.
func (s *Store) BeginAttempt(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Status != StatusDelivering {
		return e.Attempts, fmt.Errorf("%w: %s is %s", ErrNotDelivering, id, e.Status)
	}
	now := s.now()
	if e.ExpiredAt(now) {
		e.Status = StatusExpired
		s.removeLocked(e)
		return e.Attempts, &contracts.ExpiredError{MessageID: id, Age: e.Age(now), TTL: e.Message.TTLDuration()}
	}
	e.Attempts++
	return e.Attempts, nil
}

// RecordError stores the latest delivery error on the entry.
func (s *Store) RecordError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byID[id]; ok && err != nil {
		e.LastError = err.Error()
	}
}

// Complete moves a live entry to a terminal status and removes it from its
// queue. It returns false if the entry was already gone, for example because
// the sweeper expired it mid-delivery.
func (s *Store) Complete(id string, status Status, cause error) (Entry, bool) {
	if !status.Terminal() {
		panic("queue: Complete called with non-terminal status " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	e.Status = status
	if cause != nil {
		e.LastError = cause.Error()
	}
	s.removeLocked(e)
	return *e, true
}

// Requeue puts a delivering entry back to queued in its original position.
func (s *Store) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Status != StatusDelivering {
		return fmt.Errorf("%w: %s is %s", ErrNotDelivering, id, e.Status)
	}
	e.Status = StatusQueued
	return nil
}

// Expire removes every queued or delivering entry whose TTL has elapsed at
// now and returns them with status expired.
func (s *Store) Expire(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Entry
	for _, name := range Names {
		kept := s.queues[name][:0]
		for _, e := range s.queues[name] {
			if !e.Status.Terminal() && e.ExpiredAt(now) {
				e.Status = StatusExpired
				delete(s.byID, e.Message.ID)
				expired = append(expired, *e)
				continue
			}
			kept = append(kept, e)
		}
		clear(s.queues[name][len(kept):])
		s.queues[name] = kept
	}
	return expired
}

// Get returns a copy of the live entry with the given id
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Depth returns the number of live entries in a queue
func (s *Store) Depth(name Name) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[name])
}

// Len returns the number of live entries across both queues
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Entries returns copies of a queue's live entries in FIFO order
func (s *Store) Entries(name Name) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.queues[name]))
	for _, e := range s.queues[name] {
		out = append(out, *e)
	}
	return out
}

// Close rejects further enqueues. Live entries stay drainable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Reopen accepts enqueues again after Close.
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

// Closed reports whether enqueues are rejected
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) removeLocked(e *Entry) {
	delete(s.byID, e.Message.ID)
	q := s.queues[e.Queue]
	if i := slices.Index(q, e); i >= 0 {
		s.queues[e.Queue] = slices.Delete(q, i, i+1)
	}
}
