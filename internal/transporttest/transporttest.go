// Package transporttest provides scripted transports for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/messaging"
)

// Script is a transport whose results are decided per call. Results are
// consumed in order; once exhausted the Default result is returned.
type Script struct {
	mu        sync.Mutex
	results   []error
	Default   error
	available bool
	sent      []*contracts.AgentMessage
	// OnSend, when set, runs before the result is returned.
	OnSend func(msg *contracts.AgentMessage)
}

// NewScript returns an available transport that succeeds unless told otherwise
func NewScript(results ...error) *Script {
	return &Script{results: results, available: true}
}

// Failing returns a transport that always fails with err
func Failing(err error) *Script {
	s := NewScript()
	s.Default = err
	return s
}

// Name implements messaging.Named
func (s *Script) Name() string {
	return "script"
}

// SetAvailable toggles Available
func (s *Script) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// Available implements messaging.Transport
func (s *Script) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Send implements messaging.Transport
func (s *Script) Send(ctx context.Context, msg *contracts.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	var err error
	if len(s.results) > 0 {
		err = s.results[0]
		s.results = s.results[1:]
	} else {
		err = s.Default
	}
	hook := s.OnSend
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return err
}

// Calls returns how many sends were attempted
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// SentIDs returns the ids of every send attempt in order
func (s *Script) SentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		ids = append(ids, m.ID)
	}
	return ids
}

// AckScript is a Script that also implements messaging.AckTransport. Each
// SendWithAck consumes a result the same way Send does.
type AckScript struct {
	*Script
}

// NewAckScript returns an acknowledging scripted transport
func NewAckScript(results ...error) *AckScript {
	return &AckScript{Script: NewScript(results...)}
}

// SendWithAck implements messaging.AckTransport
func (a *AckScript) SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error {
	return a.Send(ctx, msg)
}

var (
	_ messaging.Transport    = (*Script)(nil)
	_ messaging.AckTransport = (*AckScript)(nil)
)
