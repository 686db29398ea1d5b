package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/trust"
)

// DefaultTTL is the lifetime given to messages built by an Adapter
const DefaultTTL = 5 * time.Minute

var ErrNoCodec = errors.New("pipeline: sanitization reports need a trust codec")

// Risk is the classification a processing stage attaches to its output
type Risk string

const (
	RiskNone     Risk = "none"
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Priority maps a risk level to a message priority. Unknown levels are
// treated as medium.
func (r Risk) Priority() contracts.Priority {
	switch r {
	case RiskNone, RiskLow:
		return contracts.PriorityLow
	case RiskHigh:
		return contracts.PriorityHigh
	case RiskCritical:
		return contracts.PriorityCritical
	}
	return contracts.PriorityMedium
}

// DefaultGuarantees returns the delivery guarantee each agent type gets
// unless overridden.
func DefaultGuarantees() map[contracts.AgentType]contracts.DeliveryGuarantee {
	return map[contracts.AgentType]contracts.DeliveryGuarantee{
		contracts.AgentSecurity:     contracts.ExactlyOnce,
		contracts.AgentSanitization: contracts.AtLeastOnce,
		contracts.AgentError:        contracts.AtLeastOnce,
		contracts.AgentStatus:       contracts.BestEffort,
	}
}

// Submitter admits a message for delivery. *router.Router implements it.
type Submitter interface {
	Submit(ctx context.Context, msg *contracts.AgentMessage) (router.Receipt, error)
}

// Adapter builds typed agent messages for a producing stage and submits them
type Adapter struct {
	submit     Submitter
	codec      *trust.Codec
	ttl        time.Duration
	source     string
	guarantees map[contracts.AgentType]contracts.DeliveryGuarantee
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Adapter
type Option func(*Adapter)

// WithCodec sets the codec used to stamp sanitization reports
func WithCodec(c *trust.Codec) Option {
	return func(a *Adapter) {
		a.codec = c
	}
}

// WithTTL sets the message lifetime
func WithTTL(d time.Duration) Option {
	return func(a *Adapter) {
		a.ttl = d
	}
}

// WithSource names the producing stage on every message
func WithSource(source string) Option {
	return func(a *Adapter) {
		a.source = source
	}
}

// WithGuarantee overrides the delivery guarantee for one agent type
func WithGuarantee(agent contracts.AgentType, g contracts.DeliveryGuarantee) Option {
	return func(a *Adapter) {
		a.guarantees[agent] = g
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter creates an adapter that submits through s
func NewAdapter(s Submitter, opts ...Option) *Adapter {
	a := &Adapter{
		submit:     s,
		ttl:        DefaultTTL,
		source:     "pipeline",
		guarantees: DefaultGuarantees(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Guarantee returns the delivery guarantee used for agent
func (a *Adapter) Guarantee(agent contracts.AgentType) contracts.DeliveryGuarantee {
	if g, ok := a.guarantees[agent]; ok {
		return g
	}
	return contracts.BestEffort
}

func (a *Adapter) build(agent contracts.AgentType, priority contracts.Priority, content string, payload any) (*contracts.AgentMessage, error) {
	msg := contracts.NewAgentMessage(agent, priority, content)
	msg.Timestamp = a.now().UTC()
	msg.TTL = a.ttl.Milliseconds()
	msg.DeliveryGuarantee = a.Guarantee(agent)
	msg.Source = a.source

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encoding %s payload: %w", agent, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func (a *Adapter) send(ctx context.Context, msg *contracts.AgentMessage) (router.Receipt, error) {
	receipt, err := a.submit.Submit(ctx, msg)
	if err != nil {
		a.logger.Warn("report not admitted",
			"messageId", msg.ID,
			"agentType", msg.AgentType,
			"priority", msg.Priority,
			"error", err)
		return receipt, err
	}
	return receipt, nil
}

// SanitizationReport is the output of a sanitization stage
type SanitizationReport struct {
	Original  []byte   `json:"-"`
	Sanitized string   `json:"-"`
	Rules     []string `json:"rules,omitempty"`
	Version   string   `json:"version"`
	Risk      Risk     `json:"risk"`
}

// ReportSanitization stamps the sanitized content with a trust token binding
// it to the original and submits it.
func (a *Adapter) ReportSanitization(ctx context.Context, r SanitizationReport) (router.Receipt, error) {
	if a.codec == nil {
		return router.Receipt{}, ErrNoCodec
	}
	msg, err := a.build(contracts.AgentSanitization, r.Risk.Priority(), r.Sanitized, r)
	if err != nil {
		return router.Receipt{}, err
	}
	if err := a.codec.Stamp(msg, r.Original, r.Rules, r.Version); err != nil {
		return router.Receipt{}, err
	}
	return a.send(ctx, msg)
}

// SecurityFinding is a threat or policy violation spotted by a stage
type SecurityFinding struct {
	Summary  string         `json:"summary"`
	Risk     Risk           `json:"risk"`
	Category string         `json:"category,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// ReportSecurity submits a security finding
func (a *Adapter) ReportSecurity(ctx context.Context, f SecurityFinding) (router.Receipt, error) {
	msg, err := a.build(contracts.AgentSecurity, f.Risk.Priority(), f.Summary, f)
	if err != nil {
		return router.Receipt{}, err
	}
	return a.send(ctx, msg)
}

// ReportStatus submits a low priority progress update
func (a *Adapter) ReportStatus(ctx context.Context, text string) (router.Receipt, error) {
	msg, err := a.build(contracts.AgentStatus, contracts.PriorityLow, text, nil)
	if err != nil {
		return router.Receipt{}, err
	}
	return a.send(ctx, msg)
}

// ErrorReport describes a stage failure
type ErrorReport struct {
	Stage string `json:"stage"`
	Err   error  `json:"-"`
	// Fatal failures abort the session's processing and go out as high priority.
	Fatal bool `json:"fatal"`
}

// ReportError submits a processing error
func (a *Adapter) ReportError(ctx context.Context, r ErrorReport) (router.Receipt, error) {
	priority := contracts.PriorityMedium
	if r.Fatal {
		priority = contracts.PriorityHigh
	}
	text := r.Stage + " failed"
	if r.Err != nil {
		text = fmt.Sprintf("%s failed: %v", r.Stage, r.Err)
	}
	msg, err := a.build(contracts.AgentError, priority, text, r)
	if err != nil {
		return router.Receipt{}, err
	}
	return a.send(ctx, msg)
}
