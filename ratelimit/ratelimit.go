package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/agentmsg/contracts"
)

// Window is the rolling period every ceiling is measured over.
const Window = time.Minute

var (
	ErrInvalidCeiling = errors.New("ratelimit: ceiling must be positive")
	ErrUnknownAgent   = errors.New("ratelimit: unknown agent type")
)

// Limiter decides whether one more message of an agent type may be admitted.
// Implementations are safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of the agent type's budget if any remains.
	Allow(ctx context.Context, agentType contracts.AgentType) bool
	// Ceiling returns the per-Window ceiling for the agent type.
	Ceiling(agentType contracts.AgentType) int
}

// Ceilings maps each agent type to the messages it may send per Window.
type Ceilings map[contracts.AgentType]int

// DefaultCeilings returns the stock per-minute budgets.
func DefaultCeilings() Ceilings {
	return Ceilings{
		contracts.AgentSanitization: 10,
		contracts.AgentSecurity:     5,
		contracts.AgentStatus:       30,
		contracts.AgentError:        10,
	}
}

// Validate checks that every known agent type has a positive ceiling.
func (c Ceilings) Validate() error {
	for agent, n := range c {
		if !agent.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
		}
		if n <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidCeiling, agent, n)
		}
	}
	return nil
}

// merged overlays c onto the defaults so partial configs stay usable.
func (c Ceilings) merged() Ceilings {
	out := DefaultCeilings()
	for agent, n := range c {
		out[agent] = n
	}
	return out
}
