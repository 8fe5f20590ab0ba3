package agent

import (
	"context"
	"errors"
)

// ErrAgentNotFound is returned when no agent has the requested ID.
var ErrAgentNotFound = errors.New("agent not found")

// Lookup resolves a subject and its current role memberships.
// The agent registry itself is owned by another subsystem.
type Lookup interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// Store is a Lookup that can also register agents and roles. Used by the
// local backends and for seeding test fixtures.
type Store interface {
	Lookup
	SaveAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)
	SaveRole(ctx context.Context, r *Role) error
	ListRoles(ctx context.Context) ([]Role, error)
}
