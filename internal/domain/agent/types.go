// Package agent contains the subject types the policy engine evaluates.
package agent

import "time"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusErrored Status = "ERRORED"
)

// Type classifies an agent within the enterprise hierarchy.
type Type string

const (
	TypeExecutive  Type = "EXECUTIVE"
	TypeFunctional Type = "FUNCTIONAL"
	TypeSubAgent   Type = "SUB_AGENT"
	TypeObserver   Type = "OBSERVER"
)

// Role is a named group of agents that policies can be scoped to.
type Role struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Agent is the subject of a policy evaluation.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`
	// Name is the display name.
	Name   string `json:"name" yaml:"name"`
	Type   Type   `json:"type,omitempty" yaml:"type,omitempty"`
	Status Status `json:"status,omitempty" yaml:"status,omitempty"`
	// Roles are the role IDs the agent currently holds.
	Roles     []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// HasRole reports whether the agent holds roleID.
func (a *Agent) HasRole(roleID string) bool {
	for _, r := range a.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with a.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	return &c
}
