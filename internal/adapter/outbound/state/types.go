// Package state provides single-file persistence for the policy engine.
//
// The state file holds policies, conditions, agents and roles as indented
// JSON. Writes are atomic and keep one backup. Each mutation reloads the
// file while holding a lock file, so several processes can share one state.
package state

import (
	"time"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// CurrentVersion is the schema version written to new state files.
const CurrentVersion = "1"

// AppState is the top-level structure persisted in the state file.
type AppState struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Policies carry their conditions inline. Condition IDs tie shared
	// conditions back to the Conditions list on load.
	Policies []policy.Policy `json:"policies"`

	// Conditions lists every condition, including unreferenced ones.
	Conditions []policy.Condition `json:"conditions"`

	Agents []agent.Agent `json:"agents"`
	Roles  []agent.Role  `json:"roles"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}
