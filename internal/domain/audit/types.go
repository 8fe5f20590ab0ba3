// Package audit contains domain types for the policy decision audit trail.
package audit

import (
	"strings"
	"time"
)

// Entry is one immutable record of a policy evaluation. The JSON field
// names are the compliance export format and must not change.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`
	// AgentID is the evaluated subject.
	AgentID string `json:"agent_id"`
	// PolicyID is the policy whose effect was applied, nil when none applied.
	PolicyID   *string `json:"policy_id"`
	PolicyName string  `json:"policy_name,omitempty"`
	Resource   string  `json:"resource"`
	Action     string  `json:"action"`
	// RequestData is the full request context snapshot.
	RequestData map[string]any `json:"request_data"`
	Decision    string         `json:"decision"`
	Reason      string         `json:"reason"`
	// DryRun marks entries written by single-policy test evaluations.
	DryRun          bool      `json:"dry_run,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}

// Filter specifies query parameters for audit log queries.
type Filter struct {
	AgentID  string
	PolicyID string
	// Decision matches case-insensitively.
	Decision string
	// Resource matches exactly.
	Resource string
	// StartTime and EndTime bound CreatedAt when set.
	StartTime time.Time
	EndTime   time.Time
	// Limit is the maximum number of entries to return (default 100, max 1000).
	Limit int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// EffectiveLimit clamps Limit to the supported range.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		return maxQueryLimit
	}
	return f.Limit
}

// Matches reports whether e satisfies the filter, ignoring Limit.
func (f Filter) Matches(e *Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.PolicyID != "" && (e.PolicyID == nil || *e.PolicyID != f.PolicyID) {
		return false
	}
	if f.Decision != "" && !strings.EqualFold(e.Decision, f.Decision) {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.StartTime.IsZero() && e.CreatedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.CreatedAt.After(f.EndTime) {
		return false
	}
	return true
}
