package policy

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
)

// Sentinel errors for policy store operations.
var (
	// ErrPolicyNotFound is returned when no policy has the requested ID or name.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrConditionNotFound is returned when no condition has the requested ID.
	ErrConditionNotFound = errors.New("condition not found")
	// ErrDuplicateName is returned when a policy name is already taken.
	ErrDuplicateName = errors.New("policy name already exists")
	// ErrQuotaExhausted is returned by ConsumeCall when the policy has no calls left.
	ErrQuotaExhausted = errors.New("policy call quota exhausted")
)

// CandidateSource selects the policies that may apply to a subject.
type CandidateSource interface {
	// ListCandidates returns every active policy scoped to agentID, to any of
	// roleIDs, or with no scoping at all. Validity windows and quotas are not
	// checked here.
	ListCandidates(ctx context.Context, agentID string, roleIDs []string) ([]Policy, error)
}

// QuotaCounter records policy usage.
type QuotaCounter interface {
	// ConsumeCall atomically increments the policy's call counter. It returns
	// ErrQuotaExhausted without incrementing when MaxCalls has been reached.
	ConsumeCall(ctx context.Context, policyID string) error
}

// Filter narrows ListPolicies results. Zero fields match everything.
type Filter struct {
	Active    *bool
	Effect    Effect
	RiskLevel *int
	Search    string
	AgentID   string
	RoleID    string
}

// Store persists policies and conditions.
// Conditions are shared: a policy references them by ID and reads always
// return the current condition definitions.
type Store interface {
	CandidateSource
	QuotaCounter

	GetPolicy(ctx context.Context, id string) (*Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*Policy, error)
	ListPolicies(ctx context.Context, filter Filter) ([]Policy, error)
	// SavePolicy creates or replaces a policy. Embedded conditions without an
	// ID are created, those with an ID are updated in place.
	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error

	SaveCondition(ctx context.Context, c *Condition) error
	GetCondition(ctx context.Context, id string) (*Condition, error)
	ListConditions(ctx context.Context) ([]Condition, error)
	// DeleteCondition removes the condition and detaches it from every policy.
	DeleteCondition(ctx context.Context, id string) error
}

// Sort orders policies by priority descending, then name, then ID.
func Sort(ps []Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		return Less(&ps[i], &ps[j])
	})
}

// Less is the evaluation order used by Sort.
func Less(a, b *Policy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

// MatchesFilter reports whether p satisfies f.
func (f Filter) MatchesFilter(p *Policy) bool {
	if f.Active != nil && p.Active != *f.Active {
		return false
	}
	if f.Effect != "" && p.Effect != f.Effect {
		return false
	}
	if f.RiskLevel != nil && p.RiskLevel != *f.RiskLevel {
		return false
	}
	if f.Search != "" && !containsFold(p.Name, f.Search) && !containsFold(p.Description, f.Search) {
		return false
	}
	if f.AgentID != "" && !slices.Contains(p.Agents, f.AgentID) {
		return false
	}
	if f.RoleID != "" && !slices.Contains(p.Roles, f.RoleID) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
