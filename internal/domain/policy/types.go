// Package policy contains domain types for agent access-control policy evaluation.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Effect is the outcome a matching policy prescribes.
type Effect string

const (
	// EffectAllow permits the request.
	EffectAllow Effect = "ALLOW"
	// EffectDeny blocks the request. A DENY match stops evaluation.
	EffectDeny Effect = "DENY"
	// EffectAudit permits the request but flags it for review.
	EffectAudit Effect = "AUDIT"
	// EffectEscalate hands the request to an external approver.
	EffectEscalate Effect = "ESCALATE"
)

// Valid reports whether e is one of the four known effects.
func (e Effect) Valid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectAudit, EffectEscalate:
		return true
	}
	return false
}

// ConsumesQuota reports whether applying e counts against a policy's call quota.
func (e Effect) ConsumesQuota() bool {
	return e == EffectAllow || e == EffectDeny
}

// ParseEffect parses an effect name case-insensitively.
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToUpper(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("unknown effect %q", s)
	}
	return e, nil
}

// Policy is a named access rule.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string `json:"id" yaml:"id,omitempty"`
	// Name is unique across the store.
	Name string `json:"name" yaml:"name"`
	// Description is free-form admin text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Resources are resource patterns (e.g. "tool:crm", "tool:*"). Order does not matter.
	Resources []string `json:"resources" yaml:"resources"`
	// Effect is applied when the policy matches.
	Effect Effect `json:"effect" yaml:"effect"`
	// Conditions must all hold for the policy to match. Empty means always.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// Agents scopes the policy to specific agent IDs.
	Agents []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	// Roles scopes the policy to agents holding any of these role IDs.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	// Priority orders evaluation, higher first.
	Priority int `json:"priority" yaml:"priority"`
	// ValidFrom and ValidUntil bound the validity window when set.
	ValidFrom  *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	// MaxCalls caps how many times the policy may be applied. Nil means unlimited.
	MaxCalls *int `json:"max_calls,omitempty" yaml:"max_calls,omitempty"`
	// CallsMade is mutated only by the decision engine.
	CallsMade int `json:"calls_made" yaml:"-"`
	// RiskLevel is an admin-assigned score from 0 to 100.
	RiskLevel int `json:"risk_level" yaml:"risk_level,omitempty"`
	// Active is the master switch.
	Active bool `json:"is_active" yaml:"is_active"`
	// CreatedBy names the administrator that created the policy.
	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsGlobal reports whether the policy has no agent or role scoping.
func (p *Policy) IsGlobal() bool {
	return len(p.Agents) == 0 && len(p.Roles) == 0
}

// AppliesTo reports whether the policy is scoped to the given agent or any of its roles.
// Global policies apply to everyone.
func (p *Policy) AppliesTo(agentID string, roleIDs []string) bool {
	if p.IsGlobal() {
		return true
	}
	for _, a := range p.Agents {
		if a == agentID {
			return true
		}
	}
	for _, r := range p.Roles {
		for _, held := range roleIDs {
			if r == held {
				return true
			}
		}
	}
	return false
}

// QuotaExhausted reports whether the call quota has been used up.
func (p *Policy) QuotaExhausted() bool {
	return p.MaxCalls != nil && p.CallsMade >= *p.MaxCalls
}

// ValidAt reports whether the policy is active, inside its validity window
// and under its call quota at time now.
func (p *Policy) ValidAt(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return false
	}
	return !p.QuotaExhausted()
}

// Matches reports whether the policy covers resource and all of its conditions hold for ctx.
func (p *Policy) Matches(resource string, ctx map[string]any) bool {
	if !MatchResource(p.Resources, resource) {
		return false
	}
	return EvaluateAll(p.Conditions, ctx)
}

// Ref returns a lightweight reference to the policy.
func (p *Policy) Ref() *Ref {
	return &Ref{ID: p.ID, Name: p.Name, Effect: p.Effect, Priority: p.Priority}
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.Resources = append([]string(nil), p.Resources...)
	c.Agents = append([]string(nil), p.Agents...)
	c.Roles = append([]string(nil), p.Roles...)
	if p.Conditions != nil {
		c.Conditions = make([]Condition, len(p.Conditions))
		for i := range p.Conditions {
			c.Conditions[i] = p.Conditions[i].Clone()
		}
	}
	if p.ValidFrom != nil {
		t := *p.ValidFrom
		c.ValidFrom = &t
	}
	if p.ValidUntil != nil {
		t := *p.ValidUntil
		c.ValidUntil = &t
	}
	if p.MaxCalls != nil {
		n := *p.MaxCalls
		c.MaxCalls = &n
	}
	return &c
}

// Ref identifies the policy that produced a decision.
type Ref struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Effect is always one of the four known effects.
	Effect Effect `json:"decision"`
	// Policy is the policy whose effect was applied, nil when none applied.
	Policy *Ref `json:"policy,omitempty"`
	// Reason is suitable for direct display.
	Reason string `json:"reason"`
}

// ReasonNoApplicablePolicy is returned with the fail-closed default decision.
const ReasonNoApplicablePolicy = "no applicable policy found"

// DefaultDecision is the fail-closed result when no policy applies.
func DefaultDecision() Decision {
	return Decision{Effect: EffectDeny, Reason: ReasonNoApplicablePolicy}
}

// AppliedReason formats the reason for a decision produced by p.
func AppliedReason(p *Policy) string {
	return fmt.Sprintf("Policy '%s' applied with effect %s", p.Name, p.Effect)
}
