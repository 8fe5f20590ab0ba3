package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// Resolver selects the currently valid policies that apply to a subject.
type Resolver struct {
	source policy.CandidateSource
	now    func() time.Time
}

// NewResolver creates a Resolver reading candidates from source.
func NewResolver(source policy.CandidateSource, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{source: source, now: now}
}

// Resolve returns the subject's applicable policies in evaluation order:
// priority descending, then name, then ID. Policies outside their validity
// window or over quota at resolution time are dropped.
func (r *Resolver) Resolve(ctx context.Context, subject *agent.Agent) ([]policy.Policy, error) {
	candidates, err := r.source.ListCandidates(ctx, subject.ID, subject.Roles)
	if err != nil {
		return nil, fmt.Errorf("list candidate policies: %w", err)
	}

	now := r.now()
	valid := candidates[:0]
	for i := range candidates {
		if candidates[i].ValidAt(now) {
			valid = append(valid, candidates[i])
		}
	}
	policy.Sort(valid)
	return valid, nil
}
