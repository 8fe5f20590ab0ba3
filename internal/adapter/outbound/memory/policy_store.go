package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// storedPolicy keeps condition references rather than copies so condition
// edits are visible to every policy that uses them.
type storedPolicy struct {
	policy       *policy.Policy
	conditionIDs []string
}

// MemoryPolicyStore implements policy.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type MemoryPolicyStore struct {
	policies   map[string]*storedPolicy     // ID -> Policy
	conditions map[string]*policy.Condition // ID -> Condition
	mu         sync.RWMutex
	now        func() time.Time
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies:   make(map[string]*storedPolicy),
		conditions: make(map[string]*policy.Condition),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ListCandidates returns active policies scoped to the agent, one of its roles,
// or to nobody.
func (s *MemoryPolicyStore) ListCandidates(ctx context.Context, agentID string, roleIDs []string) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []policy.Policy
	for _, sp := range s.policies {
		if !sp.policy.Active || !sp.policy.AppliesTo(agentID, roleIDs) {
			continue
		}
		result = append(result, *s.hydrate(sp))
	}
	return result, nil
}

// ConsumeCall increments CallsMade under the write lock, refusing once MaxCalls is reached.
func (s *MemoryPolicyStore) ConsumeCall(ctx context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.policies[policyID]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	if sp.policy.QuotaExhausted() {
		return policy.ErrQuotaExhausted
	}
	sp.policy.CallsMade++
	return nil
}

// GetPolicy returns a policy by ID.
// Returns policy.ErrPolicyNotFound if policy doesn't exist.
func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	return s.hydrate(sp), nil
}

// GetPolicyByName returns a policy by its unique name.
func (s *MemoryPolicyStore) GetPolicyByName(ctx context.Context, name string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sp := range s.policies {
		if sp.policy.Name == name {
			return s.hydrate(sp), nil
		}
	}
	return nil, policy.ErrPolicyNotFound
}

// ListPolicies returns policies matching filter in evaluation order.
func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, filter policy.Filter) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.Policy, 0, len(s.policies))
	for _, sp := range s.policies {
		if filter.MatchesFilter(sp.policy) {
			result = append(result, *s.hydrate(sp))
		}
	}
	policy.Sort(result)
	return result, nil
}

// SavePolicy creates or updates a policy and upserts its embedded conditions.
// Assigns an ID when p.ID is empty. CallsMade is taken from p only on
// insert; updates keep the stored counter and copy it back into p.
func (s *MemoryPolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sp := range s.policies {
		if sp.policy.Name == p.Name && id != p.ID {
			return policy.ErrDuplicateName
		}
	}

	now := s.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if existing, ok := s.policies[p.ID]; ok {
		p.CallsMade = existing.policy.CallsMade
	}

	condIDs := make([]string, 0, len(p.Conditions))
	for i := range p.Conditions {
		c := &p.Conditions[i]
		s.upsertCondition(c, now)
		condIDs = append(condIDs, c.ID)
	}

	// Store a copy to prevent external mutation
	stored := p.Clone()
	stored.Conditions = nil
	s.policies[p.ID] = &storedPolicy{policy: stored, conditionIDs: condIDs}
	return nil
}

// DeletePolicy removes a policy by ID. Its conditions are kept.
func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return policy.ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

// SaveCondition creates or updates a standalone condition.
func (s *MemoryPolicyStore) SaveCondition(ctx context.Context, c *policy.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID != "" {
		if _, ok := s.conditions[c.ID]; !ok {
			return policy.ErrConditionNotFound
		}
	}
	s.upsertCondition(c, s.now())
	return nil
}

// GetCondition returns a condition by ID.
func (s *MemoryPolicyStore) GetCondition(ctx context.Context, id string) (*policy.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conditions[id]
	if !ok {
		return nil, policy.ErrConditionNotFound
	}
	cp := c.Clone()
	return &cp, nil
}

// ListConditions returns every condition ordered by field then ID.
func (s *MemoryPolicyStore) ListConditions(ctx context.Context) ([]policy.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.Condition, 0, len(s.conditions))
	for _, c := range s.conditions {
		result = append(result, c.Clone())
	}
	sortConditions(result)
	return result, nil
}

// DeleteCondition removes a condition and detaches it from all policies.
func (s *MemoryPolicyStore) DeleteCondition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conditions[id]; !ok {
		return policy.ErrConditionNotFound
	}
	delete(s.conditions, id)
	for _, sp := range s.policies {
		kept := sp.conditionIDs[:0]
		for _, cid := range sp.conditionIDs {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		sp.conditionIDs = kept
	}
	return nil
}

// Snapshot returns every policy with its conditions, and every condition
// including those no policy references.
func (s *MemoryPolicyStore) Snapshot() ([]policy.Policy, []policy.Condition) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps := make([]policy.Policy, 0, len(s.policies))
	for _, sp := range s.policies {
		ps = append(ps, *s.hydrate(sp))
	}
	policy.Sort(ps)

	cs := make([]policy.Condition, 0, len(s.conditions))
	for _, c := range s.conditions {
		cs = append(cs, c.Clone())
	}
	sortConditions(cs)
	return ps, cs
}

// Restore replaces the store contents. IDs, timestamps and call counters
// are kept as given.
func (s *MemoryPolicyStore) Restore(ps []policy.Policy, cs []policy.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies = make(map[string]*storedPolicy, len(ps))
	s.conditions = make(map[string]*policy.Condition, len(cs))

	now := s.now()
	for i := range cs {
		s.upsertCondition(&cs[i], now)
	}
	for i := range ps {
		p := ps[i].Clone()
		condIDs := make([]string, 0, len(p.Conditions))
		for j := range p.Conditions {
			c := &p.Conditions[j]
			if _, ok := s.conditions[c.ID]; !ok || c.ID == "" {
				s.upsertCondition(c, now)
			}
			condIDs = append(condIDs, c.ID)
		}
		p.Conditions = nil
		s.policies[p.ID] = &storedPolicy{policy: p, conditionIDs: condIDs}
	}
}

// AddPolicy adds a policy (for testing/seeding). Errors are ignored.
func (s *MemoryPolicyStore) AddPolicy(p *policy.Policy) {
	_ = s.SavePolicy(context.Background(), p)
}

// upsertCondition must be called with the write lock held.
func (s *MemoryPolicyStore) upsertCondition(c *policy.Condition, now time.Time) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if existing, ok := s.conditions[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	cp := c.Clone()
	s.conditions[c.ID] = &cp
}

// hydrate returns a deep copy of the stored policy with its current conditions.
// Must be called with at least the read lock held.
func (s *MemoryPolicyStore) hydrate(sp *storedPolicy) *policy.Policy {
	p := sp.policy.Clone()
	if len(sp.conditionIDs) > 0 {
		p.Conditions = make([]policy.Condition, 0, len(sp.conditionIDs))
		for _, id := range sp.conditionIDs {
			if c, ok := s.conditions[id]; ok {
				p.Conditions = append(p.Conditions, c.Clone())
			}
		}
	}
	return p
}

func sortConditions(cs []policy.Condition) {
	sort.Slice(cs, func(i, j int) bool {
		if c := strings.Compare(cs[i].Field, cs[j].Field); c != 0 {
			return c < 0
		}
		return cs[i].ID < cs[j].ID
	})
}

// Compile-time interface verification.
var _ policy.Store = (*MemoryPolicyStore)(nil)
