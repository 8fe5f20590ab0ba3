package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
)

// MemoryAgentStore implements agent.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type MemoryAgentStore struct {
	agents map[string]*agent.Agent
	roles  map[string]*agent.Role
	mu     sync.RWMutex
}

// NewAgentStore creates a new in-memory agent store.
func NewAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]*agent.Agent),
		roles:  make(map[string]*agent.Role),
	}
}

// GetAgent returns a copy of the agent with its current roles.
// Returns agent.ErrAgentNotFound if the agent doesn't exist.
func (s *MemoryAgentStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return a.Clone(), nil
}

// SaveAgent creates or replaces an agent. Assigns an ID when empty.
func (s *MemoryAgentStore) SaveAgent(ctx context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

// ListAgents returns all agents ordered by name.
func (s *MemoryAgentStore) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, *a.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SaveRole creates or replaces a role. Assigns an ID when empty.
func (s *MemoryAgentStore) SaveRole(ctx context.Context, r *agent.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	s.roles[r.ID] = &cp
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *MemoryAgentStore) ListRoles(ctx context.Context) ([]agent.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Role, 0, len(s.roles))
	for _, r := range s.roles {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SetRoles replaces the role memberships of an agent.
func (s *MemoryAgentStore) SetRoles(id string, roles ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return agent.ErrAgentNotFound
	}
	a.Roles = append([]string(nil), roles...)
	return nil
}

// Compile-time interface verification.
var _ agent.Store = (*MemoryAgentStore)(nil)
