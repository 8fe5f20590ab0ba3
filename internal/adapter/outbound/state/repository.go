package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Koded0214h/Agentic-Enterprise/internal/adapter/outbound/memory"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// Repository serves policies and agents from memory. Every mutation,
// including quota consumption, reloads the state file under its lock,
// applies the change to that fresh state and writes it back, so separate
// processes sharing one file see each other's changes.
type Repository struct {
	file *FileStateStore

	// mu guards the store pointers, which are replaced on each mutation.
	mu       sync.RWMutex
	policies *memory.MemoryPolicyStore
	agents   *memory.MemoryAgentStore
	logger   *slog.Logger
}

// Open loads the state file at path, creating nothing until the first write.
func Open(path string, logger *slog.Logger) (*Repository, error) {
	file := NewFileStateStore(path, logger)
	st, err := file.Load()
	if err != nil {
		return nil, err
	}
	policies, agents, err := restore(st)
	if err != nil {
		return nil, err
	}

	logger.Info("state loaded",
		"path", path,
		"policies", len(st.Policies),
		"conditions", len(st.Conditions),
		"agents", len(st.Agents),
	)
	return &Repository{file: file, policies: policies, agents: agents, logger: logger}, nil
}

func restore(st *AppState) (*memory.MemoryPolicyStore, *memory.MemoryAgentStore, error) {
	policies := memory.NewPolicyStore()
	policies.Restore(st.Policies, st.Conditions)

	agents := memory.NewAgentStore()
	ctx := context.Background()
	for i := range st.Roles {
		if err := agents.SaveRole(ctx, &st.Roles[i]); err != nil {
			return nil, nil, fmt.Errorf("restore role %s: %w", st.Roles[i].ID, err)
		}
	}
	for i := range st.Agents {
		if err := agents.SaveAgent(ctx, &st.Agents[i]); err != nil {
			return nil, nil, fmt.Errorf("restore agent %s: %w", st.Agents[i].ID, err)
		}
	}
	return policies, agents, nil
}

func capture(st *AppState, policies *memory.MemoryPolicyStore, agents *memory.MemoryAgentStore) error {
	ctx := context.Background()
	st.Policies, st.Conditions = policies.Snapshot()
	var err error
	if st.Agents, err = agents.ListAgents(ctx); err != nil {
		return fmt.Errorf("snapshot agents: %w", err)
	}
	if st.Roles, err = agents.ListRoles(ctx); err != nil {
		return fmt.Errorf("snapshot roles: %w", err)
	}
	return nil
}

// mutate applies fn to the state currently on disk and persists the result.
// The in-memory view is replaced by the reloaded state even when fn fails.
// After a failed write it keeps the change, so a claimed call is never
// handed out again by this process.
func (r *Repository) mutate(fn func(*memory.MemoryPolicyStore, *memory.MemoryAgentStore) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.file.Update(func(st *AppState) error {
		policies, agents, err := restore(st)
		if err != nil {
			return err
		}
		r.policies, r.agents = policies, agents
		if err := fn(policies, agents); err != nil {
			return err
		}
		return capture(st, policies, agents)
	})
}

func (r *Repository) view() (*memory.MemoryPolicyStore, *memory.MemoryAgentStore) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies, r.agents
}

// --- policy.Store ---

func (r *Repository) ListCandidates(ctx context.Context, agentID string, roleIDs []string) ([]policy.Policy, error) {
	ps, _ := r.view()
	return ps.ListCandidates(ctx, agentID, roleIDs)
}

// ConsumeCall claims one call against the counter on disk and persists it.
// The quota check and the increment happen under the file lock.
func (r *Repository) ConsumeCall(ctx context.Context, policyID string) error {
	return r.mutate(func(ps *memory.MemoryPolicyStore, _ *memory.MemoryAgentStore) error {
		return ps.ConsumeCall(ctx, policyID)
	})
}

func (r *Repository) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	ps, _ := r.view()
	return ps.GetPolicy(ctx, id)
}

func (r *Repository) GetPolicyByName(ctx context.Context, name string) (*policy.Policy, error) {
	ps, _ := r.view()
	return ps.GetPolicyByName(ctx, name)
}

func (r *Repository) ListPolicies(ctx context.Context, filter policy.Filter) ([]policy.Policy, error) {
	ps, _ := r.view()
	return ps.ListPolicies(ctx, filter)
}

func (r *Repository) SavePolicy(ctx context.Context, p *policy.Policy) error {
	return r.mutate(func(ps *memory.MemoryPolicyStore, _ *memory.MemoryAgentStore) error {
		return ps.SavePolicy(ctx, p)
	})
}

func (r *Repository) DeletePolicy(ctx context.Context, id string) error {
	return r.mutate(func(ps *memory.MemoryPolicyStore, _ *memory.MemoryAgentStore) error {
		return ps.DeletePolicy(ctx, id)
	})
}

func (r *Repository) SaveCondition(ctx context.Context, c *policy.Condition) error {
	return r.mutate(func(ps *memory.MemoryPolicyStore, _ *memory.MemoryAgentStore) error {
		return ps.SaveCondition(ctx, c)
	})
}

func (r *Repository) GetCondition(ctx context.Context, id string) (*policy.Condition, error) {
	ps, _ := r.view()
	return ps.GetCondition(ctx, id)
}

func (r *Repository) ListConditions(ctx context.Context) ([]policy.Condition, error) {
	ps, _ := r.view()
	return ps.ListConditions(ctx)
}

func (r *Repository) DeleteCondition(ctx context.Context, id string) error {
	return r.mutate(func(ps *memory.MemoryPolicyStore, _ *memory.MemoryAgentStore) error {
		return ps.DeleteCondition(ctx, id)
	})
}

// --- agent.Store ---

func (r *Repository) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	_, as := r.view()
	return as.GetAgent(ctx, id)
}

func (r *Repository) SaveAgent(ctx context.Context, a *agent.Agent) error {
	return r.mutate(func(_ *memory.MemoryPolicyStore, as *memory.MemoryAgentStore) error {
		return as.SaveAgent(ctx, a)
	})
}

func (r *Repository) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	_, as := r.view()
	return as.ListAgents(ctx)
}

func (r *Repository) SaveRole(ctx context.Context, role *agent.Role) error {
	return r.mutate(func(_ *memory.MemoryPolicyStore, as *memory.MemoryAgentStore) error {
		return as.SaveRole(ctx, role)
	})
}

func (r *Repository) ListRoles(ctx context.Context) ([]agent.Role, error) {
	_, as := r.view()
	return as.ListRoles(ctx)
}

// Path returns the state file path.
func (r *Repository) Path() string {
	return r.file.Path()
}

// Close is a no-op; every mutation is already on disk.
func (r *Repository) Close() error {
	return nil
}

// Compile-time interface verification.
var (
	_ policy.Store = (*Repository)(nil)
	_ agent.Store  = (*Repository)(nil)
)
