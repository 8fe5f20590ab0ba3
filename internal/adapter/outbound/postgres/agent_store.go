package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
)

const agentColumns = `a.id, a.name, a.type, a.status, a.created_at,
	COALESCE((SELECT array_agg(ar.role_id ORDER BY ar.role_id) FROM agent_roles ar WHERE ar.agent_id = a.id), '{}')`

// GetAgent returns the agent with its current roles.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents a WHERE a.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, agent.ErrAgentNotFound
	}
	return &agents[0], nil
}

// SaveAgent creates or replaces an agent and its role memberships.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO agents (id, name, type, status, created_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status`,
			a.ID, a.Name, string(a.Type), string(a.Status), a.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM agent_roles WHERE agent_id = $1`, a.ID); err != nil {
			return fmt.Errorf("clear agent roles: %w", err)
		}
		if len(a.Roles) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO agent_roles (agent_id, role_id)
			SELECT $1, r FROM unnest($2::text[]) AS r ON CONFLICT DO NOTHING`, a.ID, a.Roles); err != nil {
			return fmt.Errorf("insert agent roles: %w", err)
		}
		return nil
	})
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents a ORDER BY a.name, a.id`)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	return agents, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, params ...any) ([]agent.Agent, error) {
	rows, err := s.db.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var result []agent.Agent
	for rows.Next() {
		var (
			a           agent.Agent
			typ, status string
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &status, &a.CreatedAt, &a.Roles); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = agent.Type(typ)
		a.Status = agent.Status(status)
		a.CreatedAt = a.CreatedAt.UTC()
		if len(a.Roles) == 0 {
			a.Roles = nil
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// SaveRole creates or renames a role.
func (s *Store) SaveRole(ctx context.Context, r *agent.Role) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO roles (id, name) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		r.ID, r.Name)
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]agent.Role, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name FROM roles ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	result := []agent.Role{}
	for rows.Next() {
		var r agent.Role
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Compile-time interface verification.
var _ agent.Store = (*Store)(nil)
