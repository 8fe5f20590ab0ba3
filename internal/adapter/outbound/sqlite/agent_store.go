package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
)

// GetAgent returns the agent with its current roles.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT id, name, type, status, created_at FROM agents WHERE id = ?`, id)
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO agents (id, name, type, status, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type, status = excluded.status`,
			a.ID, a.Name, string(a.Type), string(a.Status), toNanos(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_roles WHERE agent_id = ?`, a.ID); err != nil {
			return fmt.Errorf("clear agent roles: %w", err)
		}
		for _, r := range a.Roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO agent_roles (agent_id, role_id) VALUES (?, ?)`, a.ID, r); err != nil {
				return fmt.Errorf("insert agent role: %w", err)
			}
		}
		return nil
	})
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	agents, err := s.queryAgents(ctx, `SELECT id, name, type, status, created_at FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	return agents, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	var result []agent.Agent
	for rows.Next() {
		var (
			a           agent.Agent
			typ, status string
			createdAt   int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &status, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = agent.Type(typ)
		a.Status = agent.Status(status)
		a.CreatedAt = fromNanos(createdAt)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	_ = rows.Close()

	for i := range result {
		roles, err := queryStrings(ctx, s.db,
			`SELECT role_id FROM agent_roles WHERE agent_id = ? ORDER BY role_id`, result[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load roles of agent %s: %w", result[i].ID, err)
		}
		result[i].Roles = roles
	}
	return result, nil
}

// SaveRole creates or renames a role.
func (s *Store) SaveRole(ctx context.Context, r *agent.Role) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		r.ID, r.Name)
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]agent.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM roles ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
