package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

const policyColumns = `p.id, p.name, p.description, p.resources, p.effect, p.priority,
	p.valid_from, p.valid_until, p.max_calls, p.calls_made, p.risk_level, p.is_active,
	p.created_by, p.created_at, p.updated_at`

const unscoped = `(NOT EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id)
	AND NOT EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id))`

// args collects positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func scanPolicy(row pgx.Row) (*policy.Policy, error) {
	var (
		p        policy.Policy
		effect   string
		maxCalls *int32
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Resources, &effect, &p.Priority,
		&p.ValidFrom, &p.ValidUntil, &maxCalls, &p.CallsMade, &p.RiskLevel, &p.Active,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Effect = policy.Effect(effect)
	if maxCalls != nil {
		n := int(*maxCalls)
		p.MaxCalls = &n
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) queryPolicies(ctx context.Context, q DB, query string, params ...any) ([]policy.Policy, error) {
	rows, err := q.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	var result []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		result = append(result, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}

	// Relations are loaded after the cursor is closed so this also works on a tx.
	if err := s.loadRelations(ctx, q, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadRelations fills scoping and conditions of ps with one query per relation.
func (s *Store) loadRelations(ctx context.Context, q DB, ps []policy.Policy) error {
	if len(ps) == 0 {
		return nil
	}
	byID := make(map[string]*policy.Policy, len(ps))
	ids := make([]string, 0, len(ps))
	for i := range ps {
		byID[ps[i].ID] = &ps[i]
		ids = append(ids, ps[i].ID)
	}

	err := queryPairs(ctx, q, `SELECT policy_id, agent_id FROM policy_agents
		WHERE policy_id = ANY($1) ORDER BY policy_id, agent_id`, ids,
		func(id, agentID string) { byID[id].Agents = append(byID[id].Agents, agentID) })
	if err != nil {
		return fmt.Errorf("load policy agents: %w", err)
	}
	err = queryPairs(ctx, q, `SELECT policy_id, role_id FROM policy_roles
		WHERE policy_id = ANY($1) ORDER BY policy_id, role_id`, ids,
		func(id, roleID string) { byID[id].Roles = append(byID[id].Roles, roleID) })
	if err != nil {
		return fmt.Errorf("load policy roles: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT pc.policy_id, c.id, c.field, c.operator, c.value, c.created_at
		FROM conditions c JOIN policy_conditions pc ON pc.condition_id = c.id
		WHERE pc.policy_id = ANY($1) ORDER BY pc.policy_id, pc.position`, ids)
	if err != nil {
		return fmt.Errorf("load policy conditions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		c, err := scanCondition(rows, &id)
		if err != nil {
			return fmt.Errorf("load policy conditions: %w", err)
		}
		byID[id].Conditions = append(byID[id].Conditions, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load policy conditions: %w", err)
	}
	return nil
}

// queryPairs calls fn for each (policy_id, value) row.
func queryPairs(ctx context.Context, q DB, query string, ids []string, fn func(id, value string)) error {
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, v string
		if err := rows.Scan(&id, &v); err != nil {
			return err
		}
		fn(id, v)
	}
	return rows.Err()
}

func queryConditions(ctx context.Context, q DB, query string, params ...any) ([]policy.Condition, error) {
	rows, err := q.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCondition(row pgx.Row, lead ...any) (policy.Condition, error) {
	var (
		c     policy.Condition
		op    string
		value []byte
	)
	if err := row.Scan(append(lead, &c.ID, &c.Field, &op, &value, &c.CreatedAt)...); err != nil {
		return c, err
	}
	c.Operator = policy.Operator(op)
	if err := json.Unmarshal(value, &c.Value); err != nil {
		return c, fmt.Errorf("decode condition %s value: %w", c.ID, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// ListCandidates returns active policies scoped to the agent, one of its
// roles, or to nobody.
func (s *Store) ListCandidates(ctx context.Context, agentID string, roleIDs []string) ([]policy.Policy, error) {
	var a args
	query := `SELECT ` + policyColumns + ` FROM policies p WHERE p.is_active AND (
		EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id AND pa.agent_id = ` + a.add(agentID) + `)`
	if len(roleIDs) > 0 {
		query += ` OR EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id AND pr.role_id = ANY(` +
			a.add(roleIDs) + `))`
	}
	query += ` OR ` + unscoped + `)`
	return s.queryPolicies(ctx, s.db, query, a...)
}

// ConsumeCall increments calls_made in a single guarded UPDATE; the row lock
// serializes concurrent callers.
func (s *Store) ConsumeCall(ctx context.Context, policyID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE policies SET calls_made = calls_made + 1
		WHERE id = $1 AND (max_calls IS NULL OR calls_made < max_calls)`, policyID)
	if err != nil {
		return fmt.Errorf("consume call: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRow(ctx, `SELECT 1 FROM policies WHERE id = $1`, policyID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.ErrPolicyNotFound
	}
	if err != nil {
		return fmt.Errorf("consume call: %w", err)
	}
	return policy.ErrQuotaExhausted
}

// GetPolicy returns a policy by ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	return s.getPolicy(ctx, s.db, `p.id = $1`, id)
}

// GetPolicyByName returns a policy by its unique name.
func (s *Store) GetPolicyByName(ctx context.Context, name string) (*policy.Policy, error) {
	return s.getPolicy(ctx, s.db, `p.name = $1`, name)
}

func (s *Store) getPolicy(ctx context.Context, q DB, where string, arg any) (*policy.Policy, error) {
	ps, err := s.queryPolicies(ctx, q, `SELECT `+policyColumns+` FROM policies p WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, policy.ErrPolicyNotFound
	}
	return &ps[0], nil
}

// ListPolicies returns policies matching filter in evaluation order.
func (s *Store) ListPolicies(ctx context.Context, filter policy.Filter) ([]policy.Policy, error) {
	var (
		where []string
		a     args
	)
	if filter.Active != nil {
		where = append(where, `p.is_active = `+a.add(*filter.Active))
	}
	if filter.Effect != "" {
		where = append(where, `p.effect = `+a.add(string(filter.Effect)))
	}
	if filter.RiskLevel != nil {
		where = append(where, `p.risk_level = `+a.add(*filter.RiskLevel))
	}
	if filter.Search != "" {
		n := a.add(filter.Search)
		where = append(where, `(strpos(lower(p.name), lower(`+n+`)) > 0 OR strpos(lower(p.description), lower(`+n+`)) > 0)`)
	}
	if filter.AgentID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id AND pa.agent_id = `+a.add(filter.AgentID)+`)`)
	}
	if filter.RoleID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id AND pr.role_id = `+a.add(filter.RoleID)+`)`)
	}

	query := `SELECT ` + policyColumns + ` FROM policies p`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY p.priority DESC, p.name ASC, p.id ASC`

	ps, err := s.queryPolicies(ctx, s.db, query, a...)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []policy.Policy{}
	}
	return ps, nil
}

// SavePolicy creates or updates a policy with its scoping and conditions
// in one transaction. calls_made is written only on insert.
func (s *Store) SavePolicy(ctx context.Context, p *policy.Policy) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var taken string
		err := tx.QueryRow(ctx, `SELECT id FROM policies WHERE name = $1 AND id <> $2`, p.Name, p.ID).Scan(&taken)
		if err == nil {
			return policy.ErrDuplicateName
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check policy name: %w", err)
		}

		now := s.now()
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		resources := p.Resources
		if resources == nil {
			resources = []string{}
		}

		err = tx.QueryRow(ctx, `INSERT INTO policies (id, name, description, resources, effect, priority,
			valid_from, valid_until, max_calls, calls_made, risk_level, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, resources = EXCLUDED.resources,
			effect = EXCLUDED.effect, priority = EXCLUDED.priority, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, max_calls = EXCLUDED.max_calls, risk_level = EXCLUDED.risk_level,
			is_active = EXCLUDED.is_active, created_by = EXCLUDED.created_by, updated_at = EXCLUDED.updated_at
		RETURNING calls_made`,
			p.ID, p.Name, p.Description, resources, string(p.Effect), p.Priority,
			p.ValidFrom, p.ValidUntil, p.MaxCalls, p.CallsMade, p.RiskLevel, p.Active,
			p.CreatedBy, p.CreatedAt, p.UpdatedAt).Scan(&p.CallsMade)
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}

		if err := replaceStrings(ctx, tx, "policy_agents", "agent_id", p.ID, p.Agents); err != nil {
			return err
		}
		if err := replaceStrings(ctx, tx, "policy_roles", "role_id", p.ID, p.Roles); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM policy_conditions WHERE policy_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clear policy conditions: %w", err)
		}
		for i := range p.Conditions {
			c := &p.Conditions[i]
			if err := upsertCondition(ctx, tx, c, now); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO policy_conditions (policy_id, condition_id, position) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`, p.ID, c.ID, i); err != nil {
				return fmt.Errorf("link condition: %w", err)
			}
		}
		return nil
	})
	if isUniqueViolation(err, "name") {
		return policy.ErrDuplicateName
	}
	return err
}

func replaceStrings(ctx context.Context, tx pgx.Tx, table, column, policyID string, values []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE policy_id = $1`, policyID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if len(values) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO `+table+` (policy_id, `+column+`)
		SELECT $1, v FROM unnest($2::text[]) AS v ON CONFLICT DO NOTHING`, policyID, values)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// DeletePolicy removes a policy. Its conditions are kept.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

func upsertCondition(ctx context.Context, q DB, c *policy.Condition, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	value, err := encodeJSON(c.Value)
	if err != nil {
		return fmt.Errorf("encode condition value: %w", err)
	}
	created := now
	if !c.CreatedAt.IsZero() {
		created = c.CreatedAt
	}
	err = q.QueryRow(ctx, `INSERT INTO conditions (id, field, operator, value, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (id) DO UPDATE SET field = EXCLUDED.field, operator = EXCLUDED.operator, value = EXCLUDED.value
		RETURNING created_at`,
		c.ID, c.Field, string(c.Operator), value, created).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert condition: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return nil
}

// SaveCondition creates a condition, or updates an existing one in place.
func (s *Store) SaveCondition(ctx context.Context, c *policy.Condition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if c.ID != "" {
			var exists int
			err := tx.QueryRow(ctx, `SELECT 1 FROM conditions WHERE id = $1`, c.ID).Scan(&exists)
			if errors.Is(err, pgx.ErrNoRows) {
				return policy.ErrConditionNotFound
			}
			if err != nil {
				return fmt.Errorf("check condition: %w", err)
			}
		}
		return upsertCondition(ctx, tx, c, s.now())
	})
}

// GetCondition returns a condition by ID.
func (s *Store) GetCondition(ctx context.Context, id string) (*policy.Condition, error) {
	cs, err := queryConditions(ctx, s.db,
		`SELECT id, field, operator, value, created_at FROM conditions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get condition: %w", err)
	}
	if len(cs) == 0 {
		return nil, policy.ErrConditionNotFound
	}
	return &cs[0], nil
}

// ListConditions returns every condition ordered by field then ID.
func (s *Store) ListConditions(ctx context.Context) ([]policy.Condition, error) {
	cs, err := queryConditions(ctx, s.db,
		`SELECT id, field, operator, value, created_at FROM conditions ORDER BY field, id`)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	if cs == nil {
		cs = []policy.Condition{}
	}
	return cs, nil
}

// DeleteCondition removes a condition; the foreign key detaches it from policies.
func (s *Store) DeleteCondition(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conditions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete condition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrConditionNotFound
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Store = (*Store)(nil)
