package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

const policyColumns = `p.id, p.name, p.description, p.resources, p.effect, p.priority,
	p.valid_from, p.valid_until, p.max_calls, p.calls_made, p.risk_level, p.is_active,
	p.created_by, p.created_at, p.updated_at`

// unscoped matches policies with no agent and no role assignments.
const unscoped = `(NOT EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id)
	AND NOT EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p                     policy.Policy
		resources             string
		effect                string
		validFrom, validUntil sql.NullInt64
		maxCalls              sql.NullInt64
		active                int64
		createdAt, updatedAt  int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &resources, &effect, &p.Priority,
		&validFrom, &validUntil, &maxCalls, &p.CallsMade, &p.RiskLevel, &active,
		&p.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resources), &p.Resources); err != nil {
		return nil, fmt.Errorf("decode resources of policy %s: %w", p.ID, err)
	}
	p.Effect = policy.Effect(effect)
	p.ValidFrom = timePtr(validFrom)
	p.ValidUntil = timePtr(validUntil)
	if maxCalls.Valid {
		n := int(maxCalls.Int64)
		p.MaxCalls = &n
	}
	p.Active = active != 0
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

// queryPolicies runs query and hydrates scoping and conditions. Rows are
// drained before the follow-up queries since the pool holds one connection.
func (s *Store) queryPolicies(ctx context.Context, q querier, query string, args ...any) ([]policy.Policy, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	var result []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	_ = rows.Close()

	if err := s.loadRelations(ctx, q, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadRelations fills scoping and conditions of ps with one query per relation.
func (s *Store) loadRelations(ctx context.Context, q querier, ps []policy.Policy) error {
	if len(ps) == 0 {
		return nil
	}
	byID := make(map[string]*policy.Policy, len(ps))
	ids := make([]any, 0, len(ps))
	for i := range ps {
		byID[ps[i].ID] = &ps[i]
		ids = append(ids, ps[i].ID)
	}
	in := `(` + placeholders(len(ids)) + `)`

	err := queryPairs(ctx, q, `SELECT policy_id, agent_id FROM policy_agents
		WHERE policy_id IN `+in+` ORDER BY policy_id, agent_id`, ids,
		func(id, agentID string) { byID[id].Agents = append(byID[id].Agents, agentID) })
	if err != nil {
		return fmt.Errorf("load policy agents: %w", err)
	}
	err = queryPairs(ctx, q, `SELECT policy_id, role_id FROM policy_roles
		WHERE policy_id IN `+in+` ORDER BY policy_id, role_id`, ids,
		func(id, roleID string) { byID[id].Roles = append(byID[id].Roles, roleID) })
	if err != nil {
		return fmt.Errorf("load policy roles: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT pc.policy_id, c.id, c.field, c.operator, c.value, c.created_at
		FROM conditions c JOIN policy_conditions pc ON pc.condition_id = c.id
		WHERE pc.policy_id IN `+in+` ORDER BY pc.policy_id, pc.position`, ids...)
	if err != nil {
		return fmt.Errorf("load policy conditions: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
func queryPairs(ctx context.Context, q querier, query string, args []any, fn func(id, value string)) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, v string
		if err := rows.Scan(&id, &v); err != nil {
			return err
		}
		fn(id, v)
	}
	return rows.Err()
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryConditions(ctx context.Context, q querier, query string, args ...any) ([]policy.Condition, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// scanCondition reads a condition row; lead receives any columns before it.
func scanCondition(row rowScanner, lead ...any) (policy.Condition, error) {
	var (
		c         policy.Condition
		op, value string
		createdAt int64
	)
	if err := row.Scan(append(lead, &c.ID, &c.Field, &op, &value, &createdAt)...); err != nil {
		return c, err
	}
	c.Operator = policy.Operator(op)
	if err := json.Unmarshal([]byte(value), &c.Value); err != nil {
		return c, fmt.Errorf("decode condition %s value: %w", c.ID, err)
	}
	c.CreatedAt = fromNanos(createdAt)
	return c, nil
}

// ListCandidates returns active policies scoped to the agent, one of its
// roles, or to nobody.
func (s *Store) ListCandidates(ctx context.Context, agentID string, roleIDs []string) ([]policy.Policy, error) {
	var b strings.Builder
	args := []any{agentID}
	b.WriteString(`SELECT ` + policyColumns + ` FROM policies p WHERE p.is_active = 1 AND (
		EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id AND pa.agent_id = ?)`)
	if len(roleIDs) > 0 {
		b.WriteString(` OR EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id AND pr.role_id IN (` +
			placeholders(len(roleIDs)) + `))`)
		for _, r := range roleIDs {
			args = append(args, r)
		}
	}
	b.WriteString(` OR ` + unscoped + `)`)

	return s.queryPolicies(ctx, s.db, b.String(), args...)
}

// ConsumeCall increments calls_made in a single guarded UPDATE.
func (s *Store) ConsumeCall(ctx context.Context, policyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET calls_made = calls_made + 1
		WHERE id = ? AND (max_calls IS NULL OR calls_made < max_calls)`, policyID)
	if err != nil {
		return fmt.Errorf("consume call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume call: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM policies WHERE id = ?`, policyID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ErrPolicyNotFound
	}
	if err != nil {
		return fmt.Errorf("consume call: %w", err)
	}
	return policy.ErrQuotaExhausted
}

// GetPolicy returns a policy by ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	return s.getPolicy(ctx, s.db, `p.id = ?`, id)
}

// GetPolicyByName returns a policy by its unique name.
func (s *Store) GetPolicyByName(ctx context.Context, name string) (*policy.Policy, error) {
	return s.getPolicy(ctx, s.db, `p.name = ?`, name)
}

func (s *Store) getPolicy(ctx context.Context, q querier, where string, arg any) (*policy.Policy, error) {
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
		args  []any
	)
	if filter.Active != nil {
		where = append(where, `p.is_active = ?`)
		args = append(args, boolInt(*filter.Active))
	}
	if filter.Effect != "" {
		where = append(where, `p.effect = ?`)
		args = append(args, string(filter.Effect))
	}
	if filter.RiskLevel != nil {
		where = append(where, `p.risk_level = ?`)
		args = append(args, *filter.RiskLevel)
	}
	if filter.Search != "" {
		// instr on lower() avoids LIKE wildcard escaping
		where = append(where, `(instr(lower(p.name), lower(?)) > 0 OR instr(lower(p.description), lower(?)) > 0)`)
		args = append(args, filter.Search, filter.Search)
	}
	if filter.AgentID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM policy_agents pa WHERE pa.policy_id = p.id AND pa.agent_id = ?)`)
		args = append(args, filter.AgentID)
	}
	if filter.RoleID != "" {
		where = append(where, `EXISTS (SELECT 1 FROM policy_roles pr WHERE pr.policy_id = p.id AND pr.role_id = ?)`)
		args = append(args, filter.RoleID)
	}

	query := `SELECT ` + policyColumns + ` FROM policies p`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY p.priority DESC, p.name ASC, p.id ASC`

	ps, err := s.queryPolicies(ctx, s.db, query, args...)
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var taken string
		err := tx.QueryRowContext(ctx, `SELECT id FROM policies WHERE name = ? AND id <> ?`, p.Name, p.ID).Scan(&taken)
		if err == nil {
			return policy.ErrDuplicateName
		}
		if !errors.Is(err, sql.ErrNoRows) {
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

		resources, err := encodeJSON(p.Resources)
		if err != nil {
			return fmt.Errorf("encode resources: %w", err)
		}
		var maxCalls sql.NullInt64
		if p.MaxCalls != nil {
			maxCalls = sql.NullInt64{Int64: int64(*p.MaxCalls), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO policies (id, name, description, resources, effect, priority,
			valid_from, valid_until, max_calls, calls_made, risk_level, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, resources = excluded.resources,
			effect = excluded.effect, priority = excluded.priority, valid_from = excluded.valid_from,
			valid_until = excluded.valid_until, max_calls = excluded.max_calls, risk_level = excluded.risk_level,
			is_active = excluded.is_active, created_by = excluded.created_by, updated_at = excluded.updated_at`,
			p.ID, p.Name, p.Description, resources, string(p.Effect), p.Priority,
			nullNanos(p.ValidFrom), nullNanos(p.ValidUntil), maxCalls, p.CallsMade, p.RiskLevel, boolInt(p.Active),
			p.CreatedBy, toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT calls_made FROM policies WHERE id = ?`, p.ID).
			Scan(&p.CallsMade); err != nil {
			return fmt.Errorf("read back policy: %w", err)
		}

		if err := replaceStrings(ctx, tx, "policy_agents", "agent_id", p.ID, p.Agents); err != nil {
			return err
		}
		if err := replaceStrings(ctx, tx, "policy_roles", "role_id", p.ID, p.Roles); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_conditions WHERE policy_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clear policy conditions: %w", err)
		}
		for i := range p.Conditions {
			c := &p.Conditions[i]
			if err := upsertCondition(ctx, tx, c, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO policy_conditions (policy_id, condition_id, position) VALUES (?, ?, ?)`,
				p.ID, c.ID, i); err != nil {
				return fmt.Errorf("link condition: %w", err)
			}
		}
		return nil
	})
}

func replaceStrings(ctx context.Context, tx *sql.Tx, table, column, policyID string, values []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE policy_id = ?`, policyID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (policy_id, `+column+`) VALUES (?, ?)`, policyID, v); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// DeletePolicy removes a policy. Its conditions are kept.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

func upsertCondition(ctx context.Context, q querier, c *policy.Condition, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	value, err := encodeJSON(c.Value)
	if err != nil {
		return fmt.Errorf("encode condition value: %w", err)
	}
	created := toNanos(now)
	if !c.CreatedAt.IsZero() {
		created = toNanos(c.CreatedAt)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO conditions (id, field, operator, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET field = excluded.field, operator = excluded.operator, value = excluded.value`,
		c.ID, c.Field, string(c.Operator), value, created)
	if err != nil {
		return fmt.Errorf("upsert condition: %w", err)
	}
	var stored int64
	if err := q.QueryRowContext(ctx, `SELECT created_at FROM conditions WHERE id = ?`, c.ID).Scan(&stored); err != nil {
		return fmt.Errorf("read back condition: %w", err)
	}
	c.CreatedAt = fromNanos(stored)
	return nil
}

// SaveCondition creates a condition, or updates an existing one in place.
func (s *Store) SaveCondition(ctx context.Context, c *policy.Condition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if c.ID != "" {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM conditions WHERE id = ?`, c.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
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
		`SELECT id, field, operator, value, created_at FROM conditions WHERE id = ?`, id)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM conditions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete condition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policy.ErrConditionNotFound
	}
	return nil
}

// Compile-time interface verification.
var _ policy.Store = (*Store)(nil)
