package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

const insertAudit = `INSERT INTO audit_log (id, agent_id, policy_id, policy_name, resource, action,
	request_data, decision, reason, dry_run, created_at, execution_time_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)`

// Append inserts entries in one transaction.
func (s *Store) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for i := range entries {
			params, err := s.auditParams(&entries[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertAudit, params...); err != nil {
				return fmt.Errorf("insert audit entry: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) auditParams(e *audit.Entry) ([]any, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	data := e.RequestData
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := encodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("encode request data: %w", err)
	}
	return []any{id, e.AgentID, e.PolicyID, e.PolicyName, e.Resource, e.Action,
		encoded, e.Decision, e.Reason, e.DryRun, created, e.ExecutionTimeMs}, nil
}

// Query returns entries matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		a     args
	)
	if filter.AgentID != "" {
		where = append(where, `agent_id = `+a.add(filter.AgentID))
	}
	if filter.PolicyID != "" {
		where = append(where, `policy_id = `+a.add(filter.PolicyID))
	}
	if filter.Decision != "" {
		where = append(where, `UPPER(decision) = UPPER(`+a.add(filter.Decision)+`)`)
	}
	if filter.Resource != "" {
		where = append(where, `resource = `+a.add(filter.Resource))
	}
	if !filter.StartTime.IsZero() {
		where = append(where, `created_at >= `+a.add(filter.StartTime))
	}
	if !filter.EndTime.IsZero() {
		where = append(where, `created_at <= `+a.add(filter.EndTime))
	}

	query := `SELECT id, agent_id, policy_id, policy_name, resource, action, request_data,
		decision, reason, dry_run, created_at, execution_time_ms FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + a.add(filter.EffectiveLimit())

	rows, err := s.db.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e    audit.Entry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.PolicyID, &e.PolicyName, &e.Resource, &e.Action,
			&data, &e.Decision, &e.Reason, &e.DryRun, &e.CreatedAt, &e.ExecutionTimeMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(data, &e.RequestData); err != nil {
			return nil, fmt.Errorf("decode request data of %s: %w", e.ID, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time interface verification.
var _ audit.Store = (*Store)(nil)
