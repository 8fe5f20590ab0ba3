package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

// Append inserts entries in one transaction.
func (s *Store) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_log (id, agent_id, policy_id, policy_name,
			resource, action, request_data, decision, reason, dry_run, created_at, execution_time_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare audit insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range entries {
			e := &entries[i]
			id := e.ID
			if id == "" {
				id = uuid.NewString()
			}
			created := e.CreatedAt
			if created.IsZero() {
				created = s.now()
			}
			data, err := encodeJSON(e.RequestData)
			if err != nil {
				return fmt.Errorf("encode request data: %w", err)
			}
			var policyID sql.NullString
			if e.PolicyID != nil {
				policyID = sql.NullString{String: *e.PolicyID, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, id, e.AgentID, policyID, e.PolicyName,
				e.Resource, e.Action, data, e.Decision, e.Reason, boolInt(e.DryRun),
				toNanos(created), e.ExecutionTimeMs); err != nil {
				return fmt.Errorf("insert audit entry: %w", err)
			}
		}
		return nil
	})
}

// Query returns entries matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, `agent_id = ?`)
		args = append(args, filter.AgentID)
	}
	if filter.PolicyID != "" {
		where = append(where, `policy_id = ?`)
		args = append(args, filter.PolicyID)
	}
	if filter.Decision != "" {
		where = append(where, `UPPER(decision) = UPPER(?)`)
		args = append(args, filter.Decision)
	}
	if filter.Resource != "" {
		where = append(where, `resource = ?`)
		args = append(args, filter.Resource)
	}
	if !filter.StartTime.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, toNanos(filter.StartTime))
	}
	if !filter.EndTime.IsZero() {
		where = append(where, `created_at <= ?`)
		args = append(args, toNanos(filter.EndTime))
	}

	query := `SELECT id, agent_id, policy_id, policy_name, resource, action, request_data,
		decision, reason, dry_run, created_at, execution_time_ms FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			policyID  sql.NullString
			data      string
			dryRun    int64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &policyID, &e.PolicyName, &e.Resource, &e.Action,
			&data, &e.Decision, &e.Reason, &dryRun, &createdAt, &e.ExecutionTimeMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if policyID.Valid {
			id := policyID.String
			e.PolicyID = &id
		}
		if err := json.Unmarshal([]byte(data), &e.RequestData); err != nil {
			return nil, fmt.Errorf("decode request data of %s: %w", e.ID, err)
		}
		e.DryRun = dryRun != 0
		e.CreatedAt = fromNanos(createdAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time interface verification.
var _ audit.Store = (*Store)(nil)
