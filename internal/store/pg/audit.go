package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wealthportal.io/internal/audit"
)

// AuditSink appends entries to the audit_log table.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditSink)(nil)

// AuditSink returns a sink sharing the store's pool.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{db: s.db} }

func (a *AuditSink) Append(ctx context.Context, e *audit.Entry) error {
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = b
	}
	_, err := a.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, resource_type, resource_id, detail, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OccurredAt, nullIfEmpty(e.ActorID), e.Action, e.ResourceType, e.ResourceID, detail, nullIfEmpty(e.RequestID))
	return mapErr(err)
}

// List returns the newest entries for resourceID, newest first.
func (a *AuditSink) List(ctx context.Context, resourceID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		select id, occurred_at, coalesce(actor_id, ''), action, resource_type, resource_id, detail, coalesce(request_id, '')
		from audit_log
		where resource_id = $1
		order by occurred_at desc, id desc
		limit $2
	`, resourceID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &raw, &e.RequestID); err != nil {
			return nil, mapErr(err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}
