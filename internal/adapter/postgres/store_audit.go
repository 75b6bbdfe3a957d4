package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MendForge/internal/domain/audit"
)

// AppendAudit writes one immutable audit entry. There is deliberately no
// update or delete path for audit rows.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, tenant_id, ts, actor_id, action, subject_id, before_val, after_val)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, tenantFromCtx(ctx), e.Timestamp, e.ActorID, e.Action, e.SubjectID, e.Before, e.After)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

// appendAuditTx writes an audit entry inside an existing transaction, for
// writes that must be atomic with a locator-set rewrite.
func appendAuditTx(ctx context.Context, tx pgx.Tx, tenantID string, e *audit.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (id, tenant_id, ts, actor_id, action, subject_id, before_val, after_val)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, tenantID, e.Timestamp, e.ActorID, e.Action, e.SubjectID, e.Before, e.After)
	return err
}

// QueryAudit returns entries matching the filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT id, ts, actor_id, action, subject_id, before_val, after_val
	          FROM audit_entries WHERE tenant_id = $1`
	args := []any{tenantFromCtx(ctx)}
	n := 1
	if f.Action != "" {
		n++
		query += fmt.Sprintf(` AND action = $%d`, n)
		args = append(args, f.Action)
	}
	if !f.From.IsZero() {
		n++
		query += fmt.Sprintf(` AND ts >= $%d`, n)
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		n++
		query += fmt.Sprintf(` AND ts <= $%d`, n)
		args = append(args, f.To)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.Action, &e.SubjectID, &e.Before, &e.After); err != nil {
			return nil, fmt.Errorf("query audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
