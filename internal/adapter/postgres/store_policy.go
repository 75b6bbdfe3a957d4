package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/approval"
)

// ActivePolicy returns the highest-version policy for the environment, or
// ErrNotFound when the tenant has never configured one.
func (s *Store) ActivePolicy(ctx context.Context, env approval.Environment) (*approval.Policy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT environment, mode, min_confidence_for_auto, version, created_at
		 FROM approval_policies
		 WHERE tenant_id = $1 AND environment = $2
		 ORDER BY version DESC LIMIT 1`,
		tenantFromCtx(ctx), env)

	var p approval.Policy
	err := row.Scan(&p.Environment, &p.Mode, &p.MinConfidenceForAuto, &p.Version, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active policy for %s: %w", env, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("active policy for %s: %w", env, err)
	}
	p.TenantID = tenantFromCtx(ctx)
	return &p, nil
}

// PutPolicy inserts a new policy version. Superseded rows stay for audit.
func (s *Store) PutPolicy(ctx context.Context, p *approval.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("put policy: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO approval_policies (tenant_id, environment, mode, min_confidence_for_auto, version)
		 VALUES ($1, $2, $3, $4,
		   COALESCE((SELECT MAX(version) FROM approval_policies WHERE tenant_id = $1 AND environment = $2), 0) + 1)
		 RETURNING version, created_at`,
		tenantFromCtx(ctx), p.Environment, p.Mode, p.MinConfidenceForAuto)
	if err := row.Scan(&p.Version, &p.CreatedAt); err != nil {
		return fmt.Errorf("put policy for %s: %w", p.Environment, err)
	}
	return nil
}

// ListPolicies returns the active policy of every environment the tenant has
// configured.
func (s *Store) ListPolicies(ctx context.Context) ([]approval.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (environment) environment, mode, min_confidence_for_auto, version, created_at
		 FROM approval_policies WHERE tenant_id = $1
		 ORDER BY environment, version DESC`,
		tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []approval.Policy
	for rows.Next() {
		var p approval.Policy
		if err := rows.Scan(&p.Environment, &p.Mode, &p.MinConfidenceForAuto, &p.Version, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("list policies: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
