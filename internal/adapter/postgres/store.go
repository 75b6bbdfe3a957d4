package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Locator sets ---

func (s *Store) GetLocatorSet(ctx context.Context, testID, elementRef string) (*locator.Set, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT test_id, element_ref, strategies, version, updated_at
		 FROM locator_sets WHERE tenant_id = $1 AND test_id = $2 AND element_ref = $3`,
		tenantFromCtx(ctx), testID, elementRef)

	set, err := scanLocatorSet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get locator set %s/%s: %w", testID, elementRef, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get locator set %s/%s: %w", testID, elementRef, err)
	}
	set.TenantID = tenantFromCtx(ctx)
	return &set, nil
}

func (s *Store) PutLocatorSet(ctx context.Context, set *locator.Set) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("put locator set: %w", err)
	}
	strategiesJSON, err := json.Marshal(orEmpty(set.Strategies))
	if err != nil {
		return fmt.Errorf("marshal strategies: %w", err)
	}

	// Optimistic: a new set inserts at version 1, an update requires the
	// caller's version to match the stored row.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO locator_sets (tenant_id, test_id, element_ref, strategies, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, now())
		 ON CONFLICT (tenant_id, test_id, element_ref) DO UPDATE
		 SET strategies = $4, version = locator_sets.version + 1, updated_at = now()
		 WHERE locator_sets.version = $5`,
		tenantFromCtx(ctx), set.TestID, set.ElementRef, strategiesJSON, set.Version)
	if err != nil {
		return fmt.Errorf("put locator set %s/%s: %w", set.TestID, set.ElementRef, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("put locator set %s/%s: %w", set.TestID, set.ElementRef, domain.ErrConflict)
	}
	set.Version++
	return nil
}

func scanLocatorSet(row scannable) (locator.Set, error) {
	var set locator.Set
	var strategiesJSON []byte
	if err := row.Scan(&set.TestID, &set.ElementRef, &strategiesJSON, &set.Version, &set.UpdatedAt); err != nil {
		return locator.Set{}, err
	}
	if err := json.Unmarshal(strategiesJSON, &set.Strategies); err != nil {
		return locator.Set{}, fmt.Errorf("unmarshal strategies: %w", err)
	}
	return set, nil
}
