package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
)

// SaveFingerprint appends a fingerprint row. Fingerprints are append-only;
// there is no update path.
func (s *Store) SaveFingerprint(ctx context.Context, fp *fingerprint.Fingerprint) error {
	sigJSON, err := json.Marshal(orEmpty(fp.Signatures))
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO page_fingerprints
		   (id, tenant_id, source_run_id, test_id, structure_hash, element_count, signatures, low_confidence, known_good, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(), tenantFromCtx(ctx), fp.SourceRunID, fp.TestID,
		fp.StructureHash, fp.ElementCount, sigJSON, fp.LowConfidence, fp.KnownGood, fp.CapturedAt)
	if err != nil {
		return fmt.Errorf("save fingerprint for %s: %w", fp.TestID, err)
	}
	return nil
}

// LatestKnownGoodFingerprint returns the most recent known-good fingerprint
// for the test, or ErrNotFound when none exists yet.
func (s *Store) LatestKnownGoodFingerprint(ctx context.Context, testID string) (*fingerprint.Fingerprint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT source_run_id, test_id, structure_hash, element_count, signatures, low_confidence, known_good, captured_at
		 FROM page_fingerprints
		 WHERE tenant_id = $1 AND test_id = $2 AND known_good = true
		 ORDER BY captured_at DESC LIMIT 1`,
		tenantFromCtx(ctx), testID)

	var fp fingerprint.Fingerprint
	var sigJSON []byte
	err := row.Scan(&fp.SourceRunID, &fp.TestID, &fp.StructureHash, &fp.ElementCount,
		&sigJSON, &fp.LowConfidence, &fp.KnownGood, &fp.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("known-good fingerprint for %s: %w", testID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("known-good fingerprint for %s: %w", testID, err)
	}
	if err := json.Unmarshal(sigJSON, &fp.Signatures); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	fp.TenantID = tenantFromCtx(ctx)
	return &fp, nil
}

// PruneFingerprints deletes fingerprints past the retention window.
// Runs from a background sweep, not from request paths.
func (s *Store) PruneFingerprints(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM page_fingerprints WHERE captured_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}
