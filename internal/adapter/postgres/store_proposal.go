package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/port/database"
)

const proposalColumns = `id, test_run_id, test_id, element_ref, environment, original_locator, candidate_locator,
	generative, confidence, rationale, classification, status, validation_detail, version, created_at, applied_at, updated_at`

func (s *Store) CreateProposal(ctx context.Context, p *healing.Proposal) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	origJSON, candJSON, ratJSON, err := marshalProposalFields(p)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO healing_proposals
		   (id, tenant_id, test_run_id, test_id, element_ref, environment, original_locator, candidate_locator,
		    generative, confidence, rationale, classification, status, validation_detail,
		    before_screenshot, after_screenshot, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, now(), now())`,
		p.ID, tenantFromCtx(ctx), p.TestRunID, p.TestID, p.ElementRef, p.Environment, origJSON, candJSON,
		p.Generative, p.Confidence, ratJSON, p.Classification, p.Status, p.ValidationDetail,
		p.BeforeScreenshot, p.AfterScreenshot)
	if err != nil {
		return fmt.Errorf("create proposal %s: %w", p.ID, err)
	}
	p.Version = 1
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*healing.Proposal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM healing_proposals WHERE id = $1 AND tenant_id = $2`,
		id, tenantFromCtx(ctx))

	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get proposal %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}

	if err := s.loadApprovals(ctx, &p); err != nil {
		return nil, err
	}
	p.TenantID = tenantFromCtx(ctx)
	return &p, nil
}

// UpdateProposal writes the mutable proposal fields under optimistic locking
// and syncs the approvals table.
func (s *Store) UpdateProposal(ctx context.Context, p *healing.Proposal) error {
	_, candJSON, ratJSON, err := marshalProposalFields(p)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update proposal %s: begin: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE healing_proposals
		 SET candidate_locator = $2, generative = $3, confidence = $4, rationale = $5, status = $6,
		     validation_detail = $7, applied_at = $8, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $9 AND tenant_id = $10`,
		p.ID, candJSON, p.Generative, p.Confidence, ratJSON, p.Status,
		p.ValidationDetail, nullTime(p.AppliedAt), p.Version, tenantFromCtx(ctx))
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update proposal %s: %w", p.ID, domain.ErrConflict)
	}

	for _, a := range p.Approvals {
		if _, err := tx.Exec(ctx,
			`INSERT INTO proposal_approvals (proposal_id, approver_id, approved_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			p.ID, a.ApproverID, a.ApprovedAt); err != nil {
			return fmt.Errorf("update proposal %s: approvals: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("update proposal %s: commit: %w", p.ID, err)
	}
	p.Version++
	return nil
}

func (s *Store) ListProposals(ctx context.Context, f database.ProposalFilter) ([]healing.Proposal, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + proposalColumns + ` FROM healing_proposals WHERE tenant_id = $1`
	args := []any{tenantFromCtx(ctx)}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []healing.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// ApplyProposal transitions the proposal to its applied status, prepends the
// candidate strategy to the element's locator set, and appends the audit
// entry in one transaction. Any failure rolls back all three writes.
func (s *Store) ApplyProposal(ctx context.Context, p *healing.Proposal, entry *audit.Entry) error {
	return s.rewriteLocator(ctx, p, entry, func(set locator.Set) (locator.Set, error) {
		return set.Prepend(*p.CandidateLocator), nil
	})
}

// RevertProposal removes the previously prepended strategy, marks the
// proposal reverted, and appends the audit entry in one transaction.
func (s *Store) RevertProposal(ctx context.Context, p *healing.Proposal, entry *audit.Entry) error {
	return s.rewriteLocator(ctx, p, entry, func(set locator.Set) (locator.Set, error) {
		return set.Remove(*p.CandidateLocator)
	})
}

func (s *Store) rewriteLocator(
	ctx context.Context,
	p *healing.Proposal,
	entry *audit.Entry,
	rewrite func(locator.Set) (locator.Set, error),
) error {
	if p.CandidateLocator == nil {
		return fmt.Errorf("proposal %s has no candidate locator", p.ID)
	}
	tenant := tenantFromCtx(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("proposal %s: begin: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Locator set rewrite under row lock.
	row := tx.QueryRow(ctx,
		`SELECT test_id, element_ref, strategies, version, updated_at
		 FROM locator_sets WHERE tenant_id = $1 AND test_id = $2 AND element_ref = $3 FOR UPDATE`,
		tenant, p.TestID, p.ElementRef)
	set, err := scanLocatorSet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("proposal %s: locator set: %w", p.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("proposal %s: locator set: %w", p.ID, err)
	}

	rewritten, err := rewrite(set)
	if err != nil {
		return fmt.Errorf("proposal %s: %w", p.ID, err)
	}
	strategiesJSON, err := json.Marshal(rewritten.Strategies)
	if err != nil {
		return fmt.Errorf("proposal %s: marshal strategies: %w", p.ID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE locator_sets SET strategies = $4, version = version + 1, updated_at = now()
		 WHERE tenant_id = $1 AND test_id = $2 AND element_ref = $3`,
		tenant, p.TestID, p.ElementRef, strategiesJSON); err != nil {
		return fmt.Errorf("proposal %s: rewrite locator set: %w", p.ID, err)
	}

	// Proposal status.
	_, candJSON, ratJSON, err := marshalProposalFields(p)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE healing_proposals
		 SET candidate_locator = $2, confidence = $3, rationale = $4, status = $5,
		     validation_detail = $6, applied_at = $7, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $8 AND tenant_id = $9`,
		p.ID, candJSON, p.Confidence, ratJSON, p.Status,
		p.ValidationDetail, nullTime(p.AppliedAt), p.Version, tenant)
	if err != nil {
		return fmt.Errorf("proposal %s: status: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: status: %w", p.ID, domain.ErrConflict)
	}

	// Audit entry in the same transaction: both succeed or both roll back.
	if err := appendAuditTx(ctx, tx, tenant, entry); err != nil {
		return fmt.Errorf("proposal %s: audit: %w", p.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("proposal %s: commit: %w", p.ID, err)
	}
	p.Version++
	return nil
}

func (s *Store) loadApprovals(ctx context.Context, p *healing.Proposal) error {
	rows, err := s.pool.Query(ctx,
		`SELECT approver_id, approved_at FROM proposal_approvals WHERE proposal_id = $1 ORDER BY approved_at`,
		p.ID)
	if err != nil {
		return fmt.Errorf("load approvals %s: %w", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a healing.Approval
		if err := rows.Scan(&a.ApproverID, &a.ApprovedAt); err != nil {
			return fmt.Errorf("load approvals %s: %w", p.ID, err)
		}
		p.Approvals = append(p.Approvals, a)
	}
	return rows.Err()
}

func marshalProposalFields(p *healing.Proposal) (orig, cand, rat []byte, err error) {
	orig, err = json.Marshal(p.OriginalLocator)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal original locator: %w", err)
	}
	if p.CandidateLocator != nil {
		cand, err = json.Marshal(p.CandidateLocator)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal candidate locator: %w", err)
		}
	}
	rat, err = json.Marshal(orEmpty(p.Rationale))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal rationale: %w", err)
	}
	return orig, cand, rat, nil
}

func scanProposal(row scannable) (healing.Proposal, error) {
	var p healing.Proposal
	var origJSON, candJSON, ratJSON []byte
	err := row.Scan(&p.ID, &p.TestRunID, &p.TestID, &p.ElementRef, &p.Environment, &origJSON, &candJSON,
		&p.Generative, &p.Confidence, &ratJSON, &p.Classification, &p.Status,
		&p.ValidationDetail, &p.Version, &p.CreatedAt, &p.AppliedAt, &p.UpdatedAt)
	if err != nil {
		return healing.Proposal{}, err
	}
	if err := json.Unmarshal(origJSON, &p.OriginalLocator); err != nil {
		return healing.Proposal{}, fmt.Errorf("unmarshal original locator: %w", err)
	}
	if len(candJSON) > 0 {
		var cand locator.Strategy
		if err := json.Unmarshal(candJSON, &cand); err != nil {
			return healing.Proposal{}, fmt.Errorf("unmarshal candidate locator: %w", err)
		}
		p.CandidateLocator = &cand
	}
	if err := json.Unmarshal(ratJSON, &p.Rationale); err != nil {
		return healing.Proposal{}, fmt.Errorf("unmarshal rationale: %w", err)
	}
	return p, nil
}
