// Package database defines the persistence port for the healing engine.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/MendForge/internal/domain/approval"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// ProposalFilter selects proposals for listing.
type ProposalFilter struct {
	Status healing.Status
	Limit  int
}

// Store is the durable, tenant-scoped persistence interface. The tenant is
// carried in the request context; every query is tenant-isolated.
type Store interface {
	// --- Locator sets ---

	GetLocatorSet(ctx context.Context, testID, elementRef string) (*locator.Set, error)
	PutLocatorSet(ctx context.Context, set *locator.Set) error

	// --- Fingerprints (append-only) ---

	SaveFingerprint(ctx context.Context, fp *fingerprint.Fingerprint) error
	LatestKnownGoodFingerprint(ctx context.Context, testID string) (*fingerprint.Fingerprint, error)
	PruneFingerprints(ctx context.Context, olderThan time.Time) (int64, error)

	// --- Healing proposals ---

	CreateProposal(ctx context.Context, p *healing.Proposal) error
	GetProposal(ctx context.Context, id string) (*healing.Proposal, error)
	UpdateProposal(ctx context.Context, p *healing.Proposal) error
	ListProposals(ctx context.Context, f ProposalFilter) ([]healing.Proposal, error)

	// ApplyProposal transitions the proposal to its applied status, prepends
	// the candidate strategy to the element's locator set, and appends the
	// audit entry in one transaction. Both succeed or both roll back.
	ApplyProposal(ctx context.Context, p *healing.Proposal, entry *audit.Entry) error

	// RevertProposal removes the previously prepended strategy, marks the
	// proposal reverted, and appends the audit entry in one transaction.
	RevertProposal(ctx context.Context, p *healing.Proposal, entry *audit.Entry) error

	// --- Approval policies (versioned; superseded rows retained) ---

	ActivePolicy(ctx context.Context, env approval.Environment) (*approval.Policy, error)
	PutPolicy(ctx context.Context, p *approval.Policy) error
	ListPolicies(ctx context.Context) ([]approval.Policy, error)

	// --- Audit log (append-only) ---

	AppendAudit(ctx context.Context, e *audit.Entry) error
	QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}
