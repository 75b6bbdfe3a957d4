// Package healing defines the HealingProposal entity: a candidate locator
// replacement moving through validation and approval.
package healing

import (
	"fmt"
	"time"

	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// Classification is the cause assigned to a test failure.
type Classification string

const (
	ClassStructuralChange Classification = "structural_change"
	ClassAssertionFailure Classification = "assertion_failure"
	ClassInfraTimeout     Classification = "infra_timeout"
	ClassAmbiguous        Classification = "ambiguous"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassStructuralChange, ClassAssertionFailure, ClassInfraTimeout, ClassAmbiguous:
		return true
	}
	return false
}

// Status is the state of a proposal in the healing workflow.
type Status string

const (
	StatusPending          Status = "pending"
	StatusValidated        Status = "validated"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusAutoApplied      Status = "auto_applied"
	StatusApplied          Status = "applied"
	StatusRejected         Status = "rejected"
	StatusReverted         Status = "reverted"
	StatusManualTriage     Status = "manual_triage"
)

// transitions is the allowed state machine. Reverted is reachable from an
// applied state only, via explicit human action. Pending may move straight to
// awaiting_approval when validation could not complete both sandbox checks:
// such a proposal is never auto-apply eligible but a human may still apply it.
var transitions = map[Status][]Status{
	StatusPending:          {StatusValidated, StatusAwaitingApproval, StatusRejected, StatusManualTriage},
	StatusValidated:        {StatusAutoApplied, StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusApplied, StatusRejected},
	StatusAutoApplied:      {StatusReverted},
	StatusApplied:          {StatusReverted},
}

// CanTransition reports whether moving from to next is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RevertWindow is how long after apply a human may revert a healed locator.
const RevertWindow = 24 * time.Hour

// Approval records one human approval of a proposal.
type Approval struct {
	ApproverID string    `json:"approver_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Proposal is a candidate locator repair for one element reference.
// Created by the proposal generator; mutated only by the safety validator
// (validated/rejected) and the approval gate (applied/reverted).
type Proposal struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id,omitempty"`
	TestRunID        string            `json:"test_run_id"`
	TestID           string            `json:"test_id"`
	ElementRef       string            `json:"element_ref"`
	Environment      string            `json:"environment"`
	OriginalLocator  locator.Strategy  `json:"original_locator"`
	CandidateLocator *locator.Strategy `json:"candidate_locator,omitempty"`
	Generative       bool              `json:"generative"` // candidate came from the generative-repair capability
	Confidence       int               `json:"confidence"`
	Rationale        []string          `json:"rationale"`
	Classification   Classification    `json:"classification"`
	Status           Status            `json:"status"`
	BeforeScreenshot []byte            `json:"-"`
	AfterScreenshot  []byte            `json:"-"`
	Approvals        []Approval        `json:"approvals,omitempty"`
	ValidationDetail string            `json:"validation_detail,omitempty"`
	Version          int               `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	AppliedAt        *time.Time        `json:"applied_at,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Validate checks structural invariants of a proposal.
func (p *Proposal) Validate() error {
	if p.TestRunID == "" {
		return fmt.Errorf("test_run_id is required")
	}
	if p.TestID == "" {
		return fmt.Errorf("test_id is required")
	}
	if p.ElementRef == "" {
		return fmt.Errorf("element_ref is required")
	}
	if !p.Classification.Valid() {
		return fmt.Errorf("unknown classification %q", p.Classification)
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range 0..100", p.Confidence)
	}
	if p.CandidateLocator != nil && p.CandidateLocator.Value == "" {
		return fmt.Errorf("candidate locator has empty value")
	}
	return nil
}

// Healable reports whether this proposal may ever be applied. Only
// structural-change proposals with a candidate are healable; everything else
// is manual-triage material.
func (p *Proposal) Healable() bool {
	return p.Classification == ClassStructuralChange && p.CandidateLocator != nil
}

// ApprovedBy reports whether approverID already approved this proposal.
func (p *Proposal) ApprovedBy(approverID string) bool {
	for _, a := range p.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// RevertDeadline returns the latest time a revert is allowed, and false when
// the proposal was never applied.
func (p *Proposal) RevertDeadline() (time.Time, bool) {
	if p.AppliedAt == nil {
		return time.Time{}, false
	}
	return p.AppliedAt.Add(RevertWindow), true
}
