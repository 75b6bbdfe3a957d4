package healing_test

import (
	"testing"
	"time"

	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
)

func validProposal() healing.Proposal {
	return healing.Proposal{
		ID:              "prop-1",
		TestRunID:       "run-1",
		TestID:          "test-1",
		ElementRef:      "checkout.submit",
		OriginalLocator: locator.Strategy{Kind: locator.KindStructural, Value: "button.submit-btn", Priority: 1},
		CandidateLocator: &locator.Strategy{
			Kind: locator.KindAccessibility, Value: "button[aria-label='submit-order']",
		},
		Classification: healing.ClassStructuralChange,
		Status:         healing.StatusPending,
		Confidence:     90,
	}
}

func TestProposalValidate(t *testing.T) {
	p := validProposal()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*healing.Proposal)
	}{
		{"missing run id", func(p *healing.Proposal) { p.TestRunID = "" }},
		{"missing test id", func(p *healing.Proposal) { p.TestID = "" }},
		{"missing element ref", func(p *healing.Proposal) { p.ElementRef = "" }},
		{"bad classification", func(p *healing.Proposal) { p.Classification = "flaky" }},
		{"confidence too high", func(p *healing.Proposal) { p.Confidence = 101 }},
		{"confidence negative", func(p *healing.Proposal) { p.Confidence = -1 }},
		{"empty candidate value", func(p *healing.Proposal) { p.CandidateLocator = &locator.Strategy{} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validProposal()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to healing.Status }{
		{healing.StatusPending, healing.StatusValidated},
		{healing.StatusPending, healing.StatusRejected},
		{healing.StatusPending, healing.StatusManualTriage},
		{healing.StatusValidated, healing.StatusAutoApplied},
		{healing.StatusValidated, healing.StatusAwaitingApproval},
		{healing.StatusAwaitingApproval, healing.StatusApplied},
		{healing.StatusAwaitingApproval, healing.StatusRejected},
		{healing.StatusApplied, healing.StatusReverted},
		{healing.StatusAutoApplied, healing.StatusReverted},
	}
	for _, tc := range allowed {
		if !healing.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to healing.Status }{
		{healing.StatusPending, healing.StatusApplied},
		{healing.StatusPending, healing.StatusAutoApplied},
		{healing.StatusRejected, healing.StatusApplied},
		{healing.StatusReverted, healing.StatusApplied},
		{healing.StatusManualTriage, healing.StatusApplied},
		{healing.StatusAwaitingApproval, healing.StatusReverted},
	}
	for _, tc := range denied {
		if healing.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestHealable(t *testing.T) {
	p := validProposal()
	if !p.Healable() {
		t.Error("structural change with candidate should be healable")
	}

	p.Classification = healing.ClassAssertionFailure
	if p.Healable() {
		t.Error("assertion failure must never be healable")
	}

	p = validProposal()
	p.CandidateLocator = nil
	if p.Healable() {
		t.Error("proposal without candidate must not be healable")
	}

	p = validProposal()
	p.Classification = healing.ClassInfraTimeout
	if p.Healable() {
		t.Error("infra timeout must never be healable")
	}
}

func TestApprovedBy(t *testing.T) {
	p := validProposal()
	p.Approvals = []healing.Approval{{ApproverID: "alice", ApprovedAt: time.Now()}}

	if !p.ApprovedBy("alice") {
		t.Error("expected alice to be recorded")
	}
	if p.ApprovedBy("bob") {
		t.Error("bob has not approved")
	}
}

func TestRevertDeadline(t *testing.T) {
	p := validProposal()
	if _, ok := p.RevertDeadline(); ok {
		t.Error("unapplied proposal has no revert deadline")
	}

	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.AppliedAt = &applied
	deadline, ok := p.RevertDeadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if want := applied.Add(24 * time.Hour); !deadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, deadline)
	}
}
