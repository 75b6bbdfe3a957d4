package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
	"github.com/Strob0t/MendForge/internal/port/repair"
)

func testProposer(store *mockStore, queue *mockQueue, gen repair.Generator) *ProposalService {
	cfg := config.Defaults()
	return NewProposalService(
		store, queue, &mockHub{},
		NewAuditService(store),
		NewResolverService(cfg.Resolver),
		NewScorerService(cfg.Scoring),
		gen,
	)
}

func checkoutRun() *testrun.Run {
	return &testrun.Run{
		ID:          "run-1",
		TestID:      "checkout-flow",
		Environment: "development",
		Priority:    testrun.P1,
		Steps: []testrun.Step{
			{Kind: testrun.StepNavigate, Argument: "https://shop.example/cart"},
			{Kind: testrun.StepAction, ElementRef: "checkout-button"},
		},
		Elements: []testrun.ElementRef{{
			Name: "checkout-button",
			LocatorSet: locator.Set{
				ElementRef: "checkout-button",
				TestID:     "checkout-flow",
				Strategies: []locator.Strategy{
					{Kind: locator.KindStructural, Value: "#checkout", Priority: 1},
					{Kind: locator.KindText, Value: "Checkout", Priority: 2},
				},
			},
		}},
	}
}

func TestFromFallback(t *testing.T) {
	store := newMockStore()
	queue := newMockQueue()
	svc := testProposer(store, queue, &stubGenerator{})

	run := checkoutRun()
	element := run.Elements[0]
	failed := element.LocatorSet.Strategies[0]
	res := ResolveResult{
		Handle:   browser.ElementHandle{Tag: "button", Text: "Checkout"},
		Strategy: element.LocatorSet.Strategies[1],
		Attempts: []Attempt{{Strategy: failed, Reason: "not found"}},
		Fallback: true,
	}

	before := []byte("before-png")
	p, err := svc.FromFallback(context.Background(), run, element, failed, res,
		browser.ElementHandle{}, before, []byte("after-png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != healing.StatusPending {
		t.Fatalf("expected pending, got %q", p.Status)
	}
	if p.Generative {
		t.Fatal("fallback proposal must not be generative")
	}
	if p.CandidateLocator.Value != "Checkout" {
		t.Fatalf("expected fallback candidate, got %q", p.CandidateLocator.Value)
	}
	if p.Confidence != 10 {
		t.Fatalf("expected fallback base confidence, got %d", p.Confidence)
	}
	if string(p.BeforeScreenshot) != "before-png" || string(p.AfterScreenshot) != "after-png" {
		t.Fatal("expected both screenshots on the proposal")
	}

	if _, err := store.GetProposal(context.Background(), p.ID); err != nil {
		t.Fatalf("proposal not persisted: %v", err)
	}
	subjects := queue.subjects()
	if len(subjects) != 1 || subjects[0] != messagequeue.SubjectProposalCreated {
		t.Fatalf("expected proposal.created publish, got %v", subjects)
	}
}

func TestFromRepair(t *testing.T) {
	store := newMockStore()
	queue := newMockQueue()
	gen := &stubGenerator{resp: repair.Response{
		CandidateSelector: "button[data-action=checkout]",
		Kind:              locator.KindStructural,
	}}
	svc := testProposer(store, queue, gen)

	page := newFakePage()
	page.elements["button[data-action=checkout]"] = browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.5,
		Attrs: map[string]string{"data-testid": "checkout", "class": "btn"},
	}

	run := checkoutRun()
	element := run.Elements[0]
	reference := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.5,
		Attrs: map[string]string{"data-testid": "checkout", "class": "btn-old"},
	}

	p, err := svc.FromRepair(context.Background(), run, element, element.LocatorSet.Strategies[0],
		page, reference, "<body>...</body>", []byte("before-png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Generative {
		t.Fatal("repair proposal must be generative")
	}
	if string(p.BeforeScreenshot) != "before-png" {
		t.Fatalf("expected failure-time screenshot, got %q", p.BeforeScreenshot)
	}
	if len(p.AfterScreenshot) == 0 {
		t.Fatal("expected a screenshot captured after the candidate resolved")
	}
	// all signals match, so the generative cap must bind
	if p.Confidence != 85 {
		t.Fatalf("expected capped confidence 85, got %d", p.Confidence)
	}
}

func TestFromRepairCandidateDoesNotResolve(t *testing.T) {
	gen := &stubGenerator{resp: repair.Response{
		CandidateSelector: "#ghost",
		Kind:              locator.KindStructural,
	}}
	svc := testProposer(newMockStore(), newMockQueue(), gen)

	run := checkoutRun()
	_, err := svc.FromRepair(context.Background(), run, run.Elements[0],
		run.Elements[0].LocatorSet.Strategies[0], newFakePage(), browser.ElementHandle{}, "", nil)
	if err == nil {
		t.Fatal("expected error for non-resolving candidate")
	}
}

func TestFromRepairGeneratorDown(t *testing.T) {
	gen := &stubGenerator{err: errors.New("circuit open")}
	svc := testProposer(newMockStore(), newMockQueue(), gen)

	run := checkoutRun()
	_, err := svc.FromRepair(context.Background(), run, run.Elements[0],
		run.Elements[0].LocatorSet.Strategies[0], newFakePage(), browser.ElementHandle{}, "", nil)
	if err == nil {
		t.Fatal("expected error when the generator is unavailable")
	}
}

func TestTriage(t *testing.T) {
	store := newMockStore()
	queue := newMockQueue()
	svc := testProposer(store, queue, &stubGenerator{})

	run := checkoutRun()
	p, err := svc.Triage(context.Background(), run, "checkout-button",
		healing.ClassAssertionFailure, "assert mismatch", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != healing.StatusManualTriage {
		t.Fatalf("expected manual_triage, got %q", p.Status)
	}
	if p.Healable() {
		t.Fatal("triage record must not be healable")
	}
	subjects := queue.subjects()
	if len(subjects) != 1 || subjects[0] != messagequeue.SubjectProposalTriage {
		t.Fatalf("expected triage publish, got %v", subjects)
	}
}

func TestProposalTimestamps(t *testing.T) {
	store := newMockStore()
	svc := testProposer(store, newMockQueue(), &stubGenerator{})
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	run := checkoutRun()
	element := run.Elements[0]
	p, err := svc.FromFallback(context.Background(), run, element,
		element.LocatorSet.Strategies[0],
		ResolveResult{Strategy: element.LocatorSet.Strategies[1], Fallback: true},
		browser.ElementHandle{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.CreatedAt.Equal(fixed) || !p.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamps: %+v", p)
	}
}
