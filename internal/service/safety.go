package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/port/broadcast"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
)

// StepRunner executes a run's steps against a page. The overlay substitutes
// locator sets by element name without touching the stored sets.
type StepRunner func(ctx context.Context, page browser.Page, run *testrun.Run, overlay map[string]locator.Set) error

// SafetyService validates healing proposals in a sandbox before any human
// sees them. Validation is two-sided: the candidate must make the test pass
// on the current build, and the same test must still fail against the
// pre-change snapshot. A repair that passes everywhere has healed the test
// into a tautology and is rejected.
type SafetyService struct {
	cfg      config.Safety
	driver   browser.Driver
	store    database.Store
	queue    messagequeue.Queue
	hub      broadcast.Broadcaster
	audit    *AuditService
	runSteps StepRunner
	sem      *semaphore.Weighted
	now      func() time.Time
	metrics  *otel.Metrics
}

// NewSafetyService creates a new SafetyService. Concurrent validations are
// bounded so sandbox runs cannot starve the execution pool.
func NewSafetyService(
	cfg config.Safety,
	driver browser.Driver,
	store database.Store,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	auditSvc *AuditService,
	runSteps StepRunner,
) *SafetyService {
	return &SafetyService{
		cfg:      cfg,
		driver:   driver,
		store:    store,
		queue:    queue,
		hub:      hub,
		audit:    auditSvc,
		runSteps: runSteps,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:      time.Now,
	}
}

// SetStepRunner attaches the executor's step walker. The engine and the
// safety validator reference each other, so the runner is bound after both
// are constructed.
func (s *SafetyService) SetStepRunner(r StepRunner) { s.runSteps = r }

// SetMetrics attaches the metric instruments.
func (s *SafetyService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Validate runs the candidate through both sandbox checks and moves the
// proposal to validated or rejected. A run with no pre-change snapshot cannot
// complete the reverted-state check, so its proposal is parked for human
// approval instead of being marked validated. Returns the updated proposal.
func (s *SafetyService) Validate(ctx context.Context, p *healing.Proposal, run *testrun.Run, slotID string) (*healing.Proposal, error) {
	if !p.Healable() {
		return nil, fmt.Errorf("proposal %s is not healable: %w", p.ID, domain.ErrValidationFailed)
	}

	ctx, span := otel.StartValidationSpan(ctx, p.ID)
	defer span.End()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire validation slot: %w", err)
	}
	defer s.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	element, ok := run.Element(p.ElementRef)
	if !ok {
		return nil, fmt.Errorf("run %s has no element %q", run.ID, p.ElementRef)
	}
	patched := element.LocatorSet.Prepend(*p.CandidateLocator)
	overlay := map[string]locator.Set{p.ElementRef: patched}

	if err := s.checkCurrent(runCtx, run, overlay, slotID); err != nil {
		return s.reject(ctx, p, fmt.Sprintf("candidate fails on current build: %v", err))
	}

	if run.SnapshotID == "" {
		return s.escalate(ctx, p, "no pre-change snapshot; reverted-state check could not run")
	}
	if err := s.checkReverted(runCtx, run, overlay, slotID); err != nil {
		return s.reject(ctx, p, err.Error())
	}

	return s.accept(ctx, p)
}

// checkCurrent runs the patched test against the current build. It must pass.
func (s *SafetyService) checkCurrent(ctx context.Context, run *testrun.Run, overlay map[string]locator.Set, slotID string) error {
	page, err := s.driver.NewPage(ctx, slotID)
	if err != nil {
		return fmt.Errorf("open sandbox page: %w", err)
	}
	return s.runSteps(ctx, page, run, overlay)
}

// checkReverted runs the patched test against the pre-change snapshot. It
// must fail there: the snapshot does not contain the structural change the
// candidate compensates for.
func (s *SafetyService) checkReverted(ctx context.Context, run *testrun.Run, overlay map[string]locator.Set, slotID string) error {
	page, err := s.driver.RestoreSnapshot(ctx, slotID, run.SnapshotID)
	if err != nil {
		return fmt.Errorf("restore snapshot %s: %w", run.SnapshotID, err)
	}
	if err := s.runSteps(ctx, page, run, overlay); err == nil {
		return fmt.Errorf("patched test passes on pre-change snapshot; it would no longer detect the change")
	}
	return nil
}

func (s *SafetyService) accept(ctx context.Context, p *healing.Proposal) (*healing.Proposal, error) {
	if err := s.transition(ctx, p, healing.StatusValidated, "sandbox checks passed"); err != nil {
		return nil, err
	}
	s.audit.RecordSystem(ctx, audit.ActionProposalValidated, p.ID, string(healing.StatusPending), string(p.Status))
	s.publishEvent(ctx, messagequeue.SubjectProposalValidated, p)
	slog.Info("proposal validated", "proposal_id", p.ID, "test_id", p.TestID)
	return p, nil
}

// escalate parks a proposal whose validation could only run one-sided. It
// stays ineligible for auto-apply; the policy's approvers decide its fate.
func (s *SafetyService) escalate(ctx context.Context, p *healing.Proposal, detail string) (*healing.Proposal, error) {
	if err := s.transition(ctx, p, healing.StatusAwaitingApproval, detail); err != nil {
		return nil, err
	}
	s.audit.RecordSystem(ctx, audit.ActionProposalValidated, p.ID, string(healing.StatusPending), string(p.Status))
	s.publishEvent(ctx, messagequeue.SubjectProposalValidated, p)
	slog.Warn("proposal parked for approval without reverted-state check", "proposal_id", p.ID, "detail", detail)
	return p, nil
}

func (s *SafetyService) reject(ctx context.Context, p *healing.Proposal, detail string) (*healing.Proposal, error) {
	if err := s.transition(ctx, p, healing.StatusRejected, detail); err != nil {
		return nil, err
	}
	s.audit.RecordSystem(ctx, audit.ActionProposalRejected, p.ID, string(healing.StatusPending), string(p.Status))
	s.publishEvent(ctx, messagequeue.SubjectProposalRejected, p)
	if s.metrics != nil {
		s.metrics.ProposalsRejected.Add(ctx, 1)
	}
	slog.Info("proposal rejected by safety validation", "proposal_id", p.ID, "detail", detail)
	return p, nil
}

func (s *SafetyService) transition(ctx context.Context, p *healing.Proposal, to healing.Status, detail string) error {
	if !healing.CanTransition(p.Status, to) {
		return fmt.Errorf("proposal %s: illegal transition %s -> %s: %w", p.ID, p.Status, to, domain.ErrConflict)
	}
	p.Status = to
	p.ValidationDetail = detail
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}

	s.hub.BroadcastEvent(ctx, ws.EventProposalStatus, ws.ProposalStatusEvent{
		ProposalID:     p.ID,
		TestID:         p.TestID,
		ElementRef:     p.ElementRef,
		Status:         string(p.Status),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
	})
	return nil
}

func (s *SafetyService) publishEvent(ctx context.Context, subject string, p *healing.Proposal) {
	data, err := json.Marshal(messagequeue.ProposalEventPayload{
		ProposalID:     p.ID,
		TestRunID:      p.TestRunID,
		TenantID:       p.TenantID,
		ElementRef:     p.ElementRef,
		Environment:    p.Environment,
		Status:         string(p.Status),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
	})
	if err != nil {
		slog.Error("marshal proposal event", "proposal_id", p.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish proposal event", "proposal_id", p.ID, "subject", subject, "error", err)
	}
}
