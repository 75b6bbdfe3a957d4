package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/port/broadcast"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
	"github.com/Strob0t/MendForge/internal/port/repair"
)

// ProposalService turns classified failures into healing proposals. A
// candidate may come from a surviving fallback strategy or, when the whole
// set is exhausted, from the generative-repair capability. A generative
// candidate is never trusted as-is: it must re-resolve on the live page
// before a proposal is written.
type ProposalService struct {
	store     database.Store
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	audit     *AuditService
	resolver  *ResolverService
	scorer    *ScorerService
	generator repair.Generator
	now       func() time.Time
	metrics   *otel.Metrics
}

// NewProposalService creates a new ProposalService.
func NewProposalService(
	store database.Store,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	auditSvc *AuditService,
	resolver *ResolverService,
	scorer *ScorerService,
	generator repair.Generator,
) *ProposalService {
	return &ProposalService{
		store:     store,
		queue:     queue,
		hub:       hub,
		audit:     auditSvc,
		resolver:  resolver,
		scorer:    scorer,
		generator: generator,
		now:       time.Now,
	}
}

// SetMetrics attaches the metric instruments.
func (s *ProposalService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// FromFallback creates a proposal when the primary strategy failed but a
// lower-priority strategy still resolved the element. The matched fallback
// becomes the candidate; applying it promotes the fallback to the top of the
// set. The before shot shows the page as the failing primary saw it, the
// after shot the page with the fallback resolving.
func (s *ProposalService) FromFallback(
	ctx context.Context,
	run *testrun.Run,
	element testrun.ElementRef,
	failed locator.Strategy,
	res ResolveResult,
	reference browser.ElementHandle,
	before, after []byte,
) (*healing.Proposal, error) {
	confidence, rationale := s.scorer.Score(reference, res.Handle, false)
	candidate := res.Strategy

	p := &healing.Proposal{
		ID:               uuid.NewString(),
		TenantID:         run.TenantID,
		TestRunID:        run.ID,
		TestID:           run.TestID,
		ElementRef:       element.Name,
		Environment:      run.Environment,
		OriginalLocator:  failed,
		CandidateLocator: &candidate,
		Confidence:       confidence,
		Rationale:        rationale,
		Classification:   healing.ClassStructuralChange,
		Status:           healing.StatusPending,
		BeforeScreenshot: before,
		AfterScreenshot:  after,
	}
	if err := s.create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FromRepair creates a proposal for a fully exhausted locator set by asking
// the generative-repair capability for a replacement selector. The candidate
// must resolve on the live page; one that does not is discarded and the
// failure goes to manual triage instead.
func (s *ProposalService) FromRepair(
	ctx context.Context,
	run *testrun.Run,
	element testrun.ElementRef,
	failed locator.Strategy,
	page browser.Page,
	reference browser.ElementHandle,
	htmlFragment string,
	before []byte,
) (*healing.Proposal, error) {
	resp, err := s.generator.Generate(ctx, repair.Request{
		HTMLFragment:    htmlFragment,
		OriginalLocator: failed,
	})
	if err != nil {
		return nil, fmt.Errorf("generative repair: %w", err)
	}

	candidate := locator.Strategy{Kind: resp.Kind, Value: resp.CandidateSelector}
	handle, err := s.resolver.TryStrategy(ctx, page, candidate)
	if err != nil {
		return nil, fmt.Errorf("generative candidate %q does not resolve: %w", candidate.Value, err)
	}

	// the after shot captures the page with the candidate confirmed resolving
	after, err := page.Screenshot(ctx)
	if err != nil {
		slog.Warn("after-repair screenshot", "run_id", run.ID, "error", err)
	}

	confidence, rationale := s.scorer.Score(reference, handle, true)

	p := &healing.Proposal{
		ID:               uuid.NewString(),
		TenantID:         run.TenantID,
		TestRunID:        run.ID,
		TestID:           run.TestID,
		ElementRef:       element.Name,
		Environment:      run.Environment,
		OriginalLocator:  failed,
		CandidateLocator: &candidate,
		Generative:       true,
		Confidence:       confidence,
		Rationale:        rationale,
		Classification:   healing.ClassStructuralChange,
		Status:           healing.StatusPending,
		BeforeScreenshot: before,
		AfterScreenshot:  after,
	}
	if err := s.create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Triage records a failure the pipeline will not heal: assertion failures,
// infrastructure timeouts, and cases the classifier could not settle. The
// proposal carries no candidate and never becomes applicable.
func (s *ProposalService) Triage(
	ctx context.Context,
	run *testrun.Run,
	elementRef string,
	class healing.Classification,
	detail string,
	screenshot []byte,
) (*healing.Proposal, error) {
	p := &healing.Proposal{
		ID:               uuid.NewString(),
		TenantID:         run.TenantID,
		TestRunID:        run.ID,
		TestID:           run.TestID,
		ElementRef:       elementRef,
		Environment:      run.Environment,
		Classification:   class,
		Status:           healing.StatusManualTriage,
		ValidationDetail: detail,
		BeforeScreenshot: screenshot,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate triage record: %w", err)
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("create triage record: %w", err)
	}

	s.audit.RecordSystem(ctx, audit.ActionProposalTriaged, p.ID, "", string(class))
	s.publish(ctx, messagequeue.SubjectProposalTriage, p)
	s.broadcast(ctx, p)
	if s.metrics != nil {
		s.metrics.ProposalsCreated.Add(ctx, 1)
	}

	slog.Info("failure routed to manual triage",
		"proposal_id", p.ID, "test_id", p.TestID, "classification", class)
	return p, nil
}

func (s *ProposalService) create(ctx context.Context, p *healing.Proposal) error {
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate proposal: %w", err)
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}

	s.audit.RecordSystem(ctx, audit.ActionProposalCreated, p.ID, "", string(p.Status))
	s.publish(ctx, messagequeue.SubjectProposalCreated, p)
	s.broadcast(ctx, p)
	if s.metrics != nil {
		s.metrics.ProposalsCreated.Add(ctx, 1)
	}

	slog.Info("healing proposal created",
		"proposal_id", p.ID, "test_id", p.TestID, "element_ref", p.ElementRef,
		"confidence", p.Confidence, "generative", p.Generative)
	return nil
}

func (s *ProposalService) publish(ctx context.Context, subject string, p *healing.Proposal) {
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
		// the proposal is persisted; event delivery is best-effort
		slog.Error("publish proposal event", "proposal_id", p.ID, "subject", subject, "error", err)
	}
}

func (s *ProposalService) broadcast(ctx context.Context, p *healing.Proposal) {
	s.hub.BroadcastEvent(ctx, ws.EventProposalStatus, ws.ProposalStatusEvent{
		ProposalID:     p.ID,
		TestID:         p.TestID,
		ElementRef:     p.ElementRef,
		Status:         string(p.Status),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
	})
}
