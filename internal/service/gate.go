package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/approval"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/middleware"
	"github.com/Strob0t/MendForge/internal/port/broadcast"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
)

// GateService is the approval gate. It routes validated proposals by the
// environment's policy, collects human approvals, applies accepted repairs
// transactionally, and honors the revert window. Concurrent decisions on the
// same element are serialized so two proposals cannot race one locator set.
type GateService struct {
	store database.Store
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	audit   *AuditService
	now     func() time.Time
	metrics *otel.Metrics

	musMu sync.Mutex
	mus   map[string]*sync.Mutex // keyed by tenant/test/element
}

// NewGateService creates a new GateService.
func NewGateService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, auditSvc *AuditService) *GateService {
	return &GateService{
		store: store,
		queue: queue,
		hub:   hub,
		audit: auditSvc,
		now:   time.Now,
		mus:   make(map[string]*sync.Mutex),
	}
}

// SetMetrics attaches the metric instruments.
func (s *GateService) SetMetrics(m *otel.Metrics) { s.metrics = m }

func (s *GateService) elementLock(ctx context.Context, testID, elementRef string) *sync.Mutex {
	key := middleware.TenantIDFromContext(ctx) + "/" + testID + "/" + elementRef
	s.musMu.Lock()
	defer s.musMu.Unlock()
	mu, ok := s.mus[key]
	if !ok {
		mu = &sync.Mutex{}
		s.mus[key] = mu
	}
	return mu
}

// Decide routes a freshly validated proposal: auto-apply when the policy and
// confidence allow it, otherwise park it awaiting human approval.
func (s *GateService) Decide(ctx context.Context, p *healing.Proposal) (*healing.Proposal, error) {
	if p.Status != healing.StatusValidated {
		return nil, fmt.Errorf("proposal %s is %s, expected validated: %w", p.ID, p.Status, domain.ErrConflict)
	}

	policy, err := s.activePolicy(ctx, approval.Environment(p.Environment))
	if err != nil {
		return nil, err
	}

	mu := s.elementLock(ctx, p.TestID, p.ElementRef)
	mu.Lock()
	defer mu.Unlock()

	if policy.AllowsAuto(p.Confidence) {
		return s.apply(ctx, p, healing.StatusAutoApplied, audit.SystemActor)
	}

	p.Status = healing.StatusAwaitingApproval
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("park proposal %s: %w", p.ID, err)
	}
	s.broadcast(ctx, p)
	slog.Info("proposal awaiting approval",
		"proposal_id", p.ID, "environment", p.Environment,
		"required_approvals", policy.Mode.RequiredApprovals())
	return p, nil
}

// Approve records one human approval. The proposal is applied once the
// policy's required number of distinct approvers is reached. An approver
// counting twice is a policy violation and is recorded as a denied approval.
func (s *GateService) Approve(ctx context.Context, proposalID, approverID string) (*healing.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	mu := s.elementLock(ctx, p.TestID, p.ElementRef)
	mu.Lock()
	defer mu.Unlock()

	// re-read under the lock; another approver may have applied it already
	p, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if p.Status != healing.StatusAwaitingApproval {
		return nil, fmt.Errorf("proposal %s is %s, not awaiting approval: %w", p.ID, p.Status, domain.ErrConflict)
	}
	if p.ApprovedBy(approverID) {
		s.audit.RecordSystem(ctx, audit.ActionApprovalDenied, p.ID, approverID, "duplicate approver")
		return nil, fmt.Errorf("approver %s already approved proposal %s: %w", approverID, p.ID, domain.ErrPolicyViolation)
	}

	policy, err := s.activePolicy(ctx, approval.Environment(p.Environment))
	if err != nil {
		return nil, err
	}

	p.Approvals = append(p.Approvals, healing.Approval{ApproverID: approverID, ApprovedAt: s.now()})
	if err := s.audit.Record(ctx, audit.Entry{
		ActorID:   approverID,
		Action:    audit.ActionProposalApproved,
		SubjectID: p.ID,
		After:     fmt.Sprintf("%d/%d approvals", len(p.Approvals), policy.Mode.RequiredApprovals()),
	}); err != nil {
		return nil, err
	}

	if len(p.Approvals) < policy.Mode.RequiredApprovals() {
		p.UpdatedAt = s.now()
		if err := s.store.UpdateProposal(ctx, p); err != nil {
			return nil, fmt.Errorf("record approval on %s: %w", p.ID, err)
		}
		s.broadcast(ctx, p)
		return p, nil
	}

	return s.apply(ctx, p, healing.StatusApplied, approverID)
}

// Reject declines an awaiting proposal.
func (s *GateService) Reject(ctx context.Context, proposalID, actorID, reason string) (*healing.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !healing.CanTransition(p.Status, healing.StatusRejected) {
		return nil, fmt.Errorf("proposal %s is %s, cannot reject: %w", p.ID, p.Status, domain.ErrConflict)
	}

	p.Status = healing.StatusRejected
	p.ValidationDetail = reason
	p.UpdatedAt = s.now()
	if err := s.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("reject proposal %s: %w", p.ID, err)
	}

	if err := s.audit.Record(ctx, audit.Entry{
		ActorID:   actorID,
		Action:    audit.ActionProposalRejected,
		SubjectID: p.ID,
		After:     reason,
	}); err != nil {
		return nil, err
	}
	s.publish(ctx, messagequeue.SubjectProposalRejected, p, actorID)
	s.broadcast(ctx, p)
	if s.metrics != nil {
		s.metrics.ProposalsRejected.Add(ctx, 1)
	}
	slog.Info("proposal rejected", "proposal_id", p.ID, "actor", actorID)
	return p, nil
}

// Revert undoes an applied repair within the revert window: the prepended
// strategy is removed from the locator set and the test is requeued.
func (s *GateService) Revert(ctx context.Context, proposalID, actorID string) (*healing.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	mu := s.elementLock(ctx, p.TestID, p.ElementRef)
	mu.Lock()
	defer mu.Unlock()

	p, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if !healing.CanTransition(p.Status, healing.StatusReverted) {
		return nil, fmt.Errorf("proposal %s is %s, cannot revert: %w", p.ID, p.Status, domain.ErrConflict)
	}
	deadline, ok := p.RevertDeadline()
	if !ok || s.now().After(deadline) {
		return nil, fmt.Errorf("proposal %s: revert window closed: %w", p.ID, domain.ErrPolicyViolation)
	}

	before := p.Status
	p.Status = healing.StatusReverted
	p.UpdatedAt = s.now()

	entry := audit.Entry{
		ActorID:   actorID,
		Action:    audit.ActionProposalReverted,
		SubjectID: p.ID,
		Before:    string(before),
		After:     string(healing.StatusReverted),
	}
	s.fillEntry(ctx, &entry)
	if err := s.store.RevertProposal(ctx, p, &entry); err != nil {
		return nil, fmt.Errorf("revert proposal %s: %w", p.ID, err)
	}

	s.publish(ctx, messagequeue.SubjectProposalReverted, p, actorID)
	s.requeue(ctx, p, "reverted")
	s.broadcast(ctx, p)
	slog.Info("proposal reverted", "proposal_id", p.ID, "actor", actorID)
	return p, nil
}

// apply moves the proposal to its applied status and rewrites the locator set
// in one transaction with the audit entry.
func (s *GateService) apply(ctx context.Context, p *healing.Proposal, to healing.Status, actorID string) (*healing.Proposal, error) {
	if !healing.CanTransition(p.Status, to) {
		return nil, fmt.Errorf("proposal %s: illegal transition %s -> %s: %w", p.ID, p.Status, to, domain.ErrConflict)
	}

	before := p.Status
	now := s.now()
	p.Status = to
	p.AppliedAt = &now
	p.UpdatedAt = now

	entry := audit.Entry{
		ActorID:   actorID,
		Action:    audit.ActionProposalApplied,
		SubjectID: p.ID,
		Before:    string(before),
		After:     string(to),
	}
	s.fillEntry(ctx, &entry)
	if err := s.store.ApplyProposal(ctx, p, &entry); err != nil {
		return nil, fmt.Errorf("apply proposal %s: %w", p.ID, err)
	}

	s.publish(ctx, messagequeue.SubjectProposalApplied, p, actorID)
	s.requeue(ctx, p, "applied")
	s.broadcast(ctx, p)
	if s.metrics != nil {
		s.metrics.ProposalsApplied.Add(ctx, 1)
	}
	slog.Info("proposal applied",
		"proposal_id", p.ID, "test_id", p.TestID, "element_ref", p.ElementRef,
		"status", to, "actor", actorID)
	return p, nil
}

// activePolicy returns the tenant's policy for the environment, falling back
// to the built-in default when none is configured.
func (s *GateService) activePolicy(ctx context.Context, env approval.Environment) (*approval.Policy, error) {
	if !env.Valid() {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	p, err := s.store.ActivePolicy(ctx, env)
	if errors.Is(err, domain.ErrNotFound) {
		def := approval.Default(env)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy for %s: %w", env, err)
	}
	return p, nil
}

// PutPolicy installs a new policy version for an environment.
func (s *GateService) PutPolicy(ctx context.Context, p *approval.Policy, actorID string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}
	if err := s.store.PutPolicy(ctx, p); err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return s.audit.Record(ctx, audit.Entry{
		ActorID:   actorID,
		Action:    audit.ActionPolicyUpdated,
		SubjectID: string(p.Environment),
		After:     fmt.Sprintf("%s min_confidence=%d v%d", p.Mode, p.MinConfidenceForAuto, p.Version),
	})
}

// Policy returns the active policy for an environment.
func (s *GateService) Policy(ctx context.Context, env approval.Environment) (*approval.Policy, error) {
	return s.activePolicy(ctx, env)
}

// Policies lists the active policy of every configured environment.
func (s *GateService) Policies(ctx context.Context) ([]approval.Policy, error) {
	return s.store.ListPolicies(ctx)
}

func (s *GateService) fillEntry(ctx context.Context, e *audit.Entry) {
	e.ID = uuid.NewString()
	e.Timestamp = s.now()
	e.TenantID = middleware.TenantIDFromContext(ctx)
}

func (s *GateService) requeue(ctx context.Context, p *healing.Proposal, reason string) {
	data, err := json.Marshal(messagequeue.RunRequeuePayload{
		TestID:     p.TestID,
		TenantID:   p.TenantID,
		ProposalID: p.ID,
		Priority:   int(testrun.P1),
		Reason:     reason,
	})
	if err != nil {
		slog.Error("marshal requeue payload", "proposal_id", p.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequeue, data); err != nil {
		slog.Error("publish requeue", "proposal_id", p.ID, "error", err)
	}
}

func (s *GateService) publish(ctx context.Context, subject string, p *healing.Proposal, actorID string) {
	data, err := json.Marshal(messagequeue.ProposalEventPayload{
		ProposalID:     p.ID,
		TestRunID:      p.TestRunID,
		TenantID:       p.TenantID,
		ElementRef:     p.ElementRef,
		Environment:    p.Environment,
		Status:         string(p.Status),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
		ActorID:        actorID,
	})
	if err != nil {
		slog.Error("marshal proposal event", "proposal_id", p.ID, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish proposal event", "proposal_id", p.ID, "subject", subject, "error", err)
	}
}

func (s *GateService) broadcast(ctx context.Context, p *healing.Proposal) {
	s.hub.BroadcastEvent(ctx, ws.EventProposalStatus, ws.ProposalStatusEvent{
		ProposalID:     p.ID,
		TestID:         p.TestID,
		ElementRef:     p.ElementRef,
		Status:         string(p.Status),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
	})
}
