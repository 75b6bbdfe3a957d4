package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/domain/slot"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/middleware"
	"github.com/Strob0t/MendForge/internal/port/broadcast"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
)

// fragmentScript extracts the page body for the generative-repair request.
const fragmentScript = `(() => document.body.innerHTML.slice(0, 16384))()`

// stepFailure describes where and how a run's step execution stopped. For
// locate failures the attempt trail names every strategy that was tried.
type stepFailure struct {
	step       int
	kind       FailureKind
	elementRef string
	err        error
	attempts   []Attempt
}

// fallbackEvent records a step that only succeeded through a lower-priority
// strategy. The run continues, but the primary locator is broken and a
// healing proposal is due. The screenshot captures the page at the moment
// the fallback resolved.
type fallbackEvent struct {
	element    testrun.ElementRef
	primary    locator.Strategy
	result     ResolveResult
	screenshot []byte
}

// runOutcome is everything observed while walking a run's steps.
type runOutcome struct {
	failure   *stepFailure
	fallbacks []fallbackEvent
	evidence  map[string]browser.ElementHandle // last resolved handle per element
}

// EngineService executes test runs on claimed slots and drives the healing
// pipeline when they fail: classify, propose, validate, gate.
type EngineService struct {
	store        database.Store
	queue        messagequeue.Queue
	hub          broadcast.Broadcaster
	audit        *AuditService
	driver       browser.Driver
	resolver     *ResolverService
	fingerprints *FingerprintService
	proposer     *ProposalService
	safety       *SafetyService
	gate         *GateService
	now          func() time.Time
	metrics      *otel.Metrics

	scheduler *SchedulerService

	defMu       sync.RWMutex
	definitions map[string]*testrun.Run // last-seen definition per tenant/test, for requeues
}

// NewEngineService creates a new EngineService. The scheduler is attached
// afterwards with SetScheduler since it needs the engine's executor.
func NewEngineService(
	store database.Store,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	auditSvc *AuditService,
	driver browser.Driver,
	resolver *ResolverService,
	fingerprints *FingerprintService,
	proposer *ProposalService,
	safety *SafetyService,
	gate *GateService,
) *EngineService {
	return &EngineService{
		store:        store,
		queue:        queue,
		hub:          hub,
		audit:        auditSvc,
		driver:       driver,
		resolver:     resolver,
		fingerprints: fingerprints,
		proposer:     proposer,
		safety:       safety,
		gate:         gate,
		now:          time.Now,
		definitions:  make(map[string]*testrun.Run),
	}
}

// SetScheduler attaches the scheduler the engine requeues healed tests into.
func (e *EngineService) SetScheduler(s *SchedulerService) { e.scheduler = s }

// SetMetrics attaches the metric instruments.
func (e *EngineService) SetMetrics(m *otel.Metrics) { e.metrics = m }

// StepRunner exposes the engine's step walker for sandboxed validation runs.
func (e *EngineService) StepRunner() StepRunner {
	return func(ctx context.Context, page browser.Page, run *testrun.Run, overlay map[string]locator.Set) error {
		out := e.runSteps(ctx, page, run, overlay)
		if out.failure != nil {
			return out.failure.err
		}
		return nil
	}
}

// Submit validates and enqueues a run, remembering its definition for
// post-heal requeues.
func (e *EngineService) Submit(ctx context.Context, run *testrun.Run) (string, error) {
	ticketID, err := e.scheduler.Enqueue(ctx, run)
	if err != nil {
		return "", err
	}
	e.defMu.Lock()
	e.definitions[run.TenantID+"/"+run.TestID] = run
	e.defMu.Unlock()
	return ticketID, nil
}

// Cancel withdraws a run by ticket.
func (e *EngineService) Cancel(ctx context.Context, ticketID string) error {
	return e.scheduler.Cancel(ctx, ticketID)
}

// Execute runs one test on a claimed slot. This is the scheduler's
// RunExecutor.
func (e *EngineService) Execute(ctx context.Context, run *testrun.Run, sl *slot.Slot) {
	ctx, span := otel.StartRunSpan(ctx, run.ID, run.TestID, run.Priority.String())
	defer span.End()
	wallStart := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RunDuration.Record(ctx, time.Since(wallStart).Seconds())
		}
	}()

	started := e.now()
	run.Status = testrun.StatusRunning
	run.StartedAt = &started
	e.broadcastRun(ctx, run, sl.ID)

	page, err := e.driver.NewPage(ctx, sl.ID)
	if err != nil {
		e.finish(ctx, run, testrun.StatusFailed, fmt.Sprintf("open page: %v", err))
		return
	}

	overlay, err := e.loadLocatorSets(ctx, run)
	if err != nil {
		e.finish(ctx, run, testrun.StatusFailed, fmt.Sprintf("load locator sets: %v", err))
		return
	}

	out := e.runSteps(ctx, page, run, overlay)

	// Broken primaries behind successful fallbacks still get proposals even
	// when the run passes.
	for _, fb := range out.fallbacks {
		e.healFallback(ctx, run, fb, out.evidence[fb.element.Name], page, sl.ID)
	}

	if out.failure == nil {
		if fp, err := e.fingerprints.Capture(ctx, page, run.ID, run.TestID); err == nil {
			fp.TenantID = run.TenantID
			if err := e.fingerprints.SaveKnownGood(ctx, fp); err != nil {
				slog.Warn("save known-good fingerprint", "run_id", run.ID, "error", err)
			}
		}
		e.finish(ctx, run, testrun.StatusPassed, "")
		return
	}

	if ctx.Err() != nil {
		e.finish(ctx, run, testrun.StatusTimeout, out.failure.err.Error())
		return
	}

	run.Status = testrun.StatusHealing
	e.broadcastRun(ctx, run, sl.ID)
	e.heal(ctx, run, out, page, sl.ID)
}

// heal drives the pipeline for a failed run: fingerprint, classify, propose,
// validate, gate.
func (e *EngineService) heal(ctx context.Context, run *testrun.Run, out runOutcome, page browser.Page, slotID string) {
	fail := out.failure
	ctx, span := otel.StartHealSpan(ctx, run.ID, fail.elementRef)
	defer span.End()

	// the page still shows the state the failing step saw
	before, _ := page.Screenshot(ctx)

	current, err := e.fingerprints.Capture(ctx, page, run.ID, run.TestID)
	if err != nil {
		slog.Error("failure fingerprint capture", "run_id", run.ID, "error", err)
		e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
		return
	}
	current.TenantID = run.TenantID
	if err := e.fingerprints.Save(ctx, current); err != nil {
		slog.Warn("save failure fingerprint", "run_id", run.ID, "error", err)
	}

	class, report, err := e.fingerprints.Classify(ctx, run.TenantID, run.TestID, current, fail.kind)
	if err != nil {
		slog.Error("classify failure", "run_id", run.ID, "error", err)
		e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
		return
	}
	e.audit.RecordSystem(ctx, audit.ActionFailureClassified, run.ID, "",
		fmt.Sprintf("%s delta=%.2f", class, report.StructuralDeltaRatio))

	if class != healing.ClassStructuralChange || fail.kind != FailureLocate {
		detail := fmt.Sprintf("%s: %v", class, fail.err)
		if _, err := e.proposer.Triage(ctx, run, e.triageRef(fail), class, detail, before); err != nil {
			slog.Error("triage record", "run_id", run.ID, "error", err)
		}
		e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
		return
	}

	element, ok := run.Element(fail.elementRef)
	if !ok {
		e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
		return
	}
	primary := primaryStrategy(element.LocatorSet)

	fragment, err := page.ExecuteScript(ctx, fragmentScript)
	if err != nil {
		slog.Warn("extract page fragment", "run_id", run.ID, "error", err)
	}

	p, err := e.proposer.FromRepair(ctx, run, element, primary, page, out.evidence[fail.elementRef], fragment, before)
	if err != nil {
		if !errors.Is(err, domain.ErrRepairUnavailable) {
			slog.Error("generative repair", "run_id", run.ID, "element_ref", fail.elementRef, "error", err)
		}
		detail := fmt.Sprintf("no viable candidate: %v", err)
		if len(fail.attempts) > 0 {
			detail += "; tried " + AttemptTrail(fail.attempts)
		}
		if _, terr := e.proposer.Triage(ctx, run, fail.elementRef, healing.ClassStructuralChange, detail, before); terr != nil {
			slog.Error("triage record", "run_id", run.ID, "error", terr)
		}
		e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
		return
	}

	e.validateAndGate(ctx, p, run, slotID)
	e.finish(ctx, run, testrun.StatusFailed, fail.err.Error())
}

// healFallback creates and processes a proposal for a broken primary whose
// fallback still resolves.
func (e *EngineService) healFallback(ctx context.Context, run *testrun.Run, fb fallbackEvent, reference browser.ElementHandle, page browser.Page, slotID string) {
	ctx, span := otel.StartHealSpan(ctx, run.ID, fb.element.Name)
	defer span.End()

	after, _ := page.Screenshot(ctx)
	p, err := e.proposer.FromFallback(ctx, run, fb.element, fb.primary, fb.result, reference, fb.screenshot, after)
	if err != nil {
		slog.Error("fallback proposal", "run_id", run.ID, "element_ref", fb.element.Name, "error", err)
		return
	}
	e.validateAndGate(ctx, p, run, slotID)
}

// validateAndGate pushes a pending proposal through safety validation and,
// when it survives, the approval gate.
func (e *EngineService) validateAndGate(ctx context.Context, p *healing.Proposal, run *testrun.Run, slotID string) {
	validated, err := e.safety.Validate(ctx, p, run, slotID)
	if err != nil {
		slog.Error("safety validation", "proposal_id", p.ID, "error", err)
		return
	}
	if validated.Status != healing.StatusValidated {
		return
	}
	decided, err := e.gate.Decide(ctx, validated)
	if err != nil {
		slog.Error("gate decision", "proposal_id", validated.ID, "error", err)
		return
	}
	if e.metrics != nil && decided.Status == healing.StatusAutoApplied {
		e.metrics.RunsHealed.Add(ctx, 1)
	}
}

// runSteps walks the run's steps against a page. The overlay replaces locator
// sets by element name, leaving the run definition untouched.
func (e *EngineService) runSteps(ctx context.Context, page browser.Page, run *testrun.Run, overlay map[string]locator.Set) runOutcome {
	out := runOutcome{evidence: make(map[string]browser.ElementHandle)}

	for i, step := range run.Steps {
		switch step.Kind {
		case testrun.StepNavigate:
			if err := page.Navigate(ctx, step.Argument); err != nil {
				out.failure = &stepFailure{step: i, kind: FailureTimeout, err: fmt.Errorf("step %d: navigate %s: %w", i, step.Argument, err)}
				return out
			}
			if err := page.WaitReady(ctx); err != nil {
				out.failure = &stepFailure{step: i, kind: FailureTimeout, err: fmt.Errorf("step %d: wait ready: %w", i, err)}
				return out
			}

		case testrun.StepAction, testrun.StepAssert:
			element, ok := run.Element(step.ElementRef)
			if !ok {
				out.failure = &stepFailure{step: i, kind: FailureLocate, elementRef: step.ElementRef,
					err: fmt.Errorf("step %d: unknown element %q", i, step.ElementRef)}
				return out
			}
			set := element.LocatorSet
			if o, ok := overlay[step.ElementRef]; ok {
				set = o
			}

			res, err := e.resolver.Resolve(ctx, page, &set)
			if err != nil {
				kind := FailureLocate
				if ctx.Err() != nil {
					kind = FailureTimeout
				}
				out.failure = &stepFailure{step: i, kind: kind, elementRef: step.ElementRef,
					err: fmt.Errorf("step %d: %w", i, err), attempts: res.Attempts}
				return out
			}
			out.evidence[step.ElementRef] = res.Handle
			if res.Fallback {
				shot, _ := page.Screenshot(ctx)
				out.fallbacks = append(out.fallbacks, fallbackEvent{
					element:    element,
					primary:    primaryStrategy(set),
					result:     res,
					screenshot: shot,
				})
			}

			if step.Kind == testrun.StepAssert && step.Argument != "" && res.Handle.Text != step.Argument {
				out.failure = &stepFailure{step: i, kind: FailureAssert, elementRef: step.ElementRef,
					err: fmt.Errorf("step %d: assert %s: got %q, want %q", i, step.ElementRef, res.Handle.Text, step.Argument)}
				return out
			}
			if step.Script != "" {
				if _, err := page.ExecuteScript(ctx, step.Script); err != nil {
					out.failure = &stepFailure{step: i, kind: FailureLocate, elementRef: step.ElementRef,
						err: fmt.Errorf("step %d: script: %w", i, err)}
					return out
				}
			}
		}
	}
	return out
}

// loadLocatorSets ensures every element of the run has a stored locator set
// and returns the stored versions, which carry any applied repairs.
func (e *EngineService) loadLocatorSets(ctx context.Context, run *testrun.Run) (map[string]locator.Set, error) {
	overlay := make(map[string]locator.Set, len(run.Elements))
	for _, el := range run.Elements {
		stored, err := e.store.GetLocatorSet(ctx, run.TestID, el.Name)
		if errors.Is(err, domain.ErrNotFound) {
			seed := el.LocatorSet
			seed.TestID = run.TestID
			seed.ElementRef = el.Name
			if err := e.store.PutLocatorSet(ctx, &seed); err != nil {
				return nil, fmt.Errorf("seed locator set %s: %w", el.Name, err)
			}
			overlay[el.Name] = seed
			continue
		}
		if err != nil {
			return nil, err
		}
		overlay[el.Name] = *stored
	}
	return overlay, nil
}

// SubscribeRequeues re-enqueues tests after an apply or revert so the healed
// locator set is exercised immediately.
func (e *EngineService) SubscribeRequeues(ctx context.Context) (func(), error) {
	return e.queue.Subscribe(ctx, messagequeue.SubjectRunRequeue, func(ctx context.Context, _ string, data []byte) error {
		var payload messagequeue.RunRequeuePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("unmarshal requeue: %w", err)
		}

		e.defMu.RLock()
		def, ok := e.definitions[payload.TenantID+"/"+payload.TestID]
		e.defMu.RUnlock()
		if !ok {
			slog.Warn("requeue for unknown test", "test_id", payload.TestID, "reason", payload.Reason)
			return nil
		}

		rerun := *def
		rerun.ID = ""
		rerun.Priority = testrun.Priority(payload.Priority)
		if !rerun.Priority.Valid() {
			rerun.Priority = testrun.P1
		}

		tenantCtx := middleware.WithTenantID(ctx, payload.TenantID)
		if _, err := e.scheduler.Enqueue(tenantCtx, &rerun); err != nil {
			return fmt.Errorf("requeue %s: %w", payload.TestID, err)
		}
		slog.Info("test requeued", "test_id", payload.TestID, "reason", payload.Reason)
		return nil
	})
}

// finish records the terminal state of a run and publishes the result.
func (e *EngineService) finish(ctx context.Context, run *testrun.Run, status testrun.Status, errMsg string) {
	done := e.now()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &done
	e.broadcastRun(ctx, run, "")

	if e.metrics != nil {
		e.metrics.RunsCompleted.Add(ctx, 1)
		if status == testrun.StatusFailed || status == testrun.StatusTimeout {
			e.metrics.RunsFailed.Add(ctx, 1)
		}
	}

	data, err := json.Marshal(messagequeue.RunResultPayload{
		RunID:    run.ID,
		TestID:   run.TestID,
		TenantID: run.TenantID,
		Status:   string(status),
		Error:    errMsg,
	})
	if err != nil {
		slog.Error("marshal run result", "run_id", run.ID, "error", err)
		return
	}
	if err := e.queue.Publish(ctx, messagequeue.SubjectRunResult, data); err != nil {
		slog.Error("publish run result", "run_id", run.ID, "error", err)
	}
}

func (e *EngineService) broadcastRun(ctx context.Context, run *testrun.Run, slotID string) {
	e.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:    run.ID,
		TestID:   run.TestID,
		TenantID: run.TenantID,
		Status:   string(run.Status),
		SlotID:   slotID,
	})
}

// triageRef returns a non-empty subject for triage records; timeouts may not
// have reached any element.
func (e *EngineService) triageRef(fail *stepFailure) string {
	if fail.elementRef != "" {
		return fail.elementRef
	}
	return fmt.Sprintf("step-%d", fail.step)
}

// primaryStrategy returns the highest-priority strategy of a set.
func primaryStrategy(set locator.Set) locator.Strategy {
	ordered := set.Ordered()
	if len(ordered) == 0 {
		return locator.Strategy{}
	}
	return ordered[0]
}
