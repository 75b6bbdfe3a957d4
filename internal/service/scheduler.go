package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/slot"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/middleware"
	"github.com/Strob0t/MendForge/internal/port/broadcast"
	"github.com/Strob0t/MendForge/internal/port/browser"
)

// RunExecutor executes one run on a claimed slot. The scheduler owns slot
// lifecycle around the call; the executor owns everything inside it.
type RunExecutor func(ctx context.Context, run *testrun.Run, sl *slot.Slot)

type ticketState int

const (
	ticketQueued ticketState = iota
	ticketRunning
	ticketDone
	ticketCancelled
)

// ticket tracks one enqueued run until it leaves the scheduler.
type ticket struct {
	id         string
	run        *testrun.Run
	enqueuedAt time.Time
	state      ticketState
	cancelRun  context.CancelFunc // set once the run is dispatched
}

// SchedulerService owns the execution slot pool and the priority queues.
// P0 always dispatches before P1 before P2, FIFO within a level. One tenant
// can hold at most a configured share of the pool, and when the queue grows
// past its depth limit, new non-P0 work is refused rather than buried.
type SchedulerService struct {
	cfg    config.Scheduler
	driver browser.Driver
	audit  *AuditService
	hub    broadcast.Broadcaster
	exec    RunExecutor
	now     func() time.Time
	metrics *otel.Metrics

	slots []*slot.Slot

	mu      sync.Mutex
	queues  [3][]*ticket
	tickets map[string]*ticket

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSchedulerService creates the scheduler with its pre-warmed slot pool.
func NewSchedulerService(
	cfg config.Scheduler,
	driver browser.Driver,
	auditSvc *AuditService,
	hub broadcast.Broadcaster,
	exec RunExecutor,
) *SchedulerService {
	s := &SchedulerService{
		cfg:     cfg,
		driver:  driver,
		audit:   auditSvc,
		hub:     hub,
		exec:    exec,
		now:     time.Now,
		tickets: make(map[string]*ticket),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSlots; i++ {
		s.slots = append(s.slots, slot.New(fmt.Sprintf("slot-%d", i)))
	}
	return s
}

// SetMetrics attaches the metric instruments.
func (s *SchedulerService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Start launches the dispatch loop and the lease reaper.
func (s *SchedulerService) Start() {
	s.wg.Add(1)
	go s.loop()
	slog.Info("scheduler started", "warm_slots", s.cfg.WarmSlots, "max_slots", s.cfg.MaxSlots)
}

// Stop shuts the dispatch loop down and cancels every running ticket. Queued
// tickets stay queued; a restart re-enqueues from the callers.
func (s *SchedulerService) Stop() {
	close(s.stop)
	s.mu.Lock()
	for _, t := range s.tickets {
		if t.state == ticketRunning && t.cancelRun != nil {
			t.cancelRun()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Enqueue admits a run into the priority queue and returns a ticket ID the
// caller can use to cancel it. Backpressure fires only when the pool is
// actually saturated: non-P0 work is refused with ErrPoolExhausted once no
// slot is idle and the queue passes its depth limit. P0 is always admitted.
func (s *SchedulerService) Enqueue(ctx context.Context, run *testrun.Run) (string, error) {
	if err := run.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.TenantID = middleware.TenantIDFromContext(ctx)
	run.Status = testrun.StatusQueued
	run.EnqueuedAt = s.now()

	s.mu.Lock()
	depth := s.depthLocked()
	if run.Priority != testrun.P0 && s.IdleSlots() == 0 && depth >= s.cfg.QueueDepthLimit {
		s.mu.Unlock()
		s.audit.RecordSystem(ctx, audit.ActionBackpressureApplied, run.TestID,
			"", fmt.Sprintf("queue depth %d", depth))
		s.hub.BroadcastEvent(ctx, ws.EventPoolPressure, ws.PoolPressureEvent{
			QueueDepth: depth,
			IdleSlots:  s.IdleSlots(),
		})
		return "", fmt.Errorf("queue depth %d at limit: %w", depth, domain.ErrPoolExhausted)
	}

	t := &ticket{
		id:         uuid.NewString(),
		run:        run,
		enqueuedAt: run.EnqueuedAt,
	}
	s.queues[run.Priority] = append(s.queues[run.Priority], t)
	s.tickets[t.id] = t
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	s.audit.RecordSystem(ctx, audit.ActionRunEnqueued, run.ID, "", run.Priority.String())
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:    run.ID,
		TestID:   run.TestID,
		TenantID: run.TenantID,
		Status:   string(testrun.StatusQueued),
	})
	s.kick()
	return t.id, nil
}

// Cancel removes a queued run or signals a running one. A running run gets
// the drain grace period before its slot is forcibly torn down.
func (s *SchedulerService) Cancel(ctx context.Context, ticketID string) error {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s: %w", ticketID, domain.ErrNotFound)
	}

	switch t.state {
	case ticketQueued:
		s.removeLocked(t)
		t.state = ticketCancelled
		t.run.Status = testrun.StatusCancelled
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueDepth.Add(ctx, -1)
		}
	case ticketRunning:
		cancel := t.cancelRun
		t.state = ticketCancelled
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		s.mu.Unlock()
		return fmt.Errorf("ticket %s already finished: %w", ticketID, domain.ErrConflict)
	}

	s.audit.RecordSystem(ctx, audit.ActionRunCancelled, t.run.ID, string(testrun.StatusRunning), string(testrun.StatusCancelled))
	s.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:  t.run.ID,
		TestID: t.run.TestID,
		Status: string(testrun.StatusCancelled),
	})
	slog.Info("run cancelled", "ticket_id", ticketID, "run_id", t.run.ID)
	return nil
}

// QueueDepth returns the number of queued runs across all priorities.
func (s *SchedulerService) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

// IdleSlots returns the number of slots currently claimable.
func (s *SchedulerService) IdleSlots() int {
	n := 0
	for _, sl := range s.slots {
		if sl.State() == slot.StateIdle {
			n++
		}
	}
	return n
}

func (s *SchedulerService) depthLocked() int {
	return len(s.queues[0]) + len(s.queues[1]) + len(s.queues[2])
}

func (s *SchedulerService) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SchedulerService) loop() {
	defer s.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-tick.C:
			s.reapLeases()
			s.expireStale()
		}
		s.dispatch()
	}
}

// dispatch matches queued tickets to idle slots, highest priority first.
func (s *SchedulerService) dispatch() {
	for {
		s.mu.Lock()
		var t *ticket
		var level int
		for level = 0; level < len(s.queues); level++ {
			for _, cand := range s.queues[level] {
				if s.claimableLocked(cand.run.TenantID) {
					t = cand
					break
				}
			}
			if t != nil {
				break
			}
		}
		if t == nil {
			s.mu.Unlock()
			return
		}

		sl := s.claimSlot(t.run.TenantID)
		if sl == nil {
			s.mu.Unlock()
			return
		}

		// the ticket leaves its queue but stays in the index so a running
		// run can still be cancelled by ticket ID
		s.dequeueLocked(t)
		t.state = ticketRunning
		runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TestTimeout)
		t.cancelRun = cancel
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.QueueDepth.Add(context.Background(), -1)
		}
		s.wg.Add(1)
		go s.execute(runCtx, cancel, t, sl)
	}
}

// claimableLocked reports whether the tenant is under its pool share.
func (s *SchedulerService) claimableLocked(tenantID string) bool {
	limit := int(s.cfg.TenantShare * float64(s.cfg.MaxSlots))
	if limit < 1 {
		limit = 1
	}
	held := 0
	for _, sl := range s.slots {
		if sl.State() != slot.StateIdle && sl.TenantID() == tenantID {
			held++
		}
	}
	return held < limit
}

// claimSlot atomically claims an idle slot for the tenant.
func (s *SchedulerService) claimSlot(tenantID string) *slot.Slot {
	for _, sl := range s.slots {
		if sl.Claim(tenantID, s.cfg.SlotLease) {
			return sl
		}
	}
	return nil
}

func (s *SchedulerService) execute(ctx context.Context, cancel context.CancelFunc, t *ticket, sl *slot.Slot) {
	defer s.wg.Done()
	defer cancel()
	defer s.releaseSlot(sl)

	tenantCtx := middleware.WithTenantID(ctx, t.run.TenantID)
	s.audit.RecordSystem(tenantCtx, audit.ActionSlotClaimed, sl.ID, "", t.run.ID)

	if !sl.Start() {
		slog.Error("slot failed to start", "slot_id", sl.ID, "run_id", t.run.ID)
		return
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Add(tenantCtx, 1)
	}
	s.exec(tenantCtx, t.run, sl)

	s.mu.Lock()
	if t.state == ticketRunning {
		t.state = ticketDone
	}
	delete(s.tickets, t.id)
	s.mu.Unlock()
	s.kick()
}

// releaseSlot drains, resets, and idles a slot. The reset runs under the
// drain grace so a wedged browser cannot hold the slot forever.
func (s *SchedulerService) releaseSlot(sl *slot.Slot) {
	if !sl.Drain() {
		return
	}
	tenantID := sl.TenantID()
	resetCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainGrace)
	defer cancel()
	if err := s.driver.Reset(resetCtx, sl.ID); err != nil {
		slog.Warn("slot reset failed", "slot_id", sl.ID, "error", err)
	}
	sl.Release()
	s.audit.RecordSystem(middleware.WithTenantID(context.Background(), tenantID),
		audit.ActionSlotReleased, sl.ID, "", "")
}

// reapLeases recovers slots whose lease lapsed, which happens when an
// executor goroutine dies without releasing.
func (s *SchedulerService) reapLeases() {
	now := s.now()
	for _, sl := range s.slots {
		if sl.State() != slot.StateIdle && sl.LeaseExpired(now) {
			slog.Warn("reclaiming slot with expired lease", "slot_id", sl.ID, "tenant_id", sl.TenantID())
			s.releaseSlot(sl)
		}
	}
}

// expireStale times out tickets that could not claim a slot within the
// pool-wide claim timeout.
func (s *SchedulerService) expireStale() {
	cutoff := s.now().Add(-s.cfg.ClaimTimeout)

	s.mu.Lock()
	var expired []*ticket
	for _, t := range s.tickets {
		if t.state == ticketQueued && t.enqueuedAt.Before(cutoff) {
			s.removeLocked(t)
			t.state = ticketDone
			t.run.Status = testrun.StatusTimeout
			expired = append(expired, t)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil && len(expired) > 0 {
		s.metrics.QueueDepth.Add(context.Background(), -int64(len(expired)))
	}
	for _, t := range expired {
		slog.Warn("run timed out waiting for a slot", "run_id", t.run.ID, "test_id", t.run.TestID)
		s.hub.BroadcastEvent(context.Background(), ws.EventRunStatus, ws.RunStatusEvent{
			RunID:  t.run.ID,
			TestID: t.run.TestID,
			Status: string(testrun.StatusTimeout),
		})
	}
}

// dequeueLocked takes a ticket out of its priority queue only.
func (s *SchedulerService) dequeueLocked(t *ticket) {
	q := s.queues[t.run.Priority]
	for i, cand := range q {
		if cand.id == t.id {
			s.queues[t.run.Priority] = append(q[:i], q[i+1:]...)
			break
		}
	}
}

// removeLocked retires a ticket that will never run: out of its queue and
// out of the index.
func (s *SchedulerService) removeLocked(t *ticket) {
	s.dequeueLocked(t)
	delete(s.tickets, t.id)
}
