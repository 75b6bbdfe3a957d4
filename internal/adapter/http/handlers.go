package http

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/approval"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/testrun"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Engine    *service.EngineService
	Scheduler *service.SchedulerService
	Gate      *service.GateService
	Audit     *service.AuditService
	Store     database.Store
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type submitRunResponse struct {
	TicketID string `json:"ticket_id"`
	RunID    string `json:"run_id"`
}

// SubmitRun handles POST /api/v1/runs.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	run, ok := readJSON[testrun.Run](w, r)
	if !ok {
		return
	}

	ticketID, err := h.Engine.Submit(r.Context(), &run)
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			writeDomainError(w, err, "")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitRunResponse{TicketID: ticketID, RunID: run.ID})
}

// CancelRun handles DELETE /api/v1/runs/{ticketID}.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ticketID := urlParam(r, "ticketID")
	if !requireField(w, ticketID, "ticketID") {
		return
	}
	if err := h.Engine.Cancel(r.Context(), ticketID); err != nil {
		writeDomainError(w, err, "ticket not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PoolStatus handles GET /api/v1/pool. Operators use this to see backpressure
// building before the depth limit trips.
func (h *Handlers) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"queue_depth": h.Scheduler.QueueDepth(),
		"idle_slots":  h.Scheduler.IdleSlots(),
	})
}

// ---------------------------------------------------------------------------
// Proposals
// ---------------------------------------------------------------------------

// ListProposals handles GET /api/v1/proposals?status=&limit=.
func (h *Handlers) ListProposals(w http.ResponseWriter, r *http.Request) {
	filter := database.ProposalFilter{Status: healing.StatusPending, Limit: 100}

	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = healing.Status(s)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	proposals, err := h.Store.ListProposals(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "proposals not found")
		return
	}
	if proposals == nil {
		proposals = []healing.Proposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

// GetProposal handles GET /api/v1/proposals/{id}.
func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProposal(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

// ApproveProposal handles POST /api/v1/proposals/{id}/approve.
func (h *Handlers) ApproveProposal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approveRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ApproverID, "approver_id") {
		return
	}

	p, err := h.Gate.Approve(r.Context(), urlParam(r, "id"), req.ApproverID)
	if err != nil {
		writeDomainError(w, err, "proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type rejectRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

// RejectProposal handles POST /api/v1/proposals/{id}/reject.
func (h *Handlers) RejectProposal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rejectRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ApproverID, "approver_id") {
		return
	}

	p, err := h.Gate.Reject(r.Context(), urlParam(r, "id"), req.ApproverID, req.Reason)
	if err != nil {
		writeDomainError(w, err, "proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type revertRequest struct {
	ActorID string `json:"actor_id"`
}

// RevertProposal handles POST /api/v1/proposals/{id}/revert.
func (h *Handlers) RevertProposal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[revertRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ActorID, "actor_id") {
		return
	}

	p, err := h.Gate.Revert(r.Context(), urlParam(r, "id"), req.ActorID)
	if err != nil {
		writeDomainError(w, err, "proposal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ---------------------------------------------------------------------------
// Approval policies
// ---------------------------------------------------------------------------

// ListPolicies handles GET /api/v1/policies.
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Gate.Policies(r.Context())
	if err != nil {
		writeDomainError(w, err, "policies not found")
		return
	}
	if policies == nil {
		policies = []approval.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// GetPolicy handles GET /api/v1/policies/{environment}. Falls back to the
// environment default when no policy has been configured.
func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	env := approval.Environment(urlParam(r, "environment"))
	if !env.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown environment %q", env))
		return
	}
	p, err := h.Gate.Policy(r.Context(), env)
	if err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type putPolicyRequest struct {
	Mode                 approval.Mode `json:"mode"`
	MinConfidenceForAuto int           `json:"min_confidence_for_auto"`
	ActorID              string        `json:"actor_id"`
}

// PutPolicy handles PUT /api/v1/policies/{environment}.
func (h *Handlers) PutPolicy(w http.ResponseWriter, r *http.Request) {
	env := approval.Environment(urlParam(r, "environment"))
	if !env.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown environment %q", env))
		return
	}
	req, ok := readJSON[putPolicyRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ActorID, "actor_id") {
		return
	}

	policy := &approval.Policy{
		Environment:          env,
		Mode:                 req.Mode,
		MinConfidenceForAuto: req.MinConfidenceForAuto,
	}
	if err := policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Gate.PutPolicy(r.Context(), policy, req.ActorID); err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// QueryAudit handles GET /api/v1/audit?from=&to=&action=&limit=. Responds in
// CSV when the client asks for text/csv, for compliance exports.
func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter audit.Filter

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		filter.To = t
	}
	if v := q.Get("action"); v != "" {
		filter.Action = audit.Action(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "audit entries not found")
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/csv") {
		writeAuditCSV(w, entries)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeAuditCSV(w http.ResponseWriter, entries []audit.Entry) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "timestamp", "tenant_id", "actor_id", "action", "subject_id", "before", "after"})
	for _, e := range entries {
		_ = cw.Write([]string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.TenantID,
			e.ActorID,
			string(e.Action),
			e.SubjectID,
			e.Before,
			e.After,
		})
	}
	cw.Flush()
}
