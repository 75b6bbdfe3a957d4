// Package audit defines the immutable audit entry recorded for every healing
// decision and every execution-slot allocation.
package audit

import (
	"fmt"
	"time"
)

// Action identifies what happened.
type Action string

const (
	ActionRunEnqueued         Action = "run.enqueued"
	ActionRunCancelled        Action = "run.cancelled"
	ActionSlotClaimed         Action = "slot.claimed"
	ActionSlotReleased        Action = "slot.released"
	ActionFailureClassified   Action = "failure.classified"
	ActionProposalCreated     Action = "proposal.created"
	ActionProposalValidated   Action = "proposal.validated"
	ActionProposalRejected    Action = "proposal.rejected"
	ActionProposalApproved    Action = "proposal.approved"
	ActionProposalApplied     Action = "proposal.applied"
	ActionProposalReverted    Action = "proposal.reverted"
	ActionProposalTriaged     Action = "proposal.triaged"
	ActionPolicyUpdated       Action = "policy.updated"
	ActionApprovalDenied      Action = "approval.denied"
	ActionBackpressureApplied Action = "scheduler.backpressure"
)

// SystemActor is the actor recorded for decisions the engine makes itself.
const SystemActor = "system"

// Entry is one immutable audit record. Append-only: within the retention
// window entries are never updated or deleted.
type Entry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Action    Action    `json:"action"`
	SubjectID string    `json:"subject_id"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
}

// Validate checks entry invariants.
func (e *Entry) Validate() error {
	if e.ActorID == "" {
		return fmt.Errorf("actor_id is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	return nil
}

// Filter selects entries for the compliance query interface. The tenant is
// taken from the request context, not the filter.
type Filter struct {
	Action Action
	From   time.Time
	To     time.Time
	Limit  int
}
