package messagequeue

// ProposalEventPayload is the schema for heal.proposal.* messages.
type ProposalEventPayload struct {
	ProposalID     string `json:"proposal_id"`
	TestRunID      string `json:"test_run_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	ElementRef     string `json:"element_ref"`
	Environment    string `json:"environment"`
	Status         string `json:"status"`
	Classification string `json:"classification"`
	Confidence     int    `json:"confidence"`
	ActorID        string `json:"actor_id,omitempty"`
}

// RunRequeuePayload is the schema for runs.requeue messages.
type RunRequeuePayload struct {
	TestID     string `json:"test_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"` // the apply/revert that triggered the requeue
	Priority   int    `json:"priority"`
	Reason     string `json:"reason"` // "applied" or "reverted"
}

// RunResultPayload is the schema for runs.result messages.
type RunResultPayload struct {
	RunID    string `json:"run_id"`
	TestID   string `json:"test_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}
