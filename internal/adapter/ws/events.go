package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus      = "run.status"
	EventProposalStatus = "proposal.status"
	EventPoolPressure   = "pool.pressure"
)

// RunStatusEvent is broadcast when a test run changes state.
type RunStatusEvent struct {
	RunID    string `json:"run_id"`
	TestID   string `json:"test_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Status   string `json:"status"`
	SlotID   string `json:"slot_id,omitempty"`
}

// ProposalStatusEvent is broadcast when a healing proposal moves through the
// validation/approval workflow.
type ProposalStatusEvent struct {
	ProposalID     string `json:"proposal_id"`
	TestID         string `json:"test_id"`
	ElementRef     string `json:"element_ref"`
	Status         string `json:"status"`
	Classification string `json:"classification"`
	Confidence     int    `json:"confidence"`
}

// PoolPressureEvent is broadcast when the scheduler applies backpressure.
type PoolPressureEvent struct {
	QueueDepth int `json:"queue_depth"`
	IdleSlots  int `json:"idle_slots"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
