package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs
		r.Post("/runs", h.SubmitRun)
		r.Delete("/runs/{ticketID}", h.CancelRun)
		r.Get("/pool", h.PoolStatus)

		// Healing proposals
		r.Get("/proposals", h.ListProposals)
		r.Get("/proposals/{id}", h.GetProposal)
		r.Post("/proposals/{id}/approve", h.ApproveProposal)
		r.Post("/proposals/{id}/reject", h.RejectProposal)
		r.Post("/proposals/{id}/revert", h.RevertProposal)

		// Approval policies
		r.Get("/policies", h.ListPolicies)
		r.Get("/policies/{environment}", h.GetPolicy)
		r.Put("/policies/{environment}", h.PutPolicy)

		// Audit
		r.Get("/audit", h.QueryAudit)
	})
}
