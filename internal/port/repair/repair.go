// Package repair defines the pluggable generative-repair port. The capability
// is untrusted: every candidate it returns is re-resolved on the live page
// before it may surface in a proposal.
package repair

import (
	"context"

	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// Request carries the failed locator and the page fragment around it.
type Request struct {
	HTMLFragment    string           `json:"html_fragment"`
	OriginalLocator locator.Strategy `json:"original_locator"`
}

// Response is the synthesized replacement selector.
type Response struct {
	CandidateSelector string       `json:"candidate_selector"`
	Kind              locator.Kind `json:"kind"`
}

// Generator synthesizes a replacement locator for a failed one.
// Implementations may call out to any generative backend; the engine carries
// no hard dependency on a specific one.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
