package service

import (
	"fmt"
	"math"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/port/browser"
)

// positionTolerance is how far a candidate may drift from the reference's
// relative DOM position and still count as "same place".
const positionTolerance = 0.1

// ScorerService computes the confidence score of a candidate locator by
// comparing the element it resolves to against the reference evidence
// recorded the last time the original locator succeeded. Weights are
// configuration, not code: they are expected to be re-tuned as real
// UI-change data accumulates.
type ScorerService struct {
	cfg config.Scoring
}

// NewScorerService creates a new ScorerService.
func NewScorerService(cfg config.Scoring) *ScorerService {
	return &ScorerService{cfg: cfg}
}

// Score rates a candidate element against the reference evidence and returns
// the confidence (0..100) with a human-readable rationale per contributing
// signal. Generative candidates are capped below the auto-apply band so a
// synthesized locator always crosses a human.
func (s *ScorerService) Score(reference, candidate browser.ElementHandle, generative bool) (int, []string) {
	var score int
	var rationale []string

	if emptyEvidence(reference) {
		score = s.cfg.FallbackBase
		rationale = append(rationale, fmt.Sprintf("no reference evidence, base score %d", s.cfg.FallbackBase))
	} else {
		if candidate.Text != "" && candidate.Text == reference.Text {
			score += s.cfg.TextMatch
			rationale = append(rationale, fmt.Sprintf("visible text matches (%+d)", s.cfg.TextMatch))
		}
		if id := accessibilityID(candidate); id != "" && id == accessibilityID(reference) {
			score += s.cfg.AccessibilityID
			rationale = append(rationale, fmt.Sprintf("accessibility id matches (%+d)", s.cfg.AccessibilityID))
		}
		if math.Abs(candidate.Position-reference.Position) <= positionTolerance {
			score += s.cfg.Position
			rationale = append(rationale, fmt.Sprintf("relative position within tolerance (%+d)", s.cfg.Position))
		}
		if candidate.Tag == reference.Tag && candidate.Role == reference.Role {
			score += s.cfg.TagRole
			rationale = append(rationale, fmt.Sprintf("tag and role match (%+d)", s.cfg.TagRole))
		}
		if classOnlyDiff(reference, candidate) {
			score += s.cfg.ClassOnlyDiff
			rationale = append(rationale, fmt.Sprintf("only class names changed (%+d)", s.cfg.ClassOnlyDiff))
		}
	}

	if score > 100 {
		score = 100
	}
	if generative && score > s.cfg.GenerativeCap {
		score = s.cfg.GenerativeCap
		rationale = append(rationale, fmt.Sprintf("generative candidate capped at %d", s.cfg.GenerativeCap))
	}
	return score, rationale
}

// emptyEvidence reports whether the reference carries no usable signals.
func emptyEvidence(h browser.ElementHandle) bool {
	return h.Tag == "" && h.Role == "" && h.Text == "" && len(h.Attrs) == 0
}

// accessibilityID returns the strongest identity attribute of an element.
func accessibilityID(h browser.ElementHandle) string {
	for _, key := range []string{"data-testid", "aria-label", "id"} {
		if v := h.Attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

// classOnlyDiff reports whether the candidate differs from the reference in
// class attribute alone, with tag, text, and identity all stable.
func classOnlyDiff(reference, candidate browser.ElementHandle) bool {
	if candidate.Tag != reference.Tag || candidate.Text != reference.Text {
		return false
	}
	if accessibilityID(candidate) != accessibilityID(reference) {
		return false
	}
	return candidate.Attrs["class"] != reference.Attrs["class"]
}
