package service

import (
	"testing"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/port/browser"
)

func testScorer() *ScorerService {
	return NewScorerService(config.Defaults().Scoring)
}

func TestScoreAllSignals(t *testing.T) {
	reference := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.42,
		Attrs: map[string]string{"data-testid": "checkout", "class": "btn primary"},
	}
	candidate := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.45,
		Attrs: map[string]string{"data-testid": "checkout", "class": "btn-v2 primary"},
	}

	score, rationale := testScorer().Score(reference, candidate, false)
	// 30 text + 25 accessibility + 20 position + 15 tag/role + 10 class-only = 100
	if score != 100 {
		t.Fatalf("expected 100, got %d (%v)", score, rationale)
	}
	if len(rationale) != 5 {
		t.Fatalf("expected 5 rationale lines, got %d: %v", len(rationale), rationale)
	}
}

func TestScorePartialSignals(t *testing.T) {
	tests := []struct {
		name      string
		candidate browser.ElementHandle
		want      int
	}{
		{
			name:      "text only",
			candidate: browser.ElementHandle{Tag: "a", Text: "Checkout", Position: 0.9},
			want:      30,
		},
		{
			name:      "tag and role only",
			candidate: browser.ElementHandle{Tag: "button", Role: "button", Text: "Buy now", Position: 0.9},
			want:      15,
		},
		{
			name:      "position only",
			candidate: browser.ElementHandle{Tag: "div", Text: "other", Position: 0.40},
			want:      20,
		},
	}

	reference := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.42,
		Attrs: map[string]string{"data-testid": "checkout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _ := testScorer().Score(reference, tt.candidate, false)
			if score != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, score)
			}
		})
	}
}

func TestScoreGenerativeCap(t *testing.T) {
	reference := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.42,
		Attrs: map[string]string{"data-testid": "checkout", "class": "a"},
	}
	candidate := browser.ElementHandle{
		Tag: "button", Role: "button", Text: "Checkout", Position: 0.42,
		Attrs: map[string]string{"data-testid": "checkout", "class": "b"},
	}

	score, _ := testScorer().Score(reference, candidate, true)
	if score != 85 {
		t.Fatalf("expected generative cap 85, got %d", score)
	}
}

func TestScoreNoEvidenceFallbackBase(t *testing.T) {
	candidate := browser.ElementHandle{Tag: "button", Text: "Checkout"}

	score, rationale := testScorer().Score(browser.ElementHandle{}, candidate, false)
	if score != 10 {
		t.Fatalf("expected fallback base 10, got %d", score)
	}
	if len(rationale) != 1 {
		t.Fatalf("expected single rationale line, got %v", rationale)
	}
}
