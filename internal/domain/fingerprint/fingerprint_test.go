package fingerprint_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
)

func sigs(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func TestNew_HashCoversSignatures(t *testing.T) {
	now := time.Now()
	a := fingerprint.New([]string{"div#root", "button.submit"}, "run-1", now)
	b := fingerprint.New([]string{"div#root", "button.submit"}, "run-2", now)
	c := fingerprint.New([]string{"div#root", "button.cancel"}, "run-1", now)

	if !fingerprint.HashEqual(a, b) {
		t.Error("same signatures should hash equal")
	}
	if fingerprint.HashEqual(a, c) {
		t.Error("different signatures should not hash equal")
	}
	if a.ElementCount != 2 {
		t.Errorf("expected element count 2, got %d", a.ElementCount)
	}
}

func TestCompare_Identical(t *testing.T) {
	now := time.Now()
	a := fingerprint.New(sigs(100, "el"), "run-1", now)
	b := fingerprint.New(sigs(100, "el"), "run-2", now)

	r := fingerprint.Compare(a, b)
	if r.StructuralDeltaRatio != 0 {
		t.Errorf("expected delta 0, got %f", r.StructuralDeltaRatio)
	}
	if r.ElementCountDelta != 0 {
		t.Errorf("expected count delta 0, got %d", r.ElementCountDelta)
	}
}

func TestCompare_FullReplacement(t *testing.T) {
	now := time.Now()
	a := fingerprint.New(sigs(50, "old"), "run-1", now)
	b := fingerprint.New(sigs(50, "new"), "run-2", now)

	r := fingerprint.Compare(a, b)
	if r.StructuralDeltaRatio != 1 {
		t.Errorf("expected delta 1.0, got %f", r.StructuralDeltaRatio)
	}
}

func TestCompare_PartialChange(t *testing.T) {
	now := time.Now()
	known := append(sigs(70, "same"), sigs(30, "old")...)
	current := append(sigs(70, "same"), sigs(30, "new")...)

	r := fingerprint.Compare(
		fingerprint.New(known, "run-1", now),
		fingerprint.New(current, "run-2", now),
	)
	if r.StructuralDeltaRatio < 0.29 || r.StructuralDeltaRatio > 0.31 {
		t.Errorf("expected delta ~0.30, got %f", r.StructuralDeltaRatio)
	}
}

func TestCompare_AsymmetricSizes(t *testing.T) {
	now := time.Now()
	known := sigs(10, "same")
	current := append(sigs(10, "same"), sigs(10, "added")...)

	// 10 unmatched additions over a combined 30 signatures, not over the
	// larger capture's 20
	r := fingerprint.Compare(
		fingerprint.New(known, "run-1", now),
		fingerprint.New(current, "run-2", now),
	)
	if r.StructuralDeltaRatio < 0.33 || r.StructuralDeltaRatio > 0.34 {
		t.Errorf("expected delta ~0.333, got %f", r.StructuralDeltaRatio)
	}
}

func TestCompare_ElementCountDelta(t *testing.T) {
	now := time.Now()
	r := fingerprint.Compare(
		fingerprint.New(sigs(10, "el"), "run-1", now),
		fingerprint.New(sigs(14, "el"), "run-2", now),
	)
	if r.ElementCountDelta != 4 {
		t.Errorf("expected count delta 4, got %d", r.ElementCountDelta)
	}
}

func TestCompare_LowConfidenceIsInconclusive(t *testing.T) {
	now := time.Now()
	a := fingerprint.New(sigs(10, "el"), "run-1", now)
	b := fingerprint.New(sigs(10, "el"), "run-2", now)
	b.LowConfidence = true

	if r := fingerprint.Compare(a, b); !r.Inconclusive {
		t.Error("expected inconclusive report for low-confidence capture")
	}
	if r := fingerprint.Compare(a, fingerprint.New(sigs(10, "el"), "run-3", now)); r.Inconclusive {
		t.Error("expected conclusive report for two stable captures")
	}
}

func TestCompare_Empty(t *testing.T) {
	r := fingerprint.Compare(fingerprint.Fingerprint{}, fingerprint.Fingerprint{})
	if r.StructuralDeltaRatio != 0 {
		t.Errorf("expected delta 0 for empty fingerprints, got %f", r.StructuralDeltaRatio)
	}
}
