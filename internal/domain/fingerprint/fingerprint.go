// Package fingerprint defines structural page fingerprints used to tell UI
// structure changes apart from genuine regressions.
package fingerprint

import (
	"crypto/sha256"
	"strings"
	"time"
)

// RetentionWindow is how long fingerprints are kept after their owning test
// run completes.
const RetentionWindow = 90 * 24 * time.Hour

// Fingerprint is a structural summary of a page at a point in time.
// Append-only: a fingerprint is never updated after capture.
type Fingerprint struct {
	StructureHash []byte    `json:"structure_hash"`
	ElementCount  int       `json:"element_count"`
	Signatures    []string  `json:"signatures"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	KnownGood     bool      `json:"known_good,omitempty"` // captured on a passing step
	CapturedAt    time.Time `json:"captured_at"`
	SourceRunID   string    `json:"source_run_id"`
	TestID        string    `json:"test_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
}

// New builds a Fingerprint from per-element structural signatures.
// The hash covers the signature list in document order.
func New(signatures []string, runID string, at time.Time) Fingerprint {
	h := sha256.Sum256([]byte(strings.Join(signatures, "\x00")))
	return Fingerprint{
		StructureHash: h[:],
		ElementCount:  len(signatures),
		Signatures:    signatures,
		CapturedAt:    at,
		SourceRunID:   runID,
	}
}

// HashEqual reports whether two fingerprints have identical structure hashes.
func HashEqual(a, b Fingerprint) bool {
	if len(a.StructureHash) != len(b.StructureHash) {
		return false
	}
	for i := range a.StructureHash {
		if a.StructureHash[i] != b.StructureHash[i] {
			return false
		}
	}
	return true
}

// ChangeReport quantifies the structural difference between two fingerprints.
type ChangeReport struct {
	StructuralDeltaRatio float64 `json:"structural_delta_ratio"`
	ElementCountDelta    int     `json:"element_count_delta"`
	Inconclusive         bool    `json:"inconclusive,omitempty"`
}

// Compare computes the change between a known-good fingerprint and a current
// one. The delta ratio is the size of the symmetric difference of the
// element-signature multisets over the combined size of both captures. A
// comparison involving a low-confidence capture is marked inconclusive.
func Compare(known, current Fingerprint) ChangeReport {
	report := ChangeReport{
		ElementCountDelta: current.ElementCount - known.ElementCount,
		Inconclusive:      known.LowConfidence || current.LowConfidence,
	}

	total := len(known.Signatures) + len(current.Signatures)
	if total == 0 {
		return report
	}

	counts := make(map[string]int, len(known.Signatures))
	for _, sig := range known.Signatures {
		counts[sig]++
	}
	unmatched := 0
	for _, sig := range current.Signatures {
		if counts[sig] > 0 {
			counts[sig]--
		} else {
			unmatched++
		}
	}
	for _, n := range counts {
		unmatched += n
	}

	// Symmetric difference over the combined size: identical pages score 0.0,
	// a full replacement scores 1.0, and replacing 30% of elements on a page
	// of stable size scores 0.30.
	report.StructuralDeltaRatio = float64(unmatched) / float64(total)
	return report
}
