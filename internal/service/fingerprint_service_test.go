package service

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
	"github.com/Strob0t/MendForge/internal/domain/healing"
)

func testFingerprintService(store *mockStore) *FingerprintService {
	svc := NewFingerprintService(store, newMockCache(), config.Defaults().Fingerprint, time.Hour)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func TestCaptureStable(t *testing.T) {
	page := newFakePage()
	page.scripts[signatureScript] = "button|button|login|btn\ninput|textbox|user|field"

	svc := testFingerprintService(newMockStore())
	fp, err := svc.Capture(context.Background(), page, "run-1", "login-flow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.LowConfidence {
		t.Fatal("stable capture must not be low confidence")
	}
	if fp.ElementCount != 2 {
		t.Fatalf("expected 2 elements, got %d", fp.ElementCount)
	}
	if fp.TestID != "login-flow" || fp.SourceRunID != "run-1" {
		t.Fatalf("unexpected provenance: %+v", fp)
	}
}

// mutatingPage returns different signatures on every script call.
type mutatingPage struct {
	*fakePage
	calls int
}

func (p *mutatingPage) ExecuteScript(ctx context.Context, script string) (string, error) {
	p.calls++
	if script == signatureScript {
		return "div|||spinner-" + time.Now().Add(time.Duration(p.calls)).String(), nil
	}
	return p.fakePage.ExecuteScript(ctx, script)
}

func TestCaptureUnstableFallsBackLowConfidence(t *testing.T) {
	page := &mutatingPage{fakePage: newFakePage()}

	svc := testFingerprintService(newMockStore())
	fp, err := svc.Capture(context.Background(), page, "run-1", "login-flow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fp.LowConfidence {
		t.Fatal("unstable page must yield a low-confidence fingerprint")
	}
	// 3 retries, two captures each
	if page.calls != 6 {
		t.Fatalf("expected 6 capture attempts, got %d", page.calls)
	}
}

func TestSaveKnownGoodSkipsLowConfidence(t *testing.T) {
	store := newMockStore()
	svc := testFingerprintService(store)

	fp := fingerprint.New([]string{"a"}, "run-1", time.Now())
	fp.TestID = "t1"
	fp.LowConfidence = true
	if err := svc.SaveKnownGood(context.Background(), fp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.fingerprints) != 0 {
		t.Fatal("low-confidence fingerprint must not become the baseline")
	}
}

func TestKnownGoodRoundTrip(t *testing.T) {
	store := newMockStore()
	svc := testFingerprintService(store)

	fp := fingerprint.New([]string{"a", "b"}, "run-1", time.Now())
	fp.TestID = "t1"
	if err := svc.SaveKnownGood(context.Background(), fp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.KnownGood(context.Background(), "", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.KnownGood {
		t.Fatalf("expected known-good baseline, got %+v", got)
	}
}

func TestKnownGoodMissing(t *testing.T) {
	svc := testFingerprintService(newMockStore())

	got, err := svc.KnownGood(context.Background(), "", "never-ran")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil baseline, got %+v", got)
	}
}

func TestClassify(t *testing.T) {
	baseline := make([]string, 10)
	for i := range baseline {
		baseline[i] = string(rune('a' + i))
	}

	// 4 of 10 signatures replaced: delta = 8/20 = 0.40
	changed := make([]string, 10)
	copy(changed, baseline)
	changed[0], changed[1], changed[2], changed[3] = "w", "x", "y", "z"

	// 1 of 10 replaced: delta = 2/20 = 0.10
	minor := make([]string, 10)
	copy(minor, baseline)
	minor[0] = "w"

	tests := []struct {
		name    string
		current []string
		lowConf bool
		kind    FailureKind
		want    healing.Classification
	}{
		{"timeout is infra", changed, false, FailureTimeout, healing.ClassInfraTimeout},
		{"locate with structural delta", changed, false, FailureLocate, healing.ClassStructuralChange},
		{"locate with stable page", minor, false, FailureLocate, healing.ClassAmbiguous},
		{"assert with stable page", minor, false, FailureAssert, healing.ClassAssertionFailure},
		{"assert with structural delta", changed, false, FailureAssert, healing.ClassAmbiguous},
		{"low confidence capture", changed, true, FailureLocate, healing.ClassAmbiguous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			svc := testFingerprintService(store)

			good := fingerprint.New(baseline, "run-0", time.Now())
			good.TestID = "t1"
			if err := svc.SaveKnownGood(context.Background(), good); err != nil {
				t.Fatalf("save baseline: %v", err)
			}

			current := fingerprint.New(tt.current, "run-1", time.Now())
			current.TestID = "t1"
			current.LowConfidence = tt.lowConf

			class, _, err := svc.Classify(context.Background(), "", "t1", current, tt.kind)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if class != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, class)
			}
		})
	}
}

func TestClassifyNoBaseline(t *testing.T) {
	svc := testFingerprintService(newMockStore())

	current := fingerprint.New([]string{"a"}, "run-1", time.Now())
	class, report, err := svc.Classify(context.Background(), "", "t1", current, FailureLocate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if class != healing.ClassAmbiguous {
		t.Fatalf("expected ambiguous without a baseline, got %q", class)
	}
	if !report.Inconclusive {
		t.Fatal("expected inconclusive report")
	}
}

func TestPrune(t *testing.T) {
	store := newMockStore()
	svc := testFingerprintService(store)
	svc.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	old := fingerprint.New([]string{"a"}, "run-old", svc.now().Add(-fingerprint.RetentionWindow-time.Hour))
	recent := fingerprint.New([]string{"b"}, "run-new", svc.now().Add(-time.Hour))
	_ = svc.Save(context.Background(), old)
	_ = svc.Save(context.Background(), recent)

	pruned, err := svc.Prune(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if len(store.fingerprints) != 1 {
		t.Fatalf("expected 1 retained, got %d", len(store.fingerprints))
	}
}
