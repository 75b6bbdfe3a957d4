package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/cache"
	"github.com/Strob0t/MendForge/internal/port/database"
)

// signatureScript extracts one structural signature per visible element:
// tag, role, accessibility id, and normalized class list, in document order.
const signatureScript = `
(() => Array.from(document.querySelectorAll('body *'))
  .filter(el => el.offsetParent !== null)
  .map(el => [
    el.tagName.toLowerCase(),
    el.getAttribute('role') || '',
    el.getAttribute('aria-label') || el.getAttribute('data-testid') || el.id || '',
    Array.from(el.classList).sort().join('.'),
  ].join('|'))
  .join('\n'))()
`

// FingerprintService captures structural page fingerprints and classifies
// failures by comparing against the last known-good capture.
type FingerprintService struct {
	store    database.Store
	cache    cache.Cache
	cfg      config.Fingerprint
	cacheTTL time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewFingerprintService creates a new FingerprintService.
func NewFingerprintService(store database.Store, c cache.Cache, cfg config.Fingerprint, cacheTTL time.Duration) *FingerprintService {
	return &FingerprintService{
		store:    store,
		cache:    c,
		cfg:      cfg,
		cacheTTL: cacheTTL,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Capture takes a stable fingerprint of the page. Two captures are taken a
// stability delay apart; only when they agree is the fingerprint trusted.
// After the configured retries an unstable page yields the latest capture
// flagged low-confidence rather than no fingerprint at all.
func (s *FingerprintService) Capture(ctx context.Context, page browser.Page, runID, testID string) (fingerprint.Fingerprint, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	err := page.WaitReady(waitCtx)
	cancel()
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("wait for page ready: %w", err)
	}

	var last fingerprint.Fingerprint
	for attempt := 0; attempt < s.cfg.CaptureRetries; attempt++ {
		first, err := s.captureOnce(ctx, page, runID)
		if err != nil {
			return fingerprint.Fingerprint{}, err
		}
		if err := s.sleep(ctx, s.cfg.StabilityDelay); err != nil {
			return fingerprint.Fingerprint{}, err
		}
		second, err := s.captureOnce(ctx, page, runID)
		if err != nil {
			return fingerprint.Fingerprint{}, err
		}

		if fingerprint.HashEqual(first, second) {
			second.TestID = testID
			return second, nil
		}
		last = second
		slog.Debug("fingerprint unstable, retrying", "test_id", testID, "attempt", attempt+1)
	}

	last.LowConfidence = true
	last.TestID = testID
	slog.Warn("fingerprint low confidence after retries", "test_id", testID, "retries", s.cfg.CaptureRetries)
	return last, nil
}

func (s *FingerprintService) captureOnce(ctx context.Context, page browser.Page, runID string) (fingerprint.Fingerprint, error) {
	raw, err := page.ExecuteScript(ctx, signatureScript)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("extract signatures: %w", err)
	}
	var signatures []string
	if raw != "" {
		signatures = strings.Split(raw, "\n")
	}
	return fingerprint.New(signatures, runID, s.now()), nil
}

// SaveKnownGood persists a fingerprint captured on a passing step and makes
// it the cached baseline for the test.
func (s *FingerprintService) SaveKnownGood(ctx context.Context, fp fingerprint.Fingerprint) error {
	if fp.LowConfidence {
		// a shaky capture never becomes the baseline
		return nil
	}
	fp.KnownGood = true
	if err := s.store.SaveFingerprint(ctx, &fp); err != nil {
		return fmt.Errorf("save known-good fingerprint: %w", err)
	}

	if data, err := json.Marshal(fp); err == nil {
		if err := s.cache.Set(ctx, knownGoodCacheKey(fp.TenantID, fp.TestID), data, s.cacheTTL); err != nil {
			slog.Debug("fingerprint cache set failed", "test_id", fp.TestID, "error", err)
		}
	}
	return nil
}

// Save persists a non-baseline fingerprint (failure-time captures).
func (s *FingerprintService) Save(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := s.store.SaveFingerprint(ctx, &fp); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// KnownGood returns the latest known-good fingerprint for a test, consulting
// the L1 cache before the store. A nil result with nil error means no
// baseline exists yet.
func (s *FingerprintService) KnownGood(ctx context.Context, tenantID, testID string) (*fingerprint.Fingerprint, error) {
	if data, ok, err := s.cache.Get(ctx, knownGoodCacheKey(tenantID, testID)); err == nil && ok {
		var fp fingerprint.Fingerprint
		if err := json.Unmarshal(data, &fp); err == nil {
			return &fp, nil
		}
	}

	fp, err := s.store.LatestKnownGoodFingerprint(ctx, testID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fp != nil {
		if data, err := json.Marshal(fp); err == nil {
			_ = s.cache.Set(ctx, knownGoodCacheKey(tenantID, testID), data, s.cacheTTL)
		}
	}
	return fp, nil
}

// Prune deletes fingerprints past the retention window. Returns rows removed.
func (s *FingerprintService) Prune(ctx context.Context) (int64, error) {
	return s.store.PruneFingerprints(ctx, s.now().Add(-fingerprint.RetentionWindow))
}

func knownGoodCacheKey(tenantID, testID string) string {
	return "fp:known_good:" + tenantID + ":" + testID
}

// FailureKind is what the executor observed when the step failed.
type FailureKind int

const (
	FailureLocate  FailureKind = iota // no strategy resolved the element
	FailureAssert                     // element found, assertion mismatched
	FailureTimeout                    // navigation or load deadline hit
)

// Classify assigns a cause to a failed step by comparing the failure-time
// fingerprint against the last known-good baseline. Ambiguity is an explicit
// outcome: a case the evidence cannot settle goes to manual triage instead of
// being guessed at.
func (s *FingerprintService) Classify(ctx context.Context, tenantID, testID string, current fingerprint.Fingerprint, kind FailureKind) (healing.Classification, fingerprint.ChangeReport, error) {
	if kind == FailureTimeout {
		return healing.ClassInfraTimeout, fingerprint.ChangeReport{}, nil
	}

	known, err := s.KnownGood(ctx, tenantID, testID)
	if err != nil {
		return "", fingerprint.ChangeReport{}, fmt.Errorf("load known-good fingerprint: %w", err)
	}
	if known == nil {
		// first execution of this test, nothing to compare against
		return healing.ClassAmbiguous, fingerprint.ChangeReport{Inconclusive: true}, nil
	}

	report := fingerprint.Compare(*known, current)
	if report.Inconclusive {
		return healing.ClassAmbiguous, report, nil
	}

	structural := report.StructuralDeltaRatio >= s.cfg.StructuralDelta
	switch kind {
	case FailureLocate:
		if structural {
			return healing.ClassStructuralChange, report, nil
		}
		// element vanished without the page changing shape
		return healing.ClassAmbiguous, report, nil
	case FailureAssert:
		if structural {
			// the assert may have hit a rebuilt page, not a regression
			return healing.ClassAmbiguous, report, nil
		}
		return healing.ClassAssertionFailure, report, nil
	}
	return healing.ClassAmbiguous, report, nil
}
