package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/port/browser"
)

// Attempt records one strategy try during resolution. Reason is empty for
// the attempt that matched.
type Attempt struct {
	Strategy locator.Strategy
	Reason   string
	Elapsed  time.Duration
}

// ResolveResult is the outcome of a locator resolution. On failure the
// attempt list is still populated so callers can report what was tried.
type ResolveResult struct {
	Handle   browser.ElementHandle
	Strategy locator.Strategy // the strategy that matched
	Attempts []Attempt        // every strategy tried, in order
	Fallback bool             // a lower-priority strategy matched
}

// AttemptTrail renders the attempt list for diagnostics and triage records.
func AttemptTrail(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		reason := a.Reason
		if reason == "" {
			reason = "matched"
		}
		parts = append(parts, fmt.Sprintf("%s %q: %s", a.Strategy.Kind, a.Strategy.Value, reason))
	}
	return strings.Join(parts, "; ")
}

// ResolverService walks a locator set in priority order until a strategy
// matches. Each attempt gets its own timeout so a slow selector engine cannot
// consume the run's whole budget.
type ResolverService struct {
	cfg     config.Resolver
	metrics *otel.Metrics
}

// NewResolverService creates a new ResolverService.
func NewResolverService(cfg config.Resolver) *ResolverService {
	return &ResolverService{cfg: cfg}
}

// SetMetrics attaches the metric instruments.
func (s *ResolverService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Resolve tries each strategy of the set in ascending priority order.
// A not-found falls through to the next strategy. An invalid selector is
// logged and skipped rather than failing the run: one corrupt entry must not
// take down an otherwise healthy set. When every strategy is exhausted the
// error wraps browser.ErrElementNotFound and the result carries the full
// attempt trail.
func (s *ResolverService) Resolve(ctx context.Context, page browser.Page, set *locator.Set) (ResolveResult, error) {
	ctx, span := otel.StartResolveSpan(ctx, set.ElementRef)
	defer span.End()
	resolveStart := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ResolveDuration.Record(ctx, time.Since(resolveStart).Seconds())
		}
	}()

	ordered := set.Ordered()
	attempts := make([]Attempt, 0, len(ordered))
	for i, st := range ordered {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		handle, err := page.Locate(attemptCtx, st.Value, st.Kind)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			attempts = append(attempts, Attempt{Strategy: st, Elapsed: elapsed})
			return ResolveResult{
				Handle:   handle,
				Strategy: st,
				Attempts: attempts,
				Fallback: i > 0,
			}, nil
		}

		switch {
		case errors.Is(err, browser.ErrElementNotFound):
			attempts = append(attempts, Attempt{Strategy: st, Reason: "not found", Elapsed: elapsed})
		case errors.Is(err, browser.ErrInvalidSelector):
			attempts = append(attempts, Attempt{Strategy: st, Reason: "invalid selector", Elapsed: elapsed})
			slog.Warn("skipping invalid selector",
				"element_ref", set.ElementRef, "kind", st.Kind, "value", st.Value)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// only this attempt timed out; the next strategy still gets a shot
			attempts = append(attempts, Attempt{Strategy: st, Reason: "attempt timed out", Elapsed: elapsed})
			slog.Debug("locate attempt timed out",
				"element_ref", set.ElementRef, "kind", st.Kind)
		default:
			return ResolveResult{Attempts: attempts}, fmt.Errorf("locate %s via %s: %w", set.ElementRef, st.Kind, err)
		}
	}

	return ResolveResult{Attempts: attempts},
		fmt.Errorf("element %s: all %d strategies exhausted (%s): %w",
			set.ElementRef, len(ordered), AttemptTrail(attempts), browser.ErrElementNotFound)
}

// TryStrategy attempts a single strategy against the page. Used by proposal
// generation to re-resolve generative candidates before trusting them.
func (s *ResolverService) TryStrategy(ctx context.Context, page browser.Page, st locator.Strategy) (browser.ElementHandle, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	return page.Locate(attemptCtx, st.Value, st.Kind)
}
