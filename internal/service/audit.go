package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/port/database"
)

// AuditService records immutable audit entries for every healing decision and
// slot allocation, and serves the compliance query interface.
type AuditService struct {
	store database.Store
	now   func() time.Time
}

// NewAuditService creates a new AuditService.
func NewAuditService(store database.Store) *AuditService {
	return &AuditService{store: store, now: time.Now}
}

// Record fills in ID and timestamp, validates the entry, and appends it.
// An audit write failure is surfaced to the caller: decisions that must be
// audited do not proceed without their record.
func (s *AuditService) Record(ctx context.Context, e audit.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validate audit entry: %w", err)
	}

	if err := s.store.AppendAudit(ctx, &e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// RecordSystem records an entry attributed to the engine itself. Failures are
// logged, not returned: system bookkeeping never blocks the pipeline.
func (s *AuditService) RecordSystem(ctx context.Context, action audit.Action, subjectID, before, after string) {
	err := s.Record(ctx, audit.Entry{
		ActorID:   audit.SystemActor,
		Action:    action,
		SubjectID: subjectID,
		Before:    before,
		After:     after,
	})
	if err != nil {
		slog.Error("audit record failed", "action", action, "subject_id", subjectID, "error", err)
	}
}

// Query returns audit entries for the tenant in the request context.
func (s *AuditService) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 1000
	}
	return s.store.QueryAudit(ctx, f)
}
