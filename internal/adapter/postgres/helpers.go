package postgres

import (
	"context"
	"time"

	"github.com/Strob0t/MendForge/internal/middleware"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// tenantFromCtx extracts the tenant ID from the request context.
// All tenant-scoped queries must use this to enforce isolation.
func tenantFromCtx(ctx context.Context) string {
	return middleware.TenantIDFromContext(ctx)
}

// nullTime converts a zero time to nil for nullable DB columns.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Ensures JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
