// Package browser defines the port to the external browser-automation driver.
// The engine is a pure consumer: it issues locate/screenshot/script calls
// inside an execution slot and never manages browser lifecycle beyond that.
package browser

import (
	"context"
	"errors"

	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// ErrElementNotFound is returned by Locate when the selector matches nothing.
// A not-found is a value, not a fault: the resolver falls through to the next
// strategy.
var ErrElementNotFound = errors.New("element not found")

// ErrInvalidSelector is returned by Locate for selector syntax errors.
var ErrInvalidSelector = errors.New("invalid selector")

// ElementHandle is an opaque reference to a located element plus the
// contextual signals the confidence scorer consumes.
type ElementHandle struct {
	ID       string            // driver-side handle
	Tag      string            // element tag name
	Role     string            // computed ARIA role
	Text     string            // visible text
	Attrs    map[string]string // relevant attributes (aria-*, id, class, ...)
	Position float64           // relative DOM position within the parent, 0..1
}

// Page is one live page inside an execution container.
type Page interface {
	// Navigate loads the URL and returns once navigation is committed.
	Navigate(ctx context.Context, url string) error

	// WaitReady blocks until the page's load-complete signal or ctx expiry.
	WaitReady(ctx context.Context) error

	// Locate finds an element by selector. Returns ErrElementNotFound when
	// the selector matches nothing and ErrInvalidSelector for syntax errors.
	Locate(ctx context.Context, selector string, kind locator.Kind) (ElementHandle, error)

	// Screenshot captures the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)

	// ExecuteScript evaluates a script in the page and returns its output.
	ExecuteScript(ctx context.Context, script string) (string, error)
}

// Driver hands out pages bound to an execution slot.
type Driver interface {
	// NewPage opens a fresh page in the container identified by slotID.
	NewPage(ctx context.Context, slotID string) (Page, error)

	// RestoreSnapshot opens a page against a restored pre-change application
	// state. Used exclusively by safety validation.
	RestoreSnapshot(ctx context.Context, slotID, snapshotID string) (Page, error)

	// Reset clears browser/session state in the container. Runs as part of
	// the slot drain routine.
	Reset(ctx context.Context, slotID string) error
}
