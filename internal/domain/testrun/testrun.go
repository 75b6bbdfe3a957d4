// Package testrun defines the test run entity: one browser-automation test
// execution scheduled onto an execution slot.
package testrun

import (
	"fmt"
	"time"

	"github.com/Strob0t/MendForge/internal/domain/locator"
)

// Priority is the scheduling class of a run. Lower value is served first.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool { return p >= P0 && p <= P2 }

func (p Priority) String() string {
	return [...]string{"P0", "P1", "P2"}[p]
}

// Status represents the state of a test run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusHealing   Status = "healing"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// StepKind is what a test step does.
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepAction   StepKind = "action" // locate the target element and interact
	StepAssert   StepKind = "assert" // locate the target element and assert on it
)

// Step is one instruction of a test definition. Action and assert steps name
// a target element whose locator set the resolver walks.
type Step struct {
	Kind       StepKind `json:"kind"`
	ElementRef string   `json:"element_ref,omitempty"`
	Argument   string   `json:"argument,omitempty"` // URL for navigate, expected value for assert
	Script     string   `json:"script,omitempty"`
}

// ElementRef is a named UI target inside a test definition together with its
// locator set. Supplied by the test definition store; read-only here except
// for the append-only strategy prepend on approval apply.
type ElementRef struct {
	Name       string      `json:"name"`
	LocatorSet locator.Set `json:"locator_set"`
}

// Run is one execution attempt of a test against an environment.
type Run struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id,omitempty"`
	TestID      string       `json:"test_id"`
	Environment string       `json:"environment"`
	Priority    Priority     `json:"priority"`
	Status      Status       `json:"status"`
	Steps       []Step       `json:"steps"`
	Elements    []ElementRef `json:"elements"`
	SnapshotID  string       `json:"snapshot_id,omitempty"` // pre-change build, used by safety validation
	Error       string       `json:"error,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Validate checks structural invariants of a run.
func (r *Run) Validate() error {
	if r.TestID == "" {
		return fmt.Errorf("test_id is required")
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("priority %d out of range", r.Priority)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("run %s: at least one step is required", r.TestID)
	}
	refs := make(map[string]bool, len(r.Elements))
	for _, el := range r.Elements {
		if err := el.LocatorSet.Validate(); err != nil {
			return fmt.Errorf("run %s: element %s: %w", r.TestID, el.Name, err)
		}
		refs[el.Name] = true
	}
	for i, st := range r.Steps {
		if st.Kind != StepNavigate && st.ElementRef == "" {
			return fmt.Errorf("run %s: step %d needs an element_ref", r.TestID, i)
		}
		if st.ElementRef != "" && !refs[st.ElementRef] {
			return fmt.Errorf("run %s: step %d references unknown element %q", r.TestID, i, st.ElementRef)
		}
	}
	return nil
}

// Element returns the element ref by name.
func (r *Run) Element(name string) (ElementRef, bool) {
	for _, el := range r.Elements {
		if el.Name == name {
			return el, true
		}
	}
	return ElementRef{}, false
}
