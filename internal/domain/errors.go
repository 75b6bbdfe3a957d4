// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrPoolExhausted indicates the execution pool has no capacity for the
// requested priority. Retriable: callers should back off and resubmit.
var ErrPoolExhausted = errors.New("execution pool exhausted")

// ErrPolicyViolation indicates an approval attempt that does not satisfy the
// active approval policy. Rejected synchronously, never queued.
var ErrPolicyViolation = errors.New("approval policy violation")

// ErrRepairUnavailable indicates the generative-repair capability timed out
// or errored. The proposal is still created, without a candidate.
var ErrRepairUnavailable = errors.New("generative repair unavailable")

// ErrValidationFailed indicates a healed test passed against the reverted
// page state and the candidate was rejected.
var ErrValidationFailed = errors.New("safety validation failed")

// ErrAmbiguousClassification indicates the fingerprint comparison was
// inconclusive and the failure is routed to manual triage.
var ErrAmbiguousClassification = errors.New("failure classification ambiguous")
