/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All sentinel errors in one place. The API layer maps these to HTTP
  statuses; batch engines use them to distinguish retryable storage
  failures from validation rejections.

ERROR CATEGORIES:
  1. Validation errors  - rejected synchronously, no mutation
  2. Workflow errors    - illegal or conflicting state transitions
  3. Run errors         - batch-level failures (retryable)

Parsing failures inside attribution heuristics are NOT errors: they are
"rule does not match" and fall through the cascade (see attributor.go).
*/
package recon

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAttributionNotFound is returned when resolving an attribution that
	// does not exist. Never a silent no-op.
	ErrAttributionNotFound = errors.New("attribution not found")

	// ErrRunNotFound is returned when a referenced run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrAlreadyResolved is returned when resolving an attribution that is
	// not in UNKNOWN status. ACCEPTED is terminal.
	ErrAlreadyResolved = errors.New("attribution already resolved")

	// ErrReasonCodeRequired is returned for an OVERRIDE without a
	// replacement reason code.
	ErrReasonCodeRequired = errors.New("new reason code required for override")

	// ErrUnknownReasonCode is returned when an OVERRIDE names a reason code
	// absent from the lookup. The request is rejected whole; no partial
	// update is applied.
	ErrUnknownReasonCode = errors.New("unknown reason code")

	// ErrInvalidAction is returned for an action other than APPROVE or
	// OVERRIDE.
	ErrInvalidAction = errors.New("invalid resolution action")

	// ErrConcurrentResolution is returned when the compare-and-swap on the
	// attribution's current state finds it already moved. Exactly one
	// terminal transition wins.
	ErrConcurrentResolution = errors.New("concurrent resolution detected")

	// ErrRecordWithoutSides is returned for a record pair with neither
	// side's reference id present. Such a record does not exist.
	ErrRecordWithoutSides = errors.New("record has no reference id on either side")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// RunError wraps a batch-level failure with the run it belongs to. The run
// is marked FAILED; previously committed chunks stay intact and a retry
// must be idempotent per record.
type RunError struct {
	RunID RunID
	Stage string // "ingest", "diff", "attribute"
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed during %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrReasonCodeRequired) ||
		errors.Is(err, ErrUnknownReasonCode) ||
		errors.Is(err, ErrInvalidAction)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAttributionNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// IsConflict returns true if the error indicates a state conflict that the
// caller may surface as 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrConcurrentResolution)
}
