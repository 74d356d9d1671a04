/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these onto HTTP statuses via the Is* helpers.

ERROR CATEGORIES:
  1. Validation errors   - Bad input, rejected synchronously at the write
     boundary, never partially applied
  2. Not-found errors    - Missing rate or snapshot; surfaced as explicit
     "unresolved" invoice state, never coerced to zero cost
  3. Immutability errors - Attempts to alter finalized or historical data
  4. Conflict errors     - Duplicate-key races on append; the losing
     writer's data is discarded, never merged

USAGE:
  if errors.Is(err, billing.ErrDuplicateEffectiveDate) { ... }

SEE ALSO:
  - rates.go, allocation.go, invoice.go: Produce these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package billing

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEffectiveDate is returned when a rate already exists for
	// the (SKU, effective date) pair. The ledger is unchanged.
	ErrDuplicateEffectiveDate = errors.New("duplicate effective date")

	// ErrDuplicateOverride is returned when an override already exists for
	// the (period, reservation) pair.
	ErrDuplicateOverride = errors.New("duplicate override for reservation in period")

	// ErrPercentagesInvalid is returned when an allocation's cost-object
	// percentages do not sum to exactly 100.
	ErrPercentagesInvalid = errors.New("cost object percentages must sum to exactly 100")

	// ErrImmutableViolation is returned on any attempt to alter a finalized
	// period's computed content, a past maintenance window, or an existing
	// rate or snapshot entry.
	ErrImmutableViolation = errors.New("immutable record cannot be changed")

	// ErrConcurrencyConflict is returned to the losing writer of a
	// duplicate-key race on an append-only ledger.
	ErrConcurrencyConflict = errors.New("concurrent write conflict")

	// ErrRateNotFound is returned when no rate entry has an effective date
	// at or before the query date.
	ErrRateNotFound = errors.New("no rate effective at date")

	// ErrSnapshotNotFound is returned when no allocation snapshot is
	// active at the query date.
	ErrSnapshotNotFound = errors.New("no allocation snapshot active at date")

	// ErrUnresolvedLines blocks finalization while any line is missing a
	// rate or cost split and has no covering override.
	ErrUnresolvedLines = errors.New("period has unresolved lines")

	ErrReservationNotFound = errors.New("reservation not found")
	ErrWindowNotFound      = errors.New("maintenance window not found")
	ErrSKUNotFound         = errors.New("sku not found")
	ErrAllocationNotFound  = errors.New("allocation not found")
	ErrPeriodNotFound      = errors.New("invoice period not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad input rejected at the write boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ErrValidation is the sentinel all ValidationErrors unwrap to.
var ErrValidation = errors.New("validation failed")

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ImmutableError reports an attempted mutation of locked data.
type ImmutableError struct {
	Resource string
	Reason   string
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("%s is immutable: %s", e.Resource, e.Reason)
}

func (e *ImmutableError) Unwrap() error { return ErrImmutableViolation }

// StatusTransitionError reports an illegal one-way status transition.
type StatusTransitionError struct {
	Resource string
	From     string
	To       string
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Resource, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error { return ErrValidation }

// DuplicateRateError reports the exact pair that collided on append.
type DuplicateRateError struct {
	SKUCode       SKUCode
	EffectiveDate time.Time
}

func (e *DuplicateRateError) Error() string {
	return fmt.Sprintf("rate already exists for %s effective %s",
		e.SKUCode, e.EffectiveDate.Format("2006-01-02"))
}

func (e *DuplicateRateError) Unwrap() error { return ErrDuplicateEffectiveDate }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPercentagesInvalid) ||
		errors.Is(err, ErrUnresolvedLines)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRateNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrWindowNotFound) ||
		errors.Is(err, ErrSKUNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrPeriodNotFound)
}

// IsConflict returns true if the error should map to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateEffectiveDate) ||
		errors.Is(err, ErrDuplicateOverride) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrImmutableViolation)
}
