/*
errors.go - Typed errors for the loan ledger engine

ERROR KINDS:
  1. Validation  - malformed or out-of-range input, rejected before any mutation
  2. NotFound    - referenced loan/customer/payment does not exist
  3. Consistency - balance invariant broken after a mutation; never persisted
  4. Duplicate accrual - storage-level idempotency key hit for (loan, period)

Every failure returned by the engine wraps one of the sentinels below so
callers classify with errors.Is instead of string matching.

USAGE:
  if ledger.IsNotFound(err) { ... 404 ... }
  var verr *ledger.ValidationError
  if errors.As(err, &verr) { ... verr.Field ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")

	// ErrConsistency means a derived-balance invariant failed after mutation.
	// Should never happen while RecomputeBalance is always called.
	ErrConsistency = errors.New("ledger consistency violated")

	// ErrDuplicateAccrual is returned by AccrualStore.AppendAccrual when the
	// loan already accrued for that period.
	ErrDuplicateAccrual = errors.New("duplicate accrual for period")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "loan", "customer", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConsistencyError carries the violated invariant.
type ConsistencyError struct {
	LoanID string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("loan %s: %s", e.LoanID, e.Reason)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true for failures a later attempt may clear.
// Validation, not-found and consistency failures never clear on retry.
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrConsistency) &&
		!errors.Is(err, ErrDuplicateAccrual)
}
