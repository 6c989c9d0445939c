/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All engine error types in one place. Callers classify errors with the
  helpers at the bottom rather than matching strings.

ERROR CATEGORIES:
  1. Validation errors  - rejected before any transaction starts
  2. Conflict errors    - retryable; another transaction touched the unit
  3. Data-integrity     - fatal; a prior write violated an invariant
  4. Insufficient-context - penalty requested for a date before the bill existed

USAGE:
  if billing.IsRetryable(err) { retry }
  if billing.IsFatal(err)     { page someone }
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
	// ErrInvalidFiscalMonth is returned when a fiscal-year start month is
	// outside 1-12.
	ErrInvalidFiscalMonth = errors.New("invalid fiscal year start month")

	// ErrNegativeAmount is returned when a plan is requested for a negative
	// payment amount. Zero is allowed (preview).
	ErrNegativeAmount = errors.New("payment amount must not be negative")

	// ErrInvalidPaymentAmount is returned when recording a payment with a
	// non-positive amount. Previews use the planner directly.
	ErrInvalidPaymentAmount = errors.New("payment amount must be positive")

	// ErrUnitNotFound is returned when a referenced unit doesn't exist.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrBillNotFound is returned when a referenced bill doesn't exist.
	ErrBillNotFound = errors.New("bill not found")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrTxConflict is returned when a concurrent transaction touched the
	// same unit. Safe to retry from scratch: the whole plan-then-apply
	// sequence starts from a fresh read.
	ErrTxConflict = errors.New("concurrent transaction on unit")

	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key already exists. Expected behavior for client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrCorruptAllocationRecipe is returned when a payment's stored
	// allocation list is missing or inconsistent. This is fatal: it means a
	// prior write violated the complete-recipe invariant, and a reversal
	// must refuse to proceed rather than silently do nothing.
	ErrCorruptAllocationRecipe = errors.New("corrupt allocation recipe")

	// ErrReferenceBeforeIssue is returned when a penalty is requested as of
	// a date before the bill existed.
	ErrReferenceBeforeIssue = errors.New("reference date precedes bill issue")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CorruptRecipeError reports why a payment's allocation recipe failed
// validation during reversal.
type CorruptRecipeError struct {
	PaymentID PaymentID
	Detail    string
}

func (e *CorruptRecipeError) Error() string {
	return fmt.Sprintf("corrupt allocation recipe for payment %s: %s", e.PaymentID, e.Detail)
}

func (e *CorruptRecipeError) Unwrap() error { return ErrCorruptAllocationRecipe }

// ReferenceDateError reports a penalty recomputation requested for a date
// before the bill was issued.
type ReferenceDateError struct {
	BillID    BillID
	IssuedAt  time.Time
	Reference time.Time
}

func (e *ReferenceDateError) Error() string {
	return fmt.Sprintf("reference date %s precedes issue of bill %s (%s)",
		e.Reference.Format("2006-01-02"), e.BillID, e.IssuedAt.Format("2006-01-02"))
}

func (e *ReferenceDateError) Unwrap() error { return ErrReferenceBeforeIssue }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed when retried from
// a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTxConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrInvalidPaymentAmount) ||
		errors.Is(err, ErrInvalidFiscalMonth) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrReferenceBeforeIssue)
}

// IsFatal returns true for data-integrity failures that must never be
// retried and require operator attention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptAllocationRecipe)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}
