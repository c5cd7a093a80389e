/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these with additional context.

ERROR CATEGORIES:
  1. Ledger errors - duplicate keys, storage failures
  2. Validation errors - caller bugs (unknown action kind, bad amount)
  3. Lookup errors - missing records

POLICY REJECTIONS ARE NOT ERRORS:
  AlreadyClaimed, DailyLimitReached, InsufficientBalance and BelowMinimum
  are expected states. Engines return them as Outcome values so callers
  can branch without inspecting errors. The sentinels below exist for the
  storage layer and for the few paths where a rejection has to abort a
  transaction (see InsufficientBalanceError).

USAGE:
  if errors.Is(err, points.ErrDuplicateIdempotencyKey) {
      // already processed, safe to treat as a no-op
  }
  if points.IsRetryable(err) {
      // retry with the SAME idempotency key
  }
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateReferral is returned when a (referrer, referred, type)
	// tracking record already exists.
	ErrDuplicateReferral = errors.New("duplicate referral conversion")

	// ErrDuplicateCode is returned when a referral code collides with an existing one.
	ErrDuplicateCode = errors.New("duplicate referral code")

	// ErrStoreFailure wraps storage-level failures (conflicts, I/O).
	// The whole operation was rolled back and may be retried.
	ErrStoreFailure = errors.New("ledger store failure")

	// ErrInvalidActionKind is returned for an action kind missing from the award table.
	ErrInvalidActionKind = errors.New("invalid action kind")

	// ErrInvalidAmount is returned for zero or negative point amounts where
	// a positive amount is required.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is returned when a spend exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned for a disallowed redemption status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrOwnerRequired is returned when an entry has no owner.
	ErrOwnerRequired = errors.New("owner id required")

	// ErrInvalidIdempotencyKey is returned for a caller-chosen key that is
	// empty, too long or contains the key separator.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StoreError wraps a driver error with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreFailure, e.Err}
}

// WrapStore marks err as a retryable storage failure unless it is already
// one of the domain sentinels.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateReferral) ||
		errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStoreFailure)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidActionKind) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrOwnerRequired) ||
		errors.Is(err, ErrInvalidIdempotencyKey)
}

// IsDuplicate returns true if the error signals an already-processed request.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateReferral)
}
