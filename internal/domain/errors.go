package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any ledger access.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown user or document. Callers must never
	// fall back to a permissive default when they see it.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a temporarily unavailable store. Safe to retry
	// with the same idempotency key or operation.
	ErrTransient = errors.New("store temporarily unavailable")
	// ErrConflictRetryExhausted is returned when a version-checked write
	// could not commit within the bounded retry budget.
	ErrConflictRetryExhausted = errors.New("conflict retries exhausted")
	// ErrCorruptedState marks a record that failed structural invariants
	// and needs reconciler repair before it can be used.
	ErrCorruptedState = errors.New("corrupted state")

	// ErrVersionConflict signals that a version-checked write lost the
	// race. Internal to the ledger retry loops, never surfaced to callers.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateOperation signals that an idempotency key was committed
	// concurrently by another request for the same bucket.
	ErrDuplicateOperation = errors.New("duplicate operation")
)
