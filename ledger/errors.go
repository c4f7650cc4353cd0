/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on sentinels with errors.Is() and unwrap the structured
  types with errors.As() for details.

ERROR CATEGORIES:
  1. Not-found errors    - Unknown LP or reservation ids
  2. Validation errors   - Availability, state machine, over-consumption
  3. Concurrency errors  - Version conflicts and exhausted retry budgets
  4. Consistency errors  - Broken internal invariants (bug signal)

PROPAGATION CONTRACT:
  Every error here is returned as a typed result, never swallowed.
  ErrConcurrentModification is retried internally up to the engine's bound
  before surfacing ErrContention. ErrConsistency is NEVER retried - it
  indicates corrupted state, is logged loudly, and aborts the operation.

SEE ALSO:
  - engine.go: Retry policy and where each error is raised
  - availability.go: Raises ErrConsistency on negative availability
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
	// ErrLPNotFound is returned when a license plate id is unknown.
	ErrLPNotFound = errors.New("license plate not found")

	// ErrReservationNotFound is returned when a reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInsufficientAvailability is returned when a requested quantity
	// exceeds the computed available quantity.
	ErrInsufficientAvailability = errors.New("insufficient availability")

	// ErrInvalidState is returned when an operation is attempted on a
	// terminal or incompatible status (including QA no-op transitions).
	ErrInvalidState = errors.New("invalid state")

	// ErrOverConsumption is returned when a consume amount exceeds the
	// remaining reserved amount of a reservation.
	ErrOverConsumption = errors.New("over-consumption")

	// ErrConcurrentModification is returned when an optimistic version
	// check failed. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrContention is returned when the retry budget is exhausted.
	ErrContention = errors.New("contention: retry budget exhausted")

	// ErrConsistency is returned when an internal invariant is broken
	// (negative availability, conservation mismatch, genealogy cycle).
	// Treat as a bug signal; never retried, never silently corrected.
	ErrConsistency = errors.New("internal consistency violation")

	// ErrDuplicateLPNumber is returned when creating an LP with a number
	// that already exists within the org.
	ErrDuplicateLPNumber = errors.New("lp number already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientAvailabilityError details an availability shortage.
type InsufficientAvailabilityError struct {
	LPID      LPID
	Available Quantity
	Requested Quantity
}

func (e *InsufficientAvailabilityError) Error() string {
	return fmt.Sprintf("insufficient availability on %s: available %s, requested %s",
		e.LPID, e.Available, e.Requested)
}

func (e *InsufficientAvailabilityError) Unwrap() error { return ErrInsufficientAvailability }

// InvalidStateError details a rejected state transition or precondition.
type InvalidStateError struct {
	Entity  string // "license_plate" or "reservation"
	ID      string
	Current string
	Reason  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s %s (current: %s): %s",
		e.Entity, e.ID, e.Current, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// OverConsumptionError details a consume amount exceeding the reservation.
type OverConsumptionError struct {
	ReservationID ReservationID
	Remaining     Quantity
	Requested     Quantity
}

func (e *OverConsumptionError) Error() string {
	return fmt.Sprintf("over-consumption on reservation %s: remaining %s, requested %s",
		e.ReservationID, e.Remaining, e.Requested)
}

func (e *OverConsumptionError) Unwrap() error { return ErrOverConsumption }

// ContentionError reports an exhausted retry budget on a contended LP.
type ContentionError struct {
	LPID     LPID
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("contention on %s: gave up after %d attempts", e.LPID, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// ConsistencyError reports a broken internal invariant.
type ConsistencyError struct {
	LPID   LPID
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", e.LPID, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// ErrConsistency is deliberately excluded: corrupted state must abort.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientAvailability) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrOverConsumption) ||
		errors.Is(err, ErrDuplicateLPNumber)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLPNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}
