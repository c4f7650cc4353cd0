/*
availability.go - Available-quantity calculator

PURPOSE:
  Derives "available quantity" for an LP: on-hand quantity minus the
  unconsumed amount of all active reservations. Consulted before every
  allocation or depleting operation (split, transfer, consume, reserve).

PURITY:
  Available() has no side effects and touches no store. The engine calls
  it with an LP row and reservation rows read inside the SAME transaction,
  which closes the torn-read window on "quantity available".

NEGATIVE RESULTS:
  A negative computed availability means a prior invariant violation
  (over-allocation already happened). It is NEVER clamped to zero:
  the calculator returns a ConsistencyError so the corruption surfaces.
*/
package ledger

import (
	"context"
	"fmt"
)

// Available computes lp.Quantity minus the unconsumed amount of the given
// active reservations. Reservations that are not active or belong to a
// different LP indicate a caller bug and yield a ConsistencyError.
func Available(lp LicensePlate, active []Reservation) (Quantity, error) {
	reserved := ZeroQuantity()
	for _, r := range active {
		if r.LPID != lp.ID {
			return Quantity{}, &ConsistencyError{
				LPID:   lp.ID,
				Detail: fmt.Sprintf("reservation %s belongs to LP %s", r.ID, r.LPID),
			}
		}
		if r.Status != ReservationActive {
			return Quantity{}, &ConsistencyError{
				LPID:   lp.ID,
				Detail: fmt.Sprintf("reservation %s is %s, expected active", r.ID, r.Status),
			}
		}
		remaining := r.Remaining()
		if remaining.IsNegative() {
			return Quantity{}, &ConsistencyError{
				LPID:   lp.ID,
				Detail: fmt.Sprintf("reservation %s consumed more than reserved", r.ID),
			}
		}
		reserved = reserved.Add(remaining)
	}

	avail := lp.Quantity.Sub(reserved)
	if avail.IsNegative() {
		return Quantity{}, &ConsistencyError{
			LPID: lp.ID,
			Detail: fmt.Sprintf("available %s < 0 (on-hand %s, reserved %s)",
				avail, lp.Quantity, reserved),
		}
	}
	return avail, nil
}

// AvailableForLP reads the LP and its active reservations from the store
// and computes availability. When called inside WithTx the two reads are
// part of one atomic check.
func AvailableForLP(ctx context.Context, s Store, id LPID) (Quantity, error) {
	lp, err := s.GetLP(ctx, id)
	if err != nil {
		return Quantity{}, err
	}
	active, err := s.ListActiveReservations(ctx, id)
	if err != nil {
		return Quantity{}, err
	}
	return Available(lp, active)
}
