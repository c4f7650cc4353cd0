/*
engine.go - Atomic ledger operations

PURPOSE:
  The Engine orchestrates every mutation of the LP ledger: create, split,
  transfer, merge, adjust, QA status change, lifecycle status change, and
  the reservation lifecycle (reserve / consume / release / cancel).
  Each operation runs inside a single store transaction, so the LP row,
  reservation rows, move log, and QA log commit all-or-nothing.

CONCURRENCY MODEL:
  The LP row is the unit of contention. The engine uses optimistic
  concurrency: it reads inside a transaction, validates, and writes with a
  version compare-and-swap. On ErrConcurrentModification the WHOLE
  transaction is re-run from the read phase, up to a bounded retry budget;
  exhaustion surfaces ErrContention. Pure unbounded retry would risk
  livelock under contention, so the bound is mandatory.

  Availability is always computed from the LP quantity and the active
  reservations read in the SAME transaction - the commit-time re-check
  that closes the read-then-write race window.

CONSISTENCY VIOLATIONS:
  A conservation mismatch or negative availability means the stored state
  is already corrupted. The engine never retries these: it logs loudly,
  bumps the violation counter, and returns ErrConsistency.

SEE ALSO:
  - store.go: The TxStore contract the engine drives
  - availability.go: The pure calculator used before depleting actions
  - genealogy.go: Read-only lineage traversal (does not mutate state)
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plateflow/lp-engine/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

const defaultRetryBudget = 4

type Engine struct {
	store      TxStore
	log        logrus.FieldLogger
	rec        *metrics.Recorder
	now        func() time.Time
	maxRetries int
}

type Option func(*Engine)

// WithLogger sets the structured logger (defaults to logrus standard logger).
func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the metrics recorder (nil records nothing).
func WithMetrics(r *metrics.Recorder) Option { return func(e *Engine) { e.rec = r } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRetryBudget overrides the optimistic-retry bound.
func WithRetryBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		log:        logrus.StandardLogger(),
		now:        time.Now,
		maxRetries: defaultRetryBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// idSeq disambiguates ids generated within the same nanosecond.
var idSeq atomic.Int64

func (e *Engine) newID(prefix string) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, e.now().UnixNano(), idSeq.Add(1)%10000)
}

// withRetry runs fn inside a store transaction, re-running the whole
// transaction on version conflicts up to the retry budget.
// lpID is a pointer so operations that discover the LP mid-transaction
// (e.g. consume, which starts from a reservation id) still produce a
// useful ContentionError.
func (e *Engine) withRetry(ctx context.Context, op string, lpID *LPID, fn func(Store) error) error {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil {
			e.rec.Operation(op, "ok", time.Since(start).Seconds())
			return nil
		}
		if errors.Is(err, ErrConsistency) {
			e.rec.ConsistencyViolation()
			e.rec.Operation(op, "consistency_violation", time.Since(start).Seconds())
			e.log.WithFields(logrus.Fields{
				"op":    op,
				"lp_id": *lpID,
			}).WithError(err).Error("consistency violation: aborting operation, state may be corrupted")
			return err
		}
		if !IsRetryable(err) {
			e.rec.Operation(op, "rejected", time.Since(start).Seconds())
			return err
		}
		e.rec.Retry(op)
		e.log.WithFields(logrus.Fields{
			"op":      op,
			"lp_id":   *lpID,
			"attempt": attempt,
		}).Debug("version conflict, retrying")
	}
	e.rec.Operation(op, "contention", time.Since(start).Seconds())
	e.log.WithFields(logrus.Fields{"op": op, "lp_id": *lpID}).
		Warn("retry budget exhausted")
	return &ContentionError{LPID: *lpID, Attempts: e.maxRetries}
}

// rejected builds an input/precondition rejection carrying ErrInvalidState.
func rejected(entity, id, current, reason string) error {
	return &InvalidStateError{Entity: entity, ID: id, Current: current, Reason: reason}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateLPInput struct {
	LPNumber    string // generated from the org sequence when empty
	ProductID   ProductID
	Quantity    Quantity
	UoM         string
	LocationID  LocationID
	QAStatus    QAStatus // defaults to pending
	BatchNumber string
	ExpiryDate  *time.Time
	Origin      OriginType // receipt, production, or adjustment
	OriginRef   map[string]string
}

// CreateLP registers a new plate from receipt, production output, or an
// opening adjustment. Split and transform children are created internally
// by Split/Transfer/Merge and cannot be created through this entry point.
// Creation writes no StockMove: origin_type/origin_ref are the audit record
// for the initial quantity.
func (e *Engine) CreateLP(ctx context.Context, scope Scope, in CreateLPInput) (LicensePlate, error) {
	if in.ProductID == "" || in.UoM == "" || in.LocationID == "" {
		return LicensePlate{}, rejected("license_plate", in.LPNumber, "-", "product_id, uom and location_id are required")
	}
	if !in.Quantity.IsPositive() {
		return LicensePlate{}, rejected("license_plate", in.LPNumber, "-", "quantity must be positive")
	}
	switch in.Origin {
	case OriginReceipt, OriginProduction, OriginAdjustment:
	default:
		return LicensePlate{}, rejected("license_plate", in.LPNumber, "-",
			fmt.Sprintf("origin %q cannot be created directly", in.Origin))
	}
	qa := in.QAStatus
	if qa == "" {
		qa = QAPending
	}
	if !qa.Valid() {
		return LicensePlate{}, rejected("license_plate", in.LPNumber, "-",
			fmt.Sprintf("unknown qa_status %q", in.QAStatus))
	}

	var created LicensePlate
	lpID := LPID("")
	err := e.withRetry(ctx, "create", &lpID, func(s Store) error {
		number := in.LPNumber
		if number == "" {
			n, err := s.NextLPNumber(ctx, scope.Org)
			if err != nil {
				return err
			}
			number = n
		}
		now := e.now()
		created = LicensePlate{
			ID:          LPID(e.newID("lp")),
			Org:         scope.Org,
			LPNumber:    number,
			ProductID:   in.ProductID,
			Quantity:    in.Quantity,
			UoM:         in.UoM,
			LocationID:  in.LocationID,
			QAStatus:    qa,
			Status:      StatusAvailable,
			BatchNumber: in.BatchNumber,
			ExpiryDate:  in.ExpiryDate,
			OriginType:  in.Origin,
			OriginRef:   in.OriginRef,
			CreatedBy:   scope.Actor,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		lpID = created.ID
		return s.CreateLP(ctx, created)
	})
	if err != nil {
		return LicensePlate{}, err
	}
	return created, nil
}

// =============================================================================
// SPLIT
// =============================================================================

type SplitSpec struct {
	Quantity Quantity
	Reason   string
}

type SplitResult struct {
	Parent   LicensePlate
	Children []LicensePlate
	Moves    []StockMove
}

// Split divides an LP into itself (reduced) plus one or more child plates.
//
// Preconditions:
//   - sum(splits) <= available(lp): reserved-but-unconsumed quantity cannot
//     be split out from under a reservation
//   - sum(splits) < lp.quantity (strict): a split must leave a non-zero
//     remainder; splitting 100% is a transform, not a split
//
// The parent is decremented once (a single atomic decrement, so concurrent
// readers never see intermediate states) and one SPLIT move is appended per
// child. Conservation is re-verified after the write.
func (e *Engine) Split(ctx context.Context, scope Scope, id LPID, splits []SplitSpec) (SplitResult, error) {
	if len(splits) == 0 {
		return SplitResult{}, rejected("license_plate", string(id), "-", "at least one split quantity is required")
	}
	total := ZeroQuantity()
	for _, sp := range splits {
		if !sp.Quantity.IsPositive() {
			return SplitResult{}, rejected("license_plate", string(id), "-", "split quantities must be positive")
		}
		total = total.Add(sp.Quantity)
	}

	var result SplitResult
	err := e.withRetry(ctx, "split", &id, func(s Store) error {
		result = SplitResult{} // fresh state on every retry

		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if lp.Status != StatusAvailable {
			return rejected("license_plate", string(id), string(lp.Status), "only available plates can be split")
		}
		active, err := s.ListActiveReservations(ctx, id)
		if err != nil {
			return err
		}
		avail, err := Available(lp, active)
		if err != nil {
			return err
		}
		if total.GreaterThan(avail) {
			return &InsufficientAvailabilityError{LPID: id, Available: avail, Requested: total}
		}
		if total.GreaterOrEqual(lp.Quantity) {
			return rejected("license_plate", string(id), string(lp.Status),
				"split must leave a non-zero remainder on the parent (a full-quantity split is a transform)")
		}

		preQty := lp.Quantity
		now := e.now()
		for _, sp := range splits {
			number, err := s.NextLPNumber(ctx, lp.Org)
			if err != nil {
				return err
			}
			child := LicensePlate{
				ID:          LPID(e.newID("lp")),
				Org:         lp.Org,
				LPNumber:    number,
				ProductID:   lp.ProductID,
				Quantity:    sp.Quantity,
				UoM:         lp.UoM,
				LocationID:  lp.LocationID,
				QAStatus:    lp.QAStatus,
				Status:      StatusAvailable,
				BatchNumber: lp.BatchNumber,
				ExpiryDate:  lp.ExpiryDate,
				ParentLPID:  lp.ID,
				OriginType:  OriginSplit,
				OriginRef:   map[string]string{"parent_lp_id": string(lp.ID)},
				CreatedBy:   scope.Actor,
				CreatedAt:   now,
				UpdatedAt:   now,
				Version:     1,
			}
			if err := s.CreateLP(ctx, child); err != nil {
				return err
			}
			result.Children = append(result.Children, child)
		}

		parent, err := s.UpdateLPQuantity(ctx, id, preQty.Sub(total), lp.Version)
		if err != nil {
			return err
		}
		if !parent.Quantity.Add(total).Equal(preQty) {
			return &ConsistencyError{LPID: id, Detail: fmt.Sprintf(
				"conservation mismatch after split: %s + %s != %s", parent.Quantity, total, preQty)}
		}
		result.Parent = parent

		for i, child := range result.Children {
			move := StockMove{
				ID:             MoveID(e.newID("mv")),
				MoveNumber:     fmt.Sprintf("MV-%d-%d", now.UnixNano(), i),
				LPID:           child.ID,
				FromLocationID: lp.LocationID,
				ToLocationID:   lp.LocationID,
				Quantity:       child.Quantity,
				Type:           MoveSplit,
				Status:         MoveCompleted,
				MoveDate:       now,
				Reason:         splits[i].Reason,
				Meta: map[string]string{
					"parent_lp_id": string(lp.ID),
					"child_lp_id":  string(child.ID),
				},
				CreatedBy: scope.Actor,
				CreatedAt: now,
			}
			if err := s.AppendMove(ctx, move); err != nil {
				return err
			}
			result.Moves = append(result.Moves, move)
		}
		return nil
	})
	if err != nil {
		return SplitResult{}, err
	}
	return result, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

type TransferResult struct {
	Source LicensePlate
	// Moved is the plate now at the destination: the source itself for a
	// full-quantity move, a new child for a partial move.
	Moved         LicensePlate
	Move          StockMove
	SplitOccurred bool
}

// Transfer moves quantity to another location. A nil qty means the full
// on-hand quantity.
//
// Policy (explicit, per the partial-move open question): a full-quantity
// transfer only rewrites location_id and never fabricates a new LP
// identity; a partial transfer is an implicit split-then-move that creates
// a child plate at the destination and decrements the source in place.
// Either way a TRANSFER move is appended - including "trivial" full moves.
func (e *Engine) Transfer(ctx context.Context, scope Scope, id LPID, to LocationID, qty *Quantity, reason string) (TransferResult, error) {
	if to == "" {
		return TransferResult{}, rejected("license_plate", string(id), "-", "destination location is required")
	}

	var result TransferResult
	err := e.withRetry(ctx, "transfer", &id, func(s Store) error {
		result = TransferResult{}

		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if lp.Status != StatusAvailable {
			return rejected("license_plate", string(id), string(lp.Status), "only available plates can be transferred")
		}
		if to == lp.LocationID {
			return rejected("license_plate", string(id), string(lp.Status), "plate is already at the destination location")
		}

		amount := lp.Quantity
		if qty != nil {
			amount = *qty
		}
		if !amount.IsPositive() {
			return rejected("license_plate", string(id), string(lp.Status), "transfer quantity must be positive")
		}
		active, err := s.ListActiveReservations(ctx, id)
		if err != nil {
			return err
		}
		avail, err := Available(lp, active)
		if err != nil {
			return err
		}
		if amount.GreaterThan(avail) {
			return &InsufficientAvailabilityError{LPID: id, Available: avail, Requested: amount}
		}

		now := e.now()
		if amount.Equal(lp.Quantity) {
			// Full-quantity move: location rewrite only.
			moved, err := s.UpdateLPLocation(ctx, id, to, lp.Version)
			if err != nil {
				return err
			}
			move := StockMove{
				ID:             MoveID(e.newID("mv")),
				MoveNumber:     fmt.Sprintf("MV-%d", now.UnixNano()),
				LPID:           id,
				FromLocationID: lp.LocationID,
				ToLocationID:   to,
				Quantity:       amount,
				Type:           MoveTransfer,
				Status:         MoveCompleted,
				MoveDate:       now,
				Reason:         reason,
				CreatedBy:      scope.Actor,
				CreatedAt:      now,
			}
			if err := s.AppendMove(ctx, move); err != nil {
				return err
			}
			result = TransferResult{Source: moved, Moved: moved, Move: move}
			return nil
		}

		// Partial move: implicit split-then-move.
		number, err := s.NextLPNumber(ctx, lp.Org)
		if err != nil {
			return err
		}
		child := LicensePlate{
			ID:          LPID(e.newID("lp")),
			Org:         lp.Org,
			LPNumber:    number,
			ProductID:   lp.ProductID,
			Quantity:    amount,
			UoM:         lp.UoM,
			LocationID:  to,
			QAStatus:    lp.QAStatus,
			Status:      StatusAvailable,
			BatchNumber: lp.BatchNumber,
			ExpiryDate:  lp.ExpiryDate,
			ParentLPID:  lp.ID,
			OriginType:  OriginSplit,
			OriginRef:   map[string]string{"parent_lp_id": string(lp.ID), "transfer": "partial"},
			CreatedBy:   scope.Actor,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		if err := s.CreateLP(ctx, child); err != nil {
			return err
		}
		preQty := lp.Quantity
		source, err := s.UpdateLPQuantity(ctx, id, preQty.Sub(amount), lp.Version)
		if err != nil {
			return err
		}
		if !source.Quantity.Add(amount).Equal(preQty) {
			return &ConsistencyError{LPID: id, Detail: fmt.Sprintf(
				"conservation mismatch after partial transfer: %s + %s != %s", source.Quantity, amount, preQty)}
		}
		move := StockMove{
			ID:             MoveID(e.newID("mv")),
			MoveNumber:     fmt.Sprintf("MV-%d", now.UnixNano()),
			LPID:           child.ID,
			FromLocationID: lp.LocationID,
			ToLocationID:   to,
			Quantity:       amount,
			Type:           MoveTransfer,
			Status:         MoveCompleted,
			MoveDate:       now,
			Reason:         reason,
			Meta: map[string]string{
				"parent_lp_id":   string(lp.ID),
				"child_lp_id":    string(child.ID),
				"implicit_split": "true",
			},
			CreatedBy: scope.Actor,
			CreatedAt: now,
		}
		if err := s.AppendMove(ctx, move); err != nil {
			return err
		}
		result = TransferResult{Source: source, Moved: child, Move: move, SplitOccurred: true}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

// =============================================================================
// MERGE
// =============================================================================

type MergeInput struct {
	SourceIDs []LPID
	Reason    string
}

type MergeResult struct {
	Merged  LicensePlate
	Sources []LicensePlate
	Moves   []StockMove
}

// Merge combines two or more plates of the same product, UoM, QA status and
// location into one new plate. Sources must carry no active reservations;
// they are drained to zero and marked consumed. The new plate's lineage
// pointer references the first source; the full source list is recorded in
// origin_ref and in each MERGE move, so combine lineage is reconstructible
// from the journal. The merged expiry is the earliest source expiry.
func (e *Engine) Merge(ctx context.Context, scope Scope, in MergeInput) (MergeResult, error) {
	if len(in.SourceIDs) < 2 {
		return MergeResult{}, rejected("license_plate", "", "-", "merge requires at least two source plates")
	}
	seen := map[LPID]bool{}
	for _, id := range in.SourceIDs {
		if seen[id] {
			return MergeResult{}, rejected("license_plate", string(id), "-", "duplicate source plate in merge")
		}
		seen[id] = true
	}

	primary := in.SourceIDs[0]
	var result MergeResult
	err := e.withRetry(ctx, "merge", &primary, func(s Store) error {
		result = MergeResult{}

		sources := make([]LicensePlate, 0, len(in.SourceIDs))
		for _, id := range in.SourceIDs {
			lp, err := s.GetLP(ctx, id)
			if err != nil {
				return err
			}
			sources = append(sources, lp)
		}
		first := sources[0]
		total := ZeroQuantity()
		var expiry *time.Time
		batch := first.BatchNumber
		sourceList := ""
		for i, lp := range sources {
			if lp.Status != StatusAvailable {
				return rejected("license_plate", string(lp.ID), string(lp.Status), "only available plates can be merged")
			}
			if lp.Org != first.Org || lp.ProductID != first.ProductID || lp.UoM != first.UoM {
				return rejected("license_plate", string(lp.ID), string(lp.Status), "merge sources must share org, product and uom")
			}
			if lp.LocationID != first.LocationID {
				return rejected("license_plate", string(lp.ID), string(lp.Status), "merge sources must be at the same location")
			}
			if lp.QAStatus != first.QAStatus {
				return rejected("license_plate", string(lp.ID), string(lp.Status), "merge sources must share qa_status")
			}
			active, err := s.ListActiveReservations(ctx, lp.ID)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return rejected("license_plate", string(lp.ID), string(lp.Status), "merge sources must have no active reservations")
			}
			if lp.BatchNumber != batch {
				batch = ""
			}
			if lp.ExpiryDate != nil && (expiry == nil || lp.ExpiryDate.Before(*expiry)) {
				d := *lp.ExpiryDate
				expiry = &d
			}
			total = total.Add(lp.Quantity)
			if i > 0 {
				sourceList += ","
			}
			sourceList += string(lp.ID)
		}
		if !total.IsPositive() {
			return rejected("license_plate", string(first.ID), string(first.Status), "merge sources hold no quantity")
		}

		now := e.now()
		number, err := s.NextLPNumber(ctx, first.Org)
		if err != nil {
			return err
		}
		merged := LicensePlate{
			ID:          LPID(e.newID("lp")),
			Org:         first.Org,
			LPNumber:    number,
			ProductID:   first.ProductID,
			Quantity:    total,
			UoM:         first.UoM,
			LocationID:  first.LocationID,
			QAStatus:    first.QAStatus,
			Status:      StatusAvailable,
			BatchNumber: batch,
			ExpiryDate:  expiry,
			ParentLPID:  first.ID,
			OriginType:  OriginTransform,
			OriginRef:   map[string]string{"merged_from": sourceList, "reason": in.Reason},
			CreatedBy:   scope.Actor,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		if err := s.CreateLP(ctx, merged); err != nil {
			return err
		}
		result.Merged = merged

		for _, lp := range sources {
			drained, err := s.UpdateLPQuantity(ctx, lp.ID, ZeroQuantity(), lp.Version)
			if err != nil {
				return err
			}
			consumed, err := s.UpdateLPStatus(ctx, lp.ID, StatusConsumed, drained.Version)
			if err != nil {
				return err
			}
			result.Sources = append(result.Sources, consumed)

			move := StockMove{
				ID:             MoveID(e.newID("mv")),
				MoveNumber:     fmt.Sprintf("MV-%d", now.UnixNano()),
				LPID:           lp.ID,
				FromLocationID: lp.LocationID,
				ToLocationID:   lp.LocationID,
				Quantity:       lp.Quantity,
				Type:           MoveMerge,
				Status:         MoveCompleted,
				MoveDate:       now,
				Reason:         in.Reason,
				Meta: map[string]string{
					"merged_into": string(merged.ID),
					"merged_from": sourceList,
				},
				CreatedBy: scope.Actor,
				CreatedAt: now,
			}
			if err := s.AppendMove(ctx, move); err != nil {
				return err
			}
			result.Moves = append(result.Moves, move)
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// =============================================================================
// ADJUST
// =============================================================================

type AdjustResult struct {
	LP   LicensePlate
	Move StockMove
}

// Adjust sets a corrected on-hand quantity (cycle count, damage write-off).
// The reason is mandatory. A decrease may not cut into reserved-but-
// unconsumed quantity, so the over-allocation invariant survives manual
// corrections too.
func (e *Engine) Adjust(ctx context.Context, scope Scope, id LPID, newQuantity Quantity, reason string) (AdjustResult, error) {
	if reason == "" {
		return AdjustResult{}, rejected("license_plate", string(id), "-", "adjustment reason is required")
	}
	if newQuantity.IsNegative() {
		return AdjustResult{}, rejected("license_plate", string(id), "-", "adjusted quantity must not be negative")
	}

	var result AdjustResult
	err := e.withRetry(ctx, "adjust", &id, func(s Store) error {
		result = AdjustResult{}

		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if lp.Status != StatusAvailable && lp.Status != StatusQuarantine {
			return rejected("license_plate", string(id), string(lp.Status), "only available or quarantined plates can be adjusted")
		}
		delta := newQuantity.Sub(lp.Quantity)
		if delta.IsZero() {
			return rejected("license_plate", string(id), string(lp.Status), "quantity unchanged: no-op adjustments are rejected")
		}
		if delta.IsNegative() {
			active, err := s.ListActiveReservations(ctx, id)
			if err != nil {
				return err
			}
			avail, err := Available(lp, active)
			if err != nil {
				return err
			}
			reserved := lp.Quantity.Sub(avail)
			if newQuantity.LessThan(reserved) {
				return &InsufficientAvailabilityError{LPID: id, Available: avail, Requested: lp.Quantity.Sub(newQuantity)}
			}
		}

		updated, err := s.UpdateLPQuantity(ctx, id, newQuantity, lp.Version)
		if err != nil {
			return err
		}
		direction := "increase"
		magnitude := delta
		if delta.IsNegative() {
			direction = "decrease"
			magnitude = lp.Quantity.Sub(newQuantity)
		}
		now := e.now()
		move := StockMove{
			ID:             MoveID(e.newID("mv")),
			MoveNumber:     fmt.Sprintf("MV-%d", now.UnixNano()),
			LPID:           id,
			FromLocationID: lp.LocationID,
			ToLocationID:   lp.LocationID,
			Quantity:       magnitude,
			Type:           MoveAdjust,
			Status:         MoveCompleted,
			MoveDate:       now,
			Reason:         reason,
			Meta: map[string]string{
				"direction":         direction,
				"previous_quantity": lp.Quantity.String(),
				"new_quantity":      newQuantity.String(),
			},
			CreatedBy: scope.Actor,
			CreatedAt: now,
		}
		if err := s.AppendMove(ctx, move); err != nil {
			return err
		}
		result = AdjustResult{LP: updated, Move: move}
		return nil
	})
	if err != nil {
		return AdjustResult{}, err
	}
	return result, nil
}

// =============================================================================
// QA STATUS CHANGE
// =============================================================================

// ChangeQAStatus transitions qa_status with a mandatory override audit
// entry written in the same transaction, so no reader ever observes a
// status change without its justification. Idempotent transitions are
// rejected (not silently accepted): accepting them would pollute the audit
// log and hide caller bugs.
//
// QA failure or quarantine on an available plate also quarantines the
// lifecycle status; a pass on a quarantined plate restores it.
func (e *Engine) ChangeQAStatus(ctx context.Context, scope Scope, id LPID, newStatus QAStatus, reason, approverRef string) (LicensePlate, error) {
	if !newStatus.Valid() {
		return LicensePlate{}, rejected("license_plate", string(id), "-", fmt.Sprintf("unknown qa_status %q", newStatus))
	}
	if reason == "" || approverRef == "" {
		return LicensePlate{}, rejected("license_plate", string(id), "-", "qa override requires reason and approver")
	}

	var result LicensePlate
	err := e.withRetry(ctx, "qa_status", &id, func(s Store) error {
		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if lp.Status.IsTerminal() {
			return rejected("license_plate", string(id), string(lp.Status), "qa_status is frozen in terminal states")
		}
		if newStatus == lp.QAStatus {
			return rejected("license_plate", string(id), string(lp.QAStatus), "qa_status unchanged: no-op transitions are rejected")
		}

		now := e.now()
		entry := QAOverrideEntry{
			ID:          e.newID("qa"),
			LPID:        id,
			OldStatus:   lp.QAStatus,
			NewStatus:   newStatus,
			Reason:      reason,
			ApproverRef: approverRef,
			At:          now,
		}
		// Audit first: the entry must happen-before the visible change.
		if err := s.AppendQAOverride(ctx, entry); err != nil {
			return err
		}
		updated, err := s.UpdateLPQAStatus(ctx, id, newStatus, lp.Version)
		if err != nil {
			return err
		}

		switch {
		case (newStatus == QAFailed || newStatus == QAQuarantine) && updated.Status == StatusAvailable:
			updated, err = s.UpdateLPStatus(ctx, id, StatusQuarantine, updated.Version)
		case newStatus == QAPassed && updated.Status == StatusQuarantine:
			updated, err = s.UpdateLPStatus(ctx, id, StatusAvailable, updated.Version)
		}
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return LicensePlate{}, err
	}
	return result, nil
}

// =============================================================================
// LIFECYCLE STATUS CHANGE
// =============================================================================

// ChangeStatus applies the LP status state machine for externally triggered
// transitions (hold, release from hold, ship, recall). `consumed` is set
// only by full depletion through consumption and cannot be set here.
func (e *Engine) ChangeStatus(ctx context.Context, scope Scope, id LPID, newStatus LPStatus, reason string) (LicensePlate, error) {
	var result LicensePlate
	err := e.withRetry(ctx, "status", &id, func(s Store) error {
		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if newStatus == lp.Status {
			return rejected("license_plate", string(id), string(lp.Status), "status unchanged: no-op transitions are rejected")
		}
		if newStatus == StatusConsumed {
			return rejected("license_plate", string(id), string(lp.Status), "consumed is reached by depletion, not set manually")
		}
		if !lp.Status.CanTransitionTo(newStatus) {
			return rejected("license_plate", string(id), string(lp.Status),
				fmt.Sprintf("transition to %s is not allowed", newStatus))
		}
		updated, err := s.UpdateLPStatus(ctx, id, newStatus, lp.Version)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return LicensePlate{}, err
	}
	return result, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Reserve places a soft hold on part of an LP's quantity for a consumer
// (e.g. a work order). Availability is checked against the LP quantity and
// active reservations read in the same transaction, which IS the
// commit-time re-check: a racing depletion invalidates this transaction's
// version check and forces a re-read.
func (e *Engine) Reserve(ctx context.Context, scope Scope, id LPID, consumerRef string, qty Quantity) (Reservation, error) {
	if consumerRef == "" {
		return Reservation{}, rejected("reservation", "", "-", "consumer_ref is required")
	}
	if !qty.IsPositive() {
		return Reservation{}, rejected("reservation", "", "-", "reserved quantity must be positive")
	}

	var result Reservation
	err := e.withRetry(ctx, "reserve", &id, func(s Store) error {
		lp, err := s.GetLP(ctx, id)
		if err != nil {
			return err
		}
		if lp.Status != StatusAvailable {
			return rejected("license_plate", string(id), string(lp.Status), "only available plates can be reserved")
		}
		if lp.QAStatus != QAPassed {
			return rejected("license_plate", string(id), string(lp.QAStatus), "plate has not passed QA")
		}
		if lp.IsExpired(e.now()) {
			return rejected("license_plate", string(id), string(lp.Status), "plate is expired")
		}
		active, err := s.ListActiveReservations(ctx, id)
		if err != nil {
			return err
		}
		avail, err := Available(lp, active)
		if err != nil {
			return err
		}
		if qty.GreaterThan(avail) {
			return &InsufficientAvailabilityError{LPID: id, Available: avail, Requested: qty}
		}

		result = Reservation{
			ID:               ReservationID(e.newID("res")),
			LPID:             id,
			ConsumerRef:      consumerRef,
			QuantityReserved: qty,
			QuantityConsumed: ZeroQuantity(),
			Status:           ReservationActive,
			ReservedAt:       e.now(),
			ReservedBy:       scope.Actor,
			Version:          1,
		}
		if err := s.CreateReservation(ctx, result); err != nil {
			return err
		}

		// Touch the LP version so racing depleting writers conflict with
		// this reservation instead of committing against a stale total.
		if _, err := s.UpdateLPQuantity(ctx, id, lp.Quantity, lp.Version); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

type ConsumeResult struct {
	Reservation Reservation
	LP          LicensePlate
	Move        StockMove
}

// ConsumeReservation consumes quantity against an active reservation:
// the reservation's consumed amount and the LP's on-hand quantity drop
// together, with a CONSUME move in the same commit. Full depletion of the
// plate transitions it to the terminal consumed status; full consumption
// of the reservation completes it.
func (e *Engine) ConsumeReservation(ctx context.Context, scope Scope, resID ReservationID, qty Quantity) (ConsumeResult, error) {
	if !qty.IsPositive() {
		return ConsumeResult{}, rejected("reservation", string(resID), "-", "consume quantity must be positive")
	}

	var result ConsumeResult
	var lpID LPID
	err := e.withRetry(ctx, "consume", &lpID, func(s Store) error {
		result = ConsumeResult{}

		res, err := s.GetReservation(ctx, resID)
		if err != nil {
			return err
		}
		if res.Status != ReservationActive {
			return rejected("reservation", string(resID), string(res.Status), "only active reservations can be consumed")
		}
		if qty.GreaterThan(res.Remaining()) {
			return &OverConsumptionError{ReservationID: resID, Remaining: res.Remaining(), Requested: qty}
		}

		lp, err := s.GetLP(ctx, res.LPID)
		if err != nil {
			return err
		}
		lpID = lp.ID
		if lp.Status != StatusAvailable {
			return rejected("license_plate", string(lp.ID), string(lp.Status), "plate is not available for consumption")
		}
		if lp.QAStatus != QAPassed {
			return rejected("license_plate", string(lp.ID), string(lp.QAStatus), "plate has not passed QA")
		}
		if lp.IsExpired(e.now()) {
			return rejected("license_plate", string(lp.ID), string(lp.Status), "plate is expired")
		}
		if qty.GreaterThan(lp.Quantity) {
			// The over-allocation invariant guarantees remaining <= on-hand;
			// reaching here means stored state is already corrupted.
			return &ConsistencyError{LPID: lp.ID, Detail: fmt.Sprintf(
				"reservation %s remaining %s exceeds on-hand %s", resID, res.Remaining(), lp.Quantity)}
		}

		now := e.now()
		newQty := lp.Quantity.Sub(qty)
		updatedLP, err := s.UpdateLPQuantity(ctx, lp.ID, newQty, lp.Version)
		if err != nil {
			return err
		}
		if newQty.IsZero() {
			updatedLP, err = s.UpdateLPStatus(ctx, lp.ID, StatusConsumed, updatedLP.Version)
			if err != nil {
				return err
			}
		}

		res.QuantityConsumed = res.QuantityConsumed.Add(qty)
		if res.QuantityConsumed.Equal(res.QuantityReserved) {
			res.Status = ReservationConsumed
			res.ConsumedAt = &now
		}
		updatedRes, err := s.UpdateReservation(ctx, res, res.Version)
		if err != nil {
			return err
		}

		move := StockMove{
			ID:             MoveID(e.newID("mv")),
			MoveNumber:     fmt.Sprintf("MV-%d", now.UnixNano()),
			LPID:           lp.ID,
			FromLocationID: lp.LocationID,
			Quantity:       qty,
			Type:           MoveConsume,
			Status:         MoveCompleted,
			MoveDate:       now,
			Reason:         fmt.Sprintf("consumed for %s", res.ConsumerRef),
			Meta: map[string]string{
				"reservation_id": string(res.ID),
				"consumer_ref":   res.ConsumerRef,
			},
			CreatedBy: scope.Actor,
			CreatedAt: now,
		}
		if err := s.AppendMove(ctx, move); err != nil {
			return err
		}
		result = ConsumeResult{Reservation: updatedRes, LP: updatedLP, Move: move}
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return result, nil
}

// ReleaseReservation releases an active reservation, freeing its
// reserved-but-unconsumed amount. Only legal from active.
func (e *Engine) ReleaseReservation(ctx context.Context, scope Scope, resID ReservationID) (Reservation, error) {
	return e.endReservation(ctx, resID, ReservationReleased)
}

// CancelReservation cancels an active reservation. Semantically identical
// to release; the distinct label preserves intent in reporting.
func (e *Engine) CancelReservation(ctx context.Context, scope Scope, resID ReservationID) (Reservation, error) {
	return e.endReservation(ctx, resID, ReservationCancelled)
}

func (e *Engine) endReservation(ctx context.Context, resID ReservationID, final ReservationStatus) (Reservation, error) {
	var result Reservation
	var lpID LPID
	err := e.withRetry(ctx, "release", &lpID, func(s Store) error {
		res, err := s.GetReservation(ctx, resID)
		if err != nil {
			return err
		}
		lpID = res.LPID
		if res.Status != ReservationActive {
			return rejected("reservation", string(resID), string(res.Status),
				fmt.Sprintf("only active reservations can be %s", final))
		}
		res.Status = final
		updated, err := s.UpdateReservation(ctx, res, res.Version)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

func (e *Engine) GetLP(ctx context.Context, id LPID) (LicensePlate, error) {
	return e.store.GetLP(ctx, id)
}

func (e *Engine) GetReservation(ctx context.Context, id ReservationID) (Reservation, error) {
	return e.store.GetReservation(ctx, id)
}

func (e *Engine) ListLPs(ctx context.Context, f LPFilter) ([]LicensePlate, error) {
	if f.AvailableOnly && f.Now.IsZero() {
		f.Now = e.now()
	}
	return e.store.ListLPs(ctx, f)
}

// Availability returns the current available quantity for an LP. The LP
// row and reservation rows are read atomically inside one transaction.
func (e *Engine) Availability(ctx context.Context, id LPID) (Quantity, error) {
	var q Quantity
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		q, err = AvailableForLP(ctx, s, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConsistency) {
			e.rec.ConsistencyViolation()
			e.log.WithField("lp_id", id).WithError(err).Error("consistency violation detected during availability read")
		}
		return Quantity{}, err
	}
	return q, nil
}

func (e *Engine) MovesForLP(ctx context.Context, id LPID) ([]StockMove, error) {
	return e.store.MovesForLP(ctx, id)
}

func (e *Engine) ActiveReservations(ctx context.Context, id LPID) ([]Reservation, error) {
	return e.store.ListActiveReservations(ctx, id)
}

func (e *Engine) QAOverridesForLP(ctx context.Context, id LPID) ([]QAOverrideEntry, error) {
	return e.store.QAOverridesForLP(ctx, id)
}
