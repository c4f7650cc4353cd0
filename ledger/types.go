/*
Package ledger provides the core license plate inventory engine.

PURPOSE:
  This package contains the data model, invariants, and operations for
  license plates (LPs), stock moves, reservations, and genealogy traversal.
  An LP is a uniquely identified, trackable quantity of a single product at
  a single location; the engine tracks it through splits, transfers,
  consumption, QA status changes, and reservations while guaranteeing
  mass conservation and preventing over-allocation under concurrent access.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: A non-negative fixed-point amount (avoids float drift)
  - LicensePlate: The unit of inventory, with lineage pointer
  - Reservation: A soft hold on part of an LP's quantity
  - StockMove: An immutable journal entry for every quantity/location change
  - QAOverrideEntry: Audit record for every QA status transition

DESIGN PRINCIPLES:
  1. Immutability: StockMoves and QA overrides are never modified
  2. Precision: Uses decimal.Decimal so conservation checks are exact
  3. Type Safety: Strong typing for IDs prevents mixing LP/reservation ids
  4. Auditability: Every change carries reason, actor, and reference

SEE ALSO:
  - store.go: Persistence interfaces (Store, TxStore)
  - engine.go: Atomic operations enforcing the invariants
  - availability.go: Available-quantity calculator
  - genealogy.go: Forward/backward lineage tracing
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Fixed-point amount
// =============================================================================

// Quantity is a fixed-point inventory amount. The unit of measure lives on
// the LicensePlate; quantities of the same LP always share its UoM.
type Quantity struct {
	Value decimal.Decimal
}

func NewQuantity(value float64) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value)}
}

func NewQuantityFromInt(value int) Quantity {
	return Quantity{Value: decimal.NewFromInt(int64(value))}
}

// ParseQuantity parses a decimal string ("12.5"). Used by stores.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: d}, nil
}

// MustParseQuantity is ParseQuantity for literals in tests and seeds.
func MustParseQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		return Quantity{Value: decimal.Zero}
	}
	return q
}

func ZeroQuantity() Quantity { return Quantity{Value: decimal.Zero} }

func (q Quantity) Add(o Quantity) Quantity      { return Quantity{Value: q.Value.Add(o.Value)} }
func (q Quantity) Sub(o Quantity) Quantity      { return Quantity{Value: q.Value.Sub(o.Value)} }
func (q Quantity) IsZero() bool                 { return q.Value.IsZero() }
func (q Quantity) IsNegative() bool             { return q.Value.IsNegative() }
func (q Quantity) IsPositive() bool             { return q.Value.IsPositive() }
func (q Quantity) Equal(o Quantity) bool        { return q.Value.Equal(o.Value) }
func (q Quantity) GreaterThan(o Quantity) bool  { return q.Value.GreaterThan(o.Value) }
func (q Quantity) LessThan(o Quantity) bool     { return q.Value.LessThan(o.Value) }
func (q Quantity) GreaterOrEqual(o Quantity) bool { return q.Value.GreaterThanOrEqual(o.Value) }
func (q Quantity) String() string               { return q.Value.String() }

// =============================================================================
// IDENTIFIERS & SCOPE
// =============================================================================

type LPID string
type ReservationID string
type MoveID string
type ProductID string
type LocationID string
type OrgID string

// Scope carries the already-authorized caller identity and organization.
// The engine assumes inputs are pre-scoped to one organization; Scope is
// threaded explicitly through every call (no ambient "current org" state)
// and is used for attribution on audit records.
type Scope struct {
	Org   OrgID
	Actor string
}

// =============================================================================
// LICENSE PLATE
// =============================================================================

type QAStatus string

const (
	QAPending    QAStatus = "pending"
	QAPassed     QAStatus = "passed"
	QAFailed     QAStatus = "failed"
	QAQuarantine QAStatus = "quarantine"
)

func (s QAStatus) Valid() bool {
	switch s {
	case QAPending, QAPassed, QAFailed, QAQuarantine:
		return true
	}
	return false
}

type LPStatus string

const (
	StatusAvailable  LPStatus = "available"
	StatusConsumed   LPStatus = "consumed"
	StatusShipped    LPStatus = "shipped"
	StatusQuarantine LPStatus = "quarantine"
	StatusRecalled   LPStatus = "recalled"
)

// lpTransitions is the LP status state machine. Terminal states
// (consumed, shipped, recalled) have no outgoing edges.
var lpTransitions = map[LPStatus][]LPStatus{
	StatusAvailable:  {StatusConsumed, StatusQuarantine, StatusShipped},
	StatusQuarantine: {StatusAvailable, StatusRecalled, StatusShipped},
}

// CanTransitionTo reports whether from -> to is a legal status transition.
func (s LPStatus) CanTransitionTo(to LPStatus) bool {
	for _, t := range lpTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition out of this status exists.
func (s LPStatus) IsTerminal() bool {
	return len(lpTransitions[s]) == 0
}

type OriginType string

const (
	OriginReceipt    OriginType = "receipt"
	OriginProduction OriginType = "production"
	OriginSplit      OriginType = "split"
	OriginTransform  OriginType = "transform"
	OriginAdjustment OriginType = "adjustment"
)

// LicensePlate is the unit of inventory and the unit of contention.
//
// INVARIANTS:
//   - Quantity >= 0 always.
//   - Sum of unconsumed active reservations <= Quantity (over-allocation guard).
//   - ParentLPID is set only at creation time, from an already-existing LP,
//     and never mutated afterward. This makes the genealogy graph acyclic
//     by construction.
type LicensePlate struct {
	ID        LPID
	Org       OrgID
	LPNumber  string // human-readable, unique within org
	ProductID ProductID
	Quantity  Quantity
	UoM       string
	LocationID LocationID
	QAStatus  QAStatus
	Status    LPStatus
	BatchNumber string     // optional
	ExpiryDate  *time.Time // optional
	ParentLPID  LPID       // lineage pointer; empty for receipt/production roots
	OriginType  OriginType
	OriginRef   map[string]string // structured metadata (wo id, grn id, sources...)

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped on every mutation; stores compare-and-swap on it so
	// concurrent writers detect stale reads instead of corrupting quantity.
	Version int64
}

// IsExpired reports whether the LP's expiry date has passed as of now.
// LPs with no expiry date never expire.
func (lp LicensePlate) IsExpired(now time.Time) bool {
	if lp.ExpiryDate == nil {
		return false
	}
	day := now.Truncate(24 * time.Hour)
	return lp.ExpiryDate.Before(day)
}

// =============================================================================
// RESERVATION
// =============================================================================

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConsumed  ReservationStatus = "consumed"
	ReservationReleased  ReservationStatus = "released"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a soft hold on part of an LP's quantity for a future
// consumer (e.g. a work order). It back-references the LP, it does not own it.
//
// INVARIANT: QuantityConsumed <= QuantityReserved.
type Reservation struct {
	ID               ReservationID
	LPID             LPID
	ConsumerRef      string // e.g. work-order id
	QuantityReserved Quantity
	QuantityConsumed Quantity
	Status           ReservationStatus
	ReservedAt       time.Time
	ReservedBy       string
	ConsumedAt       *time.Time
	Version          int64
}

// Remaining returns the reserved-but-unconsumed amount.
func (r Reservation) Remaining() Quantity {
	return r.QuantityReserved.Sub(r.QuantityConsumed)
}

// =============================================================================
// STOCK MOVE - Append-only journal
// =============================================================================

type MoveType string

const (
	MoveTransfer MoveType = "TRANSFER"
	MoveAdjust   MoveType = "ADJUST"
	MoveSplit    MoveType = "SPLIT"
	MoveConsume  MoveType = "CONSUME"
	MoveMerge    MoveType = "MERGE"
)

// StockMove records one quantity-affecting or location-affecting event.
// Never mutated after creation; this is the canonical audit trail, read
// directly by external reporting tools.
type StockMove struct {
	ID             MoveID
	MoveNumber     string
	LPID           LPID
	FromLocationID LocationID
	ToLocationID   LocationID
	Quantity       Quantity // magnitude of the delta at the time of the move
	Type           MoveType
	Status         string
	MoveDate       time.Time
	Reason         string
	Meta           map[string]string // e.g. parent/child linkage for splits
	CreatedBy      string
	CreatedAt      time.Time
}

const MoveCompleted = "completed"

// =============================================================================
// QA OVERRIDE LOG - Append-only audit for QA status changes
// =============================================================================

// QAOverrideEntry is required for every qa_status transition. No reader may
// observe a QA change without its justification, so the engine writes this
// in the same transaction as the status update.
type QAOverrideEntry struct {
	ID          string
	LPID        LPID
	OldStatus   QAStatus
	NewStatus   QAStatus
	Reason      string
	ApproverRef string
	At          time.Time
}

// =============================================================================
// GENEALOGY - Derived edges over ParentLPID
// =============================================================================

type TraceDirection string

const (
	TraceForward  TraceDirection = "forward"
	TraceBackward TraceDirection = "backward"
)

type RelationshipType string

const (
	RelSplit     RelationshipType = "split"
	RelCombine   RelationshipType = "combine"
	RelTransform RelationshipType = "transform"
)

// relationshipOf derives the parent->child edge label from how the child
// came to exist. Merge-created LPs carry OriginTransform.
func relationshipOf(child LicensePlate) RelationshipType {
	switch child.OriginType {
	case OriginSplit:
		return RelSplit
	case OriginTransform:
		return RelCombine
	default:
		return RelTransform
	}
}

// TraceNode carries the LP snapshot at trace time (not live-mutable) plus
// the relationship to its parent node in the tree.
type TraceNode struct {
	LP           LicensePlate
	Relationship RelationshipType
	Children     []*TraceNode
}

// TraceTree is the serializable result of a genealogy trace. For a backward
// trace the "children" chain is the ancestor path (queried LP at the root,
// ultimate origin at the leaf); for a forward trace it is the descendant
// subtree preserving branch structure.
type TraceTree struct {
	Direction TraceDirection
	Root      *TraceNode
	NodeCount int
}
