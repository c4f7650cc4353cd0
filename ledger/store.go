/*
store.go - Persistence interfaces for the LP ledger

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage; the
  engine only requires the consistency contract below.

KEY INTERFACES:
  Store:   LP reads/writes (version CAS), reservations, move log, QA log
  TxStore: Store plus WithTx for atomic multi-record operations

APPEND-ONLY CONTRACT:
  stock_moves and qa_override_log are append-only:
  - AppendMove() / AppendQAOverride() are the ONLY write operations
  - NO update or delete methods exist, and none may be added
  Corrections are expressed as new ADJUST moves, never edits.

OPTIMISTIC CONCURRENCY:
  Every LP and reservation mutation takes the version the caller read.
  If the stored version differs, the store returns
  ErrConcurrentModification and writes nothing. The engine re-runs the
  whole transaction (bounded) rather than patching over a stale read.

ATOMICITY:
  WithTx() ensures all-or-nothing semantics across the LP table, the
  reservation table, and both audit logs. Splitting an LP into three
  children is one commit; partial child creation is never observable.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store: in-memory store for tests and dev

SEE ALSO:
  - engine.go: The only writer; all mutations go through WithTx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// LPFilter narrows ListLPs. Zero fields are ignored.
type LPFilter struct {
	Org        OrgID
	ProductID  ProductID
	LocationID LocationID
	Statuses   []LPStatus
	QAStatuses []QAStatus

	// AvailableOnly keeps only pickable plates: status available,
	// QA passed, quantity > 0, not expired as of Now.
	AvailableOnly bool
	Now           time.Time

	// Order is OrderFIFO (created_at asc, default) or OrderFEFO (expiry asc).
	Order string
	Limit int
}

// Picking orders for ListLPs.
const (
	OrderFIFO = "fifo"
	OrderFEFO = "fefo"
)

// Store is the persistence contract for the ledger.
type Store interface {
	// --- License plates ---

	// GetLP returns the plate or ErrLPNotFound.
	GetLP(ctx context.Context, id LPID) (LicensePlate, error)

	// CreateLP persists a new plate. Returns ErrDuplicateLPNumber if the
	// (org, lp_number) pair already exists.
	CreateLP(ctx context.Context, lp LicensePlate) error

	// UpdateLPQuantity compare-and-swaps the quantity. Returns
	// ErrConcurrentModification if expectedVersion is stale.
	UpdateLPQuantity(ctx context.Context, id LPID, q Quantity, expectedVersion int64) (LicensePlate, error)

	// UpdateLPLocation compare-and-swaps the location. A full-quantity
	// transfer is ONLY this: it must not fabricate a new LP identity.
	UpdateLPLocation(ctx context.Context, id LPID, loc LocationID, expectedVersion int64) (LicensePlate, error)

	// UpdateLPQAStatus compare-and-swaps the QA status. The engine appends
	// the mandatory QAOverrideEntry in the same transaction.
	UpdateLPQAStatus(ctx context.Context, id LPID, qa QAStatus, expectedVersion int64) (LicensePlate, error)

	// UpdateLPStatus compare-and-swaps the lifecycle status. The state
	// machine is enforced by the engine, not the store.
	UpdateLPStatus(ctx context.Context, id LPID, st LPStatus, expectedVersion int64) (LicensePlate, error)

	// ListLPsByParent returns all direct children of an LP. This is the
	// reverse adjacency required for forward genealogy traversal.
	ListLPsByParent(ctx context.Context, parent LPID) ([]LicensePlate, error)

	// ListLPs returns plates matching the filter.
	ListLPs(ctx context.Context, f LPFilter) ([]LicensePlate, error)

	// NextLPNumber returns the next number in the org's LP-%06d sequence.
	NextLPNumber(ctx context.Context, org OrgID) (string, error)

	// --- Reservations ---

	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)

	// UpdateReservation compare-and-swaps the full reservation row.
	UpdateReservation(ctx context.Context, r Reservation, expectedVersion int64) (Reservation, error)

	// ListActiveReservations returns reservations with status=active for
	// the LP. Read inside the same transaction as the LP quantity read so
	// availability is never computed from a torn read.
	ListActiveReservations(ctx context.Context, lp LPID) ([]Reservation, error)

	// --- Move log (append-only) ---

	AppendMove(ctx context.Context, m StockMove) error
	MovesForLP(ctx context.Context, lp LPID) ([]StockMove, error)

	// --- QA override log (append-only) ---

	AppendQAOverride(ctx context.Context, e QAOverrideEntry) error
	QAOverridesForLP(ctx context.Context, lp LPID) ([]QAOverrideEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. Every engine mutation runs
// inside WithTx: if fn returns an error the transaction is rolled back,
// otherwise it is committed. Implementations must make the commit atomic
// across all four record kinds.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
