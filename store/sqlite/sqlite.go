/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.TxStore using SQLite. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements exist for stock_moves or qa_override_log
  - Corrections are expressed as new ADJUST moves

OPTIMISTIC CONCURRENCY:
  license_plates and reservations carry a version column. Every mutation
  is `UPDATE ... WHERE id = ? AND version = ?`; zero rows affected with an
  existing row means a stale read and yields ErrConcurrentModification.

KEY TABLES:
  license_plates:  Plate records with version column and lineage pointer
  reservations:    Soft holds with reserved/consumed quantities
  stock_moves:     Immutable journal of every quantity/location change
  qa_override_log: Immutable audit of every QA status transition
  lp_sequences:    Per-org LP number sequence

INDEXES:
  - idx_lps_org_number (unique): LP number uniqueness within org
  - idx_lps_parent: reverse adjacency for forward genealogy traversal
  - idx_reservations_lp_status: availability reads (hot path)
  - idx_moves_lp: audit queries by plate

CONCURRENCY:
  A store-level mutex serializes writers (WithTx and single mutations);
  SQLite is opened in WAL mode so readers don't block. With PostgreSQL,
  database-level concurrency control replaces the mutex.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/lp.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions and consistency contract
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/plateflow/lp-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, q: queries{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS license_plates (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		lp_number TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		uom TEXT NOT NULL,
		location_id TEXT NOT NULL,
		qa_status TEXT NOT NULL,
		status TEXT NOT NULL,
		batch_number TEXT NOT NULL DEFAULT '',
		expiry_date TEXT,
		parent_lp_id TEXT,
		origin_type TEXT NOT NULL,
		origin_ref_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_lps_org_number
		ON license_plates(org_id, lp_number);

	-- Reverse adjacency: forward genealogy traversal needs children-by-parent.
	CREATE INDEX IF NOT EXISTS idx_lps_parent
		ON license_plates(parent_lp_id) WHERE parent_lp_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_lps_org_product
		ON license_plates(org_id, product_id, status);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		lp_id TEXT NOT NULL,
		consumer_ref TEXT NOT NULL,
		quantity_reserved TEXT NOT NULL,
		quantity_consumed TEXT NOT NULL,
		status TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		reserved_by TEXT,
		consumed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- Availability reads (hot path): active reservations per plate.
	CREATE INDEX IF NOT EXISTS idx_reservations_lp_status
		ON reservations(lp_id, status);

	-- Stock moves (append-only journal)
	CREATE TABLE IF NOT EXISTS stock_moves (
		id TEXT PRIMARY KEY,
		move_number TEXT NOT NULL,
		lp_id TEXT NOT NULL,
		from_location_id TEXT,
		to_location_id TEXT,
		quantity TEXT NOT NULL,
		move_type TEXT NOT NULL,
		status TEXT NOT NULL,
		move_date TEXT NOT NULL,
		reason TEXT,
		meta_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_moves_lp
		ON stock_moves(lp_id, created_at);

	-- QA override log (append-only)
	CREATE TABLE IF NOT EXISTS qa_override_log (
		id TEXT PRIMARY KEY,
		lp_id TEXT NOT NULL,
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		approver_ref TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_qa_log_lp
		ON qa_override_log(lp_id, at);

	-- Per-org LP number sequence
	CREATE TABLE IF NOT EXISTS lp_sequences (
		org_id TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE INTERFACE (non-transactional path)
// =============================================================================

func (s *Store) GetLP(ctx context.Context, id ledger.LPID) (ledger.LicensePlate, error) {
	return s.q.getLP(ctx, id)
}

func (s *Store) CreateLP(ctx context.Context, lp ledger.LicensePlate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.createLP(ctx, lp)
}

func (s *Store) UpdateLPQuantity(ctx context.Context, id ledger.LPID, q ledger.Quantity, expectedVersion int64) (ledger.LicensePlate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateLP(ctx, id, expectedVersion, "quantity = ?", q.String())
}

func (s *Store) UpdateLPLocation(ctx context.Context, id ledger.LPID, loc ledger.LocationID, expectedVersion int64) (ledger.LicensePlate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateLP(ctx, id, expectedVersion, "location_id = ?", string(loc))
}

func (s *Store) UpdateLPQAStatus(ctx context.Context, id ledger.LPID, qa ledger.QAStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateLP(ctx, id, expectedVersion, "qa_status = ?", string(qa))
}

func (s *Store) UpdateLPStatus(ctx context.Context, id ledger.LPID, st ledger.LPStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateLP(ctx, id, expectedVersion, "status = ?", string(st))
}

func (s *Store) ListLPsByParent(ctx context.Context, parent ledger.LPID) ([]ledger.LicensePlate, error) {
	return s.q.listLPsByParent(ctx, parent)
}

func (s *Store) ListLPs(ctx context.Context, f ledger.LPFilter) ([]ledger.LicensePlate, error) {
	return s.q.listLPs(ctx, f)
}

func (s *Store) NextLPNumber(ctx context.Context, org ledger.OrgID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.nextLPNumber(ctx, org)
}

func (s *Store) CreateReservation(ctx context.Context, r ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.createReservation(ctx, r)
}

func (s *Store) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return s.q.getReservation(ctx, id)
}

func (s *Store) UpdateReservation(ctx context.Context, r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateReservation(ctx, r, expectedVersion)
}

func (s *Store) ListActiveReservations(ctx context.Context, lp ledger.LPID) ([]ledger.Reservation, error) {
	return s.q.listActiveReservations(ctx, lp)
}

func (s *Store) AppendMove(ctx context.Context, m ledger.StockMove) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.appendMove(ctx, m)
}

func (s *Store) MovesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.StockMove, error) {
	return s.q.movesForLP(ctx, lp)
}

func (s *Store) AppendQAOverride(ctx context.Context, e ledger.QAOverrideEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.appendQAOverride(ctx, e)
}

func (s *Store) QAOverridesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.QAOverrideEntry, error) {
	return s.q.qaOverridesForLP(ctx, lp)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The store mutex is
// held for the duration, serializing writers; rolled back on error.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	view := &txView{q: queries{db: tx}}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// txView exposes the Store interface bound to an open transaction.
type txView struct {
	q queries
}

func (v *txView) GetLP(ctx context.Context, id ledger.LPID) (ledger.LicensePlate, error) {
	return v.q.getLP(ctx, id)
}
func (v *txView) CreateLP(ctx context.Context, lp ledger.LicensePlate) error {
	return v.q.createLP(ctx, lp)
}
func (v *txView) UpdateLPQuantity(ctx context.Context, id ledger.LPID, q ledger.Quantity, expectedVersion int64) (ledger.LicensePlate, error) {
	return v.q.updateLP(ctx, id, expectedVersion, "quantity = ?", q.String())
}
func (v *txView) UpdateLPLocation(ctx context.Context, id ledger.LPID, loc ledger.LocationID, expectedVersion int64) (ledger.LicensePlate, error) {
	return v.q.updateLP(ctx, id, expectedVersion, "location_id = ?", string(loc))
}
func (v *txView) UpdateLPQAStatus(ctx context.Context, id ledger.LPID, qa ledger.QAStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	return v.q.updateLP(ctx, id, expectedVersion, "qa_status = ?", string(qa))
}
func (v *txView) UpdateLPStatus(ctx context.Context, id ledger.LPID, st ledger.LPStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	return v.q.updateLP(ctx, id, expectedVersion, "status = ?", string(st))
}
func (v *txView) ListLPsByParent(ctx context.Context, parent ledger.LPID) ([]ledger.LicensePlate, error) {
	return v.q.listLPsByParent(ctx, parent)
}
func (v *txView) ListLPs(ctx context.Context, f ledger.LPFilter) ([]ledger.LicensePlate, error) {
	return v.q.listLPs(ctx, f)
}
func (v *txView) NextLPNumber(ctx context.Context, org ledger.OrgID) (string, error) {
	return v.q.nextLPNumber(ctx, org)
}
func (v *txView) CreateReservation(ctx context.Context, r ledger.Reservation) error {
	return v.q.createReservation(ctx, r)
}
func (v *txView) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return v.q.getReservation(ctx, id)
}
func (v *txView) UpdateReservation(ctx context.Context, r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	return v.q.updateReservation(ctx, r, expectedVersion)
}
func (v *txView) ListActiveReservations(ctx context.Context, lp ledger.LPID) ([]ledger.Reservation, error) {
	return v.q.listActiveReservations(ctx, lp)
}
func (v *txView) AppendMove(ctx context.Context, m ledger.StockMove) error {
	return v.q.appendMove(ctx, m)
}
func (v *txView) MovesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.StockMove, error) {
	return v.q.movesForLP(ctx, lp)
}
func (v *txView) AppendQAOverride(ctx context.Context, e ledger.QAOverrideEntry) error {
	return v.q.appendQAOverride(ctx, e)
}
func (v *txView) QAOverridesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.QAOverrideEntry, error) {
	return v.q.qaOverridesForLP(ctx, lp)
}

// =============================================================================
// QUERIES
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

const timeLayout = time.RFC3339Nano

const lpColumns = `id, org_id, lp_number, product_id, quantity, uom, location_id,
	qa_status, status, batch_number, expiry_date, parent_lp_id, origin_type,
	origin_ref_json, created_by, created_at, updated_at, version`

func (q queries) getLP(ctx context.Context, id ledger.LPID) (ledger.LicensePlate, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+lpColumns+` FROM license_plates WHERE id = ?`, string(id))
	lp, err := scanLP(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.LicensePlate{}, ledger.ErrLPNotFound
	}
	return lp, err
}

func (q queries) createLP(ctx context.Context, lp ledger.LicensePlate) error {
	originRef, err := encodeMeta(lp.OriginRef)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO license_plates (`+lpColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(lp.ID), string(lp.Org), lp.LPNumber, string(lp.ProductID),
		lp.Quantity.String(), lp.UoM, string(lp.LocationID),
		string(lp.QAStatus), string(lp.Status), lp.BatchNumber,
		encodeTimePtr(lp.ExpiryDate), nullableID(string(lp.ParentLPID)),
		string(lp.OriginType), originRef, lp.CreatedBy,
		lp.CreatedAt.Format(timeLayout), lp.UpdatedAt.Format(timeLayout),
		lp.Version)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateLPNumber
	}
	return err
}

// updateLP performs the version compare-and-swap shared by all LP writes.
func (q queries) updateLP(ctx context.Context, id ledger.LPID, expectedVersion int64, setClause string, value any) (ledger.LicensePlate, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE license_plates SET `+setClause+`, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		value, time.Now().UTC().Format(timeLayout), string(id), expectedVersion)
	if err != nil {
		return ledger.LicensePlate{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.LicensePlate{}, err
	}
	if n == 0 {
		// Row exists but version moved on, or the row never existed.
		if _, err := q.getLP(ctx, id); err != nil {
			return ledger.LicensePlate{}, err
		}
		return ledger.LicensePlate{}, ledger.ErrConcurrentModification
	}
	return q.getLP(ctx, id)
}

func (q queries) listLPsByParent(ctx context.Context, parent ledger.LPID) ([]ledger.LicensePlate, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+lpColumns+` FROM license_plates WHERE parent_lp_id = ?`, string(parent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLPs(rows)
}

func (q queries) listLPs(ctx context.Context, f ledger.LPFilter) ([]ledger.LicensePlate, error) {
	var where []string
	var args []any
	add := func(clause string, vals ...any) {
		where = append(where, clause)
		args = append(args, vals...)
	}

	if f.Org != "" {
		add("org_id = ?", string(f.Org))
	}
	if f.ProductID != "" {
		add("product_id = ?", string(f.ProductID))
	}
	if f.LocationID != "" {
		add("location_id = ?", string(f.LocationID))
	}
	if len(f.Statuses) > 0 {
		add("status IN ("+placeholders(len(f.Statuses))+")", statusArgs(f.Statuses)...)
	}
	if len(f.QAStatuses) > 0 {
		add("qa_status IN ("+placeholders(len(f.QAStatuses))+")", qaArgs(f.QAStatuses)...)
	}
	if f.AvailableOnly {
		add("status = ?", string(ledger.StatusAvailable))
		add("qa_status = ?", string(ledger.QAPassed))
		add("CAST(quantity AS REAL) > 0")
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		// RFC3339 UTC strings compare lexicographically.
		add("(expiry_date IS NULL OR expiry_date >= ?)",
			now.UTC().Format(timeLayout))
	}

	query := `SELECT ` + lpColumns + ` FROM license_plates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == ledger.OrderFEFO {
		query += " ORDER BY expiry_date IS NULL, expiry_date ASC, created_at ASC"
	} else {
		query += " ORDER BY created_at ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLPs(rows)
}

func (q queries) nextLPNumber(ctx context.Context, org ledger.OrgID) (string, error) {
	if _, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lp_sequences (org_id, next) VALUES (?, 1)`, string(org)); err != nil {
		return "", err
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE lp_sequences SET next = next + 1 WHERE org_id = ?`, string(org)); err != nil {
		return "", err
	}
	var next int64
	if err := q.db.QueryRowContext(ctx,
		`SELECT next FROM lp_sequences WHERE org_id = ?`, string(org)).Scan(&next); err != nil {
		return "", err
	}
	return fmt.Sprintf("LP-%06d", next-1), nil
}

func (q queries) createReservation(ctx context.Context, r ledger.Reservation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reservations (id, lp_id, consumer_ref, quantity_reserved,
			quantity_consumed, status, reserved_at, reserved_by, consumed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.LPID), r.ConsumerRef,
		r.QuantityReserved.String(), r.QuantityConsumed.String(),
		string(r.Status), r.ReservedAt.Format(timeLayout), r.ReservedBy,
		encodeTimePtr(r.ConsumedAt), r.Version)
	return err
}

func (q queries) getReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, lp_id, consumer_ref, quantity_reserved, quantity_consumed,
			status, reserved_at, reserved_by, consumed_at, version
		FROM reservations WHERE id = ?`, string(id))
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (q queries) updateReservation(ctx context.Context, r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reservations
		SET quantity_consumed = ?, status = ?, consumed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.QuantityConsumed.String(), string(r.Status), encodeTimePtr(r.ConsumedAt),
		string(r.ID), expectedVersion)
	if err != nil {
		return ledger.Reservation{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Reservation{}, err
	}
	if n == 0 {
		if _, err := q.getReservation(ctx, r.ID); err != nil {
			return ledger.Reservation{}, err
		}
		return ledger.Reservation{}, ledger.ErrConcurrentModification
	}
	return q.getReservation(ctx, r.ID)
}

func (q queries) listActiveReservations(ctx context.Context, lp ledger.LPID) ([]ledger.Reservation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, lp_id, consumer_ref, quantity_reserved, quantity_consumed,
			status, reserved_at, reserved_by, consumed_at, version
		FROM reservations WHERE lp_id = ? AND status = ?
		ORDER BY reserved_at ASC`,
		string(lp), string(ledger.ReservationActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) appendMove(ctx context.Context, m ledger.StockMove) error {
	meta, err := encodeMeta(m.Meta)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO stock_moves (id, move_number, lp_id, from_location_id,
			to_location_id, quantity, move_type, status, move_date, reason,
			meta_json, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.MoveNumber, string(m.LPID),
		nullableID(string(m.FromLocationID)), nullableID(string(m.ToLocationID)),
		m.Quantity.String(), string(m.Type), m.Status,
		m.MoveDate.Format(timeLayout), m.Reason, meta, m.CreatedBy,
		m.CreatedAt.Format(timeLayout))
	return err
}

func (q queries) movesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.StockMove, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, move_number, lp_id, from_location_id, to_location_id,
			quantity, move_type, status, move_date, reason, meta_json,
			created_by, created_at
		FROM stock_moves WHERE lp_id = ? ORDER BY created_at ASC, id ASC`, string(lp))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.StockMove
	for rows.Next() {
		var m ledger.StockMove
		var from, to, metaJSON, reason, createdBy sql.NullString
		var qty, moveDate, createdAt string
		if err := rows.Scan(&m.ID, &m.MoveNumber, &m.LPID, &from, &to, &qty,
			&m.Type, &m.Status, &moveDate, &reason, &metaJSON, &createdBy,
			&createdAt); err != nil {
			return nil, err
		}
		m.FromLocationID = ledger.LocationID(from.String)
		m.ToLocationID = ledger.LocationID(to.String)
		m.Reason = reason.String
		m.CreatedBy = createdBy.String
		if m.Quantity, err = ledger.ParseQuantity(qty); err != nil {
			return nil, err
		}
		if m.MoveDate, err = decodeTime(moveDate); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		if m.Meta, err = decodeMeta(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) appendQAOverride(ctx context.Context, e ledger.QAOverrideEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO qa_override_log (id, lp_id, old_status, new_status, reason, approver_ref, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.LPID), string(e.OldStatus), string(e.NewStatus),
		e.Reason, e.ApproverRef, e.At.Format(timeLayout))
	return err
}

func (q queries) qaOverridesForLP(ctx context.Context, lp ledger.LPID) ([]ledger.QAOverrideEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, lp_id, old_status, new_status, reason, approver_ref, at
		FROM qa_override_log WHERE lp_id = ? ORDER BY at ASC, id ASC`, string(lp))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.QAOverrideEntry
	for rows.Next() {
		var e ledger.QAOverrideEntry
		var at string
		if err := rows.Scan(&e.ID, &e.LPID, &e.OldStatus, &e.NewStatus,
			&e.Reason, &e.ApproverRef, &at); err != nil {
			return nil, err
		}
		if e.At, err = decodeTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SCAN & ENCODE HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLP(row rowScanner) (ledger.LicensePlate, error) {
	var lp ledger.LicensePlate
	var qty string
	var expiry, parent, originRef, createdBy sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&lp.ID, &lp.Org, &lp.LPNumber, &lp.ProductID, &qty, &lp.UoM,
		&lp.LocationID, &lp.QAStatus, &lp.Status, &lp.BatchNumber, &expiry,
		&parent, &lp.OriginType, &originRef, &createdBy, &createdAt, &updatedAt,
		&lp.Version)
	if err != nil {
		return ledger.LicensePlate{}, err
	}
	if lp.Quantity, err = ledger.ParseQuantity(qty); err != nil {
		return ledger.LicensePlate{}, err
	}
	if expiry.Valid && expiry.String != "" {
		t, err := time.Parse(timeLayout, expiry.String)
		if err != nil {
			return ledger.LicensePlate{}, err
		}
		lp.ExpiryDate = &t
	}
	lp.ParentLPID = ledger.LPID(parent.String)
	lp.CreatedBy = createdBy.String
	if lp.OriginRef, err = decodeMeta(originRef); err != nil {
		return ledger.LicensePlate{}, err
	}
	if lp.CreatedAt, err = decodeTime(createdAt); err != nil {
		return ledger.LicensePlate{}, err
	}
	if lp.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return ledger.LicensePlate{}, err
	}
	return lp, nil
}

func scanLPs(rows *sql.Rows) ([]ledger.LicensePlate, error) {
	var out []ledger.LicensePlate
	for rows.Next() {
		lp, err := scanLP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (ledger.Reservation, error) {
	var r ledger.Reservation
	var reserved, consumed, reservedAt string
	var reservedBy, consumedAt sql.NullString
	err := row.Scan(&r.ID, &r.LPID, &r.ConsumerRef, &reserved, &consumed,
		&r.Status, &reservedAt, &reservedBy, &consumedAt, &r.Version)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if r.QuantityReserved, err = ledger.ParseQuantity(reserved); err != nil {
		return ledger.Reservation{}, err
	}
	if r.QuantityConsumed, err = ledger.ParseQuantity(consumed); err != nil {
		return ledger.Reservation{}, err
	}
	if r.ReservedAt, err = decodeTime(reservedAt); err != nil {
		return ledger.Reservation{}, err
	}
	r.ReservedBy = reservedBy.String
	if consumedAt.Valid && consumedAt.String != "" {
		t, err := time.Parse(timeLayout, consumedAt.String)
		if err != nil {
			return ledger.Reservation{}, err
		}
		r.ConsumedAt = &t
	}
	return r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []ledger.LPStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func qaArgs(statuses []ledger.QAStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func encodeMeta(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMeta(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func nullableID(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
