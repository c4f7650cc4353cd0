// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plateflow/lp-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	lps          map[ledger.LPID]ledger.LicensePlate
	numbers      map[numberKey]ledger.LPID
	reservations map[ledger.ReservationID]ledger.Reservation
	moves        map[ledger.LPID][]ledger.StockMove
	qaLog        map[ledger.LPID][]ledger.QAOverrideEntry
	sequences    map[ledger.OrgID]int64
}

type numberKey struct {
	Org    ledger.OrgID
	Number string
}

func NewMemory() *Memory {
	return &Memory{
		lps:          make(map[ledger.LPID]ledger.LicensePlate),
		numbers:      make(map[numberKey]ledger.LPID),
		reservations: make(map[ledger.ReservationID]ledger.Reservation),
		moves:        make(map[ledger.LPID][]ledger.StockMove),
		qaLog:        make(map[ledger.LPID][]ledger.QAOverrideEntry),
		sequences:    make(map[ledger.OrgID]int64),
	}
}

// --- License plates ---

func (m *Memory) GetLP(_ context.Context, id ledger.LPID) (ledger.LicensePlate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLPLocked(id)
}

func (m *Memory) CreateLP(_ context.Context, lp ledger.LicensePlate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLPLocked(lp)
}

func (m *Memory) UpdateLPQuantity(_ context.Context, id ledger.LPID, q ledger.Quantity, expectedVersion int64) (ledger.LicensePlate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.Quantity = q })
}

func (m *Memory) UpdateLPLocation(_ context.Context, id ledger.LPID, loc ledger.LocationID, expectedVersion int64) (ledger.LicensePlate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.LocationID = loc })
}

func (m *Memory) UpdateLPQAStatus(_ context.Context, id ledger.LPID, qa ledger.QAStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.QAStatus = qa })
}

func (m *Memory) UpdateLPStatus(_ context.Context, id ledger.LPID, st ledger.LPStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.Status = st })
}

func (m *Memory) ListLPsByParent(_ context.Context, parent ledger.LPID) ([]ledger.LicensePlate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByParentLocked(parent), nil
}

func (m *Memory) ListLPs(_ context.Context, f ledger.LPFilter) ([]ledger.LicensePlate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLPsLocked(f), nil
}

func (m *Memory) NextLPNumber(_ context.Context, org ledger.OrgID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLPNumberLocked(org), nil
}

// --- Reservations ---

func (m *Memory) CreateReservation(_ context.Context, r ledger.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReservationLocked(r)
}

func (m *Memory) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservationLocked(id)
}

func (m *Memory) UpdateReservation(_ context.Context, r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReservationLocked(r, expectedVersion)
}

func (m *Memory) ListActiveReservations(_ context.Context, lp ledger.LPID) ([]ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listActiveLocked(lp), nil
}

// --- Append-only logs ---

func (m *Memory) AppendMove(_ context.Context, mv ledger.StockMove) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendMoveLocked(mv)
	return nil
}

func (m *Memory) MovesForLP(_ context.Context, lp ledger.LPID) ([]ledger.StockMove, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.StockMove, len(m.moves[lp]))
	copy(out, m.moves[lp])
	return out, nil
}

func (m *Memory) AppendQAOverride(_ context.Context, e ledger.QAOverrideEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qaLog[e.LPID] = append(m.qaLog[e.LPID], e)
	return nil
}

func (m *Memory) QAOverridesForLP(_ context.Context, lp ledger.LPID) ([]ledger.QAOverrideEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.QAOverrideEntry, len(m.qaLog[lp]))
	copy(out, m.qaLog[lp])
	return out, nil
}

// =============================================================================
// LOCKED INTERNALS
// =============================================================================

func (m *Memory) getLPLocked(id ledger.LPID) (ledger.LicensePlate, error) {
	lp, ok := m.lps[id]
	if !ok {
		return ledger.LicensePlate{}, ledger.ErrLPNotFound
	}
	return lp, nil
}

func (m *Memory) createLPLocked(lp ledger.LicensePlate) error {
	key := numberKey{Org: lp.Org, Number: lp.LPNumber}
	if _, exists := m.numbers[key]; exists {
		return ledger.ErrDuplicateLPNumber
	}
	if _, exists := m.lps[lp.ID]; exists {
		return fmt.Errorf("lp id %s already exists", lp.ID)
	}
	m.lps[lp.ID] = lp
	m.numbers[key] = lp.ID
	return nil
}

func (m *Memory) updateLPLocked(id ledger.LPID, expectedVersion int64, mutate func(*ledger.LicensePlate)) (ledger.LicensePlate, error) {
	lp, ok := m.lps[id]
	if !ok {
		return ledger.LicensePlate{}, ledger.ErrLPNotFound
	}
	if lp.Version != expectedVersion {
		return ledger.LicensePlate{}, ledger.ErrConcurrentModification
	}
	mutate(&lp)
	lp.Version++
	lp.UpdatedAt = time.Now()
	m.lps[id] = lp
	return lp, nil
}

func (m *Memory) listByParentLocked(parent ledger.LPID) []ledger.LicensePlate {
	var out []ledger.LicensePlate
	for _, lp := range m.lps {
		if lp.ParentLPID == parent {
			out = append(out, lp)
		}
	}
	return out
}

func (m *Memory) listLPsLocked(f ledger.LPFilter) []ledger.LicensePlate {
	var out []ledger.LicensePlate
	for _, lp := range m.lps {
		if matches(lp, f) {
			out = append(out, lp)
		}
	}
	if f.Order == ledger.OrderFEFO {
		sort.Slice(out, func(i, j int) bool {
			// nil expiry sorts last
			a, b := out[i].ExpiryDate, out[j].ExpiryDate
			switch {
			case a == nil && b == nil:
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return a.Before(*b)
			}
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func matches(lp ledger.LicensePlate, f ledger.LPFilter) bool {
	if f.Org != "" && lp.Org != f.Org {
		return false
	}
	if f.ProductID != "" && lp.ProductID != f.ProductID {
		return false
	}
	if f.LocationID != "" && lp.LocationID != f.LocationID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, lp.Status) {
		return false
	}
	if len(f.QAStatuses) > 0 && !containsQA(f.QAStatuses, lp.QAStatus) {
		return false
	}
	if f.AvailableOnly {
		if lp.Status != ledger.StatusAvailable || lp.QAStatus != ledger.QAPassed {
			return false
		}
		if !lp.Quantity.IsPositive() {
			return false
		}
		if lp.IsExpired(f.Now) {
			return false
		}
	}
	return true
}

func containsStatus(ss []ledger.LPStatus, s ledger.LPStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsQA(ss []ledger.QAStatus, s ledger.QAStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) nextLPNumberLocked(org ledger.OrgID) string {
	m.sequences[org]++
	return fmt.Sprintf("LP-%06d", m.sequences[org])
}

func (m *Memory) createReservationLocked(r ledger.Reservation) error {
	if _, exists := m.reservations[r.ID]; exists {
		return fmt.Errorf("reservation id %s already exists", r.ID)
	}
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) getReservationLocked(id ledger.ReservationID) (ledger.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, nil
}

func (m *Memory) updateReservationLocked(r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	current, ok := m.reservations[r.ID]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	if current.Version != expectedVersion {
		return ledger.Reservation{}, ledger.ErrConcurrentModification
	}
	r.Version = current.Version + 1
	m.reservations[r.ID] = r
	return r, nil
}

func (m *Memory) listActiveLocked(lp ledger.LPID) []ledger.Reservation {
	var out []ledger.Reservation
	for _, r := range m.reservations {
		if r.LPID == lp && r.Status == ledger.ReservationActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out
}

func (m *Memory) appendMoveLocked(mv ledger.StockMove) {
	m.moves[mv.LPID] = append(m.moves[mv.LPID], mv)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot + rollback on error; the store mutex is held
// for the whole transaction, which also serializes writers.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lps          map[ledger.LPID]ledger.LicensePlate
	numbers      map[numberKey]ledger.LPID
	reservations map[ledger.ReservationID]ledger.Reservation
	moves        map[ledger.LPID][]ledger.StockMove
	qaLog        map[ledger.LPID][]ledger.QAOverrideEntry
	sequences    map[ledger.OrgID]int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		lps:          make(map[ledger.LPID]ledger.LicensePlate, len(tm.lps)),
		numbers:      make(map[numberKey]ledger.LPID, len(tm.numbers)),
		reservations: make(map[ledger.ReservationID]ledger.Reservation, len(tm.reservations)),
		moves:        make(map[ledger.LPID][]ledger.StockMove, len(tm.moves)),
		qaLog:        make(map[ledger.LPID][]ledger.QAOverrideEntry, len(tm.qaLog)),
		sequences:    make(map[ledger.OrgID]int64, len(tm.sequences)),
	}
	for k, v := range tm.lps {
		s.lps[k] = v
	}
	for k, v := range tm.numbers {
		s.numbers[k] = v
	}
	for k, v := range tm.reservations {
		s.reservations[k] = v
	}
	for k, v := range tm.moves {
		s.moves[k] = append([]ledger.StockMove{}, v...)
	}
	for k, v := range tm.qaLog {
		s.qaLog[k] = append([]ledger.QAOverrideEntry{}, v...)
	}
	for k, v := range tm.sequences {
		s.sequences[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.lps = s.lps
	tm.numbers = s.numbers
	tm.reservations = s.reservations
	tm.moves = s.moves
	tm.qaLog = s.qaLog
	tm.sequences = s.sequences
}

// txMemoryView exposes the locked internals to the transaction function.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetLP(_ context.Context, id ledger.LPID) (ledger.LicensePlate, error) {
	return tv.parent.getLPLocked(id)
}

func (tv *txMemoryView) CreateLP(_ context.Context, lp ledger.LicensePlate) error {
	return tv.parent.createLPLocked(lp)
}

func (tv *txMemoryView) UpdateLPQuantity(_ context.Context, id ledger.LPID, q ledger.Quantity, expectedVersion int64) (ledger.LicensePlate, error) {
	return tv.parent.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.Quantity = q })
}

func (tv *txMemoryView) UpdateLPLocation(_ context.Context, id ledger.LPID, loc ledger.LocationID, expectedVersion int64) (ledger.LicensePlate, error) {
	return tv.parent.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.LocationID = loc })
}

func (tv *txMemoryView) UpdateLPQAStatus(_ context.Context, id ledger.LPID, qa ledger.QAStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	return tv.parent.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.QAStatus = qa })
}

func (tv *txMemoryView) UpdateLPStatus(_ context.Context, id ledger.LPID, st ledger.LPStatus, expectedVersion int64) (ledger.LicensePlate, error) {
	return tv.parent.updateLPLocked(id, expectedVersion, func(lp *ledger.LicensePlate) { lp.Status = st })
}

func (tv *txMemoryView) ListLPsByParent(_ context.Context, parent ledger.LPID) ([]ledger.LicensePlate, error) {
	return tv.parent.listByParentLocked(parent), nil
}

func (tv *txMemoryView) ListLPs(_ context.Context, f ledger.LPFilter) ([]ledger.LicensePlate, error) {
	return tv.parent.listLPsLocked(f), nil
}

func (tv *txMemoryView) NextLPNumber(_ context.Context, org ledger.OrgID) (string, error) {
	return tv.parent.nextLPNumberLocked(org), nil
}

func (tv *txMemoryView) CreateReservation(_ context.Context, r ledger.Reservation) error {
	return tv.parent.createReservationLocked(r)
}

func (tv *txMemoryView) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return tv.parent.getReservationLocked(id)
}

func (tv *txMemoryView) UpdateReservation(_ context.Context, r ledger.Reservation, expectedVersion int64) (ledger.Reservation, error) {
	return tv.parent.updateReservationLocked(r, expectedVersion)
}

func (tv *txMemoryView) ListActiveReservations(_ context.Context, lp ledger.LPID) ([]ledger.Reservation, error) {
	return tv.parent.listActiveLocked(lp), nil
}

func (tv *txMemoryView) AppendMove(_ context.Context, mv ledger.StockMove) error {
	tv.parent.appendMoveLocked(mv)
	return nil
}

func (tv *txMemoryView) MovesForLP(_ context.Context, lp ledger.LPID) ([]ledger.StockMove, error) {
	out := make([]ledger.StockMove, len(tv.parent.moves[lp]))
	copy(out, tv.parent.moves[lp])
	return out, nil
}

func (tv *txMemoryView) AppendQAOverride(_ context.Context, e ledger.QAOverrideEntry) error {
	tv.parent.qaLog[e.LPID] = append(tv.parent.qaLog[e.LPID], e)
	return nil
}

func (tv *txMemoryView) QAOverridesForLP(_ context.Context, lp ledger.LPID) ([]ledger.QAOverrideEntry, error) {
	out := make([]ledger.QAOverrideEntry, len(tv.parent.qaLog[lp]))
	copy(out, tv.parent.qaLog[lp])
	return out, nil
}
