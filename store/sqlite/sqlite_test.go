/*
sqlite_test.go - SQLite store tests

PURPOSE:
  Verifies the SQLite implementation of ledger.TxStore: round-tripping of
  all record types, the version compare-and-swap, per-org LP numbering,
  transaction rollback, list filtering, and the append-only logs.
  Every test uses ":memory:" for isolation.
*/
package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateflow/lp-engine/ledger"
	"github.com/plateflow/lp-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func qty(s string) ledger.Quantity { return ledger.MustParseQuantity(s) }

func makeLP(id, number string, mods ...func(*ledger.LicensePlate)) ledger.LicensePlate {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lp := ledger.LicensePlate{
		ID:         ledger.LPID(id),
		Org:        "acme",
		LPNumber:   number,
		ProductID:  "RM-FLOUR",
		Quantity:   qty("100"),
		UoM:        "kg",
		LocationID: "WAREHOUSE-A",
		QAStatus:   ledger.QAPassed,
		Status:     ledger.StatusAvailable,
		OriginType: ledger.OriginReceipt,
		CreatedBy:  "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	for _, m := range mods {
		m(&lp)
	}
	return lp
}

// =============================================================================
// LICENSE PLATES
// =============================================================================

func TestLPRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	expiry := time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)
	lp := makeLP("lp-1", "LP-000001", func(p *ledger.LicensePlate) {
		p.BatchNumber = "BATCH-A1"
		p.ExpiryDate = &expiry
		p.ParentLPID = "lp-0"
		p.OriginRef = map[string]string{"po_number": "PO-1001"}
	})
	require.NoError(t, st.CreateLP(ctx, lp))

	got, err := st.GetLP(ctx, "lp-1")
	require.NoError(t, err)
	assert.Equal(t, lp.LPNumber, got.LPNumber)
	assert.True(t, got.Quantity.Equal(qty("100")))
	assert.Equal(t, "BATCH-A1", got.BatchNumber)
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, got.ExpiryDate.Equal(expiry))
	assert.Equal(t, ledger.LPID("lp-0"), got.ParentLPID)
	assert.Equal(t, map[string]string{"po_number": "PO-1001"}, got.OriginRef)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.CreatedAt.Equal(lp.CreatedAt))
}

func TestGetLP_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetLP(context.Background(), "lp-missing")
	assert.ErrorIs(t, err, ledger.ErrLPNotFound)
}

func TestCreateLP_DuplicateNumberWithinOrg(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateLP(ctx, makeLP("lp-1", "LP-000001")))

	// Same number within the org collides
	err := st.CreateLP(ctx, makeLP("lp-2", "LP-000001"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateLPNumber)

	// Same number in a different org is fine
	other := makeLP("lp-3", "LP-000001", func(p *ledger.LicensePlate) { p.Org = "globex" })
	assert.NoError(t, st.CreateLP(ctx, other))
}

func TestUpdateLP_VersionCompareAndSwap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateLP(ctx, makeLP("lp-1", "LP-000001")))

	// A write against the current version succeeds and bumps the version
	updated, err := st.UpdateLPQuantity(ctx, "lp-1", qty("80"), 1)
	require.NoError(t, err)
	assert.True(t, updated.Quantity.Equal(qty("80")))
	assert.Equal(t, int64(2), updated.Version)

	// A write against the stale version conflicts
	_, err = st.UpdateLPQuantity(ctx, "lp-1", qty("70"), 1)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// A write against a missing row is not-found, not a conflict
	_, err = st.UpdateLPQuantity(ctx, "lp-missing", qty("70"), 1)
	assert.ErrorIs(t, err, ledger.ErrLPNotFound)
}

func TestUpdateLP_EachFieldWriter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateLP(ctx, makeLP("lp-1", "LP-000001")))

	lp, err := st.UpdateLPLocation(ctx, "lp-1", "LINE-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.LocationID("LINE-1"), lp.LocationID)

	lp, err = st.UpdateLPQAStatus(ctx, "lp-1", ledger.QAQuarantine, lp.Version)
	require.NoError(t, err)
	assert.Equal(t, ledger.QAQuarantine, lp.QAStatus)

	lp, err = st.UpdateLPStatus(ctx, "lp-1", ledger.StatusQuarantine, lp.Version)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusQuarantine, lp.Status)
	assert.Equal(t, int64(4), lp.Version)
}

func TestListLPsByParent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateLP(ctx, makeLP("lp-root", "LP-000001")))
	require.NoError(t, st.CreateLP(ctx, makeLP("lp-c1", "LP-000002", func(p *ledger.LicensePlate) { p.ParentLPID = "lp-root" })))
	require.NoError(t, st.CreateLP(ctx, makeLP("lp-c2", "LP-000003", func(p *ledger.LicensePlate) { p.ParentLPID = "lp-root" })))

	children, err := st.ListLPsByParent(ctx, "lp-root")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	none, err := st.ListLPsByParent(ctx, "lp-c1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// LP NUMBER SEQUENCE
// =============================================================================

func TestNextLPNumber_PerOrgSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	n1, err := st.NextLPNumber(ctx, "acme")
	require.NoError(t, err)
	n2, err := st.NextLPNumber(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "LP-000001", n1)
	assert.Equal(t, "LP-000002", n2)

	// Each org runs its own sequence
	other, err := st.NextLPNumber(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "LP-000001", other)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// GIVEN: A transaction that writes a plate, a move, and then fails
	sentinel := assert.AnError
	err := st.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateLP(ctx, makeLP("lp-1", "LP-000001")); err != nil {
			return err
		}
		if err := s.AppendMove(ctx, ledger.StockMove{
			ID: "mv-1", MoveNumber: "MV-1", LPID: "lp-1", Quantity: qty("1"),
			Type: ledger.MoveAdjust, Status: ledger.MoveCompleted,
			MoveDate: time.Now(), CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// THEN: Nothing committed
	_, err = st.GetLP(ctx, "lp-1")
	assert.ErrorIs(t, err, ledger.ErrLPNotFound)
	moves, err := st.MovesForLP(ctx, "lp-1")
	require.NoError(t, err)
	assert.Empty(t, moves)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(s ledger.Store) error {
		return s.CreateLP(ctx, makeLP("lp-1", "LP-000001"))
	})
	require.NoError(t, err)

	_, err = st.GetLP(ctx, "lp-1")
	assert.NoError(t, err)
}

// =============================================================================
// LISTING & FILTERS
// =============================================================================

func TestListLPs_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id, number string, i int, mods ...func(*ledger.LicensePlate)) {
		lp := makeLP(id, number, mods...)
		lp.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		lp.UpdatedAt = lp.CreatedAt
		require.NoError(t, st.CreateLP(ctx, lp))
	}

	mk("lp-1", "LP-000001", 0)
	mk("lp-2", "LP-000002", 1, func(p *ledger.LicensePlate) { p.ProductID = "RM-SUGAR" })
	mk("lp-3", "LP-000003", 2, func(p *ledger.LicensePlate) { p.Status = ledger.StatusConsumed; p.Quantity = qty("0") })
	mk("lp-4", "LP-000004", 3, func(p *ledger.LicensePlate) { p.QAStatus = ledger.QAPending })
	mk("lp-5", "LP-000005", 4, func(p *ledger.LicensePlate) { p.Org = "globex" })

	// Org scoping
	lps, err := st.ListLPs(ctx, ledger.LPFilter{Org: "acme"})
	require.NoError(t, err)
	assert.Len(t, lps, 4)

	// Product filter
	lps, err = st.ListLPs(ctx, ledger.LPFilter{Org: "acme", ProductID: "RM-SUGAR"})
	require.NoError(t, err)
	require.Len(t, lps, 1)
	assert.Equal(t, ledger.LPID("lp-2"), lps[0].ID)

	// Status filter
	lps, err = st.ListLPs(ctx, ledger.LPFilter{Org: "acme", Statuses: []ledger.LPStatus{ledger.StatusConsumed}})
	require.NoError(t, err)
	require.Len(t, lps, 1)
	assert.Equal(t, ledger.LPID("lp-3"), lps[0].ID)

	// AvailableOnly excludes consumed, zero-quantity and unpassed plates
	lps, err = st.ListLPs(ctx, ledger.LPFilter{Org: "acme", AvailableOnly: true, Now: base})
	require.NoError(t, err)
	require.Len(t, lps, 2)
	assert.Equal(t, ledger.LPID("lp-1"), lps[0].ID)
	assert.Equal(t, ledger.LPID("lp-2"), lps[1].ID)

	// Limit caps the result
	lps, err = st.ListLPs(ctx, ledger.LPFilter{Org: "acme", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, lps, 2)
}

func TestListLPs_AvailableOnlyExcludesExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	fresh := makeLP("lp-fresh", "LP-000001", func(p *ledger.LicensePlate) { p.ExpiryDate = &future })
	stale := makeLP("lp-stale", "LP-000002", func(p *ledger.LicensePlate) { p.ExpiryDate = &past })
	require.NoError(t, st.CreateLP(ctx, fresh))
	require.NoError(t, st.CreateLP(ctx, stale))

	lps, err := st.ListLPs(ctx, ledger.LPFilter{Org: "acme", AvailableOnly: true, Now: now})
	require.NoError(t, err)
	require.Len(t, lps, 1)
	assert.Equal(t, ledger.LPID("lp-fresh"), lps[0].ID)
}

func TestListLPs_FEFOOrdersByExpiry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	early := base.AddDate(0, 1, 0)
	late := base.AddDate(0, 3, 0)
	mk := func(id, number string, i int, expiry *time.Time) {
		lp := makeLP(id, number, func(p *ledger.LicensePlate) { p.ExpiryDate = expiry })
		lp.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		lp.UpdatedAt = lp.CreatedAt
		require.NoError(t, st.CreateLP(ctx, lp))
	}
	mk("lp-late", "LP-000001", 0, &late)
	mk("lp-early", "LP-000002", 1, &early)
	mk("lp-never", "LP-000003", 2, nil)

	lps, err := st.ListLPs(ctx, ledger.LPFilter{Org: "acme", Order: ledger.OrderFEFO})
	require.NoError(t, err)
	require.Len(t, lps, 3)
	assert.Equal(t, ledger.LPID("lp-early"), lps[0].ID)
	assert.Equal(t, ledger.LPID("lp-late"), lps[1].ID)
	assert.Equal(t, ledger.LPID("lp-never"), lps[2].ID, "plates without expiry sort last")
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReservationRoundTripAndCAS(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := ledger.Reservation{
		ID:               "res-1",
		LPID:             "lp-1",
		ConsumerRef:      "WO-2001",
		QuantityReserved: qty("20"),
		QuantityConsumed: qty("0"),
		Status:           ledger.ReservationActive,
		ReservedAt:       time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		ReservedBy:       "tester",
		Version:          1,
	}
	require.NoError(t, st.CreateReservation(ctx, r))

	got, err := st.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, got.QuantityReserved.Equal(qty("20")))
	assert.Equal(t, "WO-2001", got.ConsumerRef)

	// Consume 5 via the versioned update
	got.QuantityConsumed = qty("5")
	updated, err := st.UpdateReservation(ctx, got, got.Version)
	require.NoError(t, err)
	assert.True(t, updated.QuantityConsumed.Equal(qty("5")))
	assert.Equal(t, int64(2), updated.Version)

	// Stale version conflicts
	_, err = st.UpdateReservation(ctx, got, 1)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Unknown id is not-found
	_, err = st.GetReservation(ctx, "res-missing")
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestListActiveReservations_FiltersAndOrders(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	mk := func(id string, lp ledger.LPID, status ledger.ReservationStatus, at time.Time) {
		require.NoError(t, st.CreateReservation(ctx, ledger.Reservation{
			ID: ledger.ReservationID(id), LPID: lp, ConsumerRef: "WO-1",
			QuantityReserved: qty("1"), QuantityConsumed: qty("0"),
			Status: status, ReservedAt: at, Version: 1,
		}))
	}
	mk("res-b", "lp-1", ledger.ReservationActive, base.Add(time.Hour))
	mk("res-a", "lp-1", ledger.ReservationActive, base)
	mk("res-released", "lp-1", ledger.ReservationReleased, base)
	mk("res-other", "lp-2", ledger.ReservationActive, base)

	active, err := st.ListActiveReservations(ctx, "lp-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ledger.ReservationID("res-a"), active[0].ID)
	assert.Equal(t, ledger.ReservationID("res-b"), active[1].ID)
}

// =============================================================================
// APPEND-ONLY LOGS
// =============================================================================

func TestMoveLogRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	m1 := ledger.StockMove{
		ID: "mv-1", MoveNumber: "MV-1", LPID: "lp-1",
		FromLocationID: "A", ToLocationID: "B", Quantity: qty("10"),
		Type: ledger.MoveTransfer, Status: ledger.MoveCompleted,
		MoveDate: base, Reason: "staging",
		Meta:      map[string]string{"implicit_split": "true"},
		CreatedBy: "tester", CreatedAt: base,
	}
	m2 := ledger.StockMove{
		ID: "mv-2", MoveNumber: "MV-2", LPID: "lp-1", Quantity: qty("3"),
		Type: ledger.MoveAdjust, Status: ledger.MoveCompleted,
		MoveDate: base.Add(time.Minute), CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, st.AppendMove(ctx, m1))
	require.NoError(t, st.AppendMove(ctx, m2))

	moves, err := st.MovesForLP(ctx, "lp-1")
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, ledger.MoveID("mv-1"), moves[0].ID)
	assert.Equal(t, ledger.LocationID("B"), moves[0].ToLocationID)
	assert.Equal(t, "true", moves[0].Meta["implicit_split"])
	assert.True(t, moves[0].MoveDate.Equal(base))
	assert.Equal(t, ledger.MoveAdjust, moves[1].Type)
}

func TestQAOverrideLogRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, st.AppendQAOverride(ctx, ledger.QAOverrideEntry{
		ID: "qa-1", LPID: "lp-1",
		OldStatus: ledger.QAPending, NewStatus: ledger.QAPassed,
		Reason: "incoming inspection passed", ApproverRef: "qa-inspector-7", At: at,
	}))

	log, err := st.QAOverridesForLP(ctx, "lp-1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, ledger.QAPending, log[0].OldStatus)
	assert.Equal(t, ledger.QAPassed, log[0].NewStatus)
	assert.Equal(t, "qa-inspector-7", log[0].ApproverRef)
	assert.True(t, log[0].At.Equal(at))
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

func TestEngineOverSQLite_SplitAndReserve(t *testing.T) {
	// GIVEN: The real engine running on the SQLite store
	st := newTestStore(t)
	e := ledger.NewEngine(st)
	ctx := context.Background()
	scope := ledger.Scope{Org: "acme", Actor: "tester"}

	lp, err := e.CreateLP(ctx, scope, ledger.CreateLPInput{
		ProductID: "RM-FLOUR", Quantity: qty("100"), UoM: "kg",
		LocationID: "WAREHOUSE-A", QAStatus: ledger.QAPassed,
		Origin: ledger.OriginReceipt,
	})
	require.NoError(t, err)

	// WHEN: Splitting and reserving through real transactions
	split, err := e.Split(ctx, scope, lp.ID, []ledger.SplitSpec{
		{Quantity: qty("25"), Reason: "line 1"},
	})
	require.NoError(t, err)

	_, err = e.Reserve(ctx, scope, split.Children[0].ID, "WO-2001", qty("10"))
	require.NoError(t, err)

	// THEN: Durable state reflects the whole sequence
	parent, err := st.GetLP(ctx, lp.ID)
	require.NoError(t, err)
	assert.True(t, parent.Quantity.Equal(qty("75")))

	avail, err := e.Availability(ctx, split.Children[0].ID)
	require.NoError(t, err)
	assert.True(t, avail.Equal(qty("15")))

	moves, err := st.MovesForLP(ctx, split.Children[0].ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, ledger.MoveSplit, moves[0].Type)
}
