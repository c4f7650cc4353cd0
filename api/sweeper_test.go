package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateflow/lp-engine/api"
	"github.com/plateflow/lp-engine/ledger"
	"github.com/plateflow/lp-engine/ledger/store"
)

func TestSweepOnce_QuarantinesExpiredPlates(t *testing.T) {
	// GIVEN: One expired and one fresh plate in the sweeper's org
	st := store.NewTxMemory()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	engine := ledger.NewEngine(st, ledger.WithLogger(log))
	scope := ledger.Scope{Org: "acme", Actor: "tester"}
	ctx := context.Background()

	past := time.Now().Add(-72 * time.Hour)
	future := time.Now().Add(72 * time.Hour)
	mk := func(expiry *time.Time) ledger.LicensePlate {
		lp, err := engine.CreateLP(ctx, scope, ledger.CreateLPInput{
			ProductID: "RM-MILK", Quantity: ledger.MustParseQuantity("10"),
			UoM: "kg", LocationID: "COLD-STORE",
			QAStatus: ledger.QAPassed, Origin: ledger.OriginReceipt,
			ExpiryDate: expiry,
		})
		require.NoError(t, err)
		return lp
	}
	stale := mk(&past)
	fresh := mk(&future)

	// WHEN: Running a sweep
	sweeper := api.NewExpirySweeper(engine, "acme", log)
	sweeper.SweepOnce(ctx)

	// THEN: The expired plate is quarantined with an audit entry
	swept, err := engine.GetLP(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.QAQuarantine, swept.QAStatus)
	assert.Equal(t, ledger.StatusQuarantine, swept.Status)

	qaLog, err := engine.QAOverridesForLP(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, qaLog, 1)
	assert.Equal(t, "expiry date passed", qaLog[0].Reason)
	assert.Equal(t, "expiry-sweeper", qaLog[0].ApproverRef)

	// AND: The fresh plate is untouched
	kept, err := engine.GetLP(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.QAPassed, kept.QAStatus)

	// AND: A second sweep skips already-quarantined plates
	sweeper.SweepOnce(ctx)
	qaLog, err = engine.QAOverridesForLP(ctx, stale.ID)
	require.NoError(t, err)
	assert.Len(t, qaLog, 1)
}
