/*
sweeper.go - Automated expiry sweeper

PURPOSE:
  Periodically scans for available plates whose expiry date has passed and
  quarantines them so they can no longer be reserved or consumed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Finds available plates with expiry_date < now
  - Quarantines via the engine's QA override so the audit trail records
    the transition with reason and system approver
  - Skips plates already in QA quarantine/failed

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(engine, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/engine.go: ChangeQAStatus (quarantine path)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plateflow/lp-engine/ledger"
)

// ExpirySweeper quarantines expired available plates.
type ExpirySweeper struct {
	Engine        *ledger.Engine
	Log           logrus.FieldLogger
	Org           ledger.OrgID
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper for the given org.
func NewExpirySweeper(engine *ledger.Engine, org ledger.OrgID, log logrus.FieldLogger) *ExpirySweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExpirySweeper{
		Engine:        engine,
		Log:           log,
		Org:           org,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweeper.
func (es *ExpirySweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Log.Info("expiry sweeper disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)
	go es.run()

	es.Log.WithField("interval", es.CheckInterval).Info("expiry sweeper started")
}

// Stop stops the sweeper.
func (es *ExpirySweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.Log.Info("expiry sweeper stopped")
	}
}

func (es *ExpirySweeper) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.SweepOnce(context.Background())

	for {
		select {
		case <-es.ticker.C:
			es.SweepOnce(context.Background())
		case <-es.stop:
			return
		}
	}
}

// SweepOnce scans for expired available plates and quarantines them.
// Exposed for tests and admin triggering.
func (es *ExpirySweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	scope := ledger.Scope{Org: es.Org, Actor: "expiry-sweeper"}

	lps, err := es.Engine.ListLPs(ctx, ledger.LPFilter{
		Org:      es.Org,
		Statuses: []ledger.LPStatus{ledger.StatusAvailable},
	})
	if err != nil {
		es.Log.WithError(err).Error("expiry sweep: listing plates failed")
		return
	}

	swept := 0
	for _, lp := range lps {
		if !lp.IsExpired(now) {
			continue
		}
		if lp.QAStatus == ledger.QAQuarantine || lp.QAStatus == ledger.QAFailed {
			continue
		}

		_, err := es.Engine.ChangeQAStatus(ctx, scope, lp.ID, ledger.QAQuarantine,
			"expiry date passed", "expiry-sweeper")
		if err != nil {
			es.Log.WithError(err).WithField("lp_id", lp.ID).Warn("expiry sweep: quarantine failed")
			continue
		}
		swept++
	}

	if swept > 0 {
		es.Log.WithField("count", swept).Info("expiry sweep quarantined expired plates")
	}
}
