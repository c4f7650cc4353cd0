/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for testing and demos. Each scenario creates plates, reservations
	and moves that demonstrate specific features.

AVAILABLE SCENARIOS:

	receiving-split:      Received pallet, QA passed, split into portions
	reserve-consume:      Plate reserved by two work orders, one consuming
	quarantine:           Split lineage with a failed QA child

HOW SCENARIOS WORK:
 1. Create plates via the engine (receipt origin)
 2. QA-pass them with a system approver
 3. Run the operations the scenario demonstrates

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "receiving-split"}

NOTE:

	Scenarios add data, they do not reset the database. Use a fresh
	database file (or :memory:) for clean demos.

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: Scenario endpoints registered in server.go
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/plateflow/lp-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "receiving-split",
		Name:        "Receiving & Split",
		Description: "A received pallet passes QA and is split into three portions",
	},
	{
		ID:          "reserve-consume",
		Name:        "Reserve & Consume",
		Description: "One plate reserved by two work orders, one partially consumed",
	},
	{
		ID:          "quarantine",
		Name:        "Quarantine Investigation",
		Description: "Split lineage where one child fails QA and is quarantined",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a demo scenario by ID.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	scope := ledger.Scope{Org: scopeFrom(r).Org, Actor: "scenario-loader"}

	var err error
	switch req.ScenarioID {
	case "receiving-split":
		err = h.loadReceivingSplitScenario(ctx, scope)
	case "reserve-consume":
		err = h.loadReserveConsumeScenario(ctx, scope)
	case "quarantine":
		err = h.loadQuarantineScenario(ctx, scope)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// receivePassed creates a receipt plate and QA-passes it.
func (h *Handler) receivePassed(ctx context.Context, scope ledger.Scope, product, qty, loc, batch string) (ledger.LicensePlate, error) {
	lp, err := h.Engine.CreateLP(ctx, scope, ledger.CreateLPInput{
		ProductID:   ledger.ProductID(product),
		Quantity:    ledger.MustParseQuantity(qty),
		UoM:         "kg",
		LocationID:  ledger.LocationID(loc),
		BatchNumber: batch,
		Origin:      ledger.OriginReceipt,
		OriginRef:   map[string]string{"po_number": "PO-1001"},
	})
	if err != nil {
		return ledger.LicensePlate{}, err
	}
	return h.Engine.ChangeQAStatus(ctx, scope, lp.ID, ledger.QAPassed,
		"incoming inspection passed", "qa-system")
}

func (h *Handler) loadReceivingSplitScenario(ctx context.Context, scope ledger.Scope) error {
	lp, err := h.receivePassed(ctx, scope, "RM-FLOUR", "100", "RECEIVING", "BATCH-A1")
	if err != nil {
		return err
	}

	_, err = h.Engine.Split(ctx, scope, lp.ID, []ledger.SplitSpec{
		{Quantity: ledger.MustParseQuantity("25"), Reason: "portion for line 1"},
		{Quantity: ledger.MustParseQuantity("25"), Reason: "portion for line 2"},
		{Quantity: ledger.MustParseQuantity("30"), Reason: "portion for line 3"},
	})
	return err
}

func (h *Handler) loadReserveConsumeScenario(ctx context.Context, scope ledger.Scope) error {
	lp, err := h.receivePassed(ctx, scope, "RM-SUGAR", "60", "WAREHOUSE-A", "BATCH-B7")
	if err != nil {
		return err
	}

	if _, err := h.Engine.Reserve(ctx, scope, lp.ID, "WO-2001", ledger.MustParseQuantity("20")); err != nil {
		return err
	}
	res, err := h.Engine.Reserve(ctx, scope, lp.ID, "WO-2002", ledger.MustParseQuantity("15"))
	if err != nil {
		return err
	}
	_, err = h.Engine.ConsumeReservation(ctx, scope, res.ID, ledger.MustParseQuantity("5"))
	return err
}

func (h *Handler) loadQuarantineScenario(ctx context.Context, scope ledger.Scope) error {
	lp, err := h.receivePassed(ctx, scope, "RM-MILK", "40", "COLD-STORE", "BATCH-C3")
	if err != nil {
		return err
	}

	result, err := h.Engine.Split(ctx, scope, lp.ID, []ledger.SplitSpec{
		{Quantity: ledger.MustParseQuantity("10"), Reason: "sample lot"},
	})
	if err != nil {
		return err
	}

	_, err = h.Engine.ChangeQAStatus(ctx, scope, result.Children[0].ID, ledger.QAFailed,
		"microbial count above limit", "qa-lab")
	return err
}
