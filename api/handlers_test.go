/*
handlers_test.go - HTTP API tests

PURPOSE:
  Drives the full HTTP stack (router, handlers, engine, in-memory store)
  with httptest: the main plate lifecycle flows, the domain-error to
  HTTP-status mapping, org scoping from headers, and the demo scenarios.
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateflow/lp-engine/api"
	"github.com/plateflow/lp-engine/ledger"
	"github.com/plateflow/lp-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Engine) {
	t.Helper()
	st := store.NewTxMemory()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	engine := ledger.NewEngine(st, ledger.WithLogger(log))
	tracer := ledger.NewTracer(st)
	handler := api.NewHandler(engine, tracer, log)
	srv := httptest.NewServer(api.NewRouter(handler, nil))
	t.Cleanup(srv.Close)
	return srv, engine
}

// doJSON issues a request with the default test org and decodes the body.
func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org", "acme")
	req.Header.Set("X-Actor", "tester")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createPlate(t *testing.T, srv *httptest.Server, product, quantity string) api.LicensePlateDTO {
	t.Helper()
	var lp api.LicensePlateDTO
	status := doJSON(t, srv, http.MethodPost, "/api/license-plates", api.CreateLPRequest{
		ProductID:  product,
		Quantity:   quantity,
		UoM:        "kg",
		LocationID: "WAREHOUSE-A",
		QAStatus:   "passed",
		Origin:     "receipt",
	}, &lp)
	require.Equal(t, http.StatusCreated, status)
	return lp
}

// =============================================================================
// PLATE LIFECYCLE OVER HTTP
// =============================================================================

func TestCreateSplitAndTrace(t *testing.T) {
	srv, _ := newTestServer(t)

	// GIVEN: A 100 kg plate created over the API
	lp := createPlate(t, srv, "RM-FLOUR", "100")
	assert.Equal(t, "LP-000001", lp.LPNumber)
	assert.Equal(t, "acme", lp.OrgID)

	// WHEN: Splitting it into two portions
	var split api.SplitResponse
	status := doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/split",
		map[string]any{"splits": []map[string]string{
			{"quantity": "30", "reason": "line 1"},
			{"quantity": "20", "reason": "line 2"},
		}}, &split)
	require.Equal(t, http.StatusOK, status)

	// THEN: The response carries the reduced parent and both children
	assert.Equal(t, "50", split.Parent.Quantity)
	require.Len(t, split.Children, 2)
	require.Len(t, split.Moves, 2)
	assert.Equal(t, "SPLIT", split.Moves[0].Type)

	// AND: The forward genealogy shows the branch structure
	var tree api.TraceTreeDTO
	status = doJSON(t, srv, http.MethodGet,
		"/api/license-plates/"+lp.ID+"/genealogy?direction=forward", nil, &tree)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "forward", tree.Direction)
	assert.Equal(t, 3, tree.NodeCount)
	assert.Len(t, tree.Root.Children, 2)

	// AND: The backward trace from a child reaches the parent
	status = doJSON(t, srv, http.MethodGet,
		"/api/license-plates/"+split.Children[0].ID+"/genealogy", nil, &tree)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "backward", tree.Direction)
	assert.Equal(t, 2, tree.NodeCount)
	assert.Equal(t, "split", tree.Root.Relationship)
}

func TestReserveConsumeFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	lp := createPlate(t, srv, "RM-SUGAR", "60")

	// Reserve 20 for a work order
	var res api.ReservationDTO
	status := doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/reservations",
		api.ReserveRequest{ConsumerRef: "WO-2001", Quantity: "20"}, &res)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "active", res.Status)
	assert.Equal(t, "20", res.Remaining)

	// Availability reflects the hold
	var avail api.AvailabilityDTO
	status = doJSON(t, srv, http.MethodGet,
		"/api/license-plates/"+lp.ID+"/availability", nil, &avail)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "40", avail.Available)

	// Consume 5 against the reservation
	var consume api.ConsumeResponse
	status = doJSON(t, srv, http.MethodPost,
		"/api/reservations/"+res.ID+"/consume",
		api.ConsumeRequest{Quantity: "5"}, &consume)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "55", consume.LP.Quantity)
	assert.Equal(t, "15", consume.Reservation.Remaining)
	assert.Equal(t, "CONSUME", consume.Move.Type)

	// Release the remainder
	status = doJSON(t, srv, http.MethodPost,
		"/api/reservations/"+res.ID+"/release", nil, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "released", res.Status)

	// The released hold no longer appears under the plate
	var active []api.ReservationDTO
	status = doJSON(t, srv, http.MethodGet,
		"/api/license-plates/"+lp.ID+"/reservations", nil, &active)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, active)
}

func TestTransferAndMergeOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	a := createPlate(t, srv, "RM-FLOUR", "30")
	b := createPlate(t, srv, "RM-FLOUR", "20")

	// Partial transfer creates a child at the destination
	quantity := "10"
	var transfer api.TransferResponse
	status := doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+a.ID+"/transfer",
		api.TransferRequest{ToLocationID: "LINE-1", Quantity: &quantity}, &transfer)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, transfer.SplitOccurred)
	assert.Equal(t, "LINE-1", transfer.Moved.LocationID)
	assert.Equal(t, "20", transfer.Source.Quantity)

	// Merge the remaining source with the second plate
	var merge api.MergeResponse
	status = doJSON(t, srv, http.MethodPost, "/api/license-plates/merge",
		api.MergeRequest{SourceIDs: []string{a.ID, b.ID}, Reason: "consolidation"}, &merge)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "40", merge.Merged.Quantity)
	require.Len(t, merge.Sources, 2)
	for _, src := range merge.Sources {
		assert.Equal(t, "consumed", src.Status)
	}
}

func TestQAStatusAndAuditLogOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	lp := createPlate(t, srv, "RM-MILK", "40")

	// Fail QA with justification
	var updated api.LicensePlateDTO
	status := doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/qa-status",
		api.QAStatusRequest{NewStatus: "failed", Reason: "microbial count above limit", ApproverRef: "qa-lab"},
		&updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "failed", updated.QAStatus)
	assert.Equal(t, "quarantine", updated.Status)

	// The audit trail is readable
	var log []api.QAOverrideDTO
	status = doJSON(t, srv, http.MethodGet,
		"/api/license-plates/"+lp.ID+"/qa-log", nil, &log)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, log, 1)
	assert.Equal(t, "passed", log[0].OldStatus)
	assert.Equal(t, "failed", log[0].NewStatus)
	assert.Equal(t, "qa-lab", log[0].ApproverRef)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	lp := createPlate(t, srv, "RM-FLOUR", "10")

	// Unknown plate -> 404
	var errResp api.ErrorResponse
	status := doJSON(t, srv, http.MethodGet, "/api/license-plates/lp-missing", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, errResp.Error)

	// Over-reservation -> 409
	status = doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/reservations",
		api.ReserveRequest{ConsumerRef: "WO-1", Quantity: "11"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)

	// Invalid lifecycle transition -> 422
	status = doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/status",
		api.StatusRequest{NewStatus: "consumed"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// Unparsable quantity -> 400
	status = doJSON(t, srv, http.MethodPost,
		"/api/license-plates/"+lp.ID+"/adjust",
		api.AdjustRequest{NewQuantity: "lots", Reason: "typo"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)

	// Unknown reservation -> 404
	status = doJSON(t, srv, http.MethodPost,
		"/api/reservations/res-missing/consume",
		api.ConsumeRequest{Quantity: "1"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// ORG SCOPING
// =============================================================================

func TestListLPs_ScopedByOrgHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	createPlate(t, srv, "RM-FLOUR", "10")

	// A different org sees nothing
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/license-plates", nil)
	require.NoError(t, err)
	req.Header.Set("X-Org", "globex")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var lps []api.LicensePlateDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lps))
	assert.Empty(t, lps)

	// The owning org sees its plate
	var mine []api.LicensePlateDTO
	status := doJSON(t, srv, http.MethodGet, "/api/license-plates", nil, &mine)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, mine, 1)
}

func TestListLPs_AvailableFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	createPlate(t, srv, "RM-FLOUR", "10")

	// A pending plate is not available for allocation
	var pending api.LicensePlateDTO
	status := doJSON(t, srv, http.MethodPost, "/api/license-plates", api.CreateLPRequest{
		ProductID: "RM-FLOUR", Quantity: "5", UoM: "kg",
		LocationID: "WAREHOUSE-A", Origin: "receipt",
	}, &pending)
	require.Equal(t, http.StatusCreated, status)

	var lps []api.LicensePlateDTO
	status = doJSON(t, srv, http.MethodGet, "/api/license-plates?available=true", nil, &lps)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, lps, 1)
	assert.Equal(t, "passed", lps[0].QAStatus)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios(t *testing.T) {
	srv, _ := newTestServer(t)

	// The catalog lists the built-in scenarios
	var list []api.ScenarioDTO
	status := doJSON(t, srv, http.MethodGet, "/api/scenarios", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 3)

	// Loading a scenario seeds data
	var loaded map[string]string
	status = doJSON(t, srv, http.MethodPost, "/api/scenarios/load",
		api.LoadScenarioRequest{ScenarioID: "receiving-split"}, &loaded)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "loaded", loaded["status"])

	var lps []api.LicensePlateDTO
	status = doJSON(t, srv, http.MethodGet, "/api/license-plates", nil, &lps)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, lps, 4, "root plate plus three split portions")

	// The current scenario is tracked
	var current api.ScenarioDTO
	status = doJSON(t, srv, http.MethodGet, "/api/scenarios/current", nil, &current)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "receiving-split", current.ID)

	// Unknown scenarios are rejected
	var errResp api.ErrorResponse
	status = doJSON(t, srv, http.MethodPost, "/api/scenarios/load",
		api.LoadScenarioRequest{ScenarioID: "nope"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/healthz", srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
