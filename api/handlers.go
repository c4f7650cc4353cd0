/*
handlers.go - HTTP API handlers for the LP inventory ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates all domain decisions to the engine.

ENDPOINTS:
  License plates:
    GET    /api/license-plates                   List plates (filters)
    POST   /api/license-plates                   Create plate
    POST   /api/license-plates/merge             Merge plates
    GET    /api/license-plates/{id}              Get plate
    GET    /api/license-plates/{id}/availability Derived availability
    GET    /api/license-plates/{id}/moves        Move history
    GET    /api/license-plates/{id}/qa-log       QA audit trail
    GET    /api/license-plates/{id}/genealogy    Lineage trace
    GET    /api/license-plates/{id}/reservations Active reservations
    POST   /api/license-plates/{id}/split        Split into children
    POST   /api/license-plates/{id}/transfer     Move (full or partial)
    POST   /api/license-plates/{id}/adjust       Quantity correction
    POST   /api/license-plates/{id}/qa-status    QA override
    POST   /api/license-plates/{id}/status       Lifecycle transition
    POST   /api/license-plates/{id}/reservations Reserve quantity

  Reservations:
    GET    /api/reservations/{id}                Get reservation
    POST   /api/reservations/{id}/consume        Consume quantity
    POST   /api/reservations/{id}/release        Release hold
    POST   /api/reservations/{id}/cancel         Cancel hold

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Build scope from headers (X-Org, X-Actor)
  3. Call engine
  4. Map domain errors to HTTP status
  5. Serialize response

ERROR HANDLING:
  Domain errors map to JSON with appropriate HTTP status:
  - 400: Malformed input (bad JSON, unparsable quantity)
  - 404: LP or reservation not found
  - 409: Insufficient availability, over-consumption, contention, duplicate
  - 422: Invalid state (frozen plate, bad transition, missing reason)
  - 500: Internal errors, consistency violations

SECURITY NOTE:
  Currently NO authentication or authorization. Org and actor come from
  plain headers. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/plateflow/lp-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Tracer *ledger.Tracer
	Log    logrus.FieldLogger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *ledger.Engine, tracer *ledger.Tracer, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Engine: engine, Tracer: tracer, Log: log}
}

// scopeFrom builds the operation scope from request headers.
func scopeFrom(r *http.Request) ledger.Scope {
	org := r.Header.Get("X-Org")
	if org == "" {
		org = "default"
	}
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	return ledger.Scope{Org: ledger.OrgID(org), Actor: actor}
}

// =============================================================================
// LICENSE PLATE HANDLERS
// =============================================================================

// ListLPs returns plates matching the query filters.
func (h *Handler) ListLPs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.LPFilter{
		Org:        scopeFrom(r).Org,
		ProductID:  ledger.ProductID(q.Get("product_id")),
		LocationID: ledger.LocationID(q.Get("location_id")),
		Order:      q.Get("order"),
	}
	if s := q.Get("status"); s != "" {
		f.Statuses = []ledger.LPStatus{ledger.LPStatus(s)}
	}
	if s := q.Get("qa_status"); s != "" {
		f.QAStatuses = []ledger.QAStatus{ledger.QAStatus(s)}
	}
	if q.Get("available") == "true" {
		f.AvailableOnly = true
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}

	lps, err := h.Engine.ListLPs(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list license plates", err)
		return
	}
	writeJSON(w, http.StatusOK, toLPDTOs(lps))
}

// GetLP returns a single plate.
func (h *Handler) GetLP(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	lp, err := h.Engine.GetLP(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get license plate", err)
		return
	}
	writeJSON(w, http.StatusOK, toLPDTO(lp))
}

// CreateLP creates a new plate.
func (h *Handler) CreateLP(w http.ResponseWriter, r *http.Request) {
	var req CreateLPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := ledger.ParseQuantity(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	in := ledger.CreateLPInput{
		LPNumber:    req.LPNumber,
		ProductID:   ledger.ProductID(req.ProductID),
		Quantity:    qty,
		UoM:         req.UoM,
		LocationID:  ledger.LocationID(req.LocationID),
		QAStatus:    ledger.QAStatus(req.QAStatus),
		BatchNumber: req.BatchNumber,
		Origin:      ledger.OriginType(req.Origin),
		OriginRef:   req.OriginRef,
	}
	if req.ExpiryDate != nil {
		t, err := time.Parse("2006-01-02", *req.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
			return
		}
		in.ExpiryDate = &t
	}

	lp, err := h.Engine.CreateLP(r.Context(), scopeFrom(r), in)
	if err != nil {
		h.writeDomainError(w, "Failed to create license plate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLPDTO(lp))
}

// GetAvailability returns the derived available quantity.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	avail, err := h.Engine.Availability(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to compute availability", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{LPID: string(id), Available: avail.String()})
}

// GetMoves returns the plate's move history.
func (h *Handler) GetMoves(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	moves, err := h.Engine.MovesForLP(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get moves", err)
		return
	}
	writeJSON(w, http.StatusOK, toMoveDTOs(moves))
}

// GetQALog returns the plate's QA audit trail.
func (h *Handler) GetQALog(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	entries, err := h.Engine.QAOverridesForLP(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get QA log", err)
		return
	}
	dtos := make([]QAOverrideDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toQAOverrideDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetGenealogy traces the plate's lineage.
// Query: direction=backward (default) | forward
func (h *Handler) GetGenealogy(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	direction := ledger.TraceDirection(r.URL.Query().Get("direction"))
	if direction == "" {
		direction = ledger.TraceBackward
	}

	tree, err := h.Tracer.Trace(r.Context(), id, direction)
	if err != nil {
		h.writeDomainError(w, "Failed to trace genealogy", err)
		return
	}
	writeJSON(w, http.StatusOK, toTraceTreeDTO(tree))
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// SplitLP splits a plate into child plates.
func (h *Handler) SplitLP(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	specs := make([]ledger.SplitSpec, len(req.Splits))
	for i, s := range req.Splits {
		qty, err := ledger.ParseQuantity(s.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid split quantity", err)
			return
		}
		specs[i] = ledger.SplitSpec{Quantity: qty, Reason: s.Reason}
	}

	result, err := h.Engine.Split(r.Context(), scopeFrom(r), id, specs)
	if err != nil {
		h.writeDomainError(w, "Failed to split license plate", err)
		return
	}
	writeJSON(w, http.StatusOK, SplitResponse{
		Parent:   toLPDTO(result.Parent),
		Children: toLPDTOs(result.Children),
		Moves:    toMoveDTOs(result.Moves),
	})
}

// TransferLP moves a plate (or part of it) to another location.
func (h *Handler) TransferLP(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var qty *ledger.Quantity
	if req.Quantity != nil {
		q, err := ledger.ParseQuantity(*req.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity", err)
			return
		}
		qty = &q
	}

	result, err := h.Engine.Transfer(r.Context(), scopeFrom(r), id,
		ledger.LocationID(req.ToLocationID), qty, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to transfer license plate", err)
		return
	}
	writeJSON(w, http.StatusOK, TransferResponse{
		Source:        toLPDTO(result.Source),
		Moved:         toLPDTO(result.Moved),
		Move:          toMoveDTO(result.Move),
		SplitOccurred: result.SplitOccurred,
	})
}

// MergeLPs combines source plates into one new plate.
func (h *Handler) MergeLPs(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := ledger.MergeInput{Reason: req.Reason}
	for _, id := range req.SourceIDs {
		in.SourceIDs = append(in.SourceIDs, ledger.LPID(id))
	}

	result, err := h.Engine.Merge(r.Context(), scopeFrom(r), in)
	if err != nil {
		h.writeDomainError(w, "Failed to merge license plates", err)
		return
	}
	writeJSON(w, http.StatusOK, MergeResponse{
		Merged:  toLPDTO(result.Merged),
		Sources: toLPDTOs(result.Sources),
		Moves:   toMoveDTOs(result.Moves),
	})
}

// AdjustLP sets a corrected on-hand quantity.
func (h *Handler) AdjustLP(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := ledger.ParseQuantity(req.NewQuantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid new_quantity", err)
		return
	}

	result, err := h.Engine.Adjust(r.Context(), scopeFrom(r), id, qty, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to adjust license plate", err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustResponse{
		LP:   toLPDTO(result.LP),
		Move: toMoveDTO(result.Move),
	})
}

// ChangeQAStatus overrides the QA status with mandatory justification.
func (h *Handler) ChangeQAStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req QAStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lp, err := h.Engine.ChangeQAStatus(r.Context(), scopeFrom(r), id,
		ledger.QAStatus(req.NewStatus), req.Reason, req.ApproverRef)
	if err != nil {
		h.writeDomainError(w, "Failed to change QA status", err)
		return
	}
	writeJSON(w, http.StatusOK, toLPDTO(lp))
}

// ChangeStatus transitions the plate's lifecycle status.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	lp, err := h.Engine.ChangeStatus(r.Context(), scopeFrom(r), id,
		ledger.LPStatus(req.NewStatus), req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to change status", err)
		return
	}
	writeJSON(w, http.StatusOK, toLPDTO(lp))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// ReserveLP places a soft hold on LP quantity.
func (h *Handler) ReserveLP(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := ledger.ParseQuantity(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	res, err := h.Engine.Reserve(r.Context(), scopeFrom(r), id, req.ConsumerRef, qty)
	if err != nil {
		h.writeDomainError(w, "Failed to reserve", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// ListReservations returns the plate's active reservations.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	id := ledger.LPID(chi.URLParam(r, "id"))

	reservations, err := h.Engine.ActiveReservations(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list reservations", err)
		return
	}
	dtos := make([]ReservationDTO, len(reservations))
	for i, res := range reservations {
		dtos[i] = toReservationDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReservation returns a single reservation.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	res, err := h.Engine.GetReservation(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ConsumeReservation consumes quantity against a reservation.
func (h *Handler) ConsumeReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := ledger.ParseQuantity(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}

	result, err := h.Engine.ConsumeReservation(r.Context(), scopeFrom(r), id, qty)
	if err != nil {
		h.writeDomainError(w, "Failed to consume", err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{
		Reservation: toReservationDTO(result.Reservation),
		LP:          toLPDTO(result.LP),
		Move:        toMoveDTO(result.Move),
	})
}

// ReleaseReservation releases the unconsumed remainder of a reservation.
func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	res, err := h.Engine.ReleaseReservation(r.Context(), scopeFrom(r), id)
	if err != nil {
		h.writeDomainError(w, "Failed to release reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// CancelReservation cancels an active reservation.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	res, err := h.Engine.CancelReservation(r.Context(), scopeFrom(r), id)
	if err != nil {
		h.writeDomainError(w, "Failed to cancel reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientAvailability),
		errors.Is(err, ledger.ErrOverConsumption),
		errors.Is(err, ledger.ErrContention),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrDuplicateLPNumber):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidState):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConsistency):
		// Already logged loudly by the engine; clients get a 500.
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}
