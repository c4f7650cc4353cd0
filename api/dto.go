/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

QUANTITIES:
  All quantities cross the wire as decimal STRINGS ("12.5"), never floats.
  Binary floating point cannot represent 0.1; inventory math must be exact.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model these project
*/
package api

import (
	"time"

	"github.com/plateflow/lp-engine/ledger"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// LicensePlateDTO represents a license plate in API responses.
type LicensePlateDTO struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id"`
	LPNumber    string            `json:"lp_number"`
	ProductID   string            `json:"product_id"`
	Quantity    string            `json:"quantity"`
	UoM         string            `json:"uom"`
	LocationID  string            `json:"location_id"`
	QAStatus    string            `json:"qa_status"`
	Status      string            `json:"status"`
	BatchNumber string            `json:"batch_number,omitempty"`
	ExpiryDate  *string           `json:"expiry_date,omitempty"`
	ParentLPID  string            `json:"parent_lp_id,omitempty"`
	OriginType  string            `json:"origin_type"`
	OriginRef   map[string]string `json:"origin_ref,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	Version     int64             `json:"version"`
}

// ReservationDTO represents a reservation in API responses.
type ReservationDTO struct {
	ID               string  `json:"id"`
	LPID             string  `json:"lp_id"`
	ConsumerRef      string  `json:"consumer_ref"`
	QuantityReserved string  `json:"quantity_reserved"`
	QuantityConsumed string  `json:"quantity_consumed"`
	Remaining        string  `json:"remaining"`
	Status           string  `json:"status"`
	ReservedAt       string  `json:"reserved_at"`
	ReservedBy       string  `json:"reserved_by,omitempty"`
	ConsumedAt       *string `json:"consumed_at,omitempty"`
}

// MoveDTO represents a stock move in API responses.
type MoveDTO struct {
	ID             string            `json:"id"`
	MoveNumber     string            `json:"move_number"`
	LPID           string            `json:"lp_id"`
	FromLocationID string            `json:"from_location_id,omitempty"`
	ToLocationID   string            `json:"to_location_id,omitempty"`
	Quantity       string            `json:"quantity"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	MoveDate       string            `json:"move_date"`
	Reason         string            `json:"reason,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// QAOverrideDTO represents one QA audit entry.
type QAOverrideDTO struct {
	ID          string `json:"id"`
	LPID        string `json:"lp_id"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	Reason      string `json:"reason"`
	ApproverRef string `json:"approver_ref"`
	At          string `json:"at"`
}

// AvailabilityDTO reports the derived available quantity.
type AvailabilityDTO struct {
	LPID      string `json:"lp_id"`
	Available string `json:"available"`
}

// TraceNodeDTO is one node of a genealogy tree.
type TraceNodeDTO struct {
	LP           LicensePlateDTO `json:"lp"`
	Relationship string          `json:"relationship"`
	Children     []TraceNodeDTO  `json:"children,omitempty"`
}

// TraceTreeDTO is a full genealogy trace.
type TraceTreeDTO struct {
	Direction string       `json:"direction"`
	NodeCount int          `json:"node_count"`
	Root      TraceNodeDTO `json:"root"`
}

// SplitResponse is returned by the split endpoint.
type SplitResponse struct {
	Parent   LicensePlateDTO   `json:"parent"`
	Children []LicensePlateDTO `json:"children"`
	Moves    []MoveDTO         `json:"moves"`
}

// TransferResponse is returned by the transfer endpoint.
type TransferResponse struct {
	Source        LicensePlateDTO `json:"source"`
	Moved         LicensePlateDTO `json:"moved"`
	Move          MoveDTO         `json:"move"`
	SplitOccurred bool            `json:"split_occurred"`
}

// MergeResponse is returned by the merge endpoint.
type MergeResponse struct {
	Merged  LicensePlateDTO   `json:"merged"`
	Sources []LicensePlateDTO `json:"sources"`
	Moves   []MoveDTO         `json:"moves"`
}

// AdjustResponse is returned by the adjust endpoint.
type AdjustResponse struct {
	LP   LicensePlateDTO `json:"lp"`
	Move MoveDTO         `json:"move"`
}

// ConsumeResponse is returned by the consume endpoint.
type ConsumeResponse struct {
	Reservation ReservationDTO  `json:"reservation"`
	LP          LicensePlateDTO `json:"lp"`
	Move        MoveDTO         `json:"move"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateLPRequest creates a new license plate.
type CreateLPRequest struct {
	LPNumber    string            `json:"lp_number,omitempty"` // generated when empty
	ProductID   string            `json:"product_id"`
	Quantity    string            `json:"quantity"`
	UoM         string            `json:"uom"`
	LocationID  string            `json:"location_id"`
	QAStatus    string            `json:"qa_status,omitempty"`
	BatchNumber string            `json:"batch_number,omitempty"`
	ExpiryDate  *string           `json:"expiry_date,omitempty"` // YYYY-MM-DD
	Origin      string            `json:"origin"`
	OriginRef   map[string]string `json:"origin_ref,omitempty"`
}

// SplitRequest splits an LP into child plates.
type SplitRequest struct {
	Splits []struct {
		Quantity string `json:"quantity"`
		Reason   string `json:"reason,omitempty"`
	} `json:"splits"`
}

// TransferRequest moves an LP (or part of it) to another location.
type TransferRequest struct {
	ToLocationID string  `json:"to_location_id"`
	Quantity     *string `json:"quantity,omitempty"` // nil = full quantity
	Reason       string  `json:"reason,omitempty"`
}

// MergeRequest combines source plates into one new plate.
type MergeRequest struct {
	SourceIDs []string `json:"source_ids"`
	Reason    string   `json:"reason,omitempty"`
}

// AdjustRequest sets a corrected on-hand quantity.
type AdjustRequest struct {
	NewQuantity string `json:"new_quantity"`
	Reason      string `json:"reason"`
}

// QAStatusRequest changes the QA status with mandatory justification.
type QAStatusRequest struct {
	NewStatus   string `json:"new_status"`
	Reason      string `json:"reason"`
	ApproverRef string `json:"approver_ref"`
}

// StatusRequest changes the lifecycle status.
type StatusRequest struct {
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

// ReserveRequest places a soft hold on LP quantity.
type ReserveRequest struct {
	ConsumerRef string `json:"consumer_ref"`
	Quantity    string `json:"quantity"`
}

// ConsumeRequest consumes quantity against a reservation.
type ConsumeRequest struct {
	Quantity string `json:"quantity"`
}

// LoadScenarioRequest selects the demo scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toLPDTO(lp ledger.LicensePlate) LicensePlateDTO {
	dto := LicensePlateDTO{
		ID:          string(lp.ID),
		OrgID:       string(lp.Org),
		LPNumber:    lp.LPNumber,
		ProductID:   string(lp.ProductID),
		Quantity:    lp.Quantity.String(),
		UoM:         lp.UoM,
		LocationID:  string(lp.LocationID),
		QAStatus:    string(lp.QAStatus),
		Status:      string(lp.Status),
		BatchNumber: lp.BatchNumber,
		ParentLPID:  string(lp.ParentLPID),
		OriginType:  string(lp.OriginType),
		OriginRef:   lp.OriginRef,
		CreatedBy:   lp.CreatedBy,
		CreatedAt:   lp.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   lp.UpdatedAt.Format(time.RFC3339),
		Version:     lp.Version,
	}
	if lp.ExpiryDate != nil {
		s := lp.ExpiryDate.Format("2006-01-02")
		dto.ExpiryDate = &s
	}
	return dto
}

func toLPDTOs(lps []ledger.LicensePlate) []LicensePlateDTO {
	dtos := make([]LicensePlateDTO, len(lps))
	for i, lp := range lps {
		dtos[i] = toLPDTO(lp)
	}
	return dtos
}

func toReservationDTO(r ledger.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ID:               string(r.ID),
		LPID:             string(r.LPID),
		ConsumerRef:      r.ConsumerRef,
		QuantityReserved: r.QuantityReserved.String(),
		QuantityConsumed: r.QuantityConsumed.String(),
		Remaining:        r.Remaining().String(),
		Status:           string(r.Status),
		ReservedAt:       r.ReservedAt.Format(time.RFC3339),
		ReservedBy:       r.ReservedBy,
	}
	if r.ConsumedAt != nil {
		s := r.ConsumedAt.Format(time.RFC3339)
		dto.ConsumedAt = &s
	}
	return dto
}

func toMoveDTO(m ledger.StockMove) MoveDTO {
	return MoveDTO{
		ID:             string(m.ID),
		MoveNumber:     m.MoveNumber,
		LPID:           string(m.LPID),
		FromLocationID: string(m.FromLocationID),
		ToLocationID:   string(m.ToLocationID),
		Quantity:       m.Quantity.String(),
		Type:           string(m.Type),
		Status:         m.Status,
		MoveDate:       m.MoveDate.Format(time.RFC3339),
		Reason:         m.Reason,
		Meta:           m.Meta,
		CreatedBy:      m.CreatedBy,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
	}
}

func toMoveDTOs(moves []ledger.StockMove) []MoveDTO {
	dtos := make([]MoveDTO, len(moves))
	for i, m := range moves {
		dtos[i] = toMoveDTO(m)
	}
	return dtos
}

func toQAOverrideDTO(e ledger.QAOverrideEntry) QAOverrideDTO {
	return QAOverrideDTO{
		ID:          e.ID,
		LPID:        string(e.LPID),
		OldStatus:   string(e.OldStatus),
		NewStatus:   string(e.NewStatus),
		Reason:      e.Reason,
		ApproverRef: e.ApproverRef,
		At:          e.At.Format(time.RFC3339),
	}
}

func toTraceNodeDTO(n *ledger.TraceNode) TraceNodeDTO {
	dto := TraceNodeDTO{
		LP:           toLPDTO(n.LP),
		Relationship: string(n.Relationship),
	}
	for _, c := range n.Children {
		dto.Children = append(dto.Children, toTraceNodeDTO(c))
	}
	return dto
}

func toTraceTreeDTO(t ledger.TraceTree) TraceTreeDTO {
	return TraceTreeDTO{
		Direction: string(t.Direction),
		NodeCount: t.NodeCount,
		Root:      toTraceNodeDTO(t.Root),
	}
}
