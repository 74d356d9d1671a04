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

MONEY AND HOURS:
  All decimal quantities cross the wire as strings. JSON numbers are
  floats; a rate of 12.50 must arrive as "12.50", not 12.5 with binary
  noise attached.

DATES:
  Calendar dates are "YYYY-MM-DD". Instants are RFC3339.

VALIDATION:
  Validation is done in handlers and domain services, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types these map from
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

// CreateReservationRequest books a resource from a start date for a
// number of twelve-hour blocks.
type CreateReservationRequest struct {
	NodeType    string `json:"node_type"`
	ProjectID   string `json:"project_id"`
	RequestedBy string `json:"requested_by"`
	StartDate   string `json:"start_date"` // YYYY-MM-DD
	Blocks      int    `json:"blocks"`
}

// ProcessReservationRequest carries the manager identity for an
// approve/decline action.
type ProcessReservationRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// ReservationDTO represents a reservation in API responses. Start, end
// and hours are derived from (start_date, blocks), never stored.
type ReservationDTO struct {
	ID          string `json:"id"`
	NodeType    string `json:"node_type"`
	ProjectID   string `json:"project_id"`
	RequestedBy string `json:"requested_by"`
	StartDate   string `json:"start_date"`
	Blocks      int    `json:"blocks"`
	Status      string `json:"status"`
	ProcessedBy string `json:"processed_by,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`

	Start    string `json:"start"`
	End      string `json:"end"`
	RawHours string `json:"raw_hours"`
}

// BillableHoursDTO is the maintenance-adjusted duration of one
// reservation.
type BillableHoursDTO struct {
	ReservationID string `json:"reservation_id"`
	BillableHours string `json:"billable_hours"`
	DeductedHours string `json:"deducted_hours"`
}

func toReservationDTO(r *billing.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ID:          string(r.ID),
		NodeType:    r.NodeType,
		ProjectID:   string(r.ProjectID),
		RequestedBy: string(r.RequestedBy),
		StartDate:   r.StartDate.Format("2006-01-02"),
		Blocks:      r.Blocks,
		Status:      string(r.Status),
		ProcessedBy: string(r.ProcessedBy),
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.ProcessedAt != nil {
		dto.ProcessedAt = r.ProcessedAt.Format(time.RFC3339)
	}
	if schedule, err := billing.ComputeSchedule(r.StartDate, r.Blocks); err == nil {
		dto.Start = schedule.Start.Format(time.RFC3339)
		dto.End = schedule.End.Format(time.RFC3339)
		dto.RawHours = schedule.RawHours.String()
	}
	return dto
}

// =============================================================================
// MAINTENANCE WINDOWS
// =============================================================================

type MaintenanceWindowRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start"` // RFC3339
	End         string `json:"end"`   // RFC3339
	ActorID     string `json:"actor_id"`
}

type MaintenanceWindowDTO struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
}

func toWindowDTO(w *billing.MaintenanceWindow) MaintenanceWindowDTO {
	return MaintenanceWindowDTO{
		ID:          string(w.ID),
		Title:       w.Title,
		Description: w.Description,
		Start:       w.Start.Format(time.RFC3339),
		End:         w.End.Format(time.RFC3339),
		CreatedBy:   string(w.CreatedBy),
		CreatedAt:   w.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SKUS AND RATES
// =============================================================================

type CreateSKURequest struct {
	Code     string            `json:"code"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Unit     string            `json:"unit"`
	Public   bool              `json:"public"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type UpdateSKURequest struct {
	Name     string            `json:"name"`
	Active   bool              `json:"active"`
	Public   bool              `json:"public"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SKUDTO struct {
	Code     string            `json:"code"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Unit     string            `json:"unit"`
	Active   bool              `json:"active"`
	Public   bool              `json:"public"`
	Metadata map[string]string `json:"metadata,omitempty"`
	LinkRef  string            `json:"link_ref,omitempty"`
}

func toSKUDTO(s *billing.SKU) SKUDTO {
	return SKUDTO{
		Code:     string(s.Code),
		Name:     s.Name,
		Category: string(s.Category),
		Unit:     string(s.Unit),
		Active:   s.Active,
		Public:   s.Public,
		Metadata: s.Metadata,
		LinkRef:  s.LinkRef,
	}
}

type AddRateRequest struct {
	Value         string `json:"value"`
	EffectiveDate string `json:"effective_date"` // YYYY-MM-DD
	ActorID       string `json:"actor_id"`
	Note          string `json:"note,omitempty"`
}

type RateDTO struct {
	SKUCode       string `json:"sku_code"`
	Value         string `json:"value"`
	EffectiveDate string `json:"effective_date"`
	SetBy         string `json:"set_by"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toRateDTO(r billing.RentalRate) RateDTO {
	return RateDTO{
		SKUCode:       string(r.SKUCode),
		Value:         r.Value.String(),
		EffectiveDate: r.EffectiveDate.Format("2006-01-02"),
		SetBy:         string(r.SetBy),
		Note:          r.Note,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type CostObjectDTO struct {
	Name       string `json:"name"`
	Percentage string `json:"percentage"`
}

type SubmitAllocationRequest struct {
	Objects     []CostObjectDTO `json:"objects"`
	SubmittedBy string          `json:"submitted_by"`
}

type ReviewAllocationRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes,omitempty"`
}

type AllocationDTO struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Status      string          `json:"status"`
	Objects     []CostObjectDTO `json:"objects"`
	SubmittedBy string          `json:"submitted_by"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	ReviewNotes string          `json:"review_notes,omitempty"`
}

func toAllocationDTO(a *billing.CostAllocation) AllocationDTO {
	return AllocationDTO{
		ID:          string(a.ID),
		ProjectID:   string(a.ProjectID),
		Status:      string(a.Status),
		Objects:     toCostObjectDTOs(a.Objects),
		SubmittedBy: string(a.SubmittedBy),
		ReviewedBy:  string(a.ReviewedBy),
		ReviewNotes: a.ReviewNotes,
	}
}

func toCostObjectDTOs(objects []billing.CostObject) []CostObjectDTO {
	dtos := make([]CostObjectDTO, len(objects))
	for i, o := range objects {
		dtos[i] = CostObjectDTO{Name: o.Name, Percentage: o.Percentage.String()}
	}
	return dtos
}

// =============================================================================
// INVOICES
// =============================================================================

type CostShareDTO struct {
	CostObject string `json:"cost_object"`
	Percentage string `json:"percentage"`
	Amount     string `json:"amount"`
}

type InvoiceLineDTO struct {
	Kind          string `json:"kind"`
	ReservationID string `json:"reservation_id,omitempty"`
	SKUCode       string `json:"sku_code,omitempty"`
	ProjectID     string `json:"project_id"`
	UserID        string `json:"user_id,omitempty"`
	ReferenceDate string `json:"reference_date"`
	Description   string `json:"description"`

	RawHours                  string `json:"raw_hours"`
	MaintenanceDeductionHours string `json:"maintenance_deduction_hours"`
	ComputedHours             string `json:"computed_hours"`
	BillableHours             string `json:"billable_hours"`

	Rate   string         `json:"rate"`
	Cost   string         `json:"cost"`
	Shares []CostShareDTO `json:"shares,omitempty"`

	Unresolved   string `json:"unresolved,omitempty"`
	Excluded     bool   `json:"excluded,omitempty"`
	OverrideKind string `json:"override_kind,omitempty"`
	OverrideNote string `json:"override_note,omitempty"`
}

type ProjectErrorDTO struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

type InvoiceDTO struct {
	Period        string            `json:"period"` // YYYY-MM
	Status        string            `json:"status"`
	Lines         []InvoiceLineDTO  `json:"lines"`
	Total         string            `json:"total"`
	Unresolved    []InvoiceLineDTO  `json:"unresolved,omitempty"`
	ProjectErrors []ProjectErrorDTO `json:"project_errors,omitempty"`
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		Period: inv.Period.String(),
		Status: string(inv.Status),
		Lines:  make([]InvoiceLineDTO, len(inv.Lines)),
		Total:  inv.Total.String(),
	}
	for i, l := range inv.Lines {
		dto.Lines[i] = toLineDTO(l)
	}
	for _, l := range inv.Unresolved {
		dto.Unresolved = append(dto.Unresolved, toLineDTO(l))
	}
	for _, pe := range inv.ProjectErrors {
		dto.ProjectErrors = append(dto.ProjectErrors, ProjectErrorDTO{
			ProjectID: string(pe.ProjectID),
			Reason:    pe.Reason,
		})
	}
	return dto
}

func toLineDTO(l billing.InvoiceLine) InvoiceLineDTO {
	dto := InvoiceLineDTO{
		Kind:                      string(l.Kind),
		ReservationID:             string(l.ReservationID),
		SKUCode:                   string(l.SKUCode),
		ProjectID:                 string(l.ProjectID),
		UserID:                    string(l.UserID),
		ReferenceDate:             l.ReferenceDate.Format("2006-01-02"),
		Description:               l.Description,
		RawHours:                  l.RawHours.String(),
		MaintenanceDeductionHours: l.MaintenanceDeductionHours.String(),
		ComputedHours:             l.ComputedHours.String(),
		BillableHours:             l.BillableHours.String(),
		Rate:                      l.Rate.String(),
		Cost:                      l.Cost.String(),
		Unresolved:                string(l.Unresolved),
		Excluded:                  l.Excluded,
		OverrideKind:              string(l.OverrideKind),
		OverrideNote:              l.OverrideNote,
	}
	for _, s := range l.Shares {
		dto.Shares = append(dto.Shares, CostShareDTO{
			CostObject: s.CostObject,
			Percentage: s.Percentage.String(),
			Amount:     s.Amount.String(),
		})
	}
	return dto
}

// =============================================================================
// OVERRIDES, FINALIZE, UNLOCK
// =============================================================================

type SetOverrideRequest struct {
	ReservationID string         `json:"reservation_id"`
	Kind          string         `json:"kind"` // hours | cost_split | exclude
	Hours         string         `json:"hours,omitempty"`
	Shares        []CostShareDTO `json:"shares,omitempty"`
	Note          string         `json:"note"`
	AuthorID      string         `json:"author_id"`
}

type OverrideDTO struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservation_id"`
	Kind          string `json:"kind"`
	OriginalHours string `json:"original_hours"`
	Hours         string `json:"hours,omitempty"`
	Note          string `json:"note"`
	Author        string `json:"author"`
	CreatedAt     string `json:"created_at"`
}

func toOverrideDTO(o *billing.LineOverride) OverrideDTO {
	return OverrideDTO{
		ID:            string(o.ID),
		ReservationID: string(o.ReservationID),
		Kind:          string(o.Kind),
		OriginalHours: o.OriginalHours.String(),
		Hours:         o.Hours.String(),
		Note:          o.Note,
		Author:        string(o.Author),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}

type FinalizeRequest struct {
	ActorID string `json:"actor_id"`
}

type UnlockRequest struct {
	ActorID string `json:"actor_id"`
	Note    string `json:"note"`
}

// =============================================================================
// FEE SUBSCRIPTIONS
// =============================================================================

type CreateFeeSubscriptionRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	SKUCode   string `json:"sku_code"`
}

type FeeSubscriptionDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	SKUCode   string `json:"sku_code"`
	Active    bool   `json:"active"`
}

// =============================================================================
// COLLABORATOR HOOKS
// =============================================================================

// NodeTypeSavedRequest is posted by the node-type definition owner when a
// definition is created or updated.
type NodeTypeSavedRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// ProjectRoleChangedRequest is posted by the membership owner when a
// user's role set on a project changes.
type ProjectRoleChangedRequest struct {
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	Roles     []string `json:"roles"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID      string         `json:"id"`
	At      string         `json:"at"`
	ActorID string         `json:"actor_id"`
	Action  string         `json:"action"`
	Subject string         `json:"subject"`
	Payload map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
