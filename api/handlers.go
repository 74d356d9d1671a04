/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Reservations:
    POST   /api/reservations                     Request a reservation
    GET    /api/reservations/{id}                Get reservation details
    GET    /api/reservations/{id}/billable-hours Maintenance-adjusted hours
    POST   /api/reservations/{id}/approve        Manager approval
    POST   /api/reservations/{id}/decline        Manager decline
    POST   /api/reservations/{id}/cancel         Requester cancellation

  Maintenance windows:
    POST   /api/maintenance-windows              Create a future window
    GET    /api/maintenance-windows/{id}         Get window
    PUT    /api/maintenance-windows/{id}         Edit (future windows only)
    DELETE /api/maintenance-windows/{id}         Delete (future windows only)

  Catalog and rates:
    GET    /api/skus                             List SKUs
    POST   /api/skus                             Create fee/package SKU
    PUT    /api/skus/{code}                      Edit mutable SKU fields
    GET    /api/skus/{code}/rates                Full price history
    POST   /api/skus/{code}/rates                Append a rate entry
    GET    /api/skus/{code}/rates/as-of?date=    Rate in force at a date

  Allocations:
    POST   /api/projects/{id}/allocation         Submit a split
    GET    /api/projects/{id}/allocation         Live allocation
    POST   /api/projects/{id}/allocation/approve Approve (snapshots)
    POST   /api/projects/{id}/allocation/reject  Reject (no snapshot)
    GET    /api/projects/{id}/split?date=        Effective split at a date

  Invoices:
    GET    /api/invoices/{year}/{month}            Assemble (or frozen view)
    POST   /api/invoices/{year}/{month}/overrides  Record a line override
    POST   /api/invoices/{year}/{month}/finalize   Lock the month
    POST   /api/invoices/{year}/{month}/unlock     Audited unlock

  Fees, hooks, audit:
    POST   /api/fees                             Create a fee subscription
    POST   /api/hooks/node-types                 Node-type saved event
    POST   /api/hooks/project-roles              Role change event
    GET    /api/audit                            Query the audit log

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unresolved lines on finalize
  - 404: Resource not found
  - 409: Conflict (duplicate rate/override, immutability, lost race)
  - 500: Internal errors

SECURITY NOTE:
  Actor identities arrive in request bodies and are recorded as given.
  This engine never authenticates; an upstream gateway owns that.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reservations *billing.ReservationService
	Maintenance  *billing.MaintenanceService
	Catalog      *billing.Catalog
	Rates        *billing.RateLedger
	Allocations  *billing.AllocationService
	Assembler    *billing.Assembler
	Fees         billing.FeeStore
	Audit        billing.AuditLog
	Dispatcher   *billing.Dispatcher
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation requests a new reservation in pending state.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}

	res, err := h.Reservations.Request(r.Context(), req.NodeType,
		billing.ProjectID(req.ProjectID), billing.UserID(req.RequestedBy), startDate, req.Blocks)
	if err != nil {
		writeDomainError(w, "Failed to create reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// GetReservation returns a single reservation with its derived schedule.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := billing.ReservationID(chi.URLParam(r, "id"))

	res, err := h.Reservations.Reservations.GetReservation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reservation", err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "Reservation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// GetBillableHours returns maintenance-adjusted hours for a reservation.
func (h *Handler) GetBillableHours(w http.ResponseWriter, r *http.Request) {
	id := billing.ReservationID(chi.URLParam(r, "id"))

	billable, deducted, err := h.Reservations.ComputeBillableHours(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to compute billable hours", err)
		return
	}
	writeJSON(w, http.StatusOK, BillableHoursDTO{
		ReservationID: string(id),
		BillableHours: billable.String(),
		DeductedHours: deducted.String(),
	})
}

// ApproveReservation transitions a pending reservation to approved.
func (h *Handler) ApproveReservation(w http.ResponseWriter, r *http.Request) {
	h.processReservation(w, r, billing.ReservationApproved)
}

// DeclineReservation transitions a pending reservation to declined.
func (h *Handler) DeclineReservation(w http.ResponseWriter, r *http.Request) {
	h.processReservation(w, r, billing.ReservationDeclined)
}

func (h *Handler) processReservation(w http.ResponseWriter, r *http.Request, to billing.ReservationStatus) {
	id := billing.ReservationID(chi.URLParam(r, "id"))
	var req ProcessReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		res *billing.Reservation
		err error
	)
	if to == billing.ReservationApproved {
		res, err = h.Reservations.Approve(r.Context(), id, billing.UserID(req.ActorID))
	} else {
		res, err = h.Reservations.Decline(r.Context(), id, billing.UserID(req.ActorID), req.Reason)
	}
	if err != nil {
		writeDomainError(w, "Failed to process reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// CancelReservation cancels a pending reservation before it starts.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := billing.ReservationID(chi.URLParam(r, "id"))
	var req ProcessReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Reservations.Cancel(r.Context(), id, billing.UserID(req.ActorID))
	if err != nil {
		writeDomainError(w, "Failed to cancel reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// =============================================================================
// MAINTENANCE WINDOW HANDLERS
// =============================================================================

// CreateWindow records a future maintenance window.
func (h *Handler) CreateWindow(w http.ResponseWriter, r *http.Request) {
	req, start, end, ok := decodeWindowRequest(w, r)
	if !ok {
		return
	}

	win, err := h.Maintenance.Create(r.Context(), req.Title, req.Description, start, end,
		billing.UserID(req.ActorID))
	if err != nil {
		writeDomainError(w, "Failed to create maintenance window", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWindowDTO(win))
}

// GetWindow returns a single maintenance window.
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	id := billing.WindowID(chi.URLParam(r, "id"))

	win, err := h.Maintenance.Windows.GetWindow(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get maintenance window", err)
		return
	}
	if win == nil {
		writeError(w, http.StatusNotFound, "Maintenance window not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTO(win))
}

// UpdateWindow edits a window that has not started yet.
func (h *Handler) UpdateWindow(w http.ResponseWriter, r *http.Request) {
	id := billing.WindowID(chi.URLParam(r, "id"))
	req, start, end, ok := decodeWindowRequest(w, r)
	if !ok {
		return
	}

	win, err := h.Maintenance.Update(r.Context(), id, req.Title, req.Description, start, end)
	if err != nil {
		writeDomainError(w, "Failed to update maintenance window", err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTO(win))
}

// DeleteWindow removes a window that has not started yet.
func (h *Handler) DeleteWindow(w http.ResponseWriter, r *http.Request) {
	id := billing.WindowID(chi.URLParam(r, "id"))

	if err := h.Maintenance.Delete(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete maintenance window", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeWindowRequest(w http.ResponseWriter, r *http.Request) (MaintenanceWindowRequest, time.Time, time.Time, bool) {
	var req MaintenanceWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, time.Time{}, time.Time{}, false
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use RFC3339)", err)
		return req, time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end (use RFC3339)", err)
		return req, time.Time{}, time.Time{}, false
	}
	return req, start, end, true
}

// =============================================================================
// SKU AND RATE HANDLERS
// =============================================================================

// ListSKUs returns the catalog.
func (h *Handler) ListSKUs(w http.ResponseWriter, r *http.Request) {
	skus, err := h.Catalog.SKUs.ListSKUs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list SKUs", err)
		return
	}

	dtos := make([]SKUDTO, len(skus))
	for i := range skus {
		dtos[i] = toSKUDTO(&skus[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSKU creates a fee or package SKU. Node SKUs come only from the
// node-type hook.
func (h *Handler) CreateSKU(w http.ResponseWriter, r *http.Request) {
	var req CreateSKURequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sku, err := h.Catalog.CreateSKU(r.Context(), billing.SKU{
		Code:     billing.SKUCode(req.Code),
		Name:     req.Name,
		Category: billing.SKUCategory(req.Category),
		Unit:     billing.BillingUnit(req.Unit),
		Active:   true,
		Public:   req.Public,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeDomainError(w, "Failed to create SKU", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSKUDTO(sku))
}

// UpdateSKU edits the mutable fields of a SKU; the code never changes.
func (h *Handler) UpdateSKU(w http.ResponseWriter, r *http.Request) {
	code := billing.SKUCode(chi.URLParam(r, "code"))
	var req UpdateSKURequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sku, err := h.Catalog.UpdateSKU(r.Context(), code, req.Name, req.Active, req.Public, req.Metadata)
	if err != nil {
		writeDomainError(w, "Failed to update SKU", err)
		return
	}
	writeJSON(w, http.StatusOK, toSKUDTO(sku))
}

// AddRate appends a rate entry to a SKU's price history.
func (h *Handler) AddRate(w http.ResponseWriter, r *http.Request) {
	code := billing.SKUCode(chi.URLParam(r, "code"))
	var req AddRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value (decimal string expected)", err)
		return
	}
	effectiveDate, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_date format (use YYYY-MM-DD)", err)
		return
	}

	if err := h.Rates.AddRate(r.Context(), code, value, effectiveDate,
		billing.UserID(req.ActorID), req.Note); err != nil {
		writeDomainError(w, "Failed to add rate", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// GetRateHistory returns a SKU's full price history.
func (h *Handler) GetRateHistory(w http.ResponseWriter, r *http.Request) {
	code := billing.SKUCode(chi.URLParam(r, "code"))

	rates, err := h.Rates.History(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rate history", err)
		return
	}

	dtos := make([]RateDTO, len(rates))
	for i, rate := range rates {
		dtos[i] = toRateDTO(rate)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRateAsOf returns the rate in force at the query date.
func (h *Handler) GetRateAsOf(w http.ResponseWriter, r *http.Request) {
	code := billing.SKUCode(chi.URLParam(r, "code"))
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}

	rate, err := h.Rates.RateAsOf(r.Context(), code, date)
	if err != nil {
		writeDomainError(w, "Failed to resolve rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// SubmitAllocation records a new or revised cost split in pending state.
func (h *Handler) SubmitAllocation(w http.ResponseWriter, r *http.Request) {
	project := billing.ProjectID(chi.URLParam(r, "id"))
	var req SubmitAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	objects := make([]billing.CostObject, len(req.Objects))
	for i, o := range req.Objects {
		pct, err := decimal.NewFromString(o.Percentage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid percentage (decimal string expected)", err)
			return
		}
		objects[i] = billing.CostObject{Name: o.Name, Percentage: pct}
	}

	alloc, err := h.Allocations.Submit(r.Context(), project, objects, billing.UserID(req.SubmittedBy))
	if err != nil {
		writeDomainError(w, "Failed to submit allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(alloc))
}

// GetAllocation returns the project's live allocation.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	project := billing.ProjectID(chi.URLParam(r, "id"))

	alloc, err := h.Allocations.Allocations.GetAllocation(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get allocation", err)
		return
	}
	if alloc == nil {
		writeError(w, http.StatusNotFound, "Allocation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(alloc))
}

// ApproveAllocation snapshots the live split and supersedes the previous
// snapshot.
func (h *Handler) ApproveAllocation(w http.ResponseWriter, r *http.Request) {
	h.reviewAllocation(w, r, true)
}

// RejectAllocation records the rejection; no snapshot is created.
func (h *Handler) RejectAllocation(w http.ResponseWriter, r *http.Request) {
	h.reviewAllocation(w, r, false)
}

func (h *Handler) reviewAllocation(w http.ResponseWriter, r *http.Request, approve bool) {
	project := billing.ProjectID(chi.URLParam(r, "id"))
	var req ReviewAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var err error
	if approve {
		err = h.Allocations.Approve(r.Context(), project, billing.UserID(req.ReviewerID), req.Notes)
	} else {
		err = h.Allocations.Reject(r.Context(), project, billing.UserID(req.ReviewerID), req.Notes)
	}
	if err != nil {
		writeDomainError(w, "Failed to review allocation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEffectiveSplit returns the cost split governing the project at the
// query date.
func (h *Handler) GetEffectiveSplit(w http.ResponseWriter, r *http.Request) {
	project := billing.ProjectID(chi.URLParam(r, "id"))
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}

	objects, err := h.Allocations.EffectiveCostSplit(r.Context(), project, date)
	if err != nil {
		writeDomainError(w, "Failed to resolve cost split", err)
		return
	}
	writeJSON(w, http.StatusOK, toCostObjectDTOs(objects))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GetInvoice assembles the invoice for the period. Finalized periods
// return their frozen lines.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	year, month, ok := parsePeriodParams(w, r)
	if !ok {
		return
	}

	inv, err := h.Assembler.Assemble(r.Context(), year, month)
	if err != nil {
		writeDomainError(w, "Failed to assemble invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SetOverride records a manual line correction for a draft period.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	year, month, ok := parsePeriodParams(w, r)
	if !ok {
		return
	}
	var req SetOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hours := decimal.Zero
	if req.Hours != "" {
		parsed, err := decimal.NewFromString(req.Hours)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid hours (decimal string expected)", err)
			return
		}
		hours = parsed
	}
	var shares []billing.CostShare
	for _, s := range req.Shares {
		pct, err := decimal.NewFromString(s.Percentage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid share percentage", err)
			return
		}
		amount, err := decimal.NewFromString(s.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid share amount", err)
			return
		}
		shares = append(shares, billing.CostShare{CostObject: s.CostObject, Percentage: pct, Amount: amount})
	}

	o, err := h.Assembler.SetOverride(r.Context(), year, month,
		billing.ReservationID(req.ReservationID), billing.OverrideKind(req.Kind),
		hours, shares, req.Note, billing.UserID(req.AuthorID))
	if err != nil {
		writeDomainError(w, "Failed to set override", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(o))
}

// FinalizePeriod locks the month and freezes its lines.
func (h *Handler) FinalizePeriod(w http.ResponseWriter, r *http.Request) {
	year, month, ok := parsePeriodParams(w, r)
	if !ok {
		return
	}
	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Assembler.Finalize(r.Context(), year, month, billing.UserID(req.ActorID)); err != nil {
		writeDomainError(w, "Failed to finalize period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnlockPeriod reverts a finalized period to draft, with a mandatory
// justification.
func (h *Handler) UnlockPeriod(w http.ResponseWriter, r *http.Request) {
	year, month, ok := parsePeriodParams(w, r)
	if !ok {
		return
	}
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Assembler.Unlock(r.Context(), year, month, billing.UserID(req.ActorID), req.Note); err != nil {
		writeDomainError(w, "Failed to unlock period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// FEE SUBSCRIPTION HANDLERS
// =============================================================================

// CreateFeeSubscription attaches a recurring fee SKU to a user's billing
// project.
func (h *Handler) CreateFeeSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateFeeSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.ProjectID == "" || req.SKUCode == "" {
		writeError(w, http.StatusBadRequest, "user_id, project_id and sku_code are required", nil)
		return
	}

	sub := billing.FeeSubscription{
		ID:        req.UserID + ":" + req.ProjectID + ":" + req.SKUCode,
		UserID:    billing.UserID(req.UserID),
		ProjectID: billing.ProjectID(req.ProjectID),
		SKUCode:   billing.SKUCode(req.SKUCode),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Fees.SaveFeeSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create fee subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, FeeSubscriptionDTO{
		ID:        sub.ID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		SKUCode:   req.SKUCode,
		Active:    true,
	})
}

// =============================================================================
// COLLABORATOR HOOK HANDLERS
// =============================================================================

// NodeTypeSaved ingests a node-type definition change and triggers the
// catalog auto-sync.
func (h *Handler) NodeTypeSaved(w http.ResponseWriter, r *http.Request) {
	var req NodeTypeSavedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	err := h.Dispatcher.DispatchNodeTypeSaved(r.Context(), billing.NodeTypeSaved{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		At:          time.Now().UTC(),
	})
	if err != nil {
		writeDomainError(w, "Failed to sync node type", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProjectRoleChanged ingests a membership role change and triggers the
// eligibility handler.
func (h *Handler) ProjectRoleChanged(w http.ResponseWriter, r *http.Request) {
	var req ProjectRoleChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	roles := make([]billing.Role, len(req.Roles))
	for i, role := range req.Roles {
		roles[i] = billing.Role(role)
	}
	err := h.Dispatcher.DispatchProjectRoleChanged(r.Context(), billing.ProjectRoleChanged{
		UserID:    billing.UserID(req.UserID),
		ProjectID: billing.ProjectID(req.ProjectID),
		Roles:     roles,
		At:        time.Now().UTC(),
	})
	if err != nil {
		writeDomainError(w, "Failed to apply role change", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries matching the query parameters.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter billing.AuditFilter
	if actor := r.URL.Query().Get("actor_id"); actor != "" {
		id := billing.UserID(actor)
		filter.ActorID = &id
	}
	if subject := r.URL.Query().Get("subject"); subject != "" {
		filter.Subject = &subject
	}
	if action := r.URL.Query().Get("action"); action != "" {
		filter.Actions = []billing.AuditAction{billing.AuditAction(action)}
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:      e.ID,
			At:      e.At.Format(time.RFC3339Nano),
			ActorID: string(e.ActorID),
			Action:  string(e.Action),
			Subject: e.Subject,
			Payload: e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func parsePeriodParams(w http.ResponseWriter, r *http.Request) (int, time.Month, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return 0, 0, false
	}
	monthInt, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil || monthInt < 1 || monthInt > 12 {
		writeError(w, http.StatusBadRequest, "Invalid month (1-12)", err)
		return 0, 0, false
	}
	return year, time.Month(monthInt), true
}

func parseDateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return time.Now().UTC(), true
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return time.Time{}, false
	}
	return date, true
}

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

// writeDomainError maps a domain error onto its HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
