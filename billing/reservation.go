/*
reservation.go - Reservation request lifecycle

PURPOSE:
  Handles the lifecycle of resource reservations:
  1. Request:  Validate schedule, gate on an approved cost allocation,
               record in pending state
  2. Approve / Decline: Manager action, attributing a processed-by identity
  3. Cancel:   Requester action, only before the reservation starts

  Status transitions are one-way: pending -> {approved, declined,
  cancelled}, nothing else. Billing-relevant fields of a reservation are
  never edited after creation; a wrong interval is handled by cancelling
  and re-requesting.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RESERVATION SERVICE
// =============================================================================

type ReservationService struct {
	Reservations ReservationStore
	Windows      MaintenanceStore
	Allocations  *AllocationService
	Audit        AuditLog
	Now          func() time.Time
}

func NewReservationService(reservations ReservationStore, windows MaintenanceStore, allocations *AllocationService, audit AuditLog) *ReservationService {
	return &ReservationService{
		Reservations: reservations,
		Windows:      windows,
		Allocations:  allocations,
		Audit:        audit,
		Now:          time.Now,
	}
}

// Request creates a reservation in pending state. The project must have
// an active approved cost allocation; a project that cannot be billed
// cannot reserve.
func (s *ReservationService) Request(ctx context.Context, nodeType string, project ProjectID, requester UserID, startDate time.Time, blocks int) (*Reservation, error) {
	if nodeType == "" {
		return nil, &ValidationError{Field: "node_type", Reason: "must not be empty"}
	}

	// Validates the block count as a side effect.
	if _, err := ComputeSchedule(startDate, blocks); err != nil {
		return nil, err
	}

	ok, err := s.Allocations.HasActiveApprovedAllocation(ctx, project)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ValidationError{Field: "project_id", Reason: "project has no approved cost allocation"}
	}

	now := s.Now().UTC()
	res := Reservation{
		ID:          ReservationID(uuid.NewString()),
		NodeType:    nodeType,
		ProjectID:   project,
		RequestedBy: requester,
		StartDate:   DateOf(startDate),
		Blocks:      blocks,
		Status:      ReservationPending,
		CreatedAt:   now,
	}
	if err := s.Reservations.SaveReservation(ctx, res); err != nil {
		return nil, err
	}

	if err := s.audit(ctx, requester, AuditReservationCreated, res.ID, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// Approve transitions a pending reservation to approved, recording the
// manager's identity.
func (s *ReservationService) Approve(ctx context.Context, id ReservationID, manager UserID) (*Reservation, error) {
	return s.process(ctx, id, manager, ReservationApproved, AuditReservationApproved, "")
}

// Decline transitions a pending reservation to declined.
func (s *ReservationService) Decline(ctx context.Context, id ReservationID, manager UserID, reason string) (*Reservation, error) {
	return s.process(ctx, id, manager, ReservationDeclined, AuditReservationDeclined, reason)
}

func (s *ReservationService) process(ctx context.Context, id ReservationID, manager UserID, to ReservationStatus, action AuditAction, reason string) (*Reservation, error) {
	res, err := s.Reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrReservationNotFound
	}
	if res.Status != ReservationPending {
		return nil, &StatusTransitionError{Resource: "reservation", From: string(res.Status), To: string(to)}
	}

	now := s.Now().UTC()
	res.Status = to
	res.ProcessedBy = manager
	res.ProcessedAt = &now
	res.Reason = reason
	if err := s.Reservations.SaveReservation(ctx, *res); err != nil {
		return nil, err
	}

	if err := s.audit(ctx, manager, action, id, map[string]any{"reason": reason}); err != nil {
		return nil, err
	}
	return res, nil
}

// Cancel cancels a pending reservation. Only the requester may cancel,
// and only before the reservation's start instant.
func (s *ReservationService) Cancel(ctx context.Context, id ReservationID, requester UserID) (*Reservation, error) {
	res, err := s.Reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrReservationNotFound
	}
	if res.Status != ReservationPending {
		return nil, &StatusTransitionError{Resource: "reservation", From: string(res.Status), To: string(ReservationCancelled)}
	}
	if res.RequestedBy != requester {
		return nil, &ValidationError{Field: "actor", Reason: "only the requester may cancel"}
	}

	schedule, err := ComputeSchedule(res.StartDate, res.Blocks)
	if err != nil {
		return nil, err
	}
	now := s.Now().UTC()
	if !now.Before(schedule.Start) {
		return nil, &ImmutableError{Resource: "reservation " + string(id), Reason: "already started"}
	}

	res.Status = ReservationCancelled
	res.ProcessedAt = &now
	if err := s.Reservations.SaveReservation(ctx, *res); err != nil {
		return nil, err
	}

	if err := s.audit(ctx, requester, AuditReservationCanceled, id, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// ComputeBillableHours returns the maintenance-adjusted billable hours
// and the deduction amount for one reservation, over its whole interval.
func (s *ReservationService) ComputeBillableHours(ctx context.Context, id ReservationID) (billable, deduction decimal.Decimal, err error) {
	res, err := s.Reservations.GetReservation(ctx, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if res == nil {
		return decimal.Zero, decimal.Zero, ErrReservationNotFound
	}

	schedule, err := ComputeSchedule(res.StartDate, res.Blocks)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	windows, err := s.Windows.WindowsOverlapping(ctx, schedule.Start, schedule.End)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	ivs := make([]Interval, 0, len(windows))
	for _, w := range windows {
		ivs = append(ivs, w.Interval())
	}

	result := Deduct(schedule.Interval(), ivs)
	return result.BillableHours, result.DeductedHours, nil
}

func (s *ReservationService) audit(ctx context.Context, actor UserID, action AuditAction, id ReservationID, payload map[string]any) error {
	if s.Audit == nil {
		return nil
	}
	err := s.Audit.Append(ctx, AuditEntry{
		ID:      uuid.NewString(),
		At:      s.Now().UTC(),
		ActorID: actor,
		Action:  action,
		Subject: "reservation:" + string(id),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}
