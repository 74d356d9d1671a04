/*
allocation.go - Cost allocation approval and snapshot history

PURPOSE:
  A project's charges are split across external accounting objects by
  percentage. The live allocation is editable; billing never reads it
  directly. Instead, approval takes an immutable snapshot of the split,
  and a billing run for historical date D uses the snapshot active at D -
  not the live (possibly since-changed) configuration.

SNAPSHOT TIMELINE:
  For a given project, snapshots form a non-overlapping sequence ordered
  by approval instant. Each snapshot is valid from its approval instant
  until superseded by the next approval; a nil supersession instant means
  currently active.

APPROVAL RULES:
  - Percentages must sum to exactly 100. No tolerance; any deviation is
    rejected before anything is written.
  - The reviewer must be distinct from the submitter.
  - Rejection records reviewer and notes but creates no snapshot.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var percentTotal = decimal.NewFromInt(100)

// =============================================================================
// ALLOCATION SERVICE
// =============================================================================

// AllocationService owns the live allocations and their snapshot history.
type AllocationService struct {
	Allocations AllocationStore
	Snapshots   SnapshotStore
	Audit       AuditLog
	Now         func() time.Time
}

func NewAllocationService(allocs AllocationStore, snaps SnapshotStore, audit AuditLog) *AllocationService {
	return &AllocationService{Allocations: allocs, Snapshots: snaps, Audit: audit, Now: time.Now}
}

// Submit records a new or revised live allocation in pending state.
func (s *AllocationService) Submit(ctx context.Context, project ProjectID, objects []CostObject, submitter UserID) (*CostAllocation, error) {
	if len(objects) == 0 {
		return nil, &ValidationError{Field: "objects", Reason: "at least one cost object required"}
	}
	for _, o := range objects {
		if o.Name == "" {
			return nil, &ValidationError{Field: "objects", Reason: "cost object name must not be empty"}
		}
		if o.Percentage.IsNegative() {
			return nil, &ValidationError{Field: "objects", Reason: "percentage must not be negative"}
		}
	}

	alloc := CostAllocation{
		ID:          AllocationID(uuid.NewString()),
		ProjectID:   project,
		Status:      AllocationPending,
		Objects:     objects,
		SubmittedBy: submitter,
		UpdatedAt:   s.Now().UTC(),
	}
	if err := s.Allocations.SaveAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// Approve validates the live allocation, supersedes the previously-active
// snapshot, and appends a fresh immutable snapshot of the split.
func (s *AllocationService) Approve(ctx context.Context, project ProjectID, reviewer UserID, notes string) error {
	alloc, err := s.Allocations.GetAllocation(ctx, project)
	if err != nil {
		return err
	}
	if alloc == nil {
		return ErrAllocationNotFound
	}
	if alloc.SubmittedBy == reviewer {
		return &ValidationError{Field: "reviewer", Reason: "reviewer must be distinct from submitter"}
	}
	if !alloc.PercentageTotal().Equal(percentTotal) {
		return ErrPercentagesInvalid
	}

	now := s.Now().UTC()

	if err := s.Snapshots.SupersedeOpen(ctx, project, now); err != nil {
		return err
	}

	objects := make([]CostObject, len(alloc.Objects))
	copy(objects, alloc.Objects)

	snap := AllocationSnapshot{
		ID:           SnapshotID(uuid.NewString()),
		ProjectID:    project,
		AllocationID: alloc.ID,
		Objects:      objects,
		ApprovedBy:   reviewer,
		ApprovedAt:   now,
	}
	if err := s.Snapshots.AppendSnapshot(ctx, snap); err != nil {
		return err
	}

	alloc.Status = AllocationApproved
	alloc.ReviewedBy = reviewer
	alloc.ReviewNotes = notes
	alloc.UpdatedAt = now
	if err := s.Allocations.SaveAllocation(ctx, *alloc); err != nil {
		return err
	}

	if s.Audit != nil {
		err := s.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      now,
			ActorID: reviewer,
			Action:  AuditAllocationApproved,
			Subject: "project:" + string(project),
			Payload: map[string]any{"snapshot_id": string(snap.ID), "notes": notes},
		})
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return nil
}

// Reject records reviewer and notes on the live allocation. No snapshot
// is created; the previously-active snapshot (if any) stays in force.
func (s *AllocationService) Reject(ctx context.Context, project ProjectID, reviewer UserID, notes string) error {
	alloc, err := s.Allocations.GetAllocation(ctx, project)
	if err != nil {
		return err
	}
	if alloc == nil {
		return ErrAllocationNotFound
	}
	if alloc.SubmittedBy == reviewer {
		return &ValidationError{Field: "reviewer", Reason: "reviewer must be distinct from submitter"}
	}

	now := s.Now().UTC()
	alloc.Status = AllocationRejected
	alloc.ReviewedBy = reviewer
	alloc.ReviewNotes = notes
	alloc.UpdatedAt = now
	if err := s.Allocations.SaveAllocation(ctx, *alloc); err != nil {
		return err
	}

	if s.Audit != nil {
		err := s.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      now,
			ActorID: reviewer,
			Action:  AuditAllocationRejected,
			Subject: "project:" + string(project),
			Payload: map[string]any{"notes": notes},
		})
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return nil
}

// ActiveSnapshotAt returns the snapshot governing the project at date d,
// or ErrSnapshotNotFound.
func (s *AllocationService) ActiveSnapshotAt(ctx context.Context, project ProjectID, d time.Time) (AllocationSnapshot, error) {
	snaps, err := s.Snapshots.SnapshotsByProject(ctx, project)
	if err != nil {
		return AllocationSnapshot{}, err
	}
	for _, snap := range snaps {
		if snap.ActiveAt(d) {
			return snap, nil
		}
	}
	return AllocationSnapshot{}, ErrSnapshotNotFound
}

// EffectiveCostSplit returns the (cost object, percentage) list active at
// date d.
func (s *AllocationService) EffectiveCostSplit(ctx context.Context, project ProjectID, d time.Time) ([]CostObject, error) {
	snap, err := s.ActiveSnapshotAt(ctx, project, d)
	if err != nil {
		return nil, err
	}
	return snap.Objects, nil
}

// HasActiveApprovedAllocation is the precondition gate consumed by
// reservation creation and fee billing: a project without an approved
// allocation cannot be billed.
func (s *AllocationService) HasActiveApprovedAllocation(ctx context.Context, project ProjectID) (bool, error) {
	_, err := s.ActiveSnapshotAt(ctx, project, s.Now().UTC())
	if err == ErrSnapshotNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
