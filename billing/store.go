/*
store.go - Persistence interfaces for ledgers and catalog state

PURPOSE:
  Defines the interface between the billing engine and storage. Two kinds
  of state exist, and the distinction is load-bearing:

  APPEND-ONLY LEDGERS (no Update, no Delete):
    - rental rates      (RateStore)
    - allocation snapshots (SnapshotStore; supersession closes the open
      interval once, it never rewrites history)
    - audit entries     (AuditLog)
    - line overrides    (PeriodStore.SaveOverride; at most one per
      (period, reservation), never edited)

  MUTABLE CATALOG STATE:
    - SKUs, live allocations, reservations, maintenance windows, invoice
      period status, fee subscriptions

CONCURRENCY CONTRACT:
  Uniqueness is enforced at the point of append (insert-if-absent), not by
  read-then-write. A race between two rate submissions for the same
  (SKU, date) must produce exactly one winner; the loser gets
  ErrDuplicateEffectiveDate or ErrConcurrencyConflict. FinalizePeriod is
  atomic with respect to SaveOverride: the freeze carries the override set
  the lines were computed against and the store rejects it when the stored
  set has moved, so an override racing a finalize either lands before the
  computation or fails the freeze.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (UNIQUE indexes, transactions)
  - billing/store/memory.go: In-memory for testing
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// APPEND-ONLY LEDGER STORES
// =============================================================================

// RateStore persists the per-SKU price history. Append-only.
type RateStore interface {
	// AppendRate inserts a rate entry. Fails with a DuplicateRateError if
	// an entry exists for the same (SKU, effective date) pair. This is the
	// ONLY write operation; no update or delete exists.
	AppendRate(ctx context.Context, rate RentalRate) error

	// RatesBySKU returns all rate entries for a SKU, ascending by
	// effective date.
	RatesBySKU(ctx context.Context, code SKUCode) ([]RentalRate, error)
}

// SnapshotStore persists allocation snapshot history. Append-only except
// for SupersedeOpen, which closes the currently-open snapshot's validity
// interval exactly once.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap AllocationSnapshot) error

	// SupersedeOpen marks the project's currently-active snapshot as
	// superseded at the given instant. No-op if none is open.
	SupersedeOpen(ctx context.Context, project ProjectID, at time.Time) error

	// SnapshotsByProject returns all snapshots for a project, ascending
	// by approval instant.
	SnapshotsByProject(ctx context.Context, project ProjectID) ([]AllocationSnapshot, error)
}

// =============================================================================
// MUTABLE CATALOG STORES
// =============================================================================

type SKUStore interface {
	SaveSKU(ctx context.Context, sku SKU) error
	GetSKU(ctx context.Context, code SKUCode) (*SKU, error)
	GetSKUByLinkRef(ctx context.Context, linkRef string) (*SKU, error)
	ListSKUs(ctx context.Context) ([]SKU, error)
}

type AllocationStore interface {
	SaveAllocation(ctx context.Context, alloc CostAllocation) error

	// GetAllocation returns the project's live allocation, or nil.
	GetAllocation(ctx context.Context, project ProjectID) (*CostAllocation, error)
}

type ReservationStore interface {
	SaveReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)

	// ReservationsOverlapping returns reservations whose derived booking
	// interval intersects [from, to).
	ReservationsOverlapping(ctx context.Context, from, to time.Time) ([]Reservation, error)
}

type MaintenanceStore interface {
	SaveWindow(ctx context.Context, w MaintenanceWindow) error
	DeleteWindow(ctx context.Context, id WindowID) error
	GetWindow(ctx context.Context, id WindowID) (*MaintenanceWindow, error)

	// WindowsOverlapping returns windows intersecting [from, to).
	WindowsOverlapping(ctx context.Context, from, to time.Time) ([]MaintenanceWindow, error)
}

type FeeStore interface {
	SaveFeeSubscription(ctx context.Context, sub FeeSubscription) error
	ListActiveFeeSubscriptions(ctx context.Context) ([]FeeSubscription, error)

	// DeactivateFeeSubscriptions turns off every active subscription for
	// the user on the project. Used when a role change revokes billing
	// eligibility.
	DeactivateFeeSubscriptions(ctx context.Context, user UserID, project ProjectID) error
}

// =============================================================================
// PERIOD STORE - Invoice period status, frozen lines, overrides
// =============================================================================

type PeriodStore interface {
	// GetPeriod returns the period record, or nil if never touched.
	GetPeriod(ctx context.Context, year int, month time.Month) (*InvoicePeriod, error)

	SavePeriod(ctx context.Context, p InvoicePeriod) error

	// FinalizePeriod atomically sets the period to finalized and freezes
	// its computed lines. overrideIDs is the override set the lines were
	// computed against; the store re-reads the period's overrides inside
	// its lock and fails with ErrConcurrencyConflict when the stored set
	// differs, so an override racing the finalize either lands before the
	// computation or rejects the freeze.
	FinalizePeriod(ctx context.Context, p InvoicePeriod, lines []InvoiceLine, overrideIDs []OverrideID) error

	// UnlockPeriod reverts a finalized period to draft and drops its
	// frozen lines. Overrides are retained.
	UnlockPeriod(ctx context.Context, year int, month time.Month) error

	// Lines returns the frozen lines of a finalized period.
	Lines(ctx context.Context, year int, month time.Month) ([]InvoiceLine, error)

	// SaveOverride appends an override. Fails with ErrDuplicateOverride
	// if one exists for the (period, reservation) pair, and with
	// ErrImmutableViolation if the period is finalized.
	SaveOverride(ctx context.Context, o LineOverride) error

	Overrides(ctx context.Context, year int, month time.Month) ([]LineOverride, error)
}

// =============================================================================
// AUDIT LOG - Append-only, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditRateAdded           AuditAction = "rate_added"
	AuditAllocationApproved  AuditAction = "allocation_approved"
	AuditAllocationRejected  AuditAction = "allocation_rejected"
	AuditReservationCreated  AuditAction = "reservation_created"
	AuditReservationApproved AuditAction = "reservation_approved"
	AuditReservationDeclined AuditAction = "reservation_declined"
	AuditReservationCanceled AuditAction = "reservation_canceled"
	AuditOverrideCreated     AuditAction = "override_created"
	AuditPeriodFinalized     AuditAction = "period_finalized"
	AuditPeriodUnlocked      AuditAction = "period_unlocked"
)

// AuditEntry records who did what when. Identities are recorded as given;
// this engine never authenticates.
type AuditEntry struct {
	ID      string
	At      time.Time
	ActorID UserID
	Action  AuditAction
	Subject string // e.g. "sku:gpu-node", "period:2026-02"
	Payload map[string]any
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	ActorID *UserID
	Actions []AuditAction
	Subject *string
	From    *time.Time
	To      *time.Time
}
