/*
Package billing provides the core billing computation engine.

PURPOSE:
  This package converts raw reservation and maintenance-schedule facts into
  historically-accurate, reproducible invoice line items. Prices and cost
  splits change over time; past invoices must never silently change. The
  engine therefore keeps all price and cost-split history in append-only
  ledgers and resolves every monetary question "as of" a specific date.

KEY CONCEPTS IN THIS FILE (types.go):
  - Reservation: A booked interval of a rentable resource
  - MaintenanceWindow: An interval during which no billing accrues
  - SKU / RentalRate: A billable catalog entry and its price history
  - CostAllocation / AllocationSnapshot: How a project's charges are split
  - Identifiers: Type-safe IDs so reservation and project IDs can't mix

DESIGN PRINCIPLES:
  1. Immutability: Rates and snapshots are never modified, only appended
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. As-of semantics: Every lookup is keyed by a historical reference date
  4. Auditability: Every write records the identity that caused it

SEE ALSO:
  - schedule.go:   Reservation start/end/duration rules
  - deduction.go:  Maintenance overlap subtraction
  - rates.go:      Append-only rate ledger
  - allocation.go: Cost-split snapshot history
  - invoice.go:    Monthly invoice assembly
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ProjectID string
type ReservationID string
type WindowID string
type SKUCode string
type AllocationID string
type SnapshotID string
type OverrideID string

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// RatePrecision is the fractional-digit precision of stored rates.
const RatePrecision = 6

// CurrencyPrecision is the fractional-digit precision of computed costs.
const CurrencyPrecision = 2

// MustDecimal parses a decimal literal, returning zero on malformed input.
// For use with trusted constants in code and tests.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// RESERVATION - A booked interval of a rentable resource
// =============================================================================

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationApproved  ReservationStatus = "approved"
	ReservationDeclined  ReservationStatus = "declined"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a booked interval of a rentable resource. The end instant
// is always derived from (StartDate, Blocks) via ComputeSchedule - it is
// never stored independently.
type Reservation struct {
	ID          ReservationID
	NodeType    string // matches a SKU's LinkRef for rate lookup
	ProjectID   ProjectID
	RequestedBy UserID

	// StartDate is a calendar date (midnight UTC). The concrete start
	// instant is derived by the scheduling rules in schedule.go.
	StartDate time.Time
	Blocks    int

	Status      ReservationStatus
	ProcessedBy UserID // manager who approved/declined
	ProcessedAt *time.Time
	Reason      string

	CreatedAt time.Time
}

// =============================================================================
// MAINTENANCE WINDOW - No billing accrues inside it
// =============================================================================

// MaintenanceWindow is an interval during which no billing accrues,
// applying uniformly to all resources. Once its start instant has passed
// the window is locked against mutation so that any period already
// computed against it stays reproducible.
type MaintenanceWindow struct {
	ID          WindowID
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	CreatedBy   UserID
	CreatedAt   time.Time
}

// Interval returns the window as a half-open interval.
func (w MaintenanceWindow) Interval() Interval {
	return Interval{Start: w.Start, End: w.End}
}

// =============================================================================
// SKU - A billable catalog entry
// =============================================================================

type BillingUnit string

const (
	UnitHourly  BillingUnit = "hourly"
	UnitMonthly BillingUnit = "monthly"
)

type SKUCategory string

const (
	CategoryNode    SKUCategory = "node"
	CategoryFee     SKUCategory = "fee"
	CategoryPackage SKUCategory = "package"
)

// SKU is a billable catalog entry. The code is stable once assigned and
// never changes, even if the display name does.
type SKU struct {
	Code     SKUCode
	Name     string
	Category SKUCategory
	Unit     BillingUnit
	Active   bool
	Public   bool
	Metadata map[string]string

	// LinkRef ties the SKU to an external definition (e.g. a node-type
	// name) for auto-sync. Empty for manually created SKUs.
	LinkRef string

	CreatedAt time.Time
}

// =============================================================================
// RENTAL RATE - One entry in a SKU's price history
// =============================================================================

// RentalRate is one immutable entry in a SKU's price history. Exactly one
// rate may exist per (SKU, effective date) pair; the rate current as of
// date D is the entry with the latest effective date <= D.
type RentalRate struct {
	SKUCode       SKUCode
	Value         decimal.Decimal // RatePrecision fractional digits
	EffectiveDate time.Time       // calendar date, midnight UTC
	SetBy         UserID
	Note          string
	CreatedAt     time.Time
}

// =============================================================================
// COST ALLOCATION - Live, editable percentage split
// =============================================================================

type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "pending"
	AllocationApproved AllocationStatus = "approved"
	AllocationRejected AllocationStatus = "rejected"
)

// CostObject is one named external accounting object carrying a share of
// a project's charges.
type CostObject struct {
	Name       string
	Percentage decimal.Decimal
}

// CostAllocation is the live, editable configuration of how a project's
// charges are split. Percentages must sum to exactly 100 before approval.
type CostAllocation struct {
	ID          AllocationID
	ProjectID   ProjectID
	Status      AllocationStatus
	Objects     []CostObject
	SubmittedBy UserID
	ReviewedBy  UserID
	ReviewNotes string
	UpdatedAt   time.Time
}

// PercentageTotal sums the object percentages.
func (a CostAllocation) PercentageTotal() decimal.Decimal {
	total := decimal.Zero
	for _, o := range a.Objects {
		total = total.Add(o.Percentage)
	}
	return total
}

// AllocationSnapshot is an immutable, timestamped copy of an approved
// allocation's split, valid from ApprovedAt until superseded by the next
// approval. A nil SupersededAt means the snapshot is currently active.
type AllocationSnapshot struct {
	ID           SnapshotID
	ProjectID    ProjectID
	AllocationID AllocationID
	Objects      []CostObject
	ApprovedBy   UserID
	ApprovedAt   time.Time
	SupersededAt *time.Time
}

// ActiveAt reports whether the snapshot governs date d.
func (s AllocationSnapshot) ActiveAt(d time.Time) bool {
	if d.Before(s.ApprovedAt) {
		return false
	}
	return s.SupersededAt == nil || d.Before(*s.SupersededAt)
}

// =============================================================================
// FEE SUBSCRIPTION - Recurring monthly fee lines
// =============================================================================

// FeeSubscription attaches a recurring fee SKU to a user's billing
// project. Each active subscription yields one fee line per billing month.
type FeeSubscription struct {
	ID        string
	UserID    UserID
	ProjectID ProjectID
	SKUCode   SKUCode
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// Date builds a calendar date at midnight UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates an instant to its calendar date (UTC).
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
