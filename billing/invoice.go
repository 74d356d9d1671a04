/*
invoice.go - Monthly invoice assembly and the finalize lifecycle

PURPOSE:
  For a (year, month) period, produces a complete, reproducible set of
  line items and a grand total, applies manual overrides, and enforces
  the finalize-then-immutable lifecycle.

ASSEMBLY, PER RESERVATION OVERLAPPING THE PERIOD:
  1. Compute raw and maintenance-adjusted billable hours, clipped to the
     portion of the reservation inside the period's calendar month.
  2. Look up the unit rate as of the reservation's start date against the
     SKU whose link reference matches the reservation's node type.
  3. Look up the project's cost-object snapshot as of the same date. A
     missing rate or snapshot flags the line unresolved - never a silent
     zero.
  4. Cost = billable hours x rate, split across cost objects with the
     rounding remainder assigned to the largest share so the split sums
     exactly to the line total.
  5. Apply any override recorded for (period, reservation). The computed
     baseline is always retained alongside the override for audit.

  Recurring fee lines follow the same rate and split lookups keyed by the
  subscription's billing project and the first day of the month.

LIFECYCLE:
  draft -> finalized, one-way. Finalize requires every line to be resolved
  or covered by an override. Once finalized, the computed lines are frozen
  in the period store and every write path that would change them fails
  with ErrImmutableViolation. The only way back is the explicit, audited
  unlock action.

FAILURE SEMANTICS:
  A stored split that no longer sums to 100 aborts assembly for that
  project's lines only; other projects proceed. Unresolved lines remain
  visible with their reason and block only finalize, not preview.
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE PERIOD - One calendar month's billing state
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft     PeriodStatus = "draft"
	PeriodFinalized PeriodStatus = "finalized"
)

// InvoicePeriod is the billing state of one calendar month. Unique per
// (year, month).
type InvoicePeriod struct {
	Year        int
	Month       time.Month
	Status      PeriodStatus
	FinalizedBy UserID
	FinalizedAt *time.Time
	Notes       string
}

func (p InvoicePeriod) Period() MonthPeriod { return MonthPeriod{Year: p.Year, Month: p.Month} }

// =============================================================================
// LINE OVERRIDE - Manual, audited correction to one reservation's line
// =============================================================================

type OverrideKind string

const (
	OverrideHours     OverrideKind = "hours"
	OverrideCostSplit OverrideKind = "cost_split"
	OverrideExclude   OverrideKind = "exclude"
)

// LineOverride is an additive correction layered on top of the computed
// baseline - both values are retained. At most one per
// (period, reservation).
type LineOverride struct {
	ID            OverrideID
	Year          int
	Month         time.Month
	ReservationID ReservationID
	Kind          OverrideKind

	// OriginalHours captures the computed baseline at override time.
	OriginalHours decimal.Decimal

	// Hours is the replacement value for OverrideHours.
	Hours decimal.Decimal

	// Shares is the replacement split for OverrideCostSplit.
	Shares []CostShare

	Note      string // mandatory justification
	Author    UserID
	CreatedAt time.Time
}

// =============================================================================
// INVOICE LINES
// =============================================================================

type LineKind string

const (
	LineReservation LineKind = "reservation"
	LineFee         LineKind = "fee"
)

type UnresolvedReason string

const (
	UnresolvedNoRate       UnresolvedReason = "no_rate"
	UnresolvedNoAllocation UnresolvedReason = "no_allocation"
)

// CostShare is one cost object's portion of a line.
type CostShare struct {
	CostObject string
	Percentage decimal.Decimal
	Amount     decimal.Decimal
}

// InvoiceLine is one immutable line of an assembled invoice.
type InvoiceLine struct {
	Kind          LineKind
	ReservationID ReservationID // empty for fee lines
	SKUCode       SKUCode
	ProjectID     ProjectID
	UserID        UserID // subscription owner, fee lines only
	ReferenceDate time.Time
	Description   string

	RawHours                  decimal.Decimal
	MaintenanceDeductionHours decimal.Decimal

	// ComputedHours is the pre-override baseline; BillableHours is what
	// the line is actually charged for.
	ComputedHours decimal.Decimal
	BillableHours decimal.Decimal

	Rate   decimal.Decimal
	Cost   decimal.Decimal
	Shares []CostShare

	Unresolved   UnresolvedReason
	Excluded     bool
	OverrideKind OverrideKind
	OverrideNote string
}

// Resolved reports whether the line needs no remediation before finalize.
func (l InvoiceLine) Resolved() bool { return l.Unresolved == "" || l.Excluded }

// ProjectError reports a project whose lines were aborted during assembly.
type ProjectError struct {
	ProjectID ProjectID
	Reason    string
}

// Invoice is the assembled output for one month.
type Invoice struct {
	Period        MonthPeriod
	Status        PeriodStatus
	Lines         []InvoiceLine
	Total         decimal.Decimal
	Unresolved    []InvoiceLine
	ProjectErrors []ProjectError
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler orchestrates scheduling, deduction, rate lookup and cost
// splitting into monthly invoices.
type Assembler struct {
	Reservations ReservationStore
	Windows      MaintenanceStore
	SKUs         SKUStore
	Rates        *RateLedger
	Allocations  *AllocationService
	Periods      PeriodStore
	Fees         FeeStore
	Audit        AuditLog
	Now          func() time.Time
}

// Assemble builds the invoice for (year, month). For a finalized period
// the frozen lines are returned unchanged; for a draft period the lines
// are recomputed, which is idempotent while the ledgers are unchanged.
func (a *Assembler) Assemble(ctx context.Context, year int, month time.Month) (*Invoice, error) {
	mp := MonthPeriod{Year: year, Month: month}
	if err := mp.Validate(); err != nil {
		return nil, err
	}

	period, err := a.Periods.GetPeriod(ctx, year, month)
	if err != nil {
		return nil, err
	}
	if period != nil && period.Status == PeriodFinalized {
		lines, err := a.Periods.Lines(ctx, year, month)
		if err != nil {
			return nil, err
		}
		return summarize(mp, PeriodFinalized, lines, nil), nil
	}

	lines, projectErrs, _, err := a.computeLines(ctx, mp)
	if err != nil {
		return nil, err
	}
	return summarize(mp, PeriodDraft, lines, projectErrs), nil
}

// computeLines also returns the IDs of the overrides the lines were
// computed against, so a finalize can detect overrides landing between
// the computation and the freeze.
func (a *Assembler) computeLines(ctx context.Context, mp MonthPeriod) ([]InvoiceLine, []ProjectError, []OverrideID, error) {
	monthIv := mp.Interval()

	reservations, err := a.Reservations.ReservationsOverlapping(ctx, monthIv.Start, monthIv.End)
	if err != nil {
		return nil, nil, nil, err
	}
	sort.Slice(reservations, func(i, j int) bool { return reservations[i].ID < reservations[j].ID })

	windows, err := a.Windows.WindowsOverlapping(ctx, monthIv.Start, monthIv.End)
	if err != nil {
		return nil, nil, nil, err
	}
	windowIvs := make([]Interval, 0, len(windows))
	for _, w := range windows {
		windowIvs = append(windowIvs, w.Interval())
	}

	overrides, err := a.Periods.Overrides(ctx, mp.Year, mp.Month)
	if err != nil {
		return nil, nil, nil, err
	}
	overrideFor := make(map[ReservationID]LineOverride, len(overrides))
	overrideIDs := make([]OverrideID, 0, len(overrides))
	for _, o := range overrides {
		overrideFor[o.ReservationID] = o
		overrideIDs = append(overrideIDs, o.ID)
	}

	badProjects := make(map[ProjectID]string)
	var lines []InvoiceLine

	for _, res := range reservations {
		if res.Status != ReservationApproved {
			continue
		}
		if _, bad := badProjects[res.ProjectID]; bad {
			continue
		}

		line, projectErr := a.reservationLine(ctx, mp, res, windowIvs, overrideFor)
		if projectErr != "" {
			badProjects[res.ProjectID] = projectErr
			// Drop any lines already built for this project.
			kept := lines[:0]
			for _, l := range lines {
				if l.ProjectID != res.ProjectID {
					kept = append(kept, l)
				}
			}
			lines = kept
			continue
		}
		lines = append(lines, line)
	}

	feeLines, err := a.feeLines(ctx, mp, badProjects)
	if err != nil {
		return nil, nil, nil, err
	}
	lines = append(lines, feeLines...)

	// A split first detected as corrupted on a fee line aborts the
	// project's reservation lines too.
	if len(badProjects) > 0 {
		kept := lines[:0]
		for _, l := range lines {
			if _, bad := badProjects[l.ProjectID]; !bad {
				kept = append(kept, l)
			}
		}
		lines = kept
	}

	var projectErrs []ProjectError
	for pid, reason := range badProjects {
		projectErrs = append(projectErrs, ProjectError{ProjectID: pid, Reason: reason})
	}
	sort.Slice(projectErrs, func(i, j int) bool { return projectErrs[i].ProjectID < projectErrs[j].ProjectID })

	return lines, projectErrs, overrideIDs, nil
}

// reservationLine builds one reservation's contribution to the month.
// A non-empty second return marks the whole project as failed.
func (a *Assembler) reservationLine(ctx context.Context, mp MonthPeriod, res Reservation, windows []Interval, overrideFor map[ReservationID]LineOverride) (InvoiceLine, string) {
	schedule, err := ComputeSchedule(res.StartDate, res.Blocks)
	if err != nil {
		// Stored reservations passed validation at request time; a bad
		// block count here means corrupted catalog state.
		return InvoiceLine{}, fmt.Sprintf("reservation %s: %v", res.ID, err)
	}

	clipped := schedule.Interval().Clip(mp.Interval())
	deduction := Deduct(clipped, windows)

	line := InvoiceLine{
		Kind:                      LineReservation,
		ReservationID:             res.ID,
		ProjectID:                 res.ProjectID,
		ReferenceDate:             DateOf(res.StartDate),
		Description:               fmt.Sprintf("%s rental, %d blocks", res.NodeType, res.Blocks),
		RawHours:                  deduction.RawHours,
		MaintenanceDeductionHours: deduction.DeductedHours,
		ComputedHours:             deduction.BillableHours,
		BillableHours:             deduction.BillableHours,
	}

	override, hasOverride := overrideFor[res.ID]
	if hasOverride {
		line.OverrideKind = override.Kind
		line.OverrideNote = override.Note
	}

	if hasOverride && override.Kind == OverrideExclude {
		line.Excluded = true
		return line, ""
	}
	if hasOverride && override.Kind == OverrideHours {
		line.BillableHours = override.Hours
	}

	// Rate as of the reservation's start date, via the SKU linked to the
	// reservation's node type.
	sku, err := a.SKUs.GetSKUByLinkRef(ctx, res.NodeType)
	if err != nil || sku == nil {
		line.Unresolved = UnresolvedNoRate
	} else {
		line.SKUCode = sku.Code
		rate, err := a.Rates.RateAsOf(ctx, sku.Code, line.ReferenceDate)
		if err != nil {
			line.Unresolved = UnresolvedNoRate
		} else {
			line.Rate = rate.Value
			line.Cost = line.BillableHours.Mul(rate.Value).Round(CurrencyPrecision)
		}
	}

	if hasOverride && override.Kind == OverrideCostSplit {
		line.Shares = override.Shares
		line.Cost = sumShares(override.Shares)
		line.Unresolved = ""
		return line, ""
	}

	snap, err := a.Allocations.ActiveSnapshotAt(ctx, res.ProjectID, line.ReferenceDate)
	if err != nil {
		if line.Unresolved == "" {
			line.Unresolved = UnresolvedNoAllocation
		}
		return line, ""
	}

	// Defensive re-check: a stored split that no longer sums to 100 is a
	// hard error for the whole project.
	if !splitTotal(snap.Objects).Equal(percentTotal) {
		return InvoiceLine{}, fmt.Sprintf("snapshot %s: percentages do not sum to 100", snap.ID)
	}

	if line.Unresolved == "" {
		line.Shares = splitCost(line.Cost, snap.Objects)
	}
	return line, ""
}

// feeLines builds recurring fee lines, keyed by the subscription's billing
// project and the first day of the month as the reference date.
func (a *Assembler) feeLines(ctx context.Context, mp MonthPeriod, badProjects map[ProjectID]string) ([]InvoiceLine, error) {
	if a.Fees == nil {
		return nil, nil
	}
	subs, err := a.Fees.ListActiveFeeSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	firstDay := mp.FirstDay()
	var lines []InvoiceLine
	for _, sub := range subs {
		if _, bad := badProjects[sub.ProjectID]; bad {
			continue
		}

		line := InvoiceLine{
			Kind:          LineFee,
			SKUCode:       sub.SKUCode,
			ProjectID:     sub.ProjectID,
			UserID:        sub.UserID,
			ReferenceDate: firstDay,
			Description:   fmt.Sprintf("%s fee, %s", sub.SKUCode, mp),
		}

		rate, err := a.Rates.RateAsOf(ctx, sub.SKUCode, firstDay)
		if err != nil {
			line.Unresolved = UnresolvedNoRate
			lines = append(lines, line)
			continue
		}
		line.Rate = rate.Value
		line.Cost = rate.Value.Round(CurrencyPrecision)

		snap, err := a.Allocations.ActiveSnapshotAt(ctx, sub.ProjectID, firstDay)
		if err != nil {
			line.Unresolved = UnresolvedNoAllocation
			lines = append(lines, line)
			continue
		}
		if !splitTotal(snap.Objects).Equal(percentTotal) {
			badProjects[sub.ProjectID] = fmt.Sprintf("snapshot %s: percentages do not sum to 100", snap.ID)
			continue
		}

		line.Shares = splitCost(line.Cost, snap.Objects)
		lines = append(lines, line)
	}
	return lines, nil
}

func summarize(mp MonthPeriod, status PeriodStatus, lines []InvoiceLine, projectErrs []ProjectError) *Invoice {
	inv := &Invoice{
		Period:        mp,
		Status:        status,
		Lines:         lines,
		Total:         decimal.Zero,
		ProjectErrors: projectErrs,
	}
	for _, l := range lines {
		if l.Excluded {
			continue
		}
		if l.Unresolved != "" {
			inv.Unresolved = append(inv.Unresolved, l)
			continue
		}
		inv.Total = inv.Total.Add(l.Cost)
	}
	return inv
}

// =============================================================================
// OVERRIDES
// =============================================================================

// SetOverride records a manual correction for one reservation's line in a
// draft period. The computed baseline hours are captured on the override
// for audit. Fails with ErrImmutableViolation on a finalized period.
func (a *Assembler) SetOverride(ctx context.Context, year int, month time.Month, reservationID ReservationID, kind OverrideKind, hours decimal.Decimal, shares []CostShare, note string, author UserID) (*LineOverride, error) {
	mp := MonthPeriod{Year: year, Month: month}
	if err := mp.Validate(); err != nil {
		return nil, err
	}
	if note == "" {
		return nil, &ValidationError{Field: "note", Reason: "justification is mandatory"}
	}
	switch kind {
	case OverrideHours:
		if hours.IsNegative() {
			return nil, &ValidationError{Field: "hours", Reason: "must not be negative"}
		}
	case OverrideCostSplit:
		if len(shares) == 0 {
			return nil, &ValidationError{Field: "shares", Reason: "cost_split override requires shares"}
		}
	case OverrideExclude:
		// nothing to validate
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown override kind %q", kind)}
	}

	res, err := a.Reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrReservationNotFound
	}

	// Capture the computed baseline for audit.
	baseline := decimal.Zero
	if schedule, err := ComputeSchedule(res.StartDate, res.Blocks); err == nil {
		clipped := schedule.Interval().Clip(mp.Interval())
		windows, err := a.Windows.WindowsOverlapping(ctx, clipped.Start, clipped.End)
		if err != nil {
			return nil, err
		}
		ivs := make([]Interval, 0, len(windows))
		for _, w := range windows {
			ivs = append(ivs, w.Interval())
		}
		baseline = Deduct(clipped, ivs).BillableHours
	}

	o := LineOverride{
		ID:            OverrideID(uuid.NewString()),
		Year:          year,
		Month:         month,
		ReservationID: reservationID,
		Kind:          kind,
		OriginalHours: baseline,
		Hours:         hours,
		Shares:        shares,
		Note:          note,
		Author:        author,
		CreatedAt:     a.Now().UTC(),
	}
	if err := a.Periods.SaveOverride(ctx, o); err != nil {
		return nil, err
	}

	if a.Audit != nil {
		err := a.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      o.CreatedAt,
			ActorID: author,
			Action:  AuditOverrideCreated,
			Subject: "period:" + mp.String(),
			Payload: map[string]any{
				"reservation_id": string(reservationID),
				"kind":           string(kind),
				"original_hours": o.OriginalHours.String(),
				"note":           note,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return &o, nil
}

// =============================================================================
// FINALIZE / UNLOCK
// =============================================================================

// Finalize locks the month. Every line must be resolved or covered by an
// override, and every project's split must be valid. The computed lines
// are frozen so later ledger appends cannot change them. The freeze
// carries the override set the lines were computed against; an override
// landing in between fails the finalize with ErrConcurrencyConflict.
func (a *Assembler) Finalize(ctx context.Context, year int, month time.Month, actor UserID) error {
	mp := MonthPeriod{Year: year, Month: month}
	if err := mp.Validate(); err != nil {
		return err
	}

	existing, err := a.Periods.GetPeriod(ctx, year, month)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == PeriodFinalized {
		return &ImmutableError{Resource: "period " + mp.String(), Reason: "already finalized"}
	}

	lines, projectErrs, overrideIDs, err := a.computeLines(ctx, mp)
	if err != nil {
		return err
	}
	if len(projectErrs) > 0 {
		return fmt.Errorf("%w: %d projects with invalid splits", ErrUnresolvedLines, len(projectErrs))
	}
	for _, l := range lines {
		if !l.Resolved() {
			return fmt.Errorf("%w: %s line for %s (%s)", ErrUnresolvedLines, l.Kind, l.ProjectID, l.Unresolved)
		}
	}

	now := a.Now().UTC()
	period := InvoicePeriod{
		Year:        year,
		Month:       month,
		Status:      PeriodFinalized,
		FinalizedBy: actor,
		FinalizedAt: &now,
	}
	if err := a.Periods.FinalizePeriod(ctx, period, lines, overrideIDs); err != nil {
		return err
	}

	if a.Audit != nil {
		err := a.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      now,
			ActorID: actor,
			Action:  AuditPeriodFinalized,
			Subject: "period:" + mp.String(),
			Payload: map[string]any{"lines": len(lines)},
		})
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return nil
}

// Unlock reverts a finalized period to draft. The action is always
// logged; the frozen lines are dropped and the next assembly recomputes.
func (a *Assembler) Unlock(ctx context.Context, year int, month time.Month, actor UserID, note string) error {
	mp := MonthPeriod{Year: year, Month: month}
	if err := mp.Validate(); err != nil {
		return err
	}
	if note == "" {
		return &ValidationError{Field: "note", Reason: "unlock justification is mandatory"}
	}

	period, err := a.Periods.GetPeriod(ctx, year, month)
	if err != nil {
		return err
	}
	if period == nil || period.Status != PeriodFinalized {
		return ErrPeriodNotFound
	}

	if err := a.Periods.UnlockPeriod(ctx, year, month); err != nil {
		return err
	}

	now := a.Now().UTC()
	period.Status = PeriodDraft
	period.Notes = note
	if err := a.Periods.SavePeriod(ctx, *period); err != nil {
		return err
	}

	if a.Audit != nil {
		err := a.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      now,
			ActorID: actor,
			Action:  AuditPeriodUnlocked,
			Subject: "period:" + mp.String(),
			Payload: map[string]any{"note": note},
		})
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return nil
}

// =============================================================================
// COST SPLITTING
// =============================================================================

func splitTotal(objects []CostObject) decimal.Decimal {
	total := decimal.Zero
	for _, o := range objects {
		total = total.Add(o.Percentage)
	}
	return total
}

func sumShares(shares []CostShare) decimal.Decimal {
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Amount)
	}
	return total
}

// splitCost distributes cost across objects proportionally, rounding each
// share to currency precision and assigning the remainder to the
// largest-share object so the split sums exactly to cost.
func splitCost(cost decimal.Decimal, objects []CostObject) []CostShare {
	shares := make([]CostShare, len(objects))
	allocated := decimal.Zero
	largest := 0

	for i, o := range objects {
		amount := cost.Mul(o.Percentage).Div(percentTotal).Round(CurrencyPrecision)
		shares[i] = CostShare{CostObject: o.Name, Percentage: o.Percentage, Amount: amount}
		allocated = allocated.Add(amount)
		if o.Percentage.GreaterThan(objects[largest].Percentage) {
			largest = i
		}
	}

	remainder := cost.Sub(allocated)
	if !remainder.IsZero() && len(shares) > 0 {
		shares[largest].Amount = shares[largest].Amount.Add(remainder)
	}
	return shares
}
