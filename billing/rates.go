/*
rates.go - Append-only rate ledger

PURPOSE:
  The RateLedger is the immutable source of truth for every SKU's price
  history. Entries are appended, never updated, never deleted. The rate in
  force as of date D is the entry with the latest effective date <= D.

WHY APPEND-ONLY?
  A finalized invoice computed against last year's rate must reproduce
  byte-identically today. Editing a rate in place would silently rewrite
  history; appending a new entry with a new effective date changes only
  invoices whose reference dates fall after it.

SENTINEL BOOTSTRAP:
  Every SKU is seeded with a rate effective 1999-01-01, far enough in the
  past that any legitimately-dated rate - even one back-dated relative to
  "now" - outranks it under the latest-effective-date-<=-D rule.

CORRECTIONS:
  A wrong rate is corrected by appending a new entry with the same or a
  later effective date... except the same date is rejected by the
  uniqueness invariant, so corrections take effect from a new date. The
  wrong entry stays in the ledger for audit.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SentinelEffectiveDate is the bootstrap effective date seeded for every
// SKU so that as-of lookups never come up empty under normal operation.
var SentinelEffectiveDate = Date(1999, time.January, 1)

// =============================================================================
// RATE LEDGER
// =============================================================================

// RateLedger wraps a RateStore with validation and audit.
type RateLedger struct {
	Store RateStore
	Audit AuditLog
	Now   func() time.Time
}

func NewRateLedger(store RateStore, audit AuditLog) *RateLedger {
	return &RateLedger{Store: store, Audit: audit, Now: time.Now}
}

// AddRate appends a rate entry for the SKU. Fails with
// ErrDuplicateEffectiveDate if an entry already exists for that
// (SKU, effective date) pair; the ledger is unchanged in that case.
func (l *RateLedger) AddRate(ctx context.Context, code SKUCode, value decimal.Decimal, effectiveDate time.Time, actor UserID, note string) error {
	if code == "" {
		return &ValidationError{Field: "sku_code", Reason: "must not be empty"}
	}
	if value.IsNegative() {
		return &ValidationError{Field: "value", Reason: "must not be negative"}
	}

	rate := RentalRate{
		SKUCode:       code,
		Value:         value.Round(RatePrecision),
		EffectiveDate: DateOf(effectiveDate),
		SetBy:         actor,
		Note:          note,
		CreatedAt:     l.Now().UTC(),
	}

	if err := l.Store.AppendRate(ctx, rate); err != nil {
		return err
	}

	if l.Audit != nil {
		err := l.Audit.Append(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      rate.CreatedAt,
			ActorID: actor,
			Action:  AuditRateAdded,
			Subject: "sku:" + string(code),
			Payload: map[string]any{
				"value":          rate.Value.String(),
				"effective_date": rate.EffectiveDate.Format("2006-01-02"),
				"note":           note,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}
	return nil
}

// SeedBootstrapRate appends the sentinel rate for a freshly created SKU.
func (l *RateLedger) SeedBootstrapRate(ctx context.Context, code SKUCode, value decimal.Decimal, actor UserID) error {
	return l.AddRate(ctx, code, value, SentinelEffectiveDate, actor, "bootstrap rate")
}

// RateAsOf returns the rate entry with the latest effective date <= date.
// Returns ErrRateNotFound if no entry qualifies. Every SKU has at least
// one seeded rate under normal operation, so this is a defensive case.
func (l *RateLedger) RateAsOf(ctx context.Context, code SKUCode, date time.Time) (RentalRate, error) {
	rates, err := l.Store.RatesBySKU(ctx, code)
	if err != nil {
		return RentalRate{}, err
	}

	day := DateOf(date)
	var found *RentalRate
	for i := range rates {
		if rates[i].EffectiveDate.After(day) {
			break
		}
		found = &rates[i]
	}
	if found == nil {
		return RentalRate{}, ErrRateNotFound
	}
	return *found, nil
}

// History returns the full price history of a SKU, ascending by effective
// date. Read-only.
func (l *RateLedger) History(ctx context.Context, code SKUCode) ([]RentalRate, error) {
	return l.Store.RatesBySKU(ctx, code)
}
