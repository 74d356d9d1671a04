// Package store provides in-memory implementations of the billing
// storage interfaces, for testing and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - Implements every billing store interface
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	rates     map[billing.SKUCode][]billing.RentalRate
	snapshots map[billing.ProjectID][]billing.AllocationSnapshot

	skus         map[billing.SKUCode]billing.SKU
	allocations  map[billing.ProjectID]billing.CostAllocation
	reservations map[billing.ReservationID]billing.Reservation
	windows      map[billing.WindowID]billing.MaintenanceWindow
	fees         map[string]billing.FeeSubscription

	periods   map[periodKey]billing.InvoicePeriod
	lines     map[periodKey][]billing.InvoiceLine
	overrides map[periodKey]map[billing.ReservationID]billing.LineOverride

	audit []billing.AuditEntry
}

type periodKey struct {
	Year  int
	Month time.Month
}

func NewMemory() *Memory {
	return &Memory{
		rates:        make(map[billing.SKUCode][]billing.RentalRate),
		snapshots:    make(map[billing.ProjectID][]billing.AllocationSnapshot),
		skus:         make(map[billing.SKUCode]billing.SKU),
		allocations:  make(map[billing.ProjectID]billing.CostAllocation),
		reservations: make(map[billing.ReservationID]billing.Reservation),
		windows:      make(map[billing.WindowID]billing.MaintenanceWindow),
		fees:         make(map[string]billing.FeeSubscription),
		periods:      make(map[periodKey]billing.InvoicePeriod),
		lines:        make(map[periodKey][]billing.InvoiceLine),
		overrides:    make(map[periodKey]map[billing.ReservationID]billing.LineOverride),
	}
}

// =============================================================================
// RATE STORE - Append-only
// =============================================================================

func (m *Memory) AppendRate(_ context.Context, rate billing.RentalRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.rates[rate.SKUCode]
	for _, e := range entries {
		if e.EffectiveDate.Equal(rate.EffectiveDate) {
			return &billing.DuplicateRateError{SKUCode: rate.SKUCode, EffectiveDate: rate.EffectiveDate}
		}
	}

	// Insert in effective-date order.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].EffectiveDate.After(rate.EffectiveDate)
	})
	entries = append(entries, billing.RentalRate{})
	copy(entries[i+1:], entries[i:])
	entries[i] = rate
	m.rates[rate.SKUCode] = entries
	return nil
}

func (m *Memory) RatesBySKU(_ context.Context, code billing.SKUCode) ([]billing.RentalRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.RentalRate, len(m.rates[code]))
	copy(result, m.rates[code])
	return result, nil
}

// =============================================================================
// SNAPSHOT STORE - Append-only with one-time supersession
// =============================================================================

func (m *Memory) AppendSnapshot(_ context.Context, snap billing.AllocationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[snap.ProjectID] = append(m.snapshots[snap.ProjectID], snap)
	sort.Slice(m.snapshots[snap.ProjectID], func(i, j int) bool {
		return m.snapshots[snap.ProjectID][i].ApprovedAt.Before(m.snapshots[snap.ProjectID][j].ApprovedAt)
	})
	return nil
}

func (m *Memory) SupersedeOpen(_ context.Context, project billing.ProjectID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[project]
	for i := range snaps {
		if snaps[i].SupersededAt == nil {
			t := at
			snaps[i].SupersededAt = &t
		}
	}
	return nil
}

func (m *Memory) SnapshotsByProject(_ context.Context, project billing.ProjectID) ([]billing.AllocationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.AllocationSnapshot, len(m.snapshots[project]))
	copy(result, m.snapshots[project])
	return result, nil
}

// =============================================================================
// SKU STORE
// =============================================================================

func (m *Memory) SaveSKU(_ context.Context, sku billing.SKU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skus[sku.Code] = sku
	return nil
}

func (m *Memory) GetSKU(_ context.Context, code billing.SKUCode) (*billing.SKU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sku, ok := m.skus[code]; ok {
		return &sku, nil
	}
	return nil, nil
}

func (m *Memory) GetSKUByLinkRef(_ context.Context, linkRef string) (*billing.SKU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sku := range m.skus {
		if sku.LinkRef != "" && sku.LinkRef == linkRef {
			s := sku
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSKUs(_ context.Context) ([]billing.SKU, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.SKU, 0, len(m.skus))
	for _, sku := range m.skus {
		result = append(result, sku)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

// =============================================================================
// ALLOCATION STORE (live allocations)
// =============================================================================

func (m *Memory) SaveAllocation(_ context.Context, alloc billing.CostAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[alloc.ProjectID] = alloc
	return nil
}

func (m *Memory) GetAllocation(_ context.Context, project billing.ProjectID) (*billing.CostAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if alloc, ok := m.allocations[project]; ok {
		return &alloc, nil
	}
	return nil, nil
}

// =============================================================================
// RESERVATION STORE
// =============================================================================

func (m *Memory) SaveReservation(_ context.Context, r billing.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) GetReservation(_ context.Context, id billing.ReservationID) (*billing.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.reservations[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *Memory) ReservationsOverlapping(_ context.Context, from, to time.Time) ([]billing.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := billing.Interval{Start: from, End: to}
	var result []billing.Reservation
	for _, r := range m.reservations {
		schedule, err := billing.ComputeSchedule(r.StartDate, r.Blocks)
		if err != nil {
			continue
		}
		if schedule.Interval().Overlaps(query) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// MAINTENANCE STORE
// =============================================================================

func (m *Memory) SaveWindow(_ context.Context, w billing.MaintenanceWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = w
	return nil
}

func (m *Memory) DeleteWindow(_ context.Context, id billing.WindowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, id)
	return nil
}

func (m *Memory) GetWindow(_ context.Context, id billing.WindowID) (*billing.MaintenanceWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.windows[id]; ok {
		return &w, nil
	}
	return nil, nil
}

func (m *Memory) WindowsOverlapping(_ context.Context, from, to time.Time) ([]billing.MaintenanceWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := billing.Interval{Start: from, End: to}
	var result []billing.MaintenanceWindow
	for _, w := range m.windows {
		if w.Interval().Overlaps(query) {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	return result, nil
}

// =============================================================================
// FEE STORE
// =============================================================================

func (m *Memory) SaveFeeSubscription(_ context.Context, sub billing.FeeSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees[sub.ID] = sub
	return nil
}

func (m *Memory) ListActiveFeeSubscriptions(_ context.Context) ([]billing.FeeSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.FeeSubscription
	for _, sub := range m.fees {
		if sub.Active {
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeactivateFeeSubscriptions(_ context.Context, user billing.UserID, project billing.ProjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.fees {
		if sub.UserID == user && sub.ProjectID == project && sub.Active {
			sub.Active = false
			m.fees[id] = sub
		}
	}
	return nil
}

// =============================================================================
// PERIOD STORE
// =============================================================================

func (m *Memory) GetPeriod(_ context.Context, year int, month time.Month) (*billing.InvoicePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.periods[periodKey{year, month}]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) SavePeriod(_ context.Context, p billing.InvoicePeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[periodKey{p.Year, p.Month}] = p
	return nil
}

func (m *Memory) FinalizePeriod(_ context.Context, p billing.InvoicePeriod, lines []billing.InvoiceLine, overrideIDs []billing.OverrideID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := periodKey{p.Year, p.Month}
	if existing, ok := m.periods[k]; ok && existing.Status == billing.PeriodFinalized {
		return &billing.ImmutableError{Resource: "period", Reason: "already finalized"}
	}

	// The lines must have been computed against the current override set;
	// an override that landed in between invalidates the freeze.
	if !sameOverrideSet(m.overrides[k], overrideIDs) {
		return billing.ErrConcurrencyConflict
	}

	frozen := make([]billing.InvoiceLine, len(lines))
	copy(frozen, lines)
	m.periods[k] = p
	m.lines[k] = frozen
	return nil
}

func sameOverrideSet(stored map[billing.ReservationID]billing.LineOverride, ids []billing.OverrideID) bool {
	if len(stored) != len(ids) {
		return false
	}
	seen := make(map[billing.OverrideID]bool, len(stored))
	for _, o := range stored {
		seen[o.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return false
		}
	}
	return true
}

func (m *Memory) UnlockPeriod(_ context.Context, year int, month time.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, periodKey{year, month})
	return nil
}

func (m *Memory) Lines(_ context.Context, year int, month time.Month) ([]billing.InvoiceLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.InvoiceLine, len(m.lines[periodKey{year, month}]))
	copy(result, m.lines[periodKey{year, month}])
	return result, nil
}

func (m *Memory) SaveOverride(_ context.Context, o billing.LineOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := periodKey{o.Year, o.Month}
	if p, ok := m.periods[k]; ok && p.Status == billing.PeriodFinalized {
		return &billing.ImmutableError{Resource: "period", Reason: "finalized; unlock before adding overrides"}
	}
	if m.overrides[k] == nil {
		m.overrides[k] = make(map[billing.ReservationID]billing.LineOverride)
	}
	if _, exists := m.overrides[k][o.ReservationID]; exists {
		return billing.ErrDuplicateOverride
	}
	m.overrides[k][o.ReservationID] = o
	return nil
}

func (m *Memory) Overrides(_ context.Context, year int, month time.Month) ([]billing.LineOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.LineOverride
	for _, o := range m.overrides[periodKey{year, month}] {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReservationID < result[j].ReservationID })
	return result, nil
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, entry billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.AuditEntry
	for _, e := range m.audit {
		if filter.ActorID != nil && e.ActorID != *filter.ActorID {
			continue
		}
		if filter.Subject != nil && e.Subject != *filter.Subject {
			continue
		}
		if filter.From != nil && e.At.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.At.After(*filter.To) {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func containsAction(actions []billing.AuditAction, a billing.AuditAction) bool {
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}
