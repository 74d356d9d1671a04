package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

func newTestMaintenance(t *testing.T) (*billing.MaintenanceService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := billing.NewMaintenanceService(mem)
	svc.Now = func() time.Time {
		return time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC)
	}
	return svc, mem
}

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestMaintenance_CreateFutureWindow(t *testing.T) {
	svc, mem := newTestMaintenance(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "rack move", "row 3 powered down",
		time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
		"ops")
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, billing.UserID("ops"), w.CreatedBy)

	stored, err := mem.GetWindow(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rack move", stored.Title)
}

func TestMaintenance_CreateValidation(t *testing.T) {
	// GIVEN: Intervals that are inverted, empty, or already started
	// WHEN: A window is created
	// THEN: Each is rejected before anything is written

	svc, _ := newTestMaintenance(t)
	ctx := context.Background()

	start := time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC)

	_, err := svc.Create(ctx, "bad", "", start, start.Add(-time.Hour), "ops")
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.Create(ctx, "bad", "", start, start, "ops")
	assert.ErrorIs(t, err, billing.ErrValidation)

	// Starts before the current instant.
	past := time.Date(2026, time.January, 20, 6, 0, 0, 0, time.UTC)
	_, err = svc.Create(ctx, "bad", "", past, past.Add(time.Hour), "ops")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// MUTATION LOCK TESTS
// =============================================================================

func TestMaintenance_UpdateFutureWindow(t *testing.T) {
	svc, _ := newTestMaintenance(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "rack move", "",
		time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
		"ops")
	require.NoError(t, err)

	updated, err := svc.Update(ctx, w.ID, "rack move, rescheduled", "",
		time.Date(2026, time.February, 16, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 16, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "rack move, rescheduled", updated.Title)
	assert.Equal(t, time.Date(2026, time.February, 16, 6, 0, 0, 0, time.UTC), updated.Start)
}

func TestMaintenance_StartedWindowIsLocked(t *testing.T) {
	// GIVEN: A window whose start instant has passed
	// WHEN: It is updated or deleted
	// THEN: Both are rejected; periods computed against it must stay
	//       reproducible

	svc, _ := newTestMaintenance(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "rack move", "",
		time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
		"ops")
	require.NoError(t, err)

	svc.Now = func() time.Time {
		return time.Date(2026, time.February, 15, 7, 0, 0, 0, time.UTC)
	}

	_, err = svc.Update(ctx, w.ID, "too late", "", w.Start, w.End)
	assert.ErrorIs(t, err, billing.ErrImmutableViolation)

	err = svc.Delete(ctx, w.ID)
	assert.ErrorIs(t, err, billing.ErrImmutableViolation)
}

func TestMaintenance_UpdateTargetIntervalMustBeFuture(t *testing.T) {
	svc, _ := newTestMaintenance(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "rack move", "",
		time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
		"ops")
	require.NoError(t, err)

	// The window itself is still future, but the proposed interval is not.
	_, err = svc.Update(ctx, w.ID, "rack move", "",
		time.Date(2026, time.January, 20, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.January, 20, 18, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestMaintenance_DeleteFutureWindow(t *testing.T) {
	svc, mem := newTestMaintenance(t)
	ctx := context.Background()

	w, err := svc.Create(ctx, "rack move", "",
		time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
		"ops")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, w.ID))

	stored, err := mem.GetWindow(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestMaintenance_UnknownWindow(t *testing.T) {
	svc, _ := newTestMaintenance(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, "win-404", "x", "", time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, billing.ErrWindowNotFound)

	err = svc.Delete(ctx, "win-404")
	assert.ErrorIs(t, err, billing.ErrWindowNotFound)
}
