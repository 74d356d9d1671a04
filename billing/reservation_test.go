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

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestReservations(t *testing.T) (*billing.ReservationService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	allocs := billing.NewAllocationService(mem, mem, mem)
	allocs.Now = newFakeClock(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)).Now

	svc := billing.NewReservationService(mem, mem, allocs, mem)
	svc.Now = func() time.Time {
		return time.Date(2026, time.February, 1, 10, 0, 0, 0, time.UTC)
	}
	return svc, mem
}

func approveProjectSplit(t *testing.T, svc *billing.ReservationService, project billing.ProjectID) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Allocations.Submit(ctx, project, split("grant-a", "100"), "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Allocations.Approve(ctx, project, "bob", ""))
}

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestReservation_RequestRequiresApprovedAllocation(t *testing.T) {
	// GIVEN: A project with no approved cost allocation
	// WHEN: A reservation is requested
	// THEN: The request is rejected; it succeeds once a split is approved

	svc, _ := newTestReservations(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	assert.ErrorIs(t, err, billing.ErrValidation)

	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)
	assert.Equal(t, billing.ReservationPending, res.Status)
	assert.Equal(t, billing.UserID("alice"), res.RequestedBy)
	assert.NotEmpty(t, res.ID)
}

func TestReservation_RequestNormalizesStartDate(t *testing.T) {
	// GIVEN: A start date carrying time-of-day noise
	// WHEN: The reservation is requested
	// THEN: Only the calendar date is stored

	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	noisy := time.Date(2026, time.February, 10, 11, 37, 5, 0, time.UTC)
	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", noisy, 2)
	require.NoError(t, err)
	assert.Equal(t, billing.Date(2026, time.February, 10), res.StartDate)
}

func TestReservation_RequestValidation(t *testing.T) {
	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	_, err := svc.Request(ctx, "", "proj-1", "alice", billing.Date(2026, time.February, 10), 2)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 0)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 15)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// APPROVE / DECLINE TESTS
// =============================================================================

func TestReservation_ApproveRecordsManager(t *testing.T) {
	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, res.ID, "mallory")
	require.NoError(t, err)
	assert.Equal(t, billing.ReservationApproved, approved.Status)
	assert.Equal(t, billing.UserID("mallory"), approved.ProcessedBy)
	require.NotNil(t, approved.ProcessedAt)
}

func TestReservation_DeclineRecordsReason(t *testing.T) {
	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)

	declined, err := svc.Decline(ctx, res.ID, "mallory", "capacity exhausted")
	require.NoError(t, err)
	assert.Equal(t, billing.ReservationDeclined, declined.Status)
	assert.Equal(t, "capacity exhausted", declined.Reason)
}

func TestReservation_ProcessOnlyPending(t *testing.T) {
	// GIVEN: An already-approved reservation
	// WHEN: It is approved or declined again
	// THEN: The one-way transition rule rejects it

	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, res.ID, "mallory")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, res.ID, "mallory")
	assert.ErrorIs(t, err, billing.ErrValidation)

	var terr *billing.StatusTransitionError
	_, err = svc.Decline(ctx, res.ID, "mallory", "")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "approved", terr.From)

	_, err = svc.Approve(ctx, "res-404", "mallory")
	assert.ErrorIs(t, err, billing.ErrReservationNotFound)
}

// =============================================================================
// CANCEL TESTS
// =============================================================================

func TestReservation_CancelOnlyByRequester(t *testing.T) {
	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, res.ID, "eve")
	assert.ErrorIs(t, err, billing.ErrValidation)

	cancelled, err := svc.Cancel(ctx, res.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, billing.ReservationCancelled, cancelled.Status)
}

func TestReservation_CancelRejectedAfterStart(t *testing.T) {
	// GIVEN: A pending reservation whose start instant has passed
	// WHEN: The requester cancels
	// THEN: The reservation is locked

	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)

	// Reservation starts Feb 10 16:00; move the clock past it.
	svc.Now = func() time.Time {
		return time.Date(2026, time.February, 10, 17, 0, 0, 0, time.UTC)
	}

	_, err = svc.Cancel(ctx, res.ID, "alice")
	assert.ErrorIs(t, err, billing.ErrImmutableViolation)
}

func TestReservation_CancelOnlyPending(t *testing.T) {
	svc, _ := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)
	_, err = svc.Decline(ctx, res.ID, "mallory", "no")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, res.ID, "alice")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// BILLABLE HOURS TESTS
// =============================================================================

func TestReservation_ComputeBillableHours(t *testing.T) {
	// GIVEN: A 4-block reservation and a 12-hour maintenance window inside it
	// WHEN: Billable hours are computed
	// THEN: 29 billable, 12 deducted

	svc, mem := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 14), 4)
	require.NoError(t, err)

	require.NoError(t, mem.SaveWindow(ctx, billing.MaintenanceWindow{
		ID:    "win-1",
		Start: time.Date(2026, time.February, 15, 6, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.February, 15, 18, 0, 0, 0, time.UTC),
	}))

	billable, deducted, err := svc.ComputeBillableHours(ctx, res.ID)
	require.NoError(t, err)
	hoursEqual(t, "29", billable)
	hoursEqual(t, "12", deducted)
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestReservation_LifecycleAudited(t *testing.T) {
	svc, mem := newTestReservations(t)
	ctx := context.Background()
	approveProjectSplit(t, svc, "proj-1")

	res, err := svc.Request(ctx, "gpu", "proj-1", "alice", billing.Date(2026, time.February, 10), 4)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, res.ID, "mallory")
	require.NoError(t, err)

	subject := "reservation:" + string(res.ID)
	entries, err := mem.Query(ctx, billing.AuditFilter{Subject: &subject})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.AuditReservationCreated, entries[0].Action)
	assert.Equal(t, billing.UserID("alice"), entries[0].ActorID)
	assert.Equal(t, billing.AuditReservationApproved, entries[1].Action)
	assert.Equal(t, billing.UserID("mallory"), entries[1].ActorID)
}
