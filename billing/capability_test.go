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
// CAPABILITY DERIVATION TESTS
// =============================================================================

func TestCapabilitiesFor(t *testing.T) {
	cases := []struct {
		name  string
		roles []billing.Role
		has   []billing.Capability
		lacks []billing.Capability
	}{
		{
			name:  "member is billed but approves nothing",
			roles: []billing.Role{billing.RoleMember},
			has:   []billing.Capability{billing.CanBeBilled},
			lacks: []billing.Capability{billing.CanApprove, billing.CanOverride, billing.CanFinalize},
		},
		{
			name:  "manager is billed and approves",
			roles: []billing.Role{billing.RoleManager},
			has:   []billing.Capability{billing.CanBeBilled, billing.CanApprove},
			lacks: []billing.Capability{billing.CanOverride, billing.CanFinalize},
		},
		{
			name:  "accountant corrects invoices without being billed",
			roles: []billing.Role{billing.RoleAccountant},
			has:   []billing.Capability{billing.CanOverride, billing.CanFinalize},
			lacks: []billing.Capability{billing.CanBeBilled, billing.CanApprove},
		},
		{
			name:  "admin has everything",
			roles: []billing.Role{billing.RoleAdmin},
			has: []billing.Capability{
				billing.CanBeBilled, billing.CanApprove, billing.CanOverride, billing.CanFinalize,
			},
		},
		{
			name:  "roles combine",
			roles: []billing.Role{billing.RoleMember, billing.RoleAccountant},
			has:   []billing.Capability{billing.CanBeBilled, billing.CanOverride, billing.CanFinalize},
			lacks: []billing.Capability{billing.CanApprove},
		},
		{
			name:  "no roles, no capabilities",
			roles: nil,
			lacks: []billing.Capability{billing.CanBeBilled, billing.CanApprove, billing.CanOverride, billing.CanFinalize},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caps := billing.CapabilitiesFor(tc.roles)
			for _, c := range tc.has {
				assert.True(t, caps.Has(c), "should have %s", c)
			}
			for _, c := range tc.lacks {
				assert.False(t, caps.Has(c), "should not have %s", c)
			}
		})
	}
}

// =============================================================================
// ELIGIBILITY HANDLER TESTS
// =============================================================================

func TestEligibility_LostBillingDeactivatesFees(t *testing.T) {
	// GIVEN: An active fee subscription for a user on a project
	// WHEN: The user's role set drops to one without billing eligibility
	// THEN: The subscription is deactivated; other projects are untouched

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SaveFeeSubscription(ctx, billing.FeeSubscription{
		ID: "sub-1", UserID: "alice", ProjectID: "proj-1", SKUCode: "support-fee", Active: true,
	}))
	require.NoError(t, mem.SaveFeeSubscription(ctx, billing.FeeSubscription{
		ID: "sub-2", UserID: "alice", ProjectID: "proj-2", SKUCode: "support-fee", Active: true,
	}))

	d := billing.NewDispatcher()
	handler := &billing.EligibilityHandler{Fees: mem}
	d.OnProjectRoleChanged(handler.HandleProjectRoleChanged)

	require.NoError(t, d.DispatchProjectRoleChanged(ctx, billing.ProjectRoleChanged{
		UserID:    "alice",
		ProjectID: "proj-1",
		Roles:     []billing.Role{billing.RoleAccountant},
		At:        time.Now().UTC(),
	}))

	subs, err := mem.ListActiveFeeSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-2", subs[0].ID)
}

func TestEligibility_RetainedBillingKeepsFees(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.SaveFeeSubscription(ctx, billing.FeeSubscription{
		ID: "sub-1", UserID: "alice", ProjectID: "proj-1", SKUCode: "support-fee", Active: true,
	}))

	handler := &billing.EligibilityHandler{Fees: mem}
	require.NoError(t, handler.HandleProjectRoleChanged(ctx, billing.ProjectRoleChanged{
		UserID:    "alice",
		ProjectID: "proj-1",
		Roles:     []billing.Role{billing.RoleMember, billing.RoleManager},
	}))

	subs, err := mem.ListActiveFeeSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
