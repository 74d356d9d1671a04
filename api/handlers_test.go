package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP - Full stack over the in-memory store
// =============================================================================

type testEnv struct {
	server *httptest.Server
	mem    *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	rates := billing.NewRateLedger(mem, mem)
	allocations := billing.NewAllocationService(mem, mem, mem)
	reservations := billing.NewReservationService(mem, mem, allocations, mem)
	maintenance := billing.NewMaintenanceService(mem)
	catalog := billing.NewCatalog(mem, rates)
	assembler := &billing.Assembler{
		Reservations: mem,
		Windows:      mem,
		SKUs:         mem,
		Rates:        rates,
		Allocations:  allocations,
		Periods:      mem,
		Fees:         mem,
		Audit:        mem,
		Now:          time.Now,
	}

	dispatcher := billing.NewDispatcher()
	dispatcher.OnNodeTypeSaved(catalog.HandleNodeTypeSaved)
	eligibility := &billing.EligibilityHandler{Fees: mem}
	dispatcher.OnProjectRoleChanged(eligibility.HandleProjectRoleChanged)

	h := &api.Handler{
		Reservations: reservations,
		Maintenance:  maintenance,
		Catalog:      catalog,
		Rates:        rates,
		Allocations:  allocations,
		Assembler:    assembler,
		Fees:         mem,
		Audit:        mem,
		Dispatcher:   dispatcher,
	}

	server := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(server.Close)
	return &testEnv{server: server, mem: mem}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

// approveSplit drives a full submit-and-approve cycle through the API.
func (e *testEnv) approveSplit(t *testing.T, project string) {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/projects/"+project+"/allocation", api.SubmitAllocationRequest{
		Objects:     []api.CostObjectDTO{{Name: "grant-a", Percentage: "100"}},
		SubmittedBy: "alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/projects/"+project+"/allocation/approve", api.ReviewAllocationRequest{
		ReviewerID: "bob",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// syncNodeType drives the node-type hook, creating the linked SKU, and
// appends a real rate on top of the bootstrap one.
func (e *testEnv) syncNodeType(t *testing.T, name, rate string) {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/hooks/node-types", api.NodeTypeSavedRequest{
		Name: name, DisplayName: name + " node",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/skus/node-"+name+"/rates", api.AddRateRequest{
		Value: rate, EffectiveDate: "2030-01-01", ActorID: "admin",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// RESERVATION API TESTS
// =============================================================================

func TestAPI_ReservationLifecycle(t *testing.T) {
	// GIVEN: A project with an approved split
	// WHEN: A reservation is requested, approved, and read back
	// THEN: Derived schedule fields ride along on every response

	env := newTestEnv(t)
	env.approveSplit(t, "proj-1")

	resp := env.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		NodeType: "gpu", ProjectID: "proj-1", RequestedBy: "alice",
		StartDate: "2030-03-10", Blocks: 4,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.ReservationDTO
	decodeBody(t, resp, &created)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "2030-03-10T16:00:00Z", created.Start)
	assert.Equal(t, "2030-03-12T09:00:00Z", created.End)
	assert.Equal(t, "41", created.RawHours)

	resp = env.do(t, http.MethodPost, "/api/reservations/"+created.ID+"/approve",
		api.ProcessReservationRequest{ActorID: "mallory"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var approved api.ReservationDTO
	decodeBody(t, resp, &approved)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "mallory", approved.ProcessedBy)

	resp = env.do(t, http.MethodGet, "/api/reservations/"+created.ID+"/billable-hours", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hours api.BillableHoursDTO
	decodeBody(t, resp, &hours)
	assert.Equal(t, "41", hours.BillableHours)
	assert.Equal(t, "0", hours.DeductedHours)
}

func TestAPI_ReservationRequiresAllocation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		NodeType: "gpu", ProjectID: "proj-unsplit", RequestedBy: "alice",
		StartDate: "2030-03-10", Blocks: 4,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ReservationNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/reservations/res-404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/reservations/res-404/approve",
		api.ProcessReservationRequest{ActorID: "mallory"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// RATE API TESTS
// =============================================================================

func TestAPI_RateRoundTrip(t *testing.T) {
	// GIVEN: A fee SKU with two appended rates
	// WHEN: The history and an as-of lookup are requested
	// THEN: Values round-trip as decimal strings; a colliding append is 409

	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/skus", api.CreateSKURequest{
		Code: "support-fee", Name: "Support", Category: "fee", Unit: "monthly",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, r := range []api.AddRateRequest{
		{Value: "10.50", EffectiveDate: "2030-01-01", ActorID: "admin"},
		{Value: "12.25", EffectiveDate: "2030-06-01", ActorID: "admin", Note: "uplift"},
	} {
		resp = env.do(t, http.MethodPost, "/api/skus/support-fee/rates", r)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	// Duplicate effective date loses with a conflict.
	resp = env.do(t, http.MethodPost, "/api/skus/support-fee/rates", api.AddRateRequest{
		Value: "99", EffectiveDate: "2030-06-01", ActorID: "admin",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/skus/support-fee/rates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []api.RateDTO
	decodeBody(t, resp, &history)
	require.Len(t, history, 2)

	resp = env.do(t, http.MethodGet, "/api/skus/support-fee/rates/as-of?date=2030-03-15", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rate api.RateDTO
	decodeBody(t, resp, &rate)
	assert.Equal(t, "10.5", rate.Value)
	assert.Equal(t, "2030-01-01", rate.EffectiveDate)

	// Before any effective date: not found, never zero.
	resp = env.do(t, http.MethodGet, "/api/skus/support-fee/rates/as-of?date=2029-12-31", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// INVOICE API TESTS
// =============================================================================

func TestAPI_InvoiceAssemblyAndFinalize(t *testing.T) {
	// GIVEN: A synced node SKU, a rate, an approved split, and an approved
	//        reservation in March 2030
	// WHEN: The invoice is assembled, finalized, and unlocked over the API
	// THEN: Statuses and totals follow the draft -> finalized -> draft path

	env := newTestEnv(t)
	env.syncNodeType(t, "gpu", "2")
	env.approveSplit(t, "proj-1")

	resp := env.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		NodeType: "gpu", ProjectID: "proj-1", RequestedBy: "alice",
		StartDate: "2030-03-10", Blocks: 4,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res api.ReservationDTO
	decodeBody(t, resp, &res)

	resp = env.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/approve",
		api.ProcessReservationRequest{ActorID: "mallory"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/invoices/2030/3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inv api.InvoiceDTO
	decodeBody(t, resp, &inv)
	assert.Equal(t, "draft", inv.Status)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "41", inv.Lines[0].BillableHours)
	assert.Equal(t, "82", inv.Lines[0].Cost)
	assert.Equal(t, "82", inv.Total)

	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/finalize",
		api.FinalizeRequest{ActorID: "carol"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Finalized: a second finalize and a late override both conflict.
	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/finalize",
		api.FinalizeRequest{ActorID: "carol"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/overrides", api.SetOverrideRequest{
		ReservationID: res.ID, Kind: "exclude", Note: "too late", AuthorID: "carol",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/invoices/2030/3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &inv)
	assert.Equal(t, "finalized", inv.Status)

	// Unlock needs a note.
	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/unlock",
		api.UnlockRequest{ActorID: "carol"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/unlock",
		api.UnlockRequest{ActorID: "carol", Note: "rate correction pending"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/invoices/2030/3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &inv)
	assert.Equal(t, "draft", inv.Status)
}

func TestAPI_OverrideOnDraftPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.syncNodeType(t, "gpu", "2")
	env.approveSplit(t, "proj-1")

	resp := env.do(t, http.MethodPost, "/api/reservations", api.CreateReservationRequest{
		NodeType: "gpu", ProjectID: "proj-1", RequestedBy: "alice",
		StartDate: "2030-03-10", Blocks: 4,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res api.ReservationDTO
	decodeBody(t, resp, &res)

	resp = env.do(t, http.MethodPost, "/api/reservations/"+res.ID+"/approve",
		api.ProcessReservationRequest{ActorID: "mallory"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/overrides", api.SetOverrideRequest{
		ReservationID: res.ID, Kind: "hours", Hours: "10",
		Note: "credit for outage", AuthorID: "carol",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var o api.OverrideDTO
	decodeBody(t, resp, &o)
	assert.Equal(t, "41", o.OriginalHours)

	// Second override for the same pair conflicts.
	resp = env.do(t, http.MethodPost, "/api/invoices/2030/3/overrides", api.SetOverrideRequest{
		ReservationID: res.ID, Kind: "exclude", Note: "again", AuthorID: "carol",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/invoices/2030/3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inv api.InvoiceDTO
	decodeBody(t, resp, &inv)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "10", inv.Lines[0].BillableHours)
	assert.Equal(t, "41", inv.Lines[0].ComputedHours)
	assert.Equal(t, "20", inv.Lines[0].Cost)
}

func TestAPI_InvalidPeriodParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/invoices/2030/13", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/invoices/banana/3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// HOOK AND FEE API TESTS
// =============================================================================

func TestAPI_RoleChangeDeactivatesFees(t *testing.T) {
	// GIVEN: An active fee subscription created over the API
	// WHEN: A role change without billing eligibility arrives on the hook
	// THEN: The subscription is deactivated synchronously

	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.do(t, http.MethodPost, "/api/fees", api.CreateFeeSubscriptionRequest{
		UserID: "alice", ProjectID: "proj-1", SKUCode: "support-fee",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/hooks/project-roles", api.ProjectRoleChangedRequest{
		UserID: "alice", ProjectID: "proj-1", Roles: []string{"accountant"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	subs, err := env.mem.ListActiveFeeSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestAPI_NodeTypeHookCreatesSKU(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/hooks/node-types", api.NodeTypeSavedRequest{
		Name: "h200", DisplayName: "H200 GPU",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/skus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var skus []api.SKUDTO
	decodeBody(t, resp, &skus)
	require.Len(t, skus, 1)
	assert.Equal(t, "node-h200", skus[0].Code)
	assert.Equal(t, "h200", skus[0].LinkRef)

	// Missing name is rejected.
	resp = env.do(t, http.MethodPost, "/api/hooks/node-types", api.NodeTypeSavedRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// AUDIT API TESTS
// =============================================================================

func TestAPI_AuditQuery(t *testing.T) {
	env := newTestEnv(t)
	env.syncNodeType(t, "gpu", "2")

	resp := env.do(t, http.MethodGet, "/api/audit?action=rate_added", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []api.AuditEntryDTO
	decodeBody(t, resp, &entries)
	// The bootstrap seed and the explicit append are both on the trail.
	require.Len(t, entries, 2)
	assert.Equal(t, "sku:node-gpu", entries[0].Subject)
}

func TestAPI_MaintenanceWindowCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/maintenance-windows", api.MaintenanceWindowRequest{
		Title: "rack move",
		Start: "2030-03-15T06:00:00Z",
		End:   "2030-03-15T18:00:00Z",
		ActorID: "ops",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var w api.MaintenanceWindowDTO
	decodeBody(t, resp, &w)

	resp = env.do(t, http.MethodPut, "/api/maintenance-windows/"+w.ID, api.MaintenanceWindowRequest{
		Title: "rack move, extended",
		Start: "2030-03-15T06:00:00Z",
		End:   "2030-03-15T22:00:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &w)
	assert.Equal(t, "rack move, extended", w.Title)

	resp = env.do(t, http.MethodDelete, "/api/maintenance-windows/"+w.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/maintenance-windows/"+w.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Inverted interval never reaches the store.
	resp = env.do(t, http.MethodPost, "/api/maintenance-windows", api.MaintenanceWindowRequest{
		Title: "bad",
		Start: "2030-03-15T18:00:00Z",
		End:   "2030-03-15T06:00:00Z",
		ActorID: "ops",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
