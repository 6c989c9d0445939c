package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata/billing-engine/api"
	"github.com/strata/billing-engine/billing"
	"github.com/strata/billing-engine/billing/store"
	"github.com/strata/billing-engine/payments"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mem := store.NewMemory()
	svc := payments.New(mem, payments.Defaults{
		Calendar: billing.FiscalCalendar{StartMonth: time.January},
		Penalty: billing.PenaltyConfig{
			GraceDays:          15,
			MonthlyRatePercent: billing.MustParseDecimal("5"),
			Compounding:        billing.CompoundingFlat,
		},
	}, payments.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(mem, svc)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// seedOverdueUnit creates a unit with three 950.00 bills due June-August
// 2025 via the API, returning the unit id.
func seedOverdueUnit(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/units", api.CreateUnitRequest{
		ID:   "unit-204",
		Name: "Unit 204",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	unit := decode[api.UnitDTO](t, resp)

	for _, due := range []string{"2025-06-01", "2025-07-01", "2025-08-01"} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/units/"+unit.ID+"/bills", api.CreateBillRequest{
			BaseCharge: 95000,
			DueDate:    due,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}
	return unit.ID
}

// =============================================================================
// UNIT ENDPOINT TESTS
// =============================================================================

func TestAPI_CreateAndGetUnit(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/units", api.CreateUnitRequest{
		ID:                   "unit-1",
		Name:                 "Unit 1",
		FiscalYearStartMonth: 7,
		GraceDays:            10,
		MonthlyRatePercent:   "2.5",
		Compounding:          "flat",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.UnitDTO](t, resp)
	assert.Equal(t, 7, created.FiscalYearStartMonth)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/units/unit-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.UnitDTO](t, resp)
	assert.Equal(t, "Unit 1", got.Name)
	assert.Equal(t, "2.5", got.MonthlyRatePercent)
}

func TestAPI_GetUnit_NotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/units/ghost", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateUnit_InvalidFiscalMonth(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/units", api.CreateUnitRequest{
		ID: "unit-1", Name: "Unit 1", FiscalYearStartMonth: 13,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// BILL AND STATEMENT TESTS
// =============================================================================

func TestAPI_ListBills(t *testing.T) {
	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/units/"+unitID+"/bills", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bills := decode[[]api.BillDTO](t, resp)

	require.Len(t, bills, 3)
	assert.Equal(t, "2025-06-01", bills[0].DueDate, "oldest first")
	assert.Equal(t, "unpaid", bills[0].Status)
	assert.Equal(t, int64(95000), bills[0].Outstanding)
}

func TestAPI_Statement(t *testing.T) {
	// GIVEN: Three overdue bills
	// WHEN: Requesting the statement as of Sept 10
	// THEN: Penalties are recomputed for the date, not read from storage

	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/units/"+unitID+"/statement?as_of=2025-09-10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[api.StatementDTO](t, resp)

	assert.Equal(t, int64(285000), st.TotalBilled)
	assert.Equal(t, int64(28500), st.PenaltyDue)
	assert.Equal(t, int64(313500), st.Outstanding)
	assert.Equal(t, 3, st.OpenBills)
}

// =============================================================================
// PAYMENT FLOW TESTS
// =============================================================================

func TestAPI_PaymentLifecycle(t *testing.T) {
	// GIVEN: Three overdue bills
	// WHEN: Previewing, paying, inspecting, and reversing via the API
	// THEN: Each step reports the engine's state faithfully

	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	// Preview: no mutation, full plan.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/preview", api.PreviewRequest{
		UnitID: unitID, Amount: 100000, PaymentDate: "2025-09-10",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decode[api.PlanDTO](t, resp)
	assert.Len(t, plan.Allocations, 4, "three penalties plus one base line")
	assert.Zero(t, plan.CreditDelta)

	// Pay.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/payments", api.SubmitPaymentRequest{
		UnitID: unitID, Amount: 100000, PaymentDate: "2025-09-10",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payment := decode[api.PaymentDTO](t, resp)
	require.NotEmpty(t, payment.ID)

	var sum int64
	for _, a := range payment.Allocations {
		sum += a.Amount
	}
	assert.Equal(t, int64(100000), sum)

	// The oldest bill is now partial with its recomputed penalty stored.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/units/"+unitID+"/bills", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bills := decode[[]api.BillDTO](t, resp)
	assert.Equal(t, int64(14250), bills[0].Penalty)
	assert.Equal(t, int64(85750), bills[0].Paid)
	assert.Equal(t, "partial", bills[0].Status)

	// Reverse.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/payments/"+payment.ID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/units/"+unitID+"/bills", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bills = decode[[]api.BillDTO](t, resp)
	assert.Zero(t, bills[0].Paid)
	assert.Equal(t, "unpaid", bills[0].Status)

	// The payment is gone; reversing again is a 404, not a silent success.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/payments/"+payment.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_OverpaymentShowsInCredit(t *testing.T) {
	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments", api.SubmitPaymentRequest{
		UnitID: unitID, Amount: 350000, PaymentDate: "2025-09-10",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payment := decode[api.PaymentDTO](t, resp)
	assert.Equal(t, int64(36500), payment.CreditDelta)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/units/"+unitID+"/credit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	credit := decode[api.CreditDTO](t, resp)
	assert.Equal(t, int64(36500), credit.Balance)
	require.Len(t, credit.History, 1)
	assert.Equal(t, "payment", credit.History[0].Reason)
	assert.Equal(t, payment.ID, credit.History[0].PaymentID)
}

func TestAPI_InvalidPaymentAmount(t *testing.T) {
	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments", api.SubmitPaymentRequest{
		UnitID: unitID, Amount: 0, PaymentDate: "2025-09-10",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DuplicateIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	unitID := seedOverdueUnit(t, srv)

	req := api.SubmitPaymentRequest{
		UnitID: unitID, Amount: 50000, PaymentDate: "2025-09-10",
		IdempotencyKey: "retry-1",
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments", req)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/payments", req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_PaymentForUnknownUnit(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments", api.SubmitPaymentRequest{
		UnitID: "ghost", Amount: 1000, PaymentDate: "2025-09-10",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// SCENARIO TESTS
// =============================================================================

func TestAPI_Scenarios(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/scenarios", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]api.ScenarioDTO](t, resp)
	require.NotEmpty(t, list)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/scenarios/load", api.LoadScenarioRequest{
		ScenarioID: "three-behind",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	current := decode[map[string]string](t, resp)
	assert.Equal(t, "three-behind", current["scenario_id"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/units", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	units := decode[[]api.UnitDTO](t, resp)
	require.Len(t, units, 1)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/units/%s/bills", srv.URL, units[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bills := decode[[]api.BillDTO](t, resp)
	assert.Len(t, bills, 3)
}

func TestAPI_LoadUnknownScenario(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/scenarios/load", api.LoadScenarioRequest{
		ScenarioID: "nope",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
