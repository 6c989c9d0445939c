/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	HOA data for testing and demos. Each scenario creates units, bills, and
	payments that demonstrate specific engine behaviors.

AVAILABLE SCENARIOS:

	current-resident:  New unit with this month's bill, nothing overdue
	three-behind:      Three overdue monthly dues accruing 5%/month penalties
	overpayer:         Payment exceeding everything owed becomes credit
	backdated-catchup: Old bills settled with a backdated payment

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create units with penalty configuration
 3. Issue bills across past periods
 4. Optionally record payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "three-behind"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Error helpers and handler context
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/strata/billing-engine/billing"
	"github.com/strata/billing-engine/payments"
)

func applyRequest(unitID billing.UnitID, amount int64, date time.Time) payments.ApplyRequest {
	return payments.ApplyRequest{UnitID: unitID, Amount: amount, PaymentDate: date}
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "current-resident",
		Name:        "Current Resident",
		Description: "One unit, this month's dues issued, nothing overdue",
	},
	{
		ID:          "three-behind",
		Name:        "Three Months Behind",
		Description: "Three overdue monthly dues accruing 5%/month penalties",
	},
	{
		ID:          "overpayer",
		Name:        "Overpayer",
		Description: "Payment larger than everything owed, surplus becomes credit",
	},
	{
		ID:          "backdated-catchup",
		Name:        "Backdated Catch-Up",
		Description: "Old bills settled with a payment dated in the past",
	},
}

// resetter is implemented by stores that can wipe themselves for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns which scenario is currently loaded, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": h.currentScenario})
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Store does not support reset", nil)
		return
	}
	if err := rs.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "current-resident":
		err = h.loadCurrentResidentScenario(ctx)
	case "three-behind":
		err = h.loadThreeBehindScenario(ctx)
	case "overpayer":
		err = h.loadOverpayerScenario(ctx)
	case "backdated-catchup":
		err = h.loadBackdatedCatchupScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": req.ScenarioID, "status": "loaded"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// monthlyDues is the base charge used across the demo scenarios:
// 950.00 in minor units.
const monthlyDues int64 = 95000

// seedUnit creates a demo unit with the standard 5%/month flat penalty and
// a 15-day grace window.
func (h *Handler) seedUnit(ctx context.Context, id, name string) (*billing.Unit, error) {
	return h.Service.CreateUnit(ctx, billing.Unit{
		ID:                   billing.UnitID(id),
		Name:                 name,
		FiscalYearStartMonth: time.January,
		Penalty: billing.PenaltyConfig{
			GraceDays:          15,
			MonthlyRatePercent: billing.MustParseDecimal("5"),
			Compounding:        billing.CompoundingFlat,
		},
	})
}

// seedMonthlyBills issues count bills due on the first of consecutive
// months starting at first.
func (h *Handler) seedMonthlyBills(ctx context.Context, unitID billing.UnitID, first time.Time, count int) error {
	for i := 0; i < count; i++ {
		due := first.AddDate(0, i, 0)
		if _, err := h.Service.IssueBill(ctx, unitID, monthlyDues, due, due.AddDate(0, -1, 14)); err != nil {
			return err
		}
	}
	return nil
}

// loadCurrentResidentScenario: one unit, one current bill, no history.
func (h *Handler) loadCurrentResidentScenario(ctx context.Context) error {
	unit, err := h.seedUnit(ctx, "unit-101", "Unit 101 - Morales")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	due := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, err = h.Service.IssueBill(ctx, unit.ID, monthlyDues, due, due.AddDate(0, -1, 14))
	return err
}

// loadThreeBehindScenario: three months of unpaid dues, each past grace, so
// a statement today shows stacked penalties.
func (h *Handler) loadThreeBehindScenario(ctx context.Context) error {
	unit, err := h.seedUnit(ctx, "unit-204", "Unit 204 - Okafor")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -3, 0)
	return h.seedMonthlyBills(ctx, unit.ID, first, 3)
}

// loadOverpayerScenario: one overdue bill, then a payment well above the
// total owed. The surplus lands in credit.
func (h *Handler) loadOverpayerScenario(ctx context.Context) error {
	unit, err := h.seedUnit(ctx, "unit-310", "Unit 310 - Svensson")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	due := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -2, 0)
	if _, err := h.Service.IssueBill(ctx, unit.ID, monthlyDues, due, due.AddDate(0, -1, 14)); err != nil {
		return err
	}

	_, err = h.Service.ApplyPayment(ctx, applyRequest(unit.ID, monthlyDues*2, now))
	return err
}

// loadBackdatedCatchupScenario: two old bills, then a payment dated back
// when only one penalty period had elapsed. Shows that penalties follow the
// payment date, not the clock on the wall.
func (h *Handler) loadBackdatedCatchupScenario(ctx context.Context) error {
	unit, err := h.seedUnit(ctx, "unit-402", "Unit 402 - Tanaka")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -4, 0)
	if err := h.seedMonthlyBills(ctx, unit.ID, first, 2); err != nil {
		return err
	}

	backdated := first.AddDate(0, 2, 10)
	_, err = h.Service.ApplyPayment(ctx, applyRequest(unit.ID, monthlyDues, backdated))
	return err
}
