package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata/billing-engine/billing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func planConfig() billing.PlanConfig {
	return billing.PlanConfig{
		Calendar: billing.FiscalCalendar{StartMonth: time.January},
		Penalty:  flatConfig(15, "5"),
	}
}

// threeBehind returns three unpaid 950.00 bills due June-August 2025.
// As of Sept 10 their penalties are 14250, 9500, and 4750.
func threeBehind() []billing.Bill {
	var bills []billing.Bill
	for i, id := range []string{"bill-jun", "bill-jul", "bill-aug"} {
		due := date(2025, time.June+time.Month(i), 1)
		bills = append(bills, billing.Bill{
			ID:         billing.BillID(id),
			UnitID:     "unit-1",
			DueDate:    due,
			IssuedAt:   due.AddDate(0, 0, -14),
			BaseCharge: 95000,
			Status:     billing.BillUnpaid,
		})
	}
	return bills
}

func lineAmount(p *billing.AllocationPlan, billID billing.BillID, target billing.AllocationTarget) int64 {
	var sum int64
	for _, l := range p.Lines {
		if l.BillID == billID && l.Target == target {
			sum += l.Amount
		}
	}
	return sum
}

// =============================================================================
// DISTRIBUTION ORDER TESTS
// =============================================================================

func TestPlanAllocation_PenaltiesBeforePrincipal(t *testing.T) {
	// GIVEN: Three overdue bills with stacked penalties (28500 total)
	// WHEN: Planning a 100000 payment on Sept 10
	// THEN: Every penalty clears first, then the oldest base gets the rest

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(threeBehind(), 100000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(14250), lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Equal(t, int64(9500), lineAmount(plan, "bill-jul", billing.TargetPenalty))
	assert.Equal(t, int64(4750), lineAmount(plan, "bill-aug", billing.TargetPenalty))

	assert.Equal(t, int64(71500), lineAmount(plan, "bill-jun", billing.TargetBase))
	assert.Zero(t, lineAmount(plan, "bill-jul", billing.TargetBase), "funds ran out before July's base")
	assert.Zero(t, lineAmount(plan, "bill-aug", billing.TargetBase))

	assert.Zero(t, plan.CreditDelta)
	assert.Equal(t, int64(100000), plan.Total(), "allocations sum to the payment exactly")
}

func TestPlanAllocation_PenaltyOrderIsOldestFirst(t *testing.T) {
	// GIVEN: The same three bills
	// WHEN: The payment covers only part of the penalties
	// THEN: June's penalty fills before July's gets anything

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(threeBehind(), 16000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(14250), lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Equal(t, int64(1750), lineAmount(plan, "bill-jul", billing.TargetPenalty))
	assert.Zero(t, lineAmount(plan, "bill-aug", billing.TargetPenalty))
	assert.Equal(t, int64(16000), plan.Total())
}

func TestPlanAllocation_SurplusBecomesCredit(t *testing.T) {
	// GIVEN: One overdue bill owing 109250 all-in as of Sept 10
	// WHEN: Planning a 115000 payment
	// THEN: The 5750 surplus becomes a positive credit line

	bills := threeBehind()[:1]
	sept10 := date(2025, time.September, 10)

	plan, err := billing.PlanAllocation(bills, 115000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(14250), lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Equal(t, int64(95000), lineAmount(plan, "bill-jun", billing.TargetBase))
	assert.Equal(t, int64(5750), plan.CreditDelta)
	assert.Equal(t, int64(115000), plan.Total())

	allocs := plan.Allocations()
	require.Len(t, allocs, 3)
	assert.Equal(t, billing.TargetCredit, allocs[2].Target)
	assert.Empty(t, allocs[2].BillID, "credit line carries no bill")
}

func TestPlanAllocation_CreditDrawnAfterPayment(t *testing.T) {
	// GIVEN: One bill owing 109250 and an existing 20000 credit balance
	// WHEN: Planning a 100000 payment (payment-first draw order)
	// THEN: The payment exhausts first, 9250 of credit covers the rest

	bills := threeBehind()[:1]
	sept10 := date(2025, time.September, 10)

	plan, err := billing.PlanAllocation(bills, 100000, sept10, 20000, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(14250), lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Equal(t, int64(95000), lineAmount(plan, "bill-jun", billing.TargetBase))
	assert.Equal(t, int64(-9250), plan.CreditDelta, "drawn credit is a negative delta")
	assert.Equal(t, int64(9250), plan.CreditUsed())
	assert.Equal(t, int64(100000), plan.Total())
}

func TestPlanAllocation_CreditFirstDrawOrder(t *testing.T) {
	// GIVEN: The same bill and credit, but credit-first configured
	// WHEN: A payment larger than the remaining debt arrives
	// THEN: Credit drains before the payment, surplus nets against the draw

	bills := threeBehind()[:1]
	sept10 := date(2025, time.September, 10)
	cfg := planConfig()
	cfg.CreditFirst = true

	plan, err := billing.PlanAllocation(bills, 100000, sept10, 20000, cfg)
	require.NoError(t, err)

	// 109250 owed: 20000 credit then 89250 payment. 10750 payment left
	// becomes credit: net delta = 10750 - 20000 = -9250. Same net as
	// payment-first - the invariant doesn't care about draw order.
	assert.Equal(t, int64(-9250), plan.CreditDelta)
	assert.Equal(t, int64(20000), plan.CreditUsed())
	assert.Equal(t, int64(100000), plan.Total())
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestPlanAllocation_ZeroAmountIsPreview(t *testing.T) {
	// GIVEN: Overdue bills
	// WHEN: Planning a zero payment
	// THEN: The plan is zero-effect but still carries recomputed penalties

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(threeBehind(), 0, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.True(t, plan.IsZeroEffect())
	assert.Empty(t, plan.Lines)
	assert.Zero(t, plan.CreditDelta)
}

func TestPlanAllocation_ZeroAmountLeavesCreditAlone(t *testing.T) {
	// GIVEN: Overdue bills AND an existing credit balance
	// WHEN: Planning a zero payment
	// THEN: The preview spends nothing - existing credit is not drained
	//       into the bills

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(threeBehind(), 0, sept10, 50000, planConfig())
	require.NoError(t, err)

	assert.True(t, plan.IsZeroEffect())
	assert.Empty(t, plan.Lines)
	assert.Zero(t, plan.CreditDelta)
	assert.Zero(t, plan.CreditUsed())
}

func TestPlanAllocation_BackdatedPaymentUsesRecomputedPenaltySplit(t *testing.T) {
	// GIVEN: A bill partially paid while its penalty stood at 14250
	//        (three periods late: 20000 paid = 14250 penalty + 5750 base)
	// WHEN: Planning a payment backdated to one elapsed period, where the
	//       recomputed penalty is only 4750
	// THEN: The paid split follows the NEW penalty: 4750 of the earlier
	//       money now counts as penalty, 15250 as base, so the base gap is
	//       79750 - and the payment's excess becomes credit instead of
	//       pushing paid past what the bill is due

	bill := threeBehind()[0] // due June 1
	bill.Penalty = 14250
	bill.Paid = 20000
	bill.Status = billing.BillPartial

	july20 := date(2025, time.July, 20)
	plan, err := billing.PlanAllocation([]billing.Bill{bill}, 89250, july20, 0, planConfig())
	require.NoError(t, err)

	assert.Zero(t, lineAmount(plan, bill.ID, billing.TargetPenalty),
		"the new penalty is already covered by earlier money")
	assert.Equal(t, int64(79750), lineAmount(plan, bill.ID, billing.TargetBase))
	assert.Equal(t, int64(9500), plan.CreditDelta)
	assert.Equal(t, int64(89250), plan.Total())
	assert.Equal(t, int64(4750), plan.PenaltyRevisions[bill.ID])

	// The applied result lands exactly on the bill's new total due.
	assert.Equal(t, int64(95000+4750), bill.Paid+lineAmount(plan, bill.ID, billing.TargetBase))
}

func TestPlanAllocation_BillAboveNewTotalReceivesNothing(t *testing.T) {
	// GIVEN: A bill whose paid amount already exceeds base + the penalty
	//        recomputed as of a backdated payment date
	// WHEN: Planning a payment on that date
	// THEN: The bill absorbs nothing more and the full payment is credit

	bill := threeBehind()[0]
	bill.Penalty = 14250
	bill.Paid = 105000 // above 95000 + 4750
	bill.Status = billing.BillPartial

	july20 := date(2025, time.July, 20)
	plan, err := billing.PlanAllocation([]billing.Bill{bill}, 10000, july20, 0, planConfig())
	require.NoError(t, err)

	assert.Empty(t, plan.Lines)
	assert.Equal(t, int64(10000), plan.CreditDelta)
	assert.Equal(t, int64(10000), plan.Total())
}

func TestPlanAllocation_NegativeAmountRejected(t *testing.T) {
	_, err := billing.PlanAllocation(threeBehind(), -1, date(2025, time.September, 10), 0, planConfig())
	assert.ErrorIs(t, err, billing.ErrNegativeAmount)
}

func TestPlanAllocation_SettledBillsSkipped(t *testing.T) {
	// GIVEN: One settled and one unpaid bill
	// WHEN: Planning a payment
	// THEN: The settled bill receives nothing even though it's older

	bills := threeBehind()[:2]
	bills[0].Paid = bills[0].BaseCharge
	bills[0].Status = billing.BillPaid

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(bills, 50000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Zero(t, lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Zero(t, lineAmount(plan, "bill-jun", billing.TargetBase))
	assert.Equal(t, int64(9500), lineAmount(plan, "bill-jul", billing.TargetPenalty))
	assert.Equal(t, int64(40500), lineAmount(plan, "bill-jul", billing.TargetBase))
}

func TestPlanAllocation_PartiallyPaidPenalty(t *testing.T) {
	// GIVEN: A bill whose previous payment covered part of its penalty
	// WHEN: Planning another payment on the same date
	// THEN: Only the remaining penalty gap is allocated

	bills := threeBehind()[:1]
	bills[0].Penalty = 14250
	bills[0].Paid = 10000 // all of it sits against the penalty
	bills[0].Status = billing.BillPartial

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(bills, 30000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(4250), lineAmount(plan, "bill-jun", billing.TargetPenalty))
	assert.Equal(t, int64(25750), lineAmount(plan, "bill-jun", billing.TargetBase))
}

func TestPlanAllocation_PenaltyRevisionsCarryNewValues(t *testing.T) {
	// GIVEN: Bills with stale stored penalties (zero)
	// WHEN: Planning on Sept 10
	// THEN: The plan records the recomputed penalty per touched bill

	sept10 := date(2025, time.September, 10)
	plan, err := billing.PlanAllocation(threeBehind(), 200000, sept10, 0, planConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(14250), plan.PenaltyRevisions["bill-jun"])
	assert.Equal(t, int64(9500), plan.PenaltyRevisions["bill-jul"])
	assert.Equal(t, int64(4750), plan.PenaltyRevisions["bill-aug"])
}

func TestPlanAllocation_Deterministic(t *testing.T) {
	// GIVEN: The same inputs
	// WHEN: Planning repeatedly
	// THEN: Identical plans, line for line

	sept10 := date(2025, time.September, 10)
	first, err := billing.PlanAllocation(threeBehind(), 123456, sept10, 7000, planConfig())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := billing.PlanAllocation(threeBehind(), 123456, sept10, 7000, planConfig())
		require.NoError(t, err)
		assert.Equal(t, first.Lines, again.Lines)
		assert.Equal(t, first.CreditDelta, again.CreditDelta)
	}
}

func TestPlanAllocation_NoBills_AllBecomesCredit(t *testing.T) {
	plan, err := billing.PlanAllocation(nil, 5000, date(2025, time.September, 10), 0, planConfig())
	require.NoError(t, err)

	assert.Empty(t, plan.Lines)
	assert.Equal(t, int64(5000), plan.CreditDelta)
	assert.Equal(t, int64(5000), plan.Total())
}
