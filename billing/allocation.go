/*
allocation.go - Deterministic payment distribution

PURPOSE:
  Produces an ordered plan distributing a payment across bills' penalties,
  base charges, and credit. The plan is a transient value object: it is
  consumed immediately by the payment service inside the same transaction
  that read the bills it was planned against.

ALLOCATION ORDER (the accounting convention, in full):
  1. Every open bill's penalty is recomputed as of the payment date. The
     plan carries the new values so they get persisted.
  2. Open bills are sorted by due date ascending - oldest obligation first.
  3. Pass A satisfies outstanding penalties in due-date order.
  4. Pass B satisfies outstanding base charges in due-date order.
     Penalties before principal. Always.
  5. Funds come from the incoming payment first; existing credit is drawn
     only once the payment is exhausted (order configurable).
  6. Whatever is left after everything is satisfied becomes new credit.
  7. When funds run out, the last touched bill stays partial and later
     bills receive nothing.

INVARIANT:
  The plan's allocations (including the net credit line) sum to the payment
  amount exactly. Integer arithmetic, no remainder, no negative bill lines.

PREVIEW:
  A zero-amount plan runs the full recompute-and-plan pipeline and comes
  back empty. Callers use it to show "what would happen" without mutating
  anything.
*/
package billing

import (
	"sort"
	"time"
)

// =============================================================================
// PLAN CONFIG
// =============================================================================

// PlanConfig carries the knobs the planner needs. CreditFirst flips the
// draw-down order so existing credit is consumed before the incoming
// payment; the default (false) is payment-first, the most recently stated
// intent of the system owners.
type PlanConfig struct {
	Calendar    FiscalCalendar
	Penalty     PenaltyConfig
	CreditFirst bool
}

// =============================================================================
// ALLOCATION PLAN
// =============================================================================

// PlanLine is one bill-targeted slice of the plan.
type PlanLine struct {
	BillID BillID
	Target AllocationTarget
	Amount int64
}

// AllocationPlan is the planner's output: ordered bill lines, a net credit
// delta, and the recomputed penalty for every bill the plan touches.
type AllocationPlan struct {
	UnitID      UnitID
	Amount      int64
	PaymentDate time.Time

	// Lines in allocation order: penalties oldest-first, then bases.
	Lines []PlanLine

	// CreditDelta is the single net credit movement: positive when surplus
	// becomes credit, negative when existing credit was drawn down, zero
	// otherwise.
	CreditDelta int64

	// PenaltyRevisions holds the recomputed penalty for each bill touched
	// by the plan, keyed by bill id. The applier persists these.
	PenaltyRevisions map[BillID]int64
}

// Allocations renders the plan as persistable allocation lines. The credit
// line is included only when the net delta is non-zero.
func (p *AllocationPlan) Allocations() []Allocation {
	out := make([]Allocation, 0, len(p.Lines)+1)
	for _, l := range p.Lines {
		out = append(out, Allocation{BillID: l.BillID, Target: l.Target, Amount: l.Amount})
	}
	if p.CreditDelta != 0 {
		out = append(out, Allocation{Target: TargetCredit, Amount: p.CreditDelta})
	}
	return out
}

// Total returns the sum of all allocations including the credit line.
// Always equals Amount for a valid plan.
func (p *AllocationPlan) Total() int64 {
	var sum int64
	for _, l := range p.Lines {
		sum += l.Amount
	}
	return sum + p.CreditDelta
}

// CreditUsed returns how much existing credit the plan draws down.
func (p *AllocationPlan) CreditUsed() int64 {
	if p.CreditDelta < 0 {
		return -p.CreditDelta
	}
	return 0
}

// IsZeroEffect reports whether applying the plan would change nothing.
func (p *AllocationPlan) IsZeroEffect() bool {
	return len(p.Lines) == 0 && p.CreditDelta == 0
}

// =============================================================================
// PLANNER
// =============================================================================

// funds tracks the two sources a plan may draw from. Draw order is fixed at
// construction: payment-first unless credit-first was configured.
type funds struct {
	payment     int64
	credit      int64
	creditUsed  int64
	creditFirst bool
}

func (f *funds) empty() bool { return f.payment == 0 && f.credit == 0 }

// take grants up to need minor units, honoring the configured draw order.
func (f *funds) take(need int64) int64 {
	if need <= 0 {
		return 0
	}
	var granted int64
	primary, secondary := &f.payment, &f.credit
	if f.creditFirst {
		primary, secondary = &f.credit, &f.payment
	}
	for _, src := range []*int64{primary, secondary} {
		if need == 0 {
			break
		}
		n := need
		if n > *src {
			n = *src
		}
		if src == &f.credit {
			f.creditUsed += n
		}
		*src -= n
		need -= n
		granted += n
	}
	return granted
}

// PlanAllocation distributes amount across the unit's open bills as of
// paymentDate. bills may contain settled bills; they are skipped. The
// returned plan satisfies Total() == amount exactly.
//
// amount == 0 is a preview: the full pipeline runs and the plan is
// zero-effect. amount < 0 is rejected.
func PlanAllocation(bills []Bill, amount int64, paymentDate time.Time, creditBalance int64, cfg PlanConfig) (*AllocationPlan, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	if creditBalance < 0 {
		creditBalance = 0
	}

	calc := PenaltyCalculator{Calendar: cfg.Calendar}

	// Recompute every open bill's penalty as of the payment date. This may
	// change the stored value; the plan carries the new one.
	//
	// The paid split is computed against the RECOMPUTED penalty, not the
	// stored one. When a backdated payment shrinks a bill's penalty below
	// what earlier payments already covered, the freed money re-covers the
	// base charge and anything past the new total stays with the payer.
	type openBill struct {
		bill       Bill
		newPenalty int64
		penaltyOut int64
		baseOut    int64
	}
	var open []openBill
	for _, b := range bills {
		if !b.IsOpen() {
			continue
		}
		pen, err := calc.Calculate(b, paymentDate, cfg.Penalty)
		if err != nil {
			return nil, err
		}
		penaltyPaid := b.Paid
		if penaltyPaid > pen {
			penaltyPaid = pen
		}
		baseOut := b.BaseCharge - (b.Paid - penaltyPaid)
		if baseOut < 0 {
			baseOut = 0
		}
		open = append(open, openBill{
			bill:       b,
			newPenalty: pen,
			penaltyOut: pen - penaltyPaid,
			baseOut:    baseOut,
		})
	}

	// Oldest obligation first. Tiebreak on period then id so the order is
	// fully deterministic.
	sort.Slice(open, func(i, j int) bool {
		a, b := open[i].bill, open[j].bill
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.ID < b.ID
	})

	plan := &AllocationPlan{
		Amount:           amount,
		PaymentDate:      paymentDate,
		PenaltyRevisions: make(map[BillID]int64),
	}
	if len(bills) > 0 {
		plan.UnitID = bills[0].UnitID
	}

	// A zero-amount plan is a preview. It must not spend anything - not
	// the payment (there is none) and not the unit's existing credit.
	spendableCredit := creditBalance
	if amount == 0 {
		spendableCredit = 0
	}
	f := &funds{payment: amount, credit: spendableCredit, creditFirst: cfg.CreditFirst}

	// Pass A: outstanding penalties, oldest first.
	for i := range open {
		if f.empty() {
			break
		}
		ob := open[i]
		granted := f.take(ob.penaltyOut)
		if granted > 0 {
			plan.Lines = append(plan.Lines, PlanLine{BillID: ob.bill.ID, Target: TargetPenalty, Amount: granted})
			plan.PenaltyRevisions[ob.bill.ID] = ob.newPenalty
		}
	}

	// Pass B: outstanding base charges, oldest first.
	for i := range open {
		if f.empty() {
			break
		}
		ob := open[i]
		granted := f.take(ob.baseOut)
		if granted > 0 {
			plan.Lines = append(plan.Lines, PlanLine{BillID: ob.bill.ID, Target: TargetBase, Amount: granted})
			plan.PenaltyRevisions[ob.bill.ID] = ob.newPenalty
		}
	}

	// Net credit movement: leftover payment becomes credit, drawn-down
	// credit counts against it. One net value, never double counted.
	plan.CreditDelta = f.payment - f.creditUsed

	return plan, nil
}
