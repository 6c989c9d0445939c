/*
statement.go - Read-only unit statement

PURPOSE:
  Computes the aggregate position of a unit as of a date: what is billed,
  what penalties would be owed if settled on that date, what has been paid,
  and the current credit balance.

KEY INSIGHT:
  A statement is rebuilt from current persisted state on every call. It is
  never patched in place and never cached - derived views that were updated
  out-of-band are exactly the bug class this engine exists to end.
*/
package billing

import (
	"context"
	"time"
)

// Statement is the aggregate position of a unit as of a date. All amounts
// are minor units. PenaltyDue reflects penalties recomputed as of AsOf, not
// the stored values.
type Statement struct {
	UnitID UnitID
	AsOf   time.Time
	Period PeriodID

	TotalBilled int64 // sum of open+closed base charges
	PenaltyDue  int64 // open bills' penalties recomputed as of AsOf
	TotalPaid   int64 // sum of bill paid amounts
	Outstanding int64 // what a payment on AsOf would need to settle everything
	Credit      int64 // current credit balance

	OpenBills int
}

// StatementBuilder derives statements from the store. Read-only: it never
// writes.
type StatementBuilder struct {
	Store    Store
	Calendar FiscalCalendar
	Penalty  PenaltyConfig
}

// Build computes the unit's statement as of the given date.
func (sb StatementBuilder) Build(ctx context.Context, unitID UnitID, asOf time.Time) (Statement, error) {
	period, err := sb.Calendar.Resolve(asOf)
	if err != nil {
		return Statement{}, err
	}

	bills, err := sb.Store.BillsForUnit(ctx, unitID)
	if err != nil {
		return Statement{}, err
	}
	credit, err := sb.Store.CreditBalance(ctx, unitID)
	if err != nil {
		return Statement{}, err
	}

	st := Statement{UnitID: unitID, AsOf: asOf, Period: period, Credit: credit}
	calc := PenaltyCalculator{Calendar: sb.Calendar}

	for _, b := range bills {
		st.TotalBilled += b.BaseCharge
		st.TotalPaid += b.Paid

		if !b.IsOpen() {
			continue
		}
		st.OpenBills++

		pen, err := calc.Calculate(b, asOf, sb.Penalty)
		if err != nil {
			return Statement{}, err
		}
		st.PenaltyDue += pen

		out := b.BaseCharge + pen - b.Paid
		if out > 0 {
			st.Outstanding += out
		}
	}

	return st, nil
}
