/*
Package billing provides the core payment distribution engine.

PURPOSE:
  This package contains the types and algorithms for managing a unit's
  periodic obligations: resolving fiscal periods, recomputing penalties as of
  an arbitrary reference date, and deterministically distributing a payment
  across penalties, base charges, and credit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bill: One period's obligation for a unit (base charge + penalty)
  - Payment: A recorded transaction with its full allocation breakdown
  - CreditEntry: An append-only record of credit balance changes
  - Allocation: A portion of a payment assigned to a bill and target kind

DESIGN PRINCIPLES:
  1. Integer money: All monetary values are int64 minor-currency units.
     No floating point anywhere near an amount.
  2. Immutability: Credit entries are never edited - reversals append an
     inverse entry, preserving the full audit trail.
  3. One writer: Only the payment service mutates bills and credit; readers
     rebuild any derived view from current state.
  4. Fresh reads: There is no cached aggregate state. Every planning or
     apply call reads current persisted state inside its own transaction.

SEE ALSO:
  - period.go: Fiscal period resolution
  - penalty.go: Penalty recomputation as of a reference date
  - allocation.go: The allocation planner
  - store.go: Persistence interfaces
*/
package billing

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type BillID string
type PaymentID string
type CreditEntryID string

// =============================================================================
// UNIT - Owner of bills and a credit balance
// =============================================================================

// Unit is the identity that owns bills and a running credit balance.
// Fiscal calendar and penalty settings are per-unit configuration; zero
// values fall back to engine defaults at the service layer.
type Unit struct {
	ID                   UnitID
	Name                 string
	FiscalYearStartMonth time.Month
	Penalty              PenaltyConfig
	CreatedAt            time.Time
}

// =============================================================================
// BILL - One obligation for one period
// =============================================================================

type BillStatus string

const (
	BillUnpaid  BillStatus = "unpaid"
	BillPartial BillStatus = "partial"
	BillPaid    BillStatus = "paid"
)

// Bill is one period's obligation. Penalty is mutable: it is recomputed as
// of the payment date whenever a payment touches the bill. Paid never
// exceeds BaseCharge+Penalty.
type Bill struct {
	ID         BillID
	UnitID     UnitID
	Period     PeriodID
	DueDate    time.Time
	IssuedAt   time.Time
	BaseCharge int64
	Penalty    int64
	Paid       int64
	Status     BillStatus
}

// TotalDue returns the full amount owed on the bill (base + penalty).
func (b Bill) TotalDue() int64 { return b.BaseCharge + b.Penalty }

// Outstanding returns what remains unpaid.
func (b Bill) Outstanding() int64 {
	out := b.TotalDue() - b.Paid
	if out < 0 {
		return 0
	}
	return out
}

// PenaltyPaid returns the portion of Paid satisfying the penalty.
// Payments satisfy penalties before principal, so the first Penalty minor
// units of Paid belong to the penalty.
func (b Bill) PenaltyPaid() int64 {
	if b.Paid < b.Penalty {
		return b.Paid
	}
	return b.Penalty
}

// BasePaid returns the portion of Paid satisfying the base charge.
func (b Bill) BasePaid() int64 { return b.Paid - b.PenaltyPaid() }

// IsOpen reports whether the bill can still receive allocations.
func (b Bill) IsOpen() bool { return b.Status != BillPaid }

// DeriveStatus computes a bill's status from paid vs total amounts.
func DeriveStatus(paid, total int64) BillStatus {
	switch {
	case paid <= 0:
		return BillUnpaid
	case paid < total:
		return BillPartial
	default:
		return BillPaid
	}
}

// =============================================================================
// ALLOCATION - A portion of a payment assigned to a target
// =============================================================================

// AllocationTarget is the closed set of things a payment slice can satisfy.
type AllocationTarget string

const (
	TargetPenalty AllocationTarget = "penalty"
	TargetBase    AllocationTarget = "base"
	TargetCredit  AllocationTarget = "credit"
)

// Allocation is one line of a payment's distribution. Credit lines carry an
// empty BillID and a signed amount: positive when surplus became credit,
// negative when existing credit was drawn down.
type Allocation struct {
	BillID BillID           `json:"bill_id,omitempty"`
	Target AllocationTarget `json:"target"`
	Amount int64            `json:"amount"`
}

// =============================================================================
// PAYMENT - One recorded transaction
// =============================================================================

// Payment is a persisted transaction. Allocations is the complete recipe of
// what the payment did; it is immutable once written and is the only input
// the reversal engine uses. PaymentDate may be backdated relative to
// CreatedAt - penalties were recomputed as of PaymentDate, not "now".
type Payment struct {
	ID             PaymentID
	UnitID         UnitID
	Amount         int64
	PaymentDate    time.Time
	CreditDelta    int64
	Allocations    []Allocation
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// CREDIT ENTRY - Append-only credit history
// =============================================================================

const (
	CreditReasonPayment  = "payment"
	CreditReasonReversal = "reversal"
)

// CreditEntry records one change to a unit's credit balance. Entries are
// never edited or deleted. The unit's credit balance is, at all times, the
// sum of its entries' deltas - there is no separate stored balance to drift.
type CreditEntry struct {
	ID        CreditEntryID
	UnitID    UnitID
	Delta     int64
	Reason    string
	PaymentID PaymentID
	CreatedAt time.Time
}
