/*
store.go - Persistence interfaces for units, bills, payments, and credit

PURPOSE:
  Defines the boundary between the engine and the database. Implementations
  exist for SQLite (store/sqlite) and in-memory (billing/store).

WRITE DISCIPLINE:
  - Bills are mutated ONLY by the payment service (apply and reversal).
  - The credit ledger is APPEND-ONLY: no update, no delete, ever.
    Corrections append an inverse entry.
  - A unit's credit balance is DERIVED: CreditBalance is always the sum of
    the unit's entry deltas. There is no stored running balance to drift
    out of sync - that cache existed once upstream and was removed for
    cause.

ATOMIC SCOPE:
  WithUnitTx runs fn against a transactional view scoped to one unit's
  bills, credit ledger, and payments. Either every write in fn lands or
  none do, and the transaction serializes against any other transaction
  touching the same unit. Contention surfaces as ErrTxConflict; the caller
  retries from scratch, which is safe because planning always starts from
  a fresh read.
*/
package billing

import "context"

// Store handles persistence for the engine's records. Reads are
// point-in-time; inside WithUnitTx they see the transaction's view.
type Store interface {
	// Units
	GetUnit(ctx context.Context, id UnitID) (*Unit, error)
	SaveUnit(ctx context.Context, u Unit) error
	ListUnits(ctx context.Context) ([]Unit, error)

	// Bills
	GetBill(ctx context.Context, id BillID) (*Bill, error)
	BillsForUnit(ctx context.Context, unitID UnitID) ([]Bill, error)
	SaveBill(ctx context.Context, b Bill) error

	// Credit ledger (append-only)
	CreditBalance(ctx context.Context, unitID UnitID) (int64, error)
	CreditHistory(ctx context.Context, unitID UnitID) ([]CreditEntry, error)
	AppendCreditEntry(ctx context.Context, e CreditEntry) error

	// Payments
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	PaymentsForUnit(ctx context.Context, unitID UnitID) ([]Payment, error)
	SavePayment(ctx context.Context, p Payment) error
	DeletePayment(ctx context.Context, id PaymentID) error
}

// TxStore extends Store with a per-unit atomic transaction scope.
type TxStore interface {
	Store

	// WithUnitTx executes fn within a transaction serialized per unit.
	// If fn returns an error, every write is rolled back.
	WithUnitTx(ctx context.Context, unitID UnitID, fn func(Store) error) error
}
