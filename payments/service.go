/*
Package payments applies and reverses payments against a unit's bills.

PURPOSE:
  The one writer of bills and credit. Wraps the billing planner with the
  transactional apply/reverse lifecycle:

  Apply:   fresh read -> plan -> mutate bills -> append credit entry ->
           persist payment with its complete allocation recipe.
  Reverse: load the stored recipe -> undo each line -> append the inverse
           credit entry -> remove the payment record.

WHY THE RECIPE MATTERS:
  Reversal never recomputes anything. The payment row carries the complete
  list of what the payment did, and reversal is the exact mirror of that
  list. A payment whose recipe is missing or doesn't sum to its amount is
  a data-integrity failure: the service refuses to reverse it and surfaces
  the error loudly. A reversal that silently does nothing is the worst
  possible outcome - money vanishes from the audit trail.

CONCURRENCY:
  Every apply/reverse runs inside a single unit-scoped transaction. On
  conflict the whole operation retries from a fresh read, bounded by
  configuration. Retrying is safe precisely because nothing is planned
  outside the transaction.

SEE ALSO:
  - billing/allocation.go: The planner this service drives
  - billing/store.go: The transactional store contract
*/
package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/strata/billing-engine/billing"
)

// =============================================================================
// CONFIG
// =============================================================================

// Defaults supplies engine-level settings used when a unit carries no
// overrides of its own.
type Defaults struct {
	Calendar    billing.FiscalCalendar
	Penalty     billing.PenaltyConfig
	CreditFirst bool
}

// RetryPolicy bounds how hard the service fights transaction conflicts
// before giving up with a retryable error.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is used when the caller passes a zero RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 25 * time.Millisecond}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the payment application and reversal engine.
type Service struct {
	store    billing.TxStore
	defaults Defaults
	retry    RetryPolicy
}

// New creates a payment service over the given store.
func New(store billing.TxStore, defaults Defaults, retry RetryPolicy) *Service {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Service{store: store, defaults: defaults, retry: retry}
}

// planConfigFor resolves the effective planner config for a unit: unit
// overrides win, engine defaults fill the gaps.
func (s *Service) planConfigFor(u *billing.Unit) billing.PlanConfig {
	cfg := billing.PlanConfig{
		Calendar:    s.defaults.Calendar,
		Penalty:     s.defaults.Penalty,
		CreditFirst: s.defaults.CreditFirst,
	}
	if u.FiscalYearStartMonth != 0 {
		cfg.Calendar = billing.FiscalCalendar{StartMonth: u.FiscalYearStartMonth}
	}
	if !u.Penalty.IsZero() {
		cfg.Penalty = u.Penalty
	}
	return cfg
}

// =============================================================================
// ADMIN - unit and bill creation
// =============================================================================

// CreateUnit registers a unit. A missing ID gets a generated one; a zero
// fiscal-year start month inherits the engine default.
func (s *Service) CreateUnit(ctx context.Context, u billing.Unit) (*billing.Unit, error) {
	if u.ID == "" {
		u.ID = billing.UnitID(uuid.New().String())
	}
	if u.FiscalYearStartMonth == 0 {
		u.FiscalYearStartMonth = s.defaults.Calendar.StartMonth
	}
	if u.FiscalYearStartMonth < time.January || u.FiscalYearStartMonth > time.December {
		return nil, fmt.Errorf("%w: %d", billing.ErrInvalidFiscalMonth, u.FiscalYearStartMonth)
	}
	u.CreatedAt = time.Now().UTC()
	if err := s.store.SaveUnit(ctx, u); err != nil {
		return nil, err
	}
	return &u, nil
}

// IssueBill creates an unpaid bill for the period containing dueDate,
// resolved against the unit's fiscal calendar.
func (s *Service) IssueBill(ctx context.Context, unitID billing.UnitID, baseCharge int64, dueDate, issuedAt time.Time) (*billing.Bill, error) {
	if baseCharge < 0 {
		return nil, billing.ErrNegativeAmount
	}
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, billing.ErrUnitNotFound
	}

	period, err := s.planConfigFor(unit).Calendar.Resolve(dueDate)
	if err != nil {
		return nil, err
	}
	if issuedAt.IsZero() {
		issuedAt = dueDate
	}

	bill := billing.Bill{
		ID:         billing.BillID(uuid.New().String()),
		UnitID:     unitID,
		Period:     period,
		DueDate:    dueDate,
		IssuedAt:   issuedAt,
		BaseCharge: baseCharge,
		Status:     billing.BillUnpaid,
	}
	if err := s.store.SaveBill(ctx, bill); err != nil {
		return nil, err
	}
	return &bill, nil
}

// =============================================================================
// PREVIEW
// =============================================================================

// Preview plans a payment without applying it. amount may be zero, which
// yields a zero-effect plan showing recomputed penalties and nothing else.
// Plain reads - no transaction, nothing is written.
func (s *Service) Preview(ctx context.Context, unitID billing.UnitID, amount int64, paymentDate time.Time) (*billing.AllocationPlan, error) {
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, billing.ErrUnitNotFound
	}

	bills, err := s.store.BillsForUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	credit, err := s.store.CreditBalance(ctx, unitID)
	if err != nil {
		return nil, err
	}

	plan, err := billing.PlanAllocation(bills, amount, paymentDate, credit, s.planConfigFor(unit))
	if err != nil {
		return nil, err
	}
	plan.UnitID = unitID
	return plan, nil
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyRequest carries everything needed to record a payment.
// IdempotencyKey is optional; when set, a second apply with the same key
// fails with ErrDuplicateIdempotencyKey instead of double-charging.
type ApplyRequest struct {
	UnitID         billing.UnitID
	Amount         int64
	PaymentDate    time.Time
	IdempotencyKey string
}

// ApplyPayment records a payment: plans the distribution against fresh
// state, updates every touched bill, appends one credit entry, and persists
// the payment with its complete allocation recipe. All inside one
// unit-scoped transaction; conflicts retry from scratch.
func (s *Service) ApplyPayment(ctx context.Context, req ApplyRequest) (*billing.Payment, error) {
	if req.Amount <= 0 {
		return nil, billing.ErrInvalidPaymentAmount
	}

	var payment *billing.Payment
	err := s.withRetry(ctx, func() error {
		return s.store.WithUnitTx(ctx, req.UnitID, func(tx billing.Store) error {
			p, err := s.applyInTx(ctx, tx, req)
			if err != nil {
				return err
			}
			payment = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// applyInTx does the actual work against the transaction's view.
func (s *Service) applyInTx(ctx context.Context, tx billing.Store, req ApplyRequest) (*billing.Payment, error) {
	unit, err := tx.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, billing.ErrUnitNotFound
	}

	bills, err := tx.BillsForUnit(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}
	credit, err := tx.CreditBalance(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}

	plan, err := billing.PlanAllocation(bills, req.Amount, req.PaymentDate, credit, s.planConfigFor(unit))
	if err != nil {
		return nil, err
	}
	plan.UnitID = req.UnitID

	// Apply the plan to each touched bill: persist the recomputed penalty,
	// add the granted amounts, re-derive status.
	byID := make(map[billing.BillID]billing.Bill, len(bills))
	for _, b := range bills {
		byID[b.ID] = b
	}
	touched := make(map[billing.BillID]bool)
	for _, line := range plan.Lines {
		b := byID[line.BillID]
		if pen, ok := plan.PenaltyRevisions[line.BillID]; ok {
			b.Penalty = pen
		}
		b.Paid += line.Amount
		b.Status = billing.DeriveStatus(b.Paid, b.TotalDue())
		byID[line.BillID] = b
		touched[line.BillID] = true
	}
	for id := range touched {
		if err := tx.SaveBill(ctx, byID[id]); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	payment := billing.Payment{
		ID:             billing.PaymentID(uuid.New().String()),
		UnitID:         req.UnitID,
		Amount:         req.Amount,
		PaymentDate:    req.PaymentDate,
		CreditDelta:    plan.CreditDelta,
		Allocations:    plan.Allocations(),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	// One credit entry per payment, even at zero delta: the ledger is the
	// complete story of what each payment did to credit.
	entry := billing.CreditEntry{
		ID:        billing.CreditEntryID(uuid.New().String()),
		UnitID:    req.UnitID,
		Delta:     plan.CreditDelta,
		Reason:    billing.CreditReasonPayment,
		PaymentID: payment.ID,
		CreatedAt: now,
	}
	if err := tx.AppendCreditEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := tx.SavePayment(ctx, payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// ReversePayment undoes a recorded payment using its stored allocation
// recipe. Every bill line is decremented, statuses re-derived, the credit
// delta negated via a new ledger entry, and the payment record removed.
// Atomic like apply, and retried the same way.
//
// A payment whose recipe is missing or doesn't sum to its amount fails with
// a fatal CorruptRecipeError - never a silent partial reversal.
func (s *Service) ReversePayment(ctx context.Context, paymentID billing.PaymentID) error {
	// Cheap read outside the transaction just to learn which unit to lock.
	// Everything that matters is re-read inside.
	peek, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if peek == nil {
		return billing.ErrPaymentNotFound
	}

	return s.withRetry(ctx, func() error {
		return s.store.WithUnitTx(ctx, peek.UnitID, func(tx billing.Store) error {
			return s.reverseInTx(ctx, tx, paymentID)
		})
	})
}

func (s *Service) reverseInTx(ctx context.Context, tx billing.Store, paymentID billing.PaymentID) error {
	payment, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return billing.ErrPaymentNotFound
	}

	if err := validateRecipe(payment); err != nil {
		// Loud by contract: this is the failure mode the whole recipe
		// design exists to prevent.
		log.Printf("[Payments] FATAL integrity failure reversing %s: %v", paymentID, err)
		return err
	}

	// Undo each bill line. Penalty stays at its recomputed value; only
	// paid amounts and statuses roll back.
	for _, a := range payment.Allocations {
		if a.Target == billing.TargetCredit {
			continue
		}
		bill, err := tx.GetBill(ctx, a.BillID)
		if err != nil {
			return err
		}
		if bill == nil {
			return &billing.CorruptRecipeError{
				PaymentID: paymentID,
				Detail:    fmt.Sprintf("allocation references missing bill %s", a.BillID),
			}
		}
		bill.Paid -= a.Amount
		if bill.Paid < 0 {
			return &billing.CorruptRecipeError{
				PaymentID: paymentID,
				Detail:    fmt.Sprintf("reversing %d on bill %s would drive paid below zero", a.Amount, a.BillID),
			}
		}
		bill.Status = billing.DeriveStatus(bill.Paid, bill.TotalDue())
		if err := tx.SaveBill(ctx, *bill); err != nil {
			return err
		}
	}

	// The exact negation of the payment's credit movement, appended - the
	// original entry stays in the ledger.
	entry := billing.CreditEntry{
		ID:        billing.CreditEntryID(uuid.New().String()),
		UnitID:    payment.UnitID,
		Delta:     -payment.CreditDelta,
		Reason:    billing.CreditReasonReversal,
		PaymentID: payment.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.AppendCreditEntry(ctx, entry); err != nil {
		return err
	}

	return tx.DeletePayment(ctx, payment.ID)
}

// validateRecipe checks the stored allocation list before trusting it.
func validateRecipe(p *billing.Payment) error {
	if len(p.Allocations) == 0 {
		return &billing.CorruptRecipeError{PaymentID: p.ID, Detail: "no allocations stored"}
	}
	var sum int64
	var creditLines int
	for _, a := range p.Allocations {
		switch a.Target {
		case billing.TargetCredit:
			creditLines++
			if a.Amount != p.CreditDelta {
				return &billing.CorruptRecipeError{
					PaymentID: p.ID,
					Detail:    fmt.Sprintf("credit line %d disagrees with recorded delta %d", a.Amount, p.CreditDelta),
				}
			}
		case billing.TargetPenalty, billing.TargetBase:
			if a.Amount <= 0 || a.BillID == "" {
				return &billing.CorruptRecipeError{PaymentID: p.ID, Detail: "malformed bill line"}
			}
		default:
			return &billing.CorruptRecipeError{
				PaymentID: p.ID,
				Detail:    fmt.Sprintf("unknown allocation target %q", a.Target),
			}
		}
		sum += a.Amount
	}
	if creditLines > 1 {
		return &billing.CorruptRecipeError{PaymentID: p.ID, Detail: "multiple credit lines"}
	}
	if sum != p.Amount {
		return &billing.CorruptRecipeError{
			PaymentID: p.ID,
			Detail:    fmt.Sprintf("allocations sum to %d, payment amount is %d", sum, p.Amount),
		}
	}
	return nil
}

// =============================================================================
// RETRY
// =============================================================================

// withRetry runs op, retrying on transaction conflicts with linear backoff.
// Only ErrTxConflict retries; everything else surfaces immediately.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err = op()
		if err == nil || !billing.IsRetryable(err) {
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.Backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", s.retry.MaxAttempts, err)
}

// Statement builds the unit's read-only statement as of a date, using the
// unit's effective configuration.
func (s *Service) Statement(ctx context.Context, unitID billing.UnitID, asOf time.Time) (billing.Statement, error) {
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return billing.Statement{}, err
	}
	if unit == nil {
		return billing.Statement{}, billing.ErrUnitNotFound
	}
	cfg := s.planConfigFor(unit)
	sb := billing.StatementBuilder{Store: s.store, Calendar: cfg.Calendar, Penalty: cfg.Penalty}
	return sb.Build(ctx, unitID, asOf)
}
