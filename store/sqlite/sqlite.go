/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  units:          Unit records with per-unit fiscal/penalty configuration
  bills:          One row per period obligation; mutated only inside
                  payment/reversal transactions
  credit_ledger:  Append-only credit history. No UPDATE, no DELETE, ever.
  payments:       Recorded payments; the allocation recipe is stored as
                  JSON on the row and is immutable once written

CREDIT BALANCE:
  There is no stored balance column. CreditBalance is SUM(delta) over
  credit_ledger, so the balance can never drift from its history.

CONCURRENCY:
  Uses sync.RWMutex to serialize writers; SQLite WAL mode lets readers
  proceed. In production with PostgreSQL, row locks on the unit's records
  replace the mutex.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/strata/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		fiscal_year_start_month INTEGER NOT NULL DEFAULT 1,
		grace_days INTEGER NOT NULL DEFAULT 0,
		monthly_rate_percent TEXT NOT NULL DEFAULT '0',
		compounding TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		base_charge INTEGER NOT NULL,
		penalty INTEGER NOT NULL DEFAULT 0,
		paid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unpaid',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bills_unit
		ON bills(unit_id, due_date);
	CREATE INDEX IF NOT EXISTS idx_bills_unit_status
		ON bills(unit_id, status);
	-- One bill per unit per period.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_unit_period
		ON bills(unit_id, period);

	-- Credit ledger (append-only)
	CREATE TABLE IF NOT EXISTS credit_ledger (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		payment_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_ledger_unit
		ON credit_ledger(unit_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_credit_ledger_payment
		ON credit_ledger(payment_id) WHERE payment_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		payment_date TEXT NOT NULL,
		credit_delta INTEGER NOT NULL DEFAULT 0,
		allocations_json TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_unit
		ON payments(unit_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// UNITS
// =============================================================================

const unitColumns = `id, name, fiscal_year_start_month, grace_days, monthly_rate_percent, compounding, created_at`

func (s *Store) GetUnit(ctx context.Context, id billing.UnitID) (*billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUnit(ctx, s.db, id)
}

func getUnit(ctx context.Context, q querier, id billing.UnitID) (*billing.Unit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	u, err := scanUnit(rows)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUnit(rows *sql.Rows) (billing.Unit, error) {
	var (
		u           billing.Unit
		fiscalMonth int
		rate        string
		compounding string
		createdAt   string
	)
	err := rows.Scan(&u.ID, &u.Name, &fiscalMonth, &u.Penalty.GraceDays, &rate, &compounding, &createdAt)
	if err != nil {
		return u, fmt.Errorf("failed to scan unit: %w", err)
	}
	u.FiscalYearStartMonth = time.Month(fiscalMonth)
	// A rate that no longer parses is data corruption, not "no penalty".
	// Surface it; never quietly zero a unit's penalty rate.
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return u, fmt.Errorf("unit %s has unreadable penalty rate %q: %w", u.ID, rate, err)
	}
	u.Penalty.MonthlyRatePercent = parsed
	u.Penalty.Compounding = billing.CompoundingMode(compounding)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return u, nil
}

func (s *Store) SaveUnit(ctx context.Context, u billing.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveUnit(ctx, s.db, u)
}

func saveUnit(ctx context.Context, q querier, u billing.Unit) error {
	query := `
		INSERT INTO units (id, name, fiscal_year_start_month, grace_days, monthly_rate_percent, compounding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			fiscal_year_start_month = excluded.fiscal_year_start_month,
			grace_days = excluded.grace_days,
			monthly_rate_percent = excluded.monthly_rate_percent,
			compounding = excluded.compounding
	`
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, query,
		u.ID, u.Name, int(u.FiscalYearStartMonth),
		u.Penalty.GraceDays, u.Penalty.MonthlyRatePercent.String(), string(u.Penalty.Compounding),
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListUnits(ctx context.Context) ([]billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUnits(ctx, s.db)
}

func listUnits(ctx context.Context, q querier) ([]billing.Unit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM units ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []billing.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// =============================================================================
// BILLS
// =============================================================================

const billColumns = `id, unit_id, period, due_date, issued_at, base_charge, penalty, paid, status`

func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBill(ctx, s.db, id)
}

func getBill(ctx context.Context, q querier, id billing.BillID) (*billing.Bill, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	b, err := scanBill(rows)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) BillsForUnit(ctx context.Context, unitID billing.UnitID) ([]billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return billsForUnit(ctx, s.db, unitID)
}

func billsForUnit(ctx context.Context, q querier, unitID billing.UnitID) ([]billing.Bill, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE unit_id = ? ORDER BY due_date ASC, id ASC`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(rows *sql.Rows) (billing.Bill, error) {
	var (
		b        billing.Bill
		period   int
		dueDate  string
		issuedAt string
	)
	err := rows.Scan(&b.ID, &b.UnitID, &period, &dueDate, &issuedAt,
		&b.BaseCharge, &b.Penalty, &b.Paid, &b.Status)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}
	b.Period = billing.PeriodID(period)
	b.DueDate, _ = time.Parse(time.RFC3339, dueDate)
	b.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)
	return b, nil
}

func (s *Store) SaveBill(ctx context.Context, b billing.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBill(ctx, s.db, b)
}

func saveBill(ctx context.Context, q querier, b billing.Bill) error {
	query := `
		INSERT INTO bills (id, unit_id, period, due_date, issued_at, base_charge, penalty, paid, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			penalty = excluded.penalty,
			paid = excluded.paid,
			status = excluded.status
	`
	_, err := q.ExecContext(ctx, query,
		b.ID, b.UnitID, int(b.Period),
		b.DueDate.Format(time.RFC3339), b.IssuedAt.Format(time.RFC3339),
		b.BaseCharge, b.Penalty, b.Paid, string(b.Status),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("bill for period %s already exists: %w", b.Period, err)
	}
	return err
}

// =============================================================================
// CREDIT LEDGER (append-only)
// =============================================================================

func (s *Store) CreditBalance(ctx context.Context, unitID billing.UnitID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return creditBalance(ctx, s.db, unitID)
}

func creditBalance(ctx context.Context, q querier, unitID billing.UnitID) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE unit_id = ?`, unitID,
	).Scan(&balance)
	return balance, err
}

func (s *Store) CreditHistory(ctx context.Context, unitID billing.UnitID) ([]billing.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return creditHistory(ctx, s.db, unitID)
}

func creditHistory(ctx context.Context, q querier, unitID billing.UnitID) ([]billing.CreditEntry, error) {
	// rowid is insertion order. created_at only has second resolution, so
	// an apply-then-reverse pair written in the same second needs the
	// rowid tiebreak to read back in write order.
	rows, err := q.QueryContext(ctx,
		`SELECT id, unit_id, delta, reason, payment_id, created_at
		 FROM credit_ledger WHERE unit_id = ? ORDER BY created_at ASC, rowid ASC`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []billing.CreditEntry
	for rows.Next() {
		var (
			e         billing.CreditEntry
			paymentID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UnitID, &e.Delta, &e.Reason, &paymentID, &createdAt); err != nil {
			return nil, err
		}
		e.PaymentID = billing.PaymentID(paymentID.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AppendCreditEntry(ctx context.Context, e billing.CreditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendCreditEntry(ctx, s.db, e)
}

func appendCreditEntry(ctx context.Context, q querier, e billing.CreditEntry) error {
	// INSERT only. The ledger has no update or delete path.
	_, err := q.ExecContext(ctx,
		`INSERT INTO credit_ledger (id, unit_id, delta, reason, payment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UnitID, e.Delta, e.Reason,
		nullString(string(e.PaymentID)),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append credit entry: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, unit_id, amount, payment_date, credit_delta, allocations_json, idempotency_key, created_at`

func (s *Store) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, id)
}

func getPayment(ctx context.Context, q querier, id billing.PaymentID) (*billing.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPayment(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PaymentsForUnit(ctx context.Context, unitID billing.UnitID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paymentsForUnit(ctx, s.db, unitID)
}

func paymentsForUnit(ctx context.Context, q querier, unitID billing.UnitID) ([]billing.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE unit_id = ? ORDER BY created_at ASC, id ASC`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (billing.Payment, error) {
	var (
		p           billing.Payment
		paymentDate string
		allocations string
		idemKey     sql.NullString
		createdAt   string
	)
	err := rows.Scan(&p.ID, &p.UnitID, &p.Amount, &paymentDate, &p.CreditDelta,
		&allocations, &idemKey, &createdAt)
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.PaymentDate, _ = time.Parse(time.RFC3339, paymentDate)
	p.IdempotencyKey = idemKey.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	// A recipe that fails to parse is NOT silently dropped: the payment
	// comes back with nil allocations and the reversal engine treats
	// that as a fatal integrity error.
	if allocations != "" {
		if err := json.Unmarshal([]byte(allocations), &p.Allocations); err != nil {
			p.Allocations = nil
		}
	}
	return p, nil
}

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePayment(ctx, s.db, p)
}

func savePayment(ctx context.Context, q querier, p billing.Payment) error {
	allocations, err := json.Marshal(p.Allocations)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO payments (id, unit_id, amount, payment_date, credit_delta, allocations_json, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UnitID, p.Amount,
		p.PaymentDate.UTC().Format(time.RFC3339),
		p.CreditDelta, string(allocations),
		nullString(p.IdempotencyKey),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *Store) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePayment(ctx, s.db, id)
}

func deletePayment(ctx context.Context, q querier, id billing.PaymentID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (billing.TxStore interface)
// =============================================================================

// WithUnitTx executes fn inside a database transaction. The store-level
// mutex serializes write transactions, which satisfies the per-unit
// serialization contract. SQLITE_BUSY from competing connections maps to
// billing.ErrTxConflict so callers can retry.
func (s *Store) WithUnitTx(ctx context.Context, unitID billing.UnitID, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) {
			return billing.ErrTxConflict
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return billing.ErrTxConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every Store call through the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetUnit(ctx context.Context, id billing.UnitID) (*billing.Unit, error) {
	return getUnit(ctx, ts.tx, id)
}

func (ts *txStore) SaveUnit(ctx context.Context, u billing.Unit) error {
	return saveUnit(ctx, ts.tx, u)
}

func (ts *txStore) ListUnits(ctx context.Context) ([]billing.Unit, error) {
	return listUnits(ctx, ts.tx)
}

func (ts *txStore) GetBill(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	return getBill(ctx, ts.tx, id)
}

func (ts *txStore) BillsForUnit(ctx context.Context, unitID billing.UnitID) ([]billing.Bill, error) {
	return billsForUnit(ctx, ts.tx, unitID)
}

func (ts *txStore) SaveBill(ctx context.Context, b billing.Bill) error {
	return saveBill(ctx, ts.tx, b)
}

func (ts *txStore) CreditBalance(ctx context.Context, unitID billing.UnitID) (int64, error) {
	return creditBalance(ctx, ts.tx, unitID)
}

func (ts *txStore) CreditHistory(ctx context.Context, unitID billing.UnitID) ([]billing.CreditEntry, error) {
	return creditHistory(ctx, ts.tx, unitID)
}

func (ts *txStore) AppendCreditEntry(ctx context.Context, e billing.CreditEntry) error {
	return appendCreditEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	return getPayment(ctx, ts.tx, id)
}

func (ts *txStore) PaymentsForUnit(ctx context.Context, unitID billing.UnitID) ([]billing.Payment, error) {
	return paymentsForUnit(ctx, ts.tx, unitID)
}

func (ts *txStore) SavePayment(ctx context.Context, p billing.Payment) error {
	return savePayment(ctx, ts.tx, p)
}

func (ts *txStore) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	return deletePayment(ctx, ts.tx, id)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "credit_ledger", "bills", "units"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}
