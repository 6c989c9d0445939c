// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/strata/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	units    map[billing.UnitID]billing.Unit
	bills    map[billing.BillID]billing.Bill
	credits  map[billing.UnitID][]billing.CreditEntry
	payments map[billing.PaymentID]billing.Payment
	idemKeys map[string]billing.PaymentID

	// TxConflicts makes the next n WithUnitTx calls fail with
	// billing.ErrTxConflict before running fn. Tests use it to exercise the
	// service's bounded retry.
	TxConflicts int
}

func NewMemory() *Memory {
	return &Memory{
		units:    make(map[billing.UnitID]billing.Unit),
		bills:    make(map[billing.BillID]billing.Bill),
		credits:  make(map[billing.UnitID][]billing.CreditEntry),
		payments: make(map[billing.PaymentID]billing.Payment),
		idemKeys: make(map[string]billing.PaymentID),
	}
}

// --- Units ---

func (m *Memory) GetUnit(_ context.Context, id billing.UnitID) (*billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) SaveUnit(_ context.Context, u billing.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return nil
}

func (m *Memory) ListUnits(_ context.Context) ([]billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Bills ---

func (m *Memory) GetBill(_ context.Context, id billing.BillID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) BillsForUnit(_ context.Context, unitID billing.UnitID) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Bill
	for _, b := range m.bills {
		if b.UnitID == unitID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SaveBill(_ context.Context, b billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills[b.ID] = b
	return nil
}

// --- Credit ledger ---

func (m *Memory) CreditBalance(_ context.Context, unitID billing.UnitID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.credits[unitID] {
		sum += e.Delta
	}
	return sum, nil
}

func (m *Memory) CreditHistory(_ context.Context, unitID billing.UnitID) ([]billing.CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.CreditEntry, len(m.credits[unitID]))
	copy(out, m.credits[unitID])
	return out, nil
}

func (m *Memory) AppendCreditEntry(_ context.Context, e billing.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[e.UnitID] = append(m.credits[e.UnitID], e)
	return nil
}

// --- Payments ---

func (m *Memory) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) PaymentsForUnit(_ context.Context, unitID billing.UnitID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if p.UnitID == unitID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SavePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != "" {
		if _, exists := m.idemKeys[p.IdempotencyKey]; exists {
			return billing.ErrDuplicateIdempotencyKey
		}
		m.idemKeys[p.IdempotencyKey] = p.ID
	}
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) DeletePayment(_ context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return billing.ErrPaymentNotFound
	}
	if p.IdempotencyKey != "" {
		delete(m.idemKeys, p.IdempotencyKey)
	}
	delete(m.payments, id)
	return nil
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback on error
// =============================================================================

// WithUnitTx executes fn against the store, rolling back on error. The
// global lock serializes all transactions, which trivially satisfies the
// per-unit serialization contract.
func (m *Memory) WithUnitTx(ctx context.Context, unitID billing.UnitID, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TxConflicts > 0 {
		m.TxConflicts--
		return billing.ErrTxConflict
	}

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	units    map[billing.UnitID]billing.Unit
	bills    map[billing.BillID]billing.Bill
	credits  map[billing.UnitID][]billing.CreditEntry
	payments map[billing.PaymentID]billing.Payment
	idemKeys map[string]billing.PaymentID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		units:    make(map[billing.UnitID]billing.Unit, len(m.units)),
		bills:    make(map[billing.BillID]billing.Bill, len(m.bills)),
		credits:  make(map[billing.UnitID][]billing.CreditEntry, len(m.credits)),
		payments: make(map[billing.PaymentID]billing.Payment, len(m.payments)),
		idemKeys: make(map[string]billing.PaymentID, len(m.idemKeys)),
	}
	for k, v := range m.units {
		s.units[k] = v
	}
	for k, v := range m.bills {
		s.bills[k] = v
	}
	for k, v := range m.credits {
		s.credits[k] = append([]billing.CreditEntry{}, v...)
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.idemKeys {
		s.idemKeys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.units = s.units
	m.bills = s.bills
	m.credits = s.credits
	m.payments = s.payments
	m.idemKeys = s.idemKeys
}

// txView gives fn unlocked access to the already-locked parent store.
type txView struct {
	parent *Memory
}

func (tv *txView) GetUnit(_ context.Context, id billing.UnitID) (*billing.Unit, error) {
	u, ok := tv.parent.units[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (tv *txView) SaveUnit(_ context.Context, u billing.Unit) error {
	tv.parent.units[u.ID] = u
	return nil
}

func (tv *txView) ListUnits(_ context.Context) ([]billing.Unit, error) {
	out := make([]billing.Unit, 0, len(tv.parent.units))
	for _, u := range tv.parent.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tv *txView) GetBill(_ context.Context, id billing.BillID) (*billing.Bill, error) {
	b, ok := tv.parent.bills[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (tv *txView) BillsForUnit(_ context.Context, unitID billing.UnitID) ([]billing.Bill, error) {
	var out []billing.Bill
	for _, b := range tv.parent.bills {
		if b.UnitID == unitID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tv *txView) SaveBill(_ context.Context, b billing.Bill) error {
	tv.parent.bills[b.ID] = b
	return nil
}

func (tv *txView) CreditBalance(_ context.Context, unitID billing.UnitID) (int64, error) {
	var sum int64
	for _, e := range tv.parent.credits[unitID] {
		sum += e.Delta
	}
	return sum, nil
}

func (tv *txView) CreditHistory(_ context.Context, unitID billing.UnitID) ([]billing.CreditEntry, error) {
	out := make([]billing.CreditEntry, len(tv.parent.credits[unitID]))
	copy(out, tv.parent.credits[unitID])
	return out, nil
}

func (tv *txView) AppendCreditEntry(_ context.Context, e billing.CreditEntry) error {
	tv.parent.credits[e.UnitID] = append(tv.parent.credits[e.UnitID], e)
	return nil
}

func (tv *txView) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, ok := tv.parent.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (tv *txView) PaymentsForUnit(_ context.Context, unitID billing.UnitID) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range tv.parent.payments {
		if p.UnitID == unitID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tv *txView) SavePayment(_ context.Context, p billing.Payment) error {
	if p.IdempotencyKey != "" {
		if _, exists := tv.parent.idemKeys[p.IdempotencyKey]; exists {
			return billing.ErrDuplicateIdempotencyKey
		}
		tv.parent.idemKeys[p.IdempotencyKey] = p.ID
	}
	tv.parent.payments[p.ID] = p
	return nil
}

func (tv *txView) DeletePayment(_ context.Context, id billing.PaymentID) error {
	p, ok := tv.parent.payments[id]
	if !ok {
		return billing.ErrPaymentNotFound
	}
	if p.IdempotencyKey != "" {
		delete(tv.parent.idemKeys, p.IdempotencyKey)
	}
	delete(tv.parent.payments, id)
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = make(map[billing.UnitID]billing.Unit)
	m.bills = make(map[billing.BillID]billing.Bill)
	m.credits = make(map[billing.UnitID][]billing.CreditEntry)
	m.payments = make(map[billing.PaymentID]billing.Payment)
	m.idemKeys = make(map[string]billing.PaymentID)
	return nil
}
