package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata/billing-engine/billing"
	"github.com/strata/billing-engine/billing/store"
)

func TestMemory_WithUnitTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a bill, a credit entry, and a
	//        payment, then fails
	// WHEN: The error propagates
	// THEN: Every write is rolled back

	mem := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := mem.WithUnitTx(ctx, "unit-1", func(tx billing.Store) error {
		if err := tx.SaveBill(ctx, billing.Bill{ID: "bill-1", UnitID: "unit-1", BaseCharge: 1000}); err != nil {
			return err
		}
		if err := tx.AppendCreditEntry(ctx, billing.CreditEntry{
			ID: "entry-1", UnitID: "unit-1", Delta: 500, Reason: billing.CreditReasonPayment,
		}); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, billing.Payment{ID: "pay-1", UnitID: "unit-1", Amount: 1000}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bill, err := mem.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	assert.Nil(t, bill)

	balance, err := mem.CreditBalance(ctx, "unit-1")
	require.NoError(t, err)
	assert.Zero(t, balance)

	payment, err := mem.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Nil(t, payment)
}

func TestMemory_WithUnitTx_ConflictInjection(t *testing.T) {
	// GIVEN: Two injected conflicts
	// WHEN: Running transactions
	// THEN: The first two fail with ErrTxConflict, the third succeeds

	mem := store.NewMemory()
	ctx := context.Background()
	mem.TxConflicts = 2

	noop := func(billing.Store) error { return nil }
	assert.ErrorIs(t, mem.WithUnitTx(ctx, "unit-1", noop), billing.ErrTxConflict)
	assert.ErrorIs(t, mem.WithUnitTx(ctx, "unit-1", noop), billing.ErrTxConflict)
	assert.NoError(t, mem.WithUnitTx(ctx, "unit-1", noop))
}

func TestMemory_IdempotencyKeyFreedByDelete(t *testing.T) {
	// GIVEN: A payment recorded with an idempotency key, then deleted
	// WHEN: Recording a new payment with the same key
	// THEN: The key is free again - a reversed payment can be retried

	mem := store.NewMemory()
	ctx := context.Background()

	first := billing.Payment{ID: "pay-1", UnitID: "unit-1", Amount: 1000, IdempotencyKey: "k1", CreatedAt: time.Now().UTC()}
	require.NoError(t, mem.SavePayment(ctx, first))

	second := first
	second.ID = "pay-2"
	assert.ErrorIs(t, mem.SavePayment(ctx, second), billing.ErrDuplicateIdempotencyKey)

	require.NoError(t, mem.DeletePayment(ctx, first.ID))
	assert.NoError(t, mem.SavePayment(ctx, second))
}
