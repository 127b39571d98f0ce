package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerhq/kepler/internal/billing"
	"github.com/keplerhq/kepler/internal/store"
)

func seedAccount(t *testing.T, mem *store.Memory, identity string, balance billing.Amount) *billing.Account {
	t.Helper()
	ctx := context.Background()
	account := &billing.Account{Identity: identity, APIKey: "kp_" + identity}
	require.NoError(t, mem.CreateAccount(ctx, account))
	if balance > 0 {
		_, err := mem.Credit(ctx, account.ID, balance, "seed", nil)
		require.NoError(t, err)
		account.Balance = balance
	}
	return account
}

func seedRecord(t *testing.T, mem *store.Memory, accountID int64, uuid string) *billing.WorkRecord {
	t.Helper()
	rec := &billing.WorkRecord{
		UUID:      uuid,
		AccountID: accountID,
		Epochs:    50,
		Status:    billing.StatusProcessing,
	}
	require.NoError(t, mem.CreateWorkRecord(context.Background(), rec))
	return rec
}

func TestMemory_SettleSuccess(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:1", billing.Credits(10))
	rec := seedRecord(t, mem, account.ID, "uuid-1")

	rec.Status = billing.StatusCompleted
	require.NoError(t, mem.SettleSuccess(ctx, rec, 600, "prediction uuid-1 (50 epochs)"))

	balance, err := mem.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Amount(99_400), balance)

	stored, err := mem.WorkRecordByUUID(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCompleted, stored.Status)
	require.NotNil(t, stored.TotalCost)
	assert.Equal(t, billing.Amount(600), *stored.TotalCost)
}

func TestMemory_SettleSuccessIdempotent(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:2", billing.Credits(10))
	rec := seedRecord(t, mem, account.ID, "uuid-2")

	require.NoError(t, mem.SettleSuccess(ctx, rec, 600, "charge"))
	err := mem.SettleSuccess(ctx, rec, 600, "charge")
	assert.ErrorIs(t, err, billing.ErrAlreadySettled)

	// One debit only.
	balance, err := mem.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Amount(99_400), balance)
	entries, err := mem.LedgerHistory(ctx, account.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemory_SettleFailureIdempotent(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:3", billing.Credits(10))
	rec := seedRecord(t, mem, account.ID, "uuid-3")

	rec.FailureReason = "engine crashed"
	require.NoError(t, mem.SettleFailure(ctx, rec))
	assert.ErrorIs(t, mem.SettleFailure(ctx, rec), billing.ErrAlreadySettled)
	assert.ErrorIs(t, mem.SettleSuccess(ctx, rec, 600, "late"), billing.ErrAlreadySettled)

	// Failures never touch the ledger.
	entries, err := mem.LedgerHistory(ctx, account.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_SettleSuccessInsufficientBalance(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:4", 500)
	rec := seedRecord(t, mem, account.ID, "uuid-4")

	err := mem.SettleSuccess(ctx, rec, 600, "charge")
	var insufficient *billing.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, billing.Amount(600), insufficient.Required)
	assert.Equal(t, billing.Amount(500), insufficient.Available)

	// The rejected settlement changes nothing: balance intact, record
	// still processing, no ledger entry.
	balance, err := mem.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Amount(500), balance)
	stored, err := mem.WorkRecordByUUID(ctx, "uuid-4")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusProcessing, stored.Status)
	entries, err := mem.LedgerHistory(ctx, account.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_LedgerSumInvariant(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:5", billing.Credits(10))

	rec := seedRecord(t, mem, account.ID, "uuid-5")
	require.NoError(t, mem.SettleSuccess(ctx, rec, 600, "charge"))
	_, err := mem.Credit(ctx, account.ID, billing.Credits(5), "top-up", nil)
	require.NoError(t, err)

	balance, err := mem.Balance(ctx, account.ID)
	require.NoError(t, err)
	sum, err := mem.SumLedger(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, billing.Amount(149_400), balance) // 10 - 0.06 + 5
}

func TestMemory_LedgerHistoryOrderAndLimit(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:6", 0)
	other := seedAccount(t, mem, "tg:7", 0)

	for _, desc := range []string{"first", "second", "third"} {
		_, err := mem.Credit(ctx, account.ID, 100, desc, nil)
		require.NoError(t, err)
	}
	_, err := mem.Credit(ctx, other.ID, 100, "unrelated", nil)
	require.NoError(t, err)

	entries, err := mem.LedgerHistory(ctx, account.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "third", entries[0].Description)
	assert.Equal(t, "first", entries[2].Description)

	limited, err := mem.LedgerHistory(ctx, account.ID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "third", limited[0].Description)
	assert.Equal(t, "second", limited[1].Description)
}

func TestMemory_Lookups(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	account := seedAccount(t, mem, "tg:8", 0)

	byKey, err := mem.ResolveAPIKey(ctx, account.APIKey)
	require.NoError(t, err)
	assert.Equal(t, account.ID, byKey.ID)
	_, err = mem.ResolveAPIKey(ctx, "kp_missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	byIdentity, err := mem.AccountByIdentity(ctx, "tg:8")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byIdentity.ID)

	_, err = mem.WorkRecordByUUID(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestMemory_ActiveTierLowestID(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateTier(ctx, &billing.PricingTier{Name: "config0", Active: false}))
	require.NoError(t, mem.CreateTier(ctx, &billing.PricingTier{Name: "config1", Active: true}))
	require.NoError(t, mem.CreateTier(ctx, &billing.PricingTier{Name: "config2", Active: true}))

	tier, err := mem.ActiveTier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "config1", tier.Name)
}
