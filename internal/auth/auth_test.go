package auth_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerhq/kepler/internal/auth"
	"github.com/keplerhq/kepler/internal/billing"
	"github.com/keplerhq/kepler/internal/store"
)

func TestResolveAPIKey_StoreOnly(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	account := &billing.Account{Identity: "tg:1", APIKey: "kp_abc"}
	require.NoError(t, mem.CreateAccount(ctx, account))

	a := auth.NewAuthenticator(nil, mem, zerolog.Nop())

	got, err := a.ResolveAPIKey(ctx, "kp_abc")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = a.ResolveAPIKey(ctx, "kp_missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// An empty key never reaches the store.
	_, err = a.ResolveAPIKey(ctx, "")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	// CacheAPIKey is a no-op without Redis.
	assert.NoError(t, a.CacheAPIKey(ctx, "kp_abc", account.ID))
}
