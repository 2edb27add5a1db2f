package transfer

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/creatorhub/earnings/engine/pkg/cache"
	"github.com/creatorhub/earnings/engine/pkg/postgres/pgtesting"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	log := enginetesting.NewLogger()

	var err error
	testDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func newTestRegistry(t *testing.T, withCache bool) (*fakeStripe, *StripeAccountRegistry, *miniredis.Miniredis) {
	t.Helper()
	f, api := newFakeStripe(t)
	cfg := AccountRegistryConfig{
		Logger: enginetesting.NewLogger(),
		Pool:   pgtesting.NewTestPool(t, testDB),
		Stripe: api,
	}
	var mr *miniredis.Miniredis
	if withCache {
		mr = miniredis.RunT(t)
		c, err := cache.New(t.Context(), cache.Config{
			Logger: enginetesting.NewLogger(),
			Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		cfg.Cache = c
	}
	reg, err := NewStripeAccountRegistry(cfg)
	require.NoError(t, err)
	return f, reg, mr
}

func TestEarnings_Transfer_AccountRegistry(t *testing.T) {
	t.Parallel()

	t.Run("unknown creator", func(t *testing.T) {
		t.Parallel()
		_, reg, _ := newTestRegistry(t, false)

		_, err := reg.GetAccountStatus(t.Context(), "c1")
		require.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("account missing at stripe", func(t *testing.T) {
		t.Parallel()
		_, reg, _ := newTestRegistry(t, false)
		require.NoError(t, reg.SetAccount(t.Context(), "c1", "acct_gone"))

		_, err := reg.GetAccountStatus(t.Context(), "c1")
		require.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("reports payouts enabled", func(t *testing.T) {
		t.Parallel()
		f, reg, _ := newTestRegistry(t, false)
		f.accounts["acct_1"] = true
		f.accounts["acct_2"] = false
		require.NoError(t, reg.SetAccount(t.Context(), "c1", "acct_1"))
		require.NoError(t, reg.SetAccount(t.Context(), "c2", "acct_2"))

		st, err := reg.GetAccountStatus(t.Context(), "c1")
		require.NoError(t, err)
		require.Equal(t, &AccountStatus{
			CreatorID: "c1", ExternalAccountID: "acct_1", PayoutsEnabled: true, Email: "acct_1@example.com",
		}, st)

		st, err = reg.GetAccountStatus(t.Context(), "c2")
		require.NoError(t, err)
		require.False(t, st.PayoutsEnabled)
	})

	t.Run("caches status until the account changes", func(t *testing.T) {
		t.Parallel()
		f, reg, mr := newTestRegistry(t, true)
		f.accounts["acct_1"] = true
		f.accounts["acct_2"] = false
		require.NoError(t, reg.SetAccount(t.Context(), "c1", "acct_1"))

		for range 3 {
			st, err := reg.GetAccountStatus(t.Context(), "c1")
			require.NoError(t, err)
			require.True(t, st.PayoutsEnabled)
		}
		require.Equal(t, 1, f.accountCalls)
		require.True(t, mr.Exists("earnings:accounts:c1"))

		require.NoError(t, reg.SetAccount(t.Context(), "c1", "acct_2"))
		st, err := reg.GetAccountStatus(t.Context(), "c1")
		require.NoError(t, err)
		require.Equal(t, "acct_2", st.ExternalAccountID)
		require.False(t, st.PayoutsEnabled)
		require.Equal(t, 2, f.accountCalls)
	})
}
