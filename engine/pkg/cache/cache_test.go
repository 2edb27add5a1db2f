package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(t.Context(), Config{
		Logger: enginetesting.NewLogger(),
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestEarnings_Cache_Config(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	cfg = Config{Logger: enginetesting.NewLogger()}
	require.ErrorContains(t, cfg.Validate(), "redis url is required")

	cfg = Config{Logger: enginetesting.NewLogger(), URL: "redis://localhost:6379/0"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "earnings:", cfg.KeyPrefix)
}

func TestEarnings_Cache_JSON(t *testing.T) {
	t.Parallel()

	type entry struct {
		Account string `json:"account"`
		Enabled bool   `json:"enabled"`
	}

	t.Run("miss then hit", func(t *testing.T) {
		t.Parallel()
		c, mr := newTestClient(t)
		ctx := t.Context()

		var got entry
		ok, err := c.GetJSON(ctx, "accounts", "c1", &got)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, c.SetJSON(ctx, "accounts", "c1", entry{Account: "acct_1", Enabled: true}, time.Minute))
		require.True(t, mr.Exists("earnings:accounts:c1"))

		ok, err = c.GetJSON(ctx, "accounts", "c1", &got)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entry{Account: "acct_1", Enabled: true}, got)
	})

	t.Run("expires after ttl", func(t *testing.T) {
		t.Parallel()
		c, mr := newTestClient(t)
		ctx := t.Context()

		require.NoError(t, c.SetJSON(ctx, "accounts", "c1", entry{Account: "acct_1"}, time.Minute))
		mr.FastForward(2 * time.Minute)

		var got entry
		ok, err := c.GetJSON(ctx, "accounts", "c1", &got)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		c, mr := newTestClient(t)
		ctx := t.Context()

		require.NoError(t, c.SetJSON(ctx, "accounts", "c1", entry{}, time.Minute))
		require.NoError(t, c.Delete(ctx, "accounts", "c1"))
		require.False(t, mr.Exists("earnings:accounts:c1"))
		require.NoError(t, c.Delete(ctx, "accounts"))
	})

	t.Run("corrupt entry is an error", func(t *testing.T) {
		t.Parallel()
		c, mr := newTestClient(t)
		require.NoError(t, mr.Set("earnings:accounts:c1", "{not json"))

		var got entry
		_, err := c.GetJSON(t.Context(), "accounts", "c1", &got)
		require.Error(t, err)
	})
}

func TestEarnings_Cache_Lock(t *testing.T) {
	t.Parallel()

	t.Run("second owner is refused until release", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t)
		ctx := t.Context()

		lock, err := c.AcquireLock(ctx, "scheduler", time.Minute)
		require.NoError(t, err)

		_, err = c.AcquireLock(ctx, "scheduler", time.Minute)
		require.ErrorIs(t, err, ErrLockHeld)

		require.NoError(t, lock.Release(ctx))
		again, err := c.AcquireLock(ctx, "scheduler", time.Minute)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("expired lock can be taken over", func(t *testing.T) {
		t.Parallel()
		c, mr := newTestClient(t)
		ctx := t.Context()

		stale, err := c.AcquireLock(ctx, "scheduler", time.Minute)
		require.NoError(t, err)
		mr.FastForward(2 * time.Minute)

		fresh, err := c.AcquireLock(ctx, "scheduler", time.Minute)
		require.NoError(t, err)

		// Releasing the stale handle must not drop the new owner's lock.
		require.NoError(t, stale.Release(ctx))
		require.True(t, mr.Exists("earnings:lock:scheduler"))
		require.NoError(t, fresh.Release(ctx))
		require.False(t, mr.Exists("earnings:lock:scheduler"))
	})
}
