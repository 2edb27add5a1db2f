package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/creatorhub/earnings/engine/pkg/cache"
	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestEarnings_Schedule_SchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := SchedulerConfig{Logger: enginetesting.NewLogger()}
	require.ErrorContains(t, cfg.Validate(), "schedule store is required")
}

func TestEarnings_Schedule_RunOnce(t *testing.T) {
	t.Parallel()

	t.Run("below minimum skips but advances", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		s := f.schedule(t, "c1", 5_000, false)
		f.earnings(t, "c1", 1, 3_000)

		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, rep.Due)
		require.Equal(t, 1, rep.Skipped)
		require.Zero(t, rep.Processed)
		require.Empty(t, rep.Errors)
		require.Empty(t, f.requests(t, "c1"))

		got, err := f.store.Get(t.Context(), "c1")
		require.NoError(t, err)
		require.True(t, got.NextPayoutDate.After(s.NextPayoutDate))
		require.Equal(t, "2026-03-23", got.NextPayoutDate.Format(time.DateOnly))
		require.Equal(t, "2026-03-23", rep.Creators[0].NextPayoutDate)
	})

	t.Run("auto payout pays every eligible row", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.schedule(t, "c1", 1_000, false)
		jan := f.earnings(t, "c1", 1, 10_000)
		feb := f.earnings(t, "c1", 2, 5_000)
		f.earnings(t, "c1", 3, 500)

		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, rep.Processed)
		require.Equal(t, 2, rep.Creators[0].Paid)
		require.Len(t, rep.Creators[0].Requests, 2)
		require.Equal(t, 2, f.exec.Calls())

		for _, e := range []*ledger.Earnings{jan, feb} {
			row, err := f.ledger.Get(t.Context(), nil, e.ID)
			require.NoError(t, err)
			require.Equal(t, ledger.StatusPaid, row.PayoutStatus)
			require.NotNil(t, row.ScheduledPayoutDate)
			require.Equal(t, "2026-03-16", row.ScheduledPayoutDate.Format(time.DateOnly))
		}
		for _, r := range f.requests(t, "c1") {
			require.Equal(t, payout.RequestTypeAutomatic, r.RequestType)
			require.Equal(t, payout.SystemActor.ID, r.ApprovedBy)
		}
	})

	t.Run("running twice on the same day creates no duplicates", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.schedule(t, "c1", 0, true)
		f.earnings(t, "c1", 1, 10_000)
		f.earnings(t, "c1", 2, 10_000)

		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, rep.PendingApproval)
		require.Equal(t, 2, f.notifier.count(notify.PayoutPendingApproval))

		rep, err = f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Zero(t, rep.Due)

		// Force the schedule due again; open requests keep the rows out.
		s, err := f.store.Get(t.Context(), "c1")
		require.NoError(t, err)
		s.NextPayoutDate = Date(f.clock.Now())
		_, err = f.store.Upsert(t.Context(), *s)
		require.NoError(t, err)

		rep, err = f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, rep.Skipped)

		reqs := f.requests(t, "c1")
		require.Len(t, reqs, 2)
		for _, r := range reqs {
			require.Equal(t, payout.StatusPending, r.Status)
		}
		require.Zero(t, f.exec.Calls())
	})

	t.Run("account failures are isolated per creator", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.accounts.GetAccountStatusFunc = func(_ context.Context, creatorID string) (*transfer.AccountStatus, error) {
			switch creatorID {
			case "no-account":
				return nil, transfer.ErrAccountNotFound
			case "disabled":
				return &transfer.AccountStatus{CreatorID: creatorID, ExternalAccountID: "acct_d", PayoutsEnabled: false}, nil
			case "boom":
				panic("registry exploded")
			}
			return &transfer.AccountStatus{CreatorID: creatorID, ExternalAccountID: "acct_" + creatorID, PayoutsEnabled: true}, nil
		}
		for _, c := range []string{"no-account", "disabled", "boom", "ok"} {
			f.schedule(t, c, 0, false)
			f.earnings(t, c, 1, 10_000)
		}

		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 4, rep.Due)
		require.Equal(t, 1, rep.Processed)
		require.Len(t, rep.Errors, 3)
		require.Equal(t, "no connected payout account", rep.Errors["no-account"])
		require.Contains(t, rep.Errors["disabled"], "not enabled")
		require.Contains(t, rep.Errors["boom"], "panic: registry exploded")
		require.Len(t, f.requests(t, "ok"), 1)
		require.Empty(t, f.requests(t, "no-account"))

		failed, err := f.store.Get(t.Context(), "no-account")
		require.NoError(t, err)
		require.Equal(t, Date(f.clock.Now()), failed.NextPayoutDate)
		require.NotNil(t, failed.LastRunAt)

		ok, err := f.store.Get(t.Context(), "ok")
		require.NoError(t, err)
		require.True(t, ok.NextPayoutDate.After(Date(f.clock.Now())))
	})

	t.Run("report is archived and summarized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.schedule(t, "c1", 0, false)
		f.earnings(t, "c1", 1, 10_000)

		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.NotEmpty(t, rep.RunID)
		require.Equal(t, "2026/03/16/"+rep.RunID+".json", rep.ArchiveKey)
		require.Same(t, rep, f.archive.reports[rep.ArchiveKey])

		require.Len(t, f.notifier.runs, 1)
		run := f.notifier.runs[0]
		require.Equal(t, rep.RunID, run.RunID)
		require.Equal(t, 1, run.Processed)
		require.Empty(t, run.Errors)
	})

	t.Run("held run lock refuses the run", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		c, err := cache.New(t.Context(), cache.Config{Logger: enginetesting.NewLogger(), URL: "redis://" + mr.Addr()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		f := newFixture(t, func(cfg *SchedulerConfig) { cfg.Locker = c })
		f.schedule(t, "c1", 0, false)

		held, err := c.AcquireLock(t.Context(), runLockName, time.Minute)
		require.NoError(t, err)
		_, err = f.scheduler.RunOnce(t.Context())
		require.ErrorIs(t, err, ErrRunInProgress)

		require.NoError(t, held.Release(t.Context()))
		rep, err := f.scheduler.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, rep.Due)

		// The scheduler released its own lock.
		again, err := c.AcquireLock(t.Context(), runLockName, time.Minute)
		require.NoError(t, err)
		require.NoError(t, again.Release(t.Context()))
	})
}
