package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEarnings_Schedule_Store(t *testing.T) {
	t.Parallel()

	t.Run("upsert fills the first payout date", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		s, err := f.store.Upsert(t.Context(), Schedule{
			CreatorID:           "c1",
			Frequency:           FrequencyMonthly,
			DayOfMonth:          intp(20),
			MinimumPayoutAmount: 5_000,
			AutoPayout:          true,
			Active:              true,
		})
		require.NoError(t, err)
		require.Equal(t, "2026-03-20", s.NextPayoutDate.Format(time.DateOnly))
		require.Equal(t, 20, *s.DayOfMonth)
		require.Nil(t, s.DayOfWeek)
		require.Nil(t, s.LastRunAt)

		s.RequiresApproval = true
		s.Frequency = FrequencyWeekly
		s.DayOfWeek = intp(5)
		s.DayOfMonth = nil
		updated, err := f.store.Upsert(t.Context(), *s)
		require.NoError(t, err)
		require.True(t, updated.RequiresApproval)
		require.Equal(t, FrequencyWeekly, updated.Frequency)
		require.Equal(t, 5, *updated.DayOfWeek)

		got, err := f.store.Get(t.Context(), "c1")
		require.NoError(t, err)
		require.Equal(t, updated, got)
	})

	t.Run("invalid schedules are refused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		for _, s := range []Schedule{
			{Frequency: FrequencyWeekly},
			{CreatorID: "c1", Frequency: "daily"},
			{CreatorID: "c1", Frequency: FrequencyWeekly, DayOfWeek: intp(7)},
			{CreatorID: "c1", Frequency: FrequencyMonthly, DayOfMonth: intp(0)},
			{CreatorID: "c1", Frequency: FrequencyMonthly, MinimumPayoutAmount: -1},
		} {
			_, err := f.store.Upsert(t.Context(), s)
			require.ErrorIs(t, err, ErrInvalidSchedule)
		}
	})

	t.Run("advance is conditional on the previous date", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		s := f.schedule(t, "c1", 0, false)
		next := NextPayoutDate(*s, f.clock.Now())

		ok, err := f.store.Advance(t.Context(), "c1", s.NextPayoutDate, next)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = f.store.Advance(t.Context(), "c1", s.NextPayoutDate, next.AddDate(0, 0, 7))
		require.NoError(t, err)
		require.False(t, ok)

		got, err := f.store.Get(t.Context(), "c1")
		require.NoError(t, err)
		require.Equal(t, next, got.NextPayoutDate)
		require.NotNil(t, got.LastRunAt)
	})

	t.Run("due selects active automatic schedules", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		today := Date(f.clock.Now())
		f.schedule(t, "due", 0, false)
		f.schedule(t, "inactive", 0, false)
		require.NoError(t, f.store.SetActive(t.Context(), "inactive", false))

		manual := Schedule{CreatorID: "manual", Frequency: FrequencyWeekly, Active: true, NextPayoutDate: today}
		_, err := f.store.Upsert(t.Context(), manual)
		require.NoError(t, err)

		later := Schedule{CreatorID: "later", Frequency: FrequencyWeekly, AutoPayout: true, Active: true, NextPayoutDate: today.AddDate(0, 0, 1)}
		_, err = f.store.Upsert(t.Context(), later)
		require.NoError(t, err)

		due, err := f.store.ListDue(t.Context(), today)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, "due", due[0].CreatorID)
	})

	t.Run("missing schedules", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.store.Get(t.Context(), "nobody")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, f.store.SetActive(t.Context(), "nobody", true), ErrNotFound)
	})
}
