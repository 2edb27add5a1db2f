package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intp(v int) *int { return &v }

func TestEarnings_Schedule_NextPayoutDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		freq       Frequency
		dayOfMonth *int
		next       string
		today      string
		want       string
	}{
		{name: "weekly", freq: FrequencyWeekly, next: "2026-03-16", today: "2026-03-16", want: "2026-03-23"},
		{name: "weekly catches up missed runs", freq: FrequencyWeekly, next: "2026-03-02", today: "2026-03-16", want: "2026-03-23"},
		{name: "bi-weekly", freq: FrequencyBiWeekly, next: "2026-03-16", today: "2026-03-16", want: "2026-03-30"},
		{name: "monthly keeps day", freq: FrequencyMonthly, next: "2026-03-16", today: "2026-03-16", want: "2026-04-16"},
		{name: "monthly clamps to february", freq: FrequencyMonthly, dayOfMonth: intp(31), next: "2026-01-31", today: "2026-01-31", want: "2026-02-28"},
		{name: "monthly returns to pinned day", freq: FrequencyMonthly, dayOfMonth: intp(31), next: "2026-02-28", today: "2026-02-28", want: "2026-03-31"},
		{name: "monthly leap year", freq: FrequencyMonthly, dayOfMonth: intp(30), next: "2024-01-30", today: "2024-01-30", want: "2024-02-29"},
		{name: "quarterly", freq: FrequencyQuarterly, dayOfMonth: intp(30), next: "2025-11-30", today: "2025-11-30", want: "2026-02-28"},
		{name: "quarterly across year", freq: FrequencyQuarterly, next: "2025-12-15", today: "2026-01-02", want: "2026-03-15"},
		{name: "future date unchanged", freq: FrequencyWeekly, next: "2026-04-01", today: "2026-03-16", want: "2026-04-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Schedule{Frequency: tt.freq, DayOfMonth: tt.dayOfMonth, NextPayoutDate: day(tt.next)}
			got := NextPayoutDate(s, day(tt.today).Add(15*time.Hour))
			require.Equal(t, tt.want, got.Format(time.DateOnly))
			require.True(t, got.After(day(tt.today)))
		})
	}
}

func TestEarnings_Schedule_FirstPayoutDate(t *testing.T) {
	t.Parallel()

	monday := day("2026-03-16")
	tests := []struct {
		name  string
		s     Schedule
		today time.Time
		want  string
	}{
		{name: "weekly on friday", s: Schedule{Frequency: FrequencyWeekly, DayOfWeek: intp(int(time.Friday))}, today: monday, want: "2026-03-20"},
		{name: "weekly on today's weekday", s: Schedule{Frequency: FrequencyWeekly, DayOfWeek: intp(int(time.Monday))}, today: monday, want: "2026-03-23"},
		{name: "bi-weekly without weekday", s: Schedule{Frequency: FrequencyBiWeekly}, today: monday, want: "2026-03-30"},
		{name: "monthly later this month", s: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intp(20)}, today: monday, want: "2026-03-20"},
		{name: "monthly next month", s: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intp(10)}, today: monday, want: "2026-04-10"},
		{name: "monthly clamps", s: Schedule{Frequency: FrequencyMonthly, DayOfMonth: intp(31)}, today: day("2026-02-10"), want: "2026-02-28"},
		{name: "quarterly without day", s: Schedule{Frequency: FrequencyQuarterly}, today: monday, want: "2026-06-16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FirstPayoutDate(tt.s, tt.today).Format(time.DateOnly))
		})
	}
}

func TestEarnings_Schedule_Date(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	got := Date(time.Date(2026, 3, 16, 22, 30, 0, 0, loc))
	require.Equal(t, time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC), got)
}
