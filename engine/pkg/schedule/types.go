package schedule

import (
	"errors"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
)

var (
	ErrNotFound        = errors.New("payout schedule not found")
	ErrRunInProgress   = errors.New("payout scheduler run already in progress")
	ErrInvalidSchedule = errors.New("invalid payout schedule")
)

type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiWeekly  Frequency = "bi_weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Schedule is a creator's automatic payout configuration.
type Schedule struct {
	CreatorID           string      `json:"creator_id" validate:"required"`
	Frequency           Frequency   `json:"frequency" validate:"oneof=weekly bi_weekly monthly quarterly"`
	DayOfWeek           *int        `json:"day_of_week,omitempty" validate:"omitempty,min=0,max=6"`
	DayOfMonth          *int        `json:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	MinimumPayoutAmount money.Cents `json:"minimum_payout_amount" validate:"min=0"`
	AutoPayout          bool        `json:"auto_payout"`
	RequiresApproval    bool        `json:"requires_approval"`
	Active              bool        `json:"active"`
	NextPayoutDate      time.Time   `json:"next_payout_date"`
	LastRunAt           *time.Time  `json:"last_run_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Date truncates t to its UTC calendar day.
func Date(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextPayoutDate steps the schedule's current date forward by its frequency
// until it falls after today.
func NextPayoutDate(s Schedule, today time.Time) time.Time {
	today = Date(today)
	next := Date(s.NextPayoutDate)
	for !next.After(today) {
		next = step(next, s.Frequency, s.DayOfMonth)
	}
	return next
}

// FirstPayoutDate is the first date after today that matches the schedule's
// frequency and its preferred weekday or day of month.
func FirstPayoutDate(s Schedule, today time.Time) time.Time {
	today = Date(today)
	switch s.Frequency {
	case FrequencyWeekly, FrequencyBiWeekly:
		if s.DayOfWeek == nil {
			return step(today, s.Frequency, nil)
		}
		d := today.AddDate(0, 0, 1)
		for int(d.Weekday()) != *s.DayOfWeek {
			d = d.AddDate(0, 0, 1)
		}
		return d
	default:
		if s.DayOfMonth == nil {
			return step(today, s.Frequency, nil)
		}
		d := monthDay(today.Year(), today.Month(), *s.DayOfMonth)
		if !d.After(today) {
			d = monthDay(today.Year(), today.Month()+1, *s.DayOfMonth)
		}
		return d
	}
}

func step(d time.Time, f Frequency, dayOfMonth *int) time.Time {
	switch f {
	case FrequencyWeekly:
		return d.AddDate(0, 0, 7)
	case FrequencyBiWeekly:
		return d.AddDate(0, 0, 14)
	case FrequencyQuarterly:
		return addMonths(d, 3, dayOfMonth)
	default:
		return addMonths(d, 1, dayOfMonth)
	}
}

// addMonths keeps the pinned day, clamped to the end of shorter months.
// AddDate would roll Jan 31 over into March.
func addMonths(d time.Time, n int, dayOfMonth *int) time.Time {
	day := d.Day()
	if dayOfMonth != nil {
		day = *dayOfMonth
	}
	return monthDay(d.Year(), d.Month()+time.Month(n), day)
}

func monthDay(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, last)-1)
}
