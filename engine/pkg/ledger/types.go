package ledger

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("earnings row not found")
	ErrInvalidTransition = errors.New("invalid payout status transition")
	ErrStatusConflict    = errors.New("earnings row is not in the expected payout status")
	ErrInvalidPeriod     = errors.New("invalid accounting period")
	ErrNegativeAmount    = errors.New("accrual amounts must not be negative")
	ErrFeesExceedGross   = errors.New("accrual fees exceed gross earnings")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusPaid, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether payout status may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Period is an inclusive range of calendar dates.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidPeriod)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod, p.End.Format(time.DateOnly), p.Start.Format(time.DateOnly))
	}
	return nil
}

func (p Period) normalize() Period {
	return Period{Start: truncateDate(p.Start), End: truncateDate(p.End)}
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Breakdown is an accrual delta by revenue source, with the fees to deduct.
type Breakdown struct {
	Subscription  money.Cents `json:"subscription_amount" validate:"gte=0"`
	Tip           money.Cents `json:"tip_amount" validate:"gte=0"`
	PPV           money.Cents `json:"ppv_amount" validate:"gte=0"`
	Message       money.Cents `json:"message_amount" validate:"gte=0"`
	Commission    money.Cents `json:"commission_amount" validate:"gte=0"`
	PlatformFee   money.Cents `json:"platform_fee" validate:"gte=0"`
	ManagementFee money.Cents `json:"management_fee" validate:"gte=0"`
}

func (b Breakdown) Gross() money.Cents {
	return b.Subscription + b.Tip + b.PPV + b.Message + b.Commission
}

func (b Breakdown) Net() money.Cents {
	return b.Gross() - b.PlatformFee - b.ManagementFee
}

func (b Breakdown) validate() error {
	for _, v := range []money.Cents{b.Subscription, b.Tip, b.PPV, b.Message, b.Commission, b.PlatformFee, b.ManagementFee} {
		if v < 0 {
			return ErrNegativeAmount
		}
	}
	if b.Net() < 0 {
		return fmt.Errorf("%w: %s gross, %s fees", ErrFeesExceedGross, b.Gross(), b.PlatformFee+b.ManagementFee)
	}
	return nil
}

// FeeSchedule holds the configured platform and management fee rates.
type FeeSchedule struct {
	PlatformRate   decimal.Decimal
	ManagementRate decimal.Decimal
}

// Apply fills the breakdown's fees from the configured rates of its gross.
func (f FeeSchedule) Apply(b Breakdown) Breakdown {
	gross := b.Gross()
	b.PlatformFee = money.ApplyRate(gross, f.PlatformRate)
	b.ManagementFee = money.ApplyRate(gross, f.ManagementRate)
	return b
}

// Earnings is one revision of a creator's ledger row for a period.
type Earnings struct {
	ID                  uuid.UUID
	CreatorID           string
	Period              Period
	Revision            int
	Breakdown           Breakdown
	GrossEarnings       money.Cents
	NetEarnings         money.Cents
	PayoutStatus        Status
	ScheduledPayoutDate *time.Time
	ActualPayoutDate    *time.Time
	TransferRef         string
	LastFailureReason   string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MarkOptions carries the side data of a payout status change.
type MarkOptions struct {
	PayoutRequestID *uuid.UUID
	TransferRef     string
	PaidAt          time.Time
	Reason          string
}

type StatusEvent struct {
	ID              int64
	EarningsID      uuid.UUID
	From            Status
	To              Status
	PayoutRequestID *uuid.UUID
	Reason          string
	CreatedAt       time.Time
}

// Summary totals a creator's ledger by payout status.
type Summary struct {
	CreatorID     string
	Rows          int
	GrossEarnings money.Cents
	NetEarnings   money.Cents
	NetByStatus   map[Status]money.Cents
	RowsByStatus  map[Status]int
}
