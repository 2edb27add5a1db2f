// Package money holds the integer-cents amount type and the rounding and
// fee arithmetic shared by the ledger, commission and payout code.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit.
type Cents int64

// Decimal returns the amount as a decimal number of cents.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(c))
}

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Round converts a fractional number of cents to Cents, rounding half away
// from zero (half-up for the non-negative amounts the engine deals in).
func Round(d decimal.Decimal) Cents {
	return Cents(d.Round(0).IntPart())
}

// ApplyRate returns round(amount * rate).
func ApplyRate(amount Cents, rate decimal.Decimal) Cents {
	return Round(amount.Decimal().Mul(rate))
}

// FeeSchedule is a percentage-plus-fixed fee.
type FeeSchedule struct {
	Rate  decimal.Decimal
	Fixed Cents
}

// DefaultProcessingFee is 2.9% + 30 cents.
var DefaultProcessingFee = FeeSchedule{
	Rate:  decimal.RequireFromString("0.029"),
	Fixed: 30,
}

// Fee returns round(amount * Rate + Fixed), never negative.
func (f FeeSchedule) Fee(amount Cents) Cents {
	fee := Round(amount.Decimal().Mul(f.Rate).Add(f.Fixed.Decimal()))
	if fee < 0 {
		return 0
	}
	return fee
}

// Split returns the fee and the remainder for amount, so that
// fee + net == amount always holds.
func (f FeeSchedule) Split(amount Cents) (fee, net Cents) {
	fee = f.Fee(amount)
	return fee, amount - fee
}

// IsZero reports whether the schedule charges nothing.
func (f FeeSchedule) IsZero() bool {
	return f.Rate.IsZero() && f.Fixed == 0
}
