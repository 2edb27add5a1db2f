package referral

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DepthPolicy decides what share of an ancestor's tier rate applies at a
// given network depth. A zero result means the ancestor earns nothing.
type DepthPolicy interface {
	Rate(base decimal.Decimal, depth int) decimal.Decimal
	Name() string
}

// DirectOnly pays only the direct (depth 1) referrer.
type DirectOnly struct{}

func (DirectOnly) Rate(base decimal.Decimal, depth int) decimal.Decimal {
	if depth == 1 {
		return base
	}
	return decimal.Zero
}

func (DirectOnly) Name() string { return "direct" }

// Flat pays every ancestor within the depth limit the full tier rate.
type Flat struct{}

func (Flat) Rate(base decimal.Decimal, depth int) decimal.Decimal {
	if depth < 1 {
		return decimal.Zero
	}
	return base
}

func (Flat) Name() string { return "flat" }

// Geometric multiplies the rate by Factor for each hop beyond the first.
type Geometric struct {
	Factor decimal.Decimal
}

func (g Geometric) Rate(base decimal.Decimal, depth int) decimal.Decimal {
	if depth < 1 {
		return decimal.Zero
	}
	return base.Mul(g.Factor.Pow(decimal.NewFromInt(int64(depth - 1))))
}

func (g Geometric) Name() string { return "geometric:" + g.Factor.String() }

// ParseDepthPolicy parses "direct", "flat" or "geometric:<factor>".
func ParseDepthPolicy(s string) (DepthPolicy, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(strings.ToLower(s)), ":")
	switch name {
	case "", "direct":
		return DirectOnly{}, nil
	case "flat":
		return Flat{}, nil
	case "geometric":
		factor, err := decimal.NewFromString(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid geometric factor %q: %w", arg, err)
		}
		if factor.IsNegative() || factor.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("geometric factor must be within [0, 1], got %s", factor)
		}
		return Geometric{Factor: factor}, nil
	}
	return nil, fmt.Errorf("unknown depth policy %q", s)
}
