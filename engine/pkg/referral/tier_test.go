package referral

import (
	"context"
	"errors"
	"testing"

	"github.com/creatorhub/earnings/engine/pkg/money"
	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testLadder = []Tier{
	{Level: 1, Name: "bronze", CommissionRate: decimal.RequireFromString("0.10")},
	{Level: 2, Name: "silver", CommissionRate: decimal.RequireFromString("0.15"), MinConversions: 10, MinRevenue: 50_000},
	{Level: 3, Name: "gold", CommissionRate: decimal.RequireFromString("0.20"), MinConversions: 50, MinRevenue: 500_000},
}

type mockProgramSource struct {
	ActiveProgramFunc func(ctx context.Context) (*Program, error)
	TiersFunc         func(ctx context.Context, programID uuid.UUID) ([]Tier, error)
	TotalsFunc        func(ctx context.Context, userID string) (Totals, error)
}

func (m *mockProgramSource) ActiveProgram(ctx context.Context) (*Program, error) {
	return m.ActiveProgramFunc(ctx)
}

func (m *mockProgramSource) Tiers(ctx context.Context, programID uuid.UUID) ([]Tier, error) {
	return m.TiersFunc(ctx, programID)
}

func (m *mockProgramSource) Totals(ctx context.Context, userID string) (Totals, error) {
	return m.TotalsFunc(ctx, userID)
}

func TestEarnings_Referral_SelectTier(t *testing.T) {
	t.Parallel()

	t.Run("requires both thresholds", func(t *testing.T) {
		t.Parallel()
		tier, ok := SelectTier(testLadder, Totals{Conversions: 60, Revenue: 100_000})
		require.True(t, ok)
		require.Equal(t, 2, tier.Level)
	})

	t.Run("defaults to level one without history", func(t *testing.T) {
		t.Parallel()
		tier, ok := SelectTier(testLadder, Totals{})
		require.True(t, ok)
		require.Equal(t, 1, tier.Level)
		require.Equal(t, "bronze", tier.Name)
	})

	t.Run("ladder order does not matter", func(t *testing.T) {
		t.Parallel()
		reversed := []Tier{testLadder[2], testLadder[0], testLadder[1]}
		tier, _ := SelectTier(reversed, Totals{Conversions: 100, Revenue: 1_000_000})
		require.Equal(t, 3, tier.Level)
	})

	t.Run("empty ladder falls back to level one", func(t *testing.T) {
		t.Parallel()
		tier, ok := SelectTier(nil, Totals{Conversions: 5})
		require.False(t, ok)
		require.Equal(t, 1, tier.Level)
	})

	t.Run("monotonic in totals", func(t *testing.T) {
		t.Parallel()
		prev := 0
		for conv := int64(0); conv <= 80; conv += 5 {
			for rev := money.Cents(0); rev <= 700_000; rev += 25_000 {
				tier, _ := SelectTier(testLadder, Totals{Conversions: conv, Revenue: rev})
				more, _ := SelectTier(testLadder, Totals{Conversions: conv + 5, Revenue: rev + 25_000})
				require.GreaterOrEqual(t, more.Level, tier.Level, "conv=%d rev=%d", conv, rev)
			}
			tier, _ := SelectTier(testLadder, Totals{Conversions: conv, Revenue: 700_000})
			require.GreaterOrEqual(t, tier.Level, prev)
			prev = tier.Level
		}
	})
}

func TestEarnings_Referral_TierResolver(t *testing.T) {
	t.Parallel()

	program := &Program{
		ID:                uuid.New(),
		CommissionRate:    decimal.RequireFromString("0.08"),
		CommissionType:    CommissionPercentage,
		HasTiers:          true,
		NetworkDepthLimit: 1,
	}

	t.Run("missing program is not an error", func(t *testing.T) {
		t.Parallel()
		r := NewTierResolver(enginetesting.NewLogger(), &mockProgramSource{
			ActiveProgramFunc: func(context.Context) (*Program, error) { return nil, ErrNoProgram },
		})
		res, err := r.ResolveTier(t.Context(), "u1")
		require.NoError(t, err)
		require.False(t, res.Configured)
	})

	t.Run("storage errors propagate", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		r := NewTierResolver(enginetesting.NewLogger(), &mockProgramSource{
			ActiveProgramFunc: func(context.Context) (*Program, error) { return nil, boom },
		})
		_, err := r.ResolveTier(t.Context(), "u1")
		require.ErrorIs(t, err, boom)
	})

	t.Run("program without tiers uses base rate", func(t *testing.T) {
		t.Parallel()
		flat := *program
		flat.HasTiers = false
		r := NewTierResolver(enginetesting.NewLogger(), &mockProgramSource{
			ActiveProgramFunc: func(context.Context) (*Program, error) { return &flat, nil },
		})
		res, err := r.ResolveTier(t.Context(), "u1")
		require.NoError(t, err)
		require.True(t, res.Configured)
		require.Equal(t, 1, res.Level)
		require.True(t, res.Rate.Equal(decimal.RequireFromString("0.08")))
	})

	t.Run("selects tier from totals", func(t *testing.T) {
		t.Parallel()
		r := NewTierResolver(enginetesting.NewLogger(), &mockProgramSource{
			ActiveProgramFunc: func(context.Context) (*Program, error) { return program, nil },
			TiersFunc: func(_ context.Context, id uuid.UUID) ([]Tier, error) {
				require.Equal(t, program.ID, id)
				return testLadder, nil
			},
			TotalsFunc: func(_ context.Context, userID string) (Totals, error) {
				require.Equal(t, "u1", userID)
				return Totals{Conversions: 12, Revenue: 60_000}, nil
			},
		})
		res, err := r.ResolveTier(t.Context(), "u1")
		require.NoError(t, err)
		require.Equal(t, 2, res.Level)
		require.True(t, res.Rate.Equal(decimal.RequireFromString("0.15")))
	})

	t.Run("empty ladder keeps program rate", func(t *testing.T) {
		t.Parallel()
		r := NewTierResolver(enginetesting.NewLogger(), &mockProgramSource{
			ActiveProgramFunc: func(context.Context) (*Program, error) { return program, nil },
			TiersFunc:         func(context.Context, uuid.UUID) ([]Tier, error) { return nil, nil },
			TotalsFunc:        func(context.Context, string) (Totals, error) { return Totals{}, nil },
		})
		res, err := r.ResolveTier(t.Context(), "u1")
		require.NoError(t, err)
		require.Equal(t, 1, res.Level)
		require.True(t, res.Rate.Equal(program.CommissionRate))
	})
}
