package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// SelectTier returns the highest-level tier whose conversion and revenue
// thresholds are both met by totals. When none qualifies it falls back to the
// level-1 tier; ok is false if the ladder has no such tier either.
func SelectTier(tiers []Tier, totals Totals) (tier Tier, ok bool) {
	var levelOne *Tier
	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if t.Level == 1 {
			levelOne = t
		}
		if totals.Conversions < t.MinConversions || totals.Revenue < t.MinRevenue {
			continue
		}
		if best == nil || t.Level > best.Level {
			best = t
		}
	}
	switch {
	case best != nil:
		return *best, true
	case levelOne != nil:
		return *levelOne, true
	default:
		return Tier{Level: 1}, false
	}
}

// ProgramSource is the read side the resolver needs.
type ProgramSource interface {
	ActiveProgram(ctx context.Context) (*Program, error)
	Tiers(ctx context.Context, programID uuid.UUID) ([]Tier, error)
	Totals(ctx context.Context, userID string) (Totals, error)
}

type TierResolver struct {
	log    *slog.Logger
	source ProgramSource
}

func NewTierResolver(log *slog.Logger, source ProgramSource) *TierResolver {
	return &TierResolver{log: log, source: source}
}

// ResolveTier returns the user's current tier. A deployment without an
// active program yields a result with Configured unset and no error.
func (r *TierResolver) ResolveTier(ctx context.Context, userID string) (TierResult, error) {
	program, err := r.source.ActiveProgram(ctx)
	if errors.Is(err, ErrNoProgram) {
		r.log.Debug("referral/tier: no program configured", "user_id", userID)
		return TierResult{}, nil
	}
	if err != nil {
		return TierResult{}, fmt.Errorf("failed to load referral program: %w", err)
	}
	return r.resolveForProgram(ctx, program, userID)
}

func (r *TierResolver) resolveForProgram(ctx context.Context, program *Program, userID string) (TierResult, error) {
	result := TierResult{
		Configured:     true,
		Level:          1,
		Rate:           program.CommissionRate,
		CommissionType: program.CommissionType,
	}
	if !program.HasTiers {
		return result, nil
	}

	tiers, err := r.source.Tiers(ctx, program.ID)
	if err != nil {
		return TierResult{}, fmt.Errorf("failed to load referral tiers: %w", err)
	}
	totals, err := r.source.Totals(ctx, userID)
	if err != nil {
		return TierResult{}, fmt.Errorf("failed to load referral totals: %w", err)
	}

	if tier, ok := SelectTier(tiers, totals); ok {
		result.Level = tier.Level
		result.Rate = tier.CommissionRate
		result.Benefits = tier.Benefits
	}
	return result, nil
}
