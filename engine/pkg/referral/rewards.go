package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const rewardColumns = `id, program_id, name, reward_type, reward_value, min_conversions, required_tier,
	quantity_available, is_active`

func scanReward(row pgx.Row) (*Reward, error) {
	var r Reward
	if err := row.Scan(&r.ID, &r.ProgramID, &r.Name, &r.Type, &r.Value, &r.MinConversions,
		&r.RequiredTier, &r.QuantityAvailable, &r.IsActive); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReward adds a reward to the active program.
func (s *Store) CreateReward(ctx context.Context, r Reward) (*Reward, error) {
	program, err := s.ActiveProgram(ctx)
	if err != nil {
		return nil, err
	}
	if r.RequiredTier < 1 {
		r.RequiredTier = 1
	}
	out, err := scanReward(s.cfg.Pool.QueryRow(ctx, `
		INSERT INTO referral_rewards (program_id, name, reward_type, reward_value, min_conversions,
			required_tier, quantity_available, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+rewardColumns,
		program.ID, r.Name, r.Type, r.Value, r.MinConversions, r.RequiredTier, r.QuantityAvailable, r.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to insert referral reward: %w", err)
	}
	return out, nil
}

// ClaimReward grants a reward to userID when they meet its tier and
// conversion gates and stock remains. Each user may claim a reward once.
func (s *Store) ClaimReward(ctx context.Context, rewardID uuid.UUID, userID string) (*RewardClaim, error) {
	tier, err := NewTierResolver(s.log, s).ResolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !tier.Configured {
		return nil, ErrNoProgram
	}
	totals, err := s.Totals(ctx, userID)
	if err != nil {
		return nil, err
	}

	var claim *RewardClaim
	err = postgres.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		reward, err := scanReward(tx.QueryRow(ctx,
			`SELECT `+rewardColumns+` FROM referral_rewards WHERE id = $1 FOR UPDATE`, rewardID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRewardNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query referral reward: %w", err)
		}
		if !reward.IsActive || (reward.QuantityAvailable != nil && *reward.QuantityAvailable <= 0) {
			return ErrRewardUnavailable
		}
		if tier.Level < reward.RequiredTier || totals.Conversions < reward.MinConversions {
			return fmt.Errorf("%w: tier %d of %d, conversions %d of %d", ErrRewardIneligible,
				tier.Level, reward.RequiredTier, totals.Conversions, reward.MinConversions)
		}

		c := RewardClaim{RewardID: rewardID, UserID: userID, TierLevel: tier.Level}
		err = tx.QueryRow(ctx, `
			INSERT INTO referral_reward_claims (reward_id, user_id, tier_level, claimed_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, claimed_at`, rewardID, userID, tier.Level, s.cfg.Clock.Now()).Scan(&c.ID, &c.ClaimedAt)
		if postgres.IsUniqueViolation(err) {
			return ErrRewardAlreadyClaimed
		}
		if err != nil {
			return fmt.Errorf("failed to insert reward claim: %w", err)
		}

		if reward.QuantityAvailable != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE referral_rewards SET quantity_available = quantity_available - 1
				WHERE id = $1`, rewardID); err != nil {
				return fmt.Errorf("failed to decrement reward quantity: %w", err)
			}
		}
		claim = &c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("referral: reward claimed", "reward_id", rewardID, "user_id", userID, "tier", tier.Level)
	return claim, nil
}
