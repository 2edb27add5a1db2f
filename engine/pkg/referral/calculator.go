package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type CalculatorConfig struct {
	Logger *slog.Logger
	Store  *Store

	// Network defaults to the Store's closure table.
	Network Network
	// Policy defaults to DirectOnly.
	Policy DepthPolicy
}

func (cfg *CalculatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Network == nil {
		cfg.Network = cfg.Store
	}
	if cfg.Policy == nil {
		cfg.Policy = DirectOnly{}
	}
	return nil
}

// Calculator turns conversion events into per-ancestor commissions.
type Calculator struct {
	log      *slog.Logger
	cfg      CalculatorConfig
	resolver *TierResolver
	validate *validator.Validate
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		log:      cfg.Logger,
		cfg:      cfg,
		resolver: NewTierResolver(cfg.Logger, cfg.Store),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Compute records one pending conversion per eligible ancestor of the
// event's referee and returns the resulting commissions. Replaying an event
// returns the originally recorded commissions without recording new ones.
func (c *Calculator) Compute(ctx context.Context, ev ConversionEvent) ([]CommissionResult, error) {
	if err := c.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid conversion event: %w", err)
	}

	program, err := c.cfg.Store.ActiveProgram(ctx)
	if errors.Is(err, ErrNoProgram) {
		c.log.Debug("referral/calculator: no program configured, skipping", "event_id", ev.EventID)
		return []CommissionResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load referral program: %w", err)
	}

	ancestors, err := c.cfg.Network.Ancestors(ctx, ev.RefereeID, program.NetworkDepthLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to walk referral network: %w", err)
	}
	results := make([]CommissionResult, 0, len(ancestors))
	if len(ancestors) == 0 {
		return results, nil
	}

	campaigns, err := c.cfg.Store.ApplicableCampaigns(ctx, ev.Type, ev.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral campaigns: %w", err)
	}

	for _, a := range ancestors {
		if a.Depth > program.NetworkDepthLimit || a.ReferrerID == ev.RefereeID {
			continue
		}
		tier, err := c.resolver.resolveForProgram(ctx, program, a.ReferrerID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tier for %s: %w", a.ReferrerID, err)
		}
		rate := c.cfg.Policy.Rate(tier.Rate, a.Depth)
		if !rate.IsPositive() {
			continue
		}

		res, err := c.settle(ctx, program, ev, a, tier.Level, rate, campaigns)
		if err != nil {
			return nil, fmt.Errorf("failed to record commission for %s: %w", a.ReferrerID, err)
		}
		results = append(results, *res)
	}

	c.log.Info("referral/calculator: commissions computed",
		"event_id", ev.EventID, "referee_id", ev.RefereeID, "ancestors", len(ancestors), "commissions", len(results))
	return results, nil
}

// settle reserves campaign budget and persists the conversion for a single
// ancestor in one transaction, so a replayed event neither double-records
// nor double-spends.
func (c *Calculator) settle(ctx context.Context, program *Program, ev ConversionEvent, a Ancestor, level int, rate decimal.Decimal, campaigns []Campaign) (*CommissionResult, error) {
	var res *CommissionResult
	err := postgres.WithTx(ctx, c.cfg.Store.cfg.Pool, func(tx pgx.Tx) error {
		existing, err := c.cfg.Store.FindConversion(ctx, tx, ev.EventID, a.ReferrerID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = replayedResult(existing, level, rate)
			return nil
		}

		base := baseCommission(program.CommissionType, ev.GrossAmount, rate)
		split := Split{Amount: money.Round(base)}
		var campaignID *uuid.UUID
		for _, camp := range campaigns {
			want := money.Round(base.Mul(camp.Multiplier))
			granted, err := c.cfg.Store.ReserveCampaignSpend(ctx, tx, camp.ID, want)
			if err != nil {
				return err
			}
			if granted == 0 {
				continue
			}
			split = SplitCampaign(base, camp.Multiplier, granted)
			id := camp.ID
			campaignID = &id
			break
		}

		conv := &Conversion{
			SourceEventID:    ev.EventID,
			ProgramID:        program.ID,
			ReferrerID:       a.ReferrerID,
			RefereeID:        ev.RefereeID,
			Depth:            a.Depth,
			Type:             ev.Type,
			GrossAmount:      ev.GrossAmount,
			CommissionRate:   effectiveRate(program.CommissionType, ev.GrossAmount, rate, split),
			CommissionAmount: split.Amount,
			CampaignID:       campaignID,
			CampaignAmount:   split.CampaignAmount,
			Status:           ConversionPending,
			ConversionDate:   ev.OccurredAt,
		}
		inserted, err := c.cfg.Store.InsertConversion(ctx, tx, conv)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost a race with a concurrent replay; roll back the reservation.
			return errReplayRace
		}

		res = &CommissionResult{
			ConversionID:   conv.ID,
			ReferrerID:     a.ReferrerID,
			Depth:          a.Depth,
			TierLevel:      level,
			BaseRate:       rate,
			EffectiveRate:  conv.CommissionRate,
			Amount:         split.Amount,
			CampaignID:     campaignID,
			CampaignAmount: split.CampaignAmount,
		}
		return nil
	})
	if errors.Is(err, errReplayRace) {
		existing, err := c.cfg.Store.FindConversion(ctx, c.cfg.Store.cfg.Pool, ev.EventID, a.ReferrerID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("conversion for event %s vanished after conflict", ev.EventID)
		}
		return replayedResult(existing, level, rate), nil
	}
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		metrics.RecordCommission(res.Depth, int64(res.Amount), int64(res.CampaignAmount))
	}
	return res, nil
}

var errReplayRace = errors.New("conversion already recorded")

func replayedResult(c *Conversion, level int, rate decimal.Decimal) *CommissionResult {
	return &CommissionResult{
		ConversionID:   c.ID,
		ReferrerID:     c.ReferrerID,
		Depth:          c.Depth,
		TierLevel:      level,
		BaseRate:       rate,
		EffectiveRate:  c.CommissionRate,
		Amount:         c.CommissionAmount,
		CampaignID:     c.CampaignID,
		CampaignAmount: c.CampaignAmount,
		Replayed:       true,
	}
}

// baseCommission is the unrounded commission before any campaign boost.
func baseCommission(kind CommissionType, gross money.Cents, rate decimal.Decimal) decimal.Decimal {
	if kind == CommissionFlat {
		return rate
	}
	return gross.Decimal().Mul(rate)
}

// Split is a commission amount and the part of it attributed to a campaign.
type Split struct {
	Amount         money.Cents
	CampaignAmount money.Cents
}

// SplitCampaign pays granted cents at the boosted rate and the part of the
// base commission those cents did not cover at the base rate.
func SplitCampaign(base, multiplier decimal.Decimal, granted money.Cents) Split {
	if granted <= 0 || !multiplier.IsPositive() {
		return Split{Amount: money.Round(base)}
	}
	want := money.Round(base.Mul(multiplier))
	if granted >= want {
		return Split{Amount: want, CampaignAmount: want}
	}
	uncovered := base.Sub(granted.Decimal().Div(multiplier))
	return Split{
		Amount:         granted + money.Round(uncovered),
		CampaignAmount: granted,
	}
}

// effectiveRate is the rate actually paid: a fraction of gross for
// percentage programs, or the cents amount for flat ones.
func effectiveRate(kind CommissionType, gross money.Cents, base decimal.Decimal, split Split) decimal.Decimal {
	if split.CampaignAmount == 0 {
		return base
	}
	if kind == CommissionFlat {
		return split.Amount.Decimal()
	}
	if gross == 0 {
		return base
	}
	return split.Amount.Decimal().DivRound(gross.Decimal(), 6)
}
