package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// EdgeMirror receives direct edges after they are committed.
type EdgeMirror interface {
	MirrorEdge(ctx context.Context, referrerID, refereeID string) error
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// Mirror is optional; failures are logged and do not fail the write.
	Mirror EdgeMirror
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

const programColumns = `id, slug, name, commission_rate, commission_type, min_payout_amount,
	has_tiers, network_depth_limit, is_active`

func scanProgram(row pgx.Row) (*Program, error) {
	var p Program
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.CommissionRate, &p.CommissionType,
		&p.MinPayoutAmount, &p.HasTiers, &p.NetworkDepthLimit, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}

// ActiveProgram returns the active creator referral program or ErrNoProgram.
func (s *Store) ActiveProgram(ctx context.Context) (*Program, error) {
	p, err := scanProgram(s.cfg.Pool.QueryRow(ctx,
		`SELECT `+programColumns+` FROM referral_programs WHERE slug = $1 AND is_active`, ProgramSlug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoProgram
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query referral program: %w", err)
	}
	return p, nil
}

// UpsertProgram creates or replaces the program identified by its slug.
func (s *Store) UpsertProgram(ctx context.Context, p Program) (*Program, error) {
	if p.NetworkDepthLimit < 1 {
		p.NetworkDepthLimit = 1
	}
	if p.Slug == "" {
		p.Slug = ProgramSlug
	}
	out, err := scanProgram(s.cfg.Pool.QueryRow(ctx, `
		INSERT INTO referral_programs (slug, name, commission_rate, commission_type, min_payout_amount,
			has_tiers, network_depth_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			commission_rate = EXCLUDED.commission_rate,
			commission_type = EXCLUDED.commission_type,
			min_payout_amount = EXCLUDED.min_payout_amount,
			has_tiers = EXCLUDED.has_tiers,
			network_depth_limit = EXCLUDED.network_depth_limit,
			is_active = EXCLUDED.is_active
		RETURNING `+programColumns,
		p.Slug, p.Name, p.CommissionRate, p.CommissionType, p.MinPayoutAmount,
		p.HasTiers, p.NetworkDepthLimit, p.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert referral program: %w", err)
	}
	return out, nil
}

// Tiers returns the program's tier ladder ordered by level.
func (s *Store) Tiers(ctx context.Context, programID uuid.UUID) ([]Tier, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT tier_level, name, commission_rate, min_conversions, min_revenue, benefits
		FROM referral_tiers WHERE program_id = $1 ORDER BY tier_level`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral tiers: %w", err)
	}
	tiers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Tier, error) {
		var t Tier
		var benefits []byte
		if err := row.Scan(&t.Level, &t.Name, &t.CommissionRate, &t.MinConversions, &t.MinRevenue, &benefits); err != nil {
			return Tier{}, err
		}
		if err := t.Benefits.UnmarshalJSON(benefits); err != nil {
			return Tier{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral tiers: %w", err)
	}
	return tiers, nil
}

// UpsertTier creates or replaces a tier level of a program.
func (s *Store) UpsertTier(ctx context.Context, programID uuid.UUID, t Tier) error {
	benefits, err := t.Benefits.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode tier benefits: %w", err)
	}
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO referral_tiers (program_id, tier_level, name, commission_rate, min_conversions, min_revenue, benefits)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (program_id, tier_level) DO UPDATE SET
			name = EXCLUDED.name,
			commission_rate = EXCLUDED.commission_rate,
			min_conversions = EXCLUDED.min_conversions,
			min_revenue = EXCLUDED.min_revenue,
			benefits = EXCLUDED.benefits`,
		programID, t.Level, t.Name, t.CommissionRate, t.MinConversions, t.MinRevenue, benefits)
	if err != nil {
		return fmt.Errorf("failed to upsert referral tier: %w", err)
	}
	return nil
}

// Totals counts the user's direct conversions that were approved or paid.
func (s *Store) Totals(ctx context.Context, userID string) (Totals, error) {
	var t Totals
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(sum(gross_amount), 0)
		FROM referral_conversions
		WHERE referrer_id = $1 AND network_depth = 1 AND status IN ('approved', 'paid')`,
		userID).Scan(&t.Conversions, &t.Revenue)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query referral totals: %w", err)
	}
	return t, nil
}

const campaignColumns = `id, name, campaign_type, start_date, end_date, base_commission_multiplier,
	budget_limit, current_spend, is_active`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.StartDate, &c.EndDate, &c.Multiplier,
		&c.BudgetLimit, &c.CurrentSpend, &c.IsActive)
	return c, err
}

// CreateCampaign inserts a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c Campaign) (*Campaign, error) {
	out, err := scanCampaign(s.cfg.Pool.QueryRow(ctx, `
		INSERT INTO referral_campaigns (name, campaign_type, start_date, end_date,
			base_commission_multiplier, budget_limit, current_spend, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+campaignColumns,
		c.Name, c.Type, c.StartDate, c.EndDate, c.Multiplier, c.BudgetLimit, c.CurrentSpend, c.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to insert referral campaign: %w", err)
	}
	return &out, nil
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := scanCampaign(s.cfg.Pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM referral_campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to query referral campaign: %w", err)
	}
	return &c, nil
}

// ApplicableCampaigns returns campaigns that would boost a conversion of the
// given type at t, highest multiplier first.
func (s *Store) ApplicableCampaigns(ctx context.Context, conversionType string, at time.Time) ([]Campaign, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM referral_campaigns
		WHERE is_active
			AND start_date <= $2 AND end_date > $2
			AND (campaign_type = $1 OR campaign_type = $3)
			AND (budget_limit IS NULL OR current_spend < budget_limit)
		ORDER BY base_commission_multiplier DESC, start_date, id`,
		conversionType, at, CampaignTypeGeneral)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral campaigns: %w", err)
	}
	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Campaign, error) {
		return scanCampaign(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral campaigns: %w", err)
	}
	return campaigns, nil
}

// ReserveCampaignSpend atomically adds up to want cents to the campaign's
// spend without passing its budget and returns the amount granted. The
// campaign row stays locked until q's transaction ends.
func (s *Store) ReserveCampaignSpend(ctx context.Context, q postgres.Querier, campaignID uuid.UUID, want money.Cents) (money.Cents, error) {
	if want <= 0 {
		return 0, nil
	}
	var granted money.Cents
	err := q.QueryRow(ctx, `
		WITH locked AS (
			SELECT id, budget_limit, current_spend
			FROM referral_campaigns
			WHERE id = $1 AND is_active
			FOR UPDATE
		), grant_amount AS (
			SELECT id,
				CASE WHEN budget_limit IS NULL THEN $2::bigint
					ELSE GREATEST(LEAST($2::bigint, budget_limit - current_spend), 0)
				END AS granted
			FROM locked
		)
		UPDATE referral_campaigns c
		SET current_spend = c.current_spend + g.granted
		FROM grant_amount g
		WHERE c.id = g.id
		RETURNING g.granted`, campaignID, want).Scan(&granted)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve campaign spend: %w", err)
	}
	return granted, nil
}

const conversionColumns = `id, source_event_id, program_id, referrer_id, referee_id, network_depth,
	conversion_type, gross_amount, commission_rate, commission_amount, campaign_id, campaign_amount,
	status, conversion_date, earnings_id`

func scanConversion(row pgx.Row) (*Conversion, error) {
	var c Conversion
	if err := row.Scan(&c.ID, &c.SourceEventID, &c.ProgramID, &c.ReferrerID, &c.RefereeID, &c.Depth,
		&c.Type, &c.GrossAmount, &c.CommissionRate, &c.CommissionAmount, &c.CampaignID, &c.CampaignAmount,
		&c.Status, &c.ConversionDate, &c.EarningsID); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindConversion returns the conversion recorded for an event and referrer,
// or nil when none exists.
func (s *Store) FindConversion(ctx context.Context, q postgres.Querier, eventID, referrerID string) (*Conversion, error) {
	c, err := scanConversion(q.QueryRow(ctx,
		`SELECT `+conversionColumns+` FROM referral_conversions WHERE source_event_id = $1 AND referrer_id = $2`,
		eventID, referrerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query referral conversion: %w", err)
	}
	return c, nil
}

// InsertConversion records a pending conversion. It returns false when the
// (event, referrer) pair was already recorded.
func (s *Store) InsertConversion(ctx context.Context, q postgres.Querier, c *Conversion) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = ConversionPending
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO referral_conversions (id, source_event_id, program_id, referrer_id, referee_id,
			network_depth, conversion_type, gross_amount, commission_rate, commission_amount,
			campaign_id, campaign_amount, status, conversion_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source_event_id, referrer_id) DO NOTHING`,
		c.ID, c.SourceEventID, c.ProgramID, c.ReferrerID, c.RefereeID, c.Depth, c.Type,
		c.GrossAmount, c.CommissionRate, c.CommissionAmount, c.CampaignID, c.CampaignAmount,
		c.Status, c.ConversionDate)
	if err != nil {
		return false, fmt.Errorf("failed to insert referral conversion: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetConversion loads a conversion by id.
func (s *Store) GetConversion(ctx context.Context, id uuid.UUID) (*Conversion, error) {
	c, err := scanConversion(s.cfg.Pool.QueryRow(ctx,
		`SELECT `+conversionColumns+` FROM referral_conversions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query referral conversion: %w", err)
	}
	return c, nil
}

// SetConversionStatus advances a conversion pending -> approved -> paid.
func (s *Store) SetConversionStatus(ctx context.Context, q postgres.Querier, id uuid.UUID, to ConversionStatus) (*Conversion, error) {
	var allowedFrom ConversionStatus
	switch to {
	case ConversionApproved:
		allowedFrom = ConversionPending
	case ConversionPaid:
		allowedFrom = ConversionApproved
	default:
		return nil, fmt.Errorf("%w: to %q", ErrInvalidTransition, to)
	}

	c, err := scanConversion(q.QueryRow(ctx, `
		UPDATE referral_conversions SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+conversionColumns, id, allowedFrom, to, s.cfg.Clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		var current ConversionStatus
		lookupErr := q.QueryRow(ctx, `SELECT status FROM referral_conversions WHERE id = $1`, id).Scan(&current)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to query referral conversion: %w", lookupErr)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update referral conversion: %w", err)
	}
	return c, nil
}

// LinkConversion records the ledger row an approved conversion was accrued
// into, so the conversion is settled when that row is paid.
func (s *Store) LinkConversion(ctx context.Context, q postgres.Querier, id, earningsID uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE referral_conversions SET earnings_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'approved'`, id, earningsID, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to link referral conversion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversion %s is not approved", ErrInvalidTransition, id)
	}
	return nil
}

// MarkConversionsPaid moves the approved conversions accrued into a ledger
// row to paid and returns how many moved.
func (s *Store) MarkConversionsPaid(ctx context.Context, q postgres.Querier, earningsID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE referral_conversions SET status = 'paid', updated_at = $2
		WHERE earnings_id = $1 AND status = 'approved'`, earningsID, s.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark referral conversions paid: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListConversions returns a referrer's conversions, newest first.
func (s *Store) ListConversions(ctx context.Context, referrerID string, limit int) ([]Conversion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+conversionColumns+`
		FROM referral_conversions WHERE referrer_id = $1
		ORDER BY conversion_date DESC, id LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral conversions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Conversion, error) {
		c, err := scanConversion(row)
		if err != nil {
			return Conversion{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral conversions: %w", err)
	}
	return out, nil
}
