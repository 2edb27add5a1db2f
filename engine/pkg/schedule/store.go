package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/utils/pkg/retry"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
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
	log      *slog.Logger
	cfg      StoreConfig
	validate *validator.Validate
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:      cfg.Logger,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

const scheduleColumns = `creator_id, frequency, day_of_week, day_of_month, minimum_payout_amount,
	auto_payout, requires_approval, is_active, next_payout_date, last_run_at, created_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var dow, dom *int16
	if err := row.Scan(&s.CreatorID, &s.Frequency, &dow, &dom, &s.MinimumPayoutAmount,
		&s.AutoPayout, &s.RequiresApproval, &s.Active, &s.NextPayoutDate, &s.LastRunAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.DayOfWeek = intPtr(dow)
	s.DayOfMonth = intPtr(dom)
	s.NextPayoutDate = Date(s.NextPayoutDate)
	return &s, nil
}

func intPtr(v *int16) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// Upsert creates or replaces a creator's schedule. A zero NextPayoutDate is
// set to the first matching date after today.
func (s *Store) Upsert(ctx context.Context, in Schedule) (*Schedule, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	if in.NextPayoutDate.IsZero() {
		in.NextPayoutDate = FirstPayoutDate(in, s.cfg.Clock.Now())
	}
	out, err := scanSchedule(s.cfg.Pool.QueryRow(ctx, `
		INSERT INTO payout_schedules (creator_id, frequency, day_of_week, day_of_month, minimum_payout_amount,
			auto_payout, requires_approval, is_active, next_payout_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (creator_id) DO UPDATE SET
			frequency = EXCLUDED.frequency,
			day_of_week = EXCLUDED.day_of_week,
			day_of_month = EXCLUDED.day_of_month,
			minimum_payout_amount = EXCLUDED.minimum_payout_amount,
			auto_payout = EXCLUDED.auto_payout,
			requires_approval = EXCLUDED.requires_approval,
			is_active = EXCLUDED.is_active,
			next_payout_date = EXCLUDED.next_payout_date
		RETURNING `+scheduleColumns,
		in.CreatorID, in.Frequency, in.DayOfWeek, in.DayOfMonth, in.MinimumPayoutAmount,
		in.AutoPayout, in.RequiresApproval, in.Active, Date(in.NextPayoutDate), s.cfg.Clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert payout schedule: %w", err)
	}
	s.log.Info("schedule: saved", "creator_id", out.CreatorID, "frequency", out.Frequency,
		"next_payout_date", out.NextPayoutDate.Format(time.DateOnly), "active", out.Active)
	return out, nil
}

func (s *Store) Get(ctx context.Context, creatorID string) (*Schedule, error) {
	out, err := scanSchedule(s.cfg.Pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM payout_schedules WHERE creator_id = $1`, creatorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payout schedule: %w", err)
	}
	return out, nil
}

// ListDue returns active automatic schedules whose next payout date is on or
// before today.
func (s *Store) ListDue(ctx context.Context, today time.Time) ([]Schedule, error) {
	return retry.DoValue(ctx, postgres.RetryConfig(), func() ([]Schedule, error) {
		rows, err := s.cfg.Pool.Query(ctx, `
			SELECT `+scheduleColumns+` FROM payout_schedules
			WHERE is_active AND auto_payout AND next_payout_date <= $1
			ORDER BY next_payout_date, creator_id`, Date(today))
		if err != nil {
			return nil, fmt.Errorf("failed to query due payout schedules: %w", err)
		}
		defer rows.Close()

		var out []Schedule
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan payout schedule: %w", err)
			}
			out = append(out, *sc)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read payout schedules: %w", err)
		}
		return out, nil
	})
}

// Advance moves next_payout_date from prev to next. It reports false when
// another run already moved it.
func (s *Store) Advance(ctx context.Context, creatorID string, prev, next time.Time) (bool, error) {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE payout_schedules SET next_payout_date = $3, last_run_at = $4
		WHERE creator_id = $1 AND next_payout_date = $2`,
		creatorID, Date(prev), Date(next), s.cfg.Clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to advance payout schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Touch records a run that did not advance the schedule.
func (s *Store) Touch(ctx context.Context, creatorID string) error {
	_, err := s.cfg.Pool.Exec(ctx, `UPDATE payout_schedules SET last_run_at = $2 WHERE creator_id = $1`,
		creatorID, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to update payout schedule: %w", err)
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, creatorID string, active bool) error {
	tag, err := s.cfg.Pool.Exec(ctx, `UPDATE payout_schedules SET is_active = $2 WHERE creator_id = $1`,
		creatorID, active)
	if err != nil {
		return fmt.Errorf("failed to update payout schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
