package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/google/uuid"
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

const earningsColumns = `id, creator_id, period_start, period_end, revision,
	subscription_amount, tip_amount, ppv_amount, message_amount, commission_amount,
	gross_earnings, platform_fee, management_fee, net_earnings, payout_status,
	scheduled_payout_date, actual_payout_date, transfer_ref, last_failure_reason,
	created_at, updated_at`

func scanEarnings(row pgx.Row) (*Earnings, error) {
	var e Earnings
	var transferRef, failure *string
	if err := row.Scan(&e.ID, &e.CreatorID, &e.Period.Start, &e.Period.End, &e.Revision,
		&e.Breakdown.Subscription, &e.Breakdown.Tip, &e.Breakdown.PPV, &e.Breakdown.Message, &e.Breakdown.Commission,
		&e.GrossEarnings, &e.Breakdown.PlatformFee, &e.Breakdown.ManagementFee, &e.NetEarnings, &e.PayoutStatus,
		&e.ScheduledPayoutDate, &e.ActualPayoutDate, &transferRef, &failure,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if transferRef != nil {
		e.TransferRef = *transferRef
	}
	if failure != nil {
		e.LastFailureReason = *failure
	}
	return &e, nil
}

func collectEarnings(rows pgx.Rows) ([]Earnings, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Earnings, error) {
		e, err := scanEarnings(row)
		if err != nil {
			return Earnings{}, err
		}
		return *e, nil
	})
}

// Accrue adds the breakdown to the creator's ledger for the period. Deltas
// land on the latest revision while it is pending and unclaimed; once a
// payout request has fixed its amount, or the revision has entered payout,
// a new pending revision receives them instead.
func (s *Store) Accrue(ctx context.Context, creatorID string, period Period, b Breakdown) (*Earnings, error) {
	var out *Earnings
	err := postgres.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.AccrueTx(ctx, tx, creatorID, period, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AccrueTx is Accrue inside the caller's transaction.
func (s *Store) AccrueTx(ctx context.Context, tx pgx.Tx, creatorID string, period Period, b Breakdown) (*Earnings, error) {
	if creatorID == "" {
		return nil, errors.New("creator id is required")
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	period = period.normalize()
	now := s.cfg.Clock.Now()

	out, result, err := s.accrue(ctx, tx, creatorID, period, b, now)
	if err != nil {
		return nil, err
	}

	metrics.LedgerAccrualsTotal.WithLabelValues(result).Inc()
	s.log.Debug("ledger: accrued", "creator_id", creatorID, "period_start", period.Start.Format(time.DateOnly),
		"revision", out.Revision, "result", result, "net_delta", b.Net())
	return out, nil
}

func (s *Store) accrue(ctx context.Context, tx pgx.Tx, creatorID string, period Period, b Breakdown, now time.Time) (*Earnings, string, error) {
	for range 3 {
		var id uuid.UUID
		var revision int
		var status Status
		err := tx.QueryRow(ctx, `
			SELECT id, revision, payout_status FROM creator_earnings
			WHERE creator_id = $1 AND period_start = $2 AND period_end = $3
			ORDER BY revision DESC LIMIT 1
			FOR UPDATE`, creatorID, period.Start, period.End).Scan(&id, &revision, &status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			e, err := s.insertRevision(ctx, tx, creatorID, period, 0, b, now)
			if err != nil {
				return nil, "", err
			}
			if e != nil {
				return e, "created", nil
			}
			continue
		case err != nil:
			return nil, "", fmt.Errorf("failed to query earnings: %w", err)
		}

		open := status == StatusPending
		if open {
			claimed, err := claimedByRequest(ctx, tx, id)
			if err != nil {
				return nil, "", err
			}
			open = !claimed
		}
		if open {
			e, err := scanEarnings(tx.QueryRow(ctx, `
				UPDATE creator_earnings SET
					subscription_amount = subscription_amount + $2,
					tip_amount = tip_amount + $3,
					ppv_amount = ppv_amount + $4,
					message_amount = message_amount + $5,
					commission_amount = commission_amount + $6,
					gross_earnings = gross_earnings + $7,
					platform_fee = platform_fee + $8,
					management_fee = management_fee + $9,
					net_earnings = net_earnings + $10,
					updated_at = $11
				WHERE id = $1
				RETURNING `+earningsColumns,
				id, b.Subscription, b.Tip, b.PPV, b.Message, b.Commission, b.Gross(),
				b.PlatformFee, b.ManagementFee, b.Net(), now))
			if err != nil {
				return nil, "", fmt.Errorf("failed to update earnings: %w", err)
			}
			return e, "updated", nil
		}
		e, err := s.insertRevision(ctx, tx, creatorID, period, revision+1, b, now)
		if err != nil {
			return nil, "", err
		}
		if e != nil {
			return e, "revised", nil
		}
		// A concurrent accrual inserted the same revision; re-read it.
	}
	return nil, "", errors.New("failed to accrue earnings: too much contention")
}

// claimedByRequest reports whether a payout request has fixed the row's
// amount: an open request references it, or its latest request was rejected
// and the row is no longer offered for payout.
func claimedByRequest(ctx context.Context, tx pgx.Tx, earningsID uuid.UUID) (bool, error) {
	var claimed bool
	err := tx.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT status IN ('pending', 'approved', 'processing', 'rejected')
			FROM payout_requests
			WHERE earnings_id = $1
			ORDER BY created_at DESC, id DESC LIMIT 1
		), false)`, earningsID).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to query payout requests for earnings: %w", err)
	}
	return claimed, nil
}

// insertRevision returns nil without error when the revision already exists.
func (s *Store) insertRevision(ctx context.Context, tx pgx.Tx, creatorID string, period Period, revision int, b Breakdown, now time.Time) (*Earnings, error) {
	e, err := scanEarnings(tx.QueryRow(ctx, `
		INSERT INTO creator_earnings (creator_id, period_start, period_end, revision,
			subscription_amount, tip_amount, ppv_amount, message_amount, commission_amount,
			gross_earnings, platform_fee, management_fee, net_earnings, payout_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'pending', $14, $14)
		ON CONFLICT (creator_id, period_start, period_end, revision) DO NOTHING
		RETURNING `+earningsColumns,
		creatorID, period.Start, period.End, revision,
		b.Subscription, b.Tip, b.PPV, b.Message, b.Commission,
		b.Gross(), b.PlatformFee, b.ManagementFee, b.Net(), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert earnings: %w", err)
	}
	return e, nil
}

// MarkPayoutStatus moves a row from one payout status to another and records
// the change. It only runs inside the caller's transaction so the change
// commits or rolls back together with the payout request that drives it.
func (s *Store) MarkPayoutStatus(ctx context.Context, tx pgx.Tx, earningsID uuid.UUID, from, to Status, opts MarkOptions) (*Earnings, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := s.cfg.Clock.Now()
	paidAt := opts.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}

	e, err := scanEarnings(tx.QueryRow(ctx, `
		UPDATE creator_earnings SET
			payout_status = $3,
			transfer_ref = CASE WHEN $3 = 'paid' THEN $4 ELSE transfer_ref END,
			actual_payout_date = CASE WHEN $3 = 'paid' THEN $5 ELSE actual_payout_date END,
			last_failure_reason = CASE WHEN $3 = 'failed' THEN $6 ELSE last_failure_reason END,
			updated_at = $7
		WHERE id = $1 AND payout_status = $2
		RETURNING `+earningsColumns,
		earningsID, from, to, opts.TransferRef, paidAt, opts.Reason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		var current Status
		lookupErr := tx.QueryRow(ctx, `SELECT payout_status FROM creator_earnings WHERE id = $1`, earningsID).Scan(&current)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to query earnings: %w", lookupErr)
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, current)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update earnings status: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO creator_earnings_status_events (earnings_id, from_status, to_status, payout_request_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		earningsID, from, to, opts.PayoutRequestID, nullable(opts.Reason), now); err != nil {
		return nil, fmt.Errorf("failed to record earnings status event: %w", err)
	}

	metrics.LedgerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return e, nil
}

// SetScheduledPayoutDate stamps the date a scheduled payout was planned for.
func (s *Store) SetScheduledPayoutDate(ctx context.Context, q postgres.Querier, earningsID uuid.UUID, date time.Time) error {
	if q == nil {
		q = s.cfg.Pool
	}
	_, err := q.Exec(ctx, `UPDATE creator_earnings SET scheduled_payout_date = $2, updated_at = $3 WHERE id = $1`,
		earningsID, truncateDate(date), s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to set scheduled payout date: %w", err)
	}
	return nil
}

// ListEligible returns the creator's pending rows with net earnings of at
// least minNet that no open payout request references and whose most recent
// request was not rejected.
func (s *Store) ListEligible(ctx context.Context, creatorID string, minNet money.Cents) ([]Earnings, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+earningsColumns+`
		FROM creator_earnings e
		WHERE e.creator_id = $1
			AND e.payout_status = 'pending'
			AND e.net_earnings > 0
			AND e.net_earnings >= $2
			AND NOT EXISTS (
				SELECT 1 FROM payout_requests r
				WHERE r.earnings_id = e.id AND r.status IN ('pending', 'approved', 'processing')
			)
			AND COALESCE((
				SELECT r.status FROM payout_requests r
				WHERE r.earnings_id = e.id
				ORDER BY r.created_at DESC, r.id DESC LIMIT 1
			), '') <> 'rejected'
		ORDER BY e.period_start, e.revision`, creatorID, minNet)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible earnings: %w", err)
	}
	out, err := collectEarnings(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan eligible earnings: %w", err)
	}
	return out, nil
}

// Get loads a ledger row by id using q, which may be a transaction.
func (s *Store) Get(ctx context.Context, q postgres.Querier, id uuid.UUID) (*Earnings, error) {
	if q == nil {
		q = s.cfg.Pool
	}
	e, err := scanEarnings(q.QueryRow(ctx, `SELECT `+earningsColumns+` FROM creator_earnings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings: %w", err)
	}
	return e, nil
}

// GetForUpdate loads a ledger row and locks it until tx ends. Accruals for
// the row's period wait on the lock.
func (s *Store) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Earnings, error) {
	e, err := scanEarnings(tx.QueryRow(ctx, `SELECT `+earningsColumns+` FROM creator_earnings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock earnings: %w", err)
	}
	return e, nil
}

// ListByCreator returns the creator's rows, most recent period first.
func (s *Store) ListByCreator(ctx context.Context, creatorID string, limit int) ([]Earnings, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+earningsColumns+` FROM creator_earnings
		WHERE creator_id = $1
		ORDER BY period_start DESC, revision DESC
		LIMIT $2`, creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings: %w", err)
	}
	out, err := collectEarnings(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan earnings: %w", err)
	}
	return out, nil
}

// Summary totals the creator's ledger by payout status.
func (s *Store) Summary(ctx context.Context, creatorID string) (*Summary, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT payout_status, count(*), COALESCE(sum(gross_earnings), 0), COALESCE(sum(net_earnings), 0)
		FROM creator_earnings WHERE creator_id = $1
		GROUP BY payout_status`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings summary: %w", err)
	}
	defer rows.Close()

	sum := &Summary{
		CreatorID:    creatorID,
		NetByStatus:  make(map[Status]money.Cents),
		RowsByStatus: make(map[Status]int),
	}
	for rows.Next() {
		var status Status
		var n int
		var gross, net money.Cents
		if err := rows.Scan(&status, &n, &gross, &net); err != nil {
			return nil, fmt.Errorf("failed to scan earnings summary: %w", err)
		}
		sum.Rows += n
		sum.GrossEarnings += gross
		sum.NetEarnings += net
		sum.NetByStatus[status] = net
		sum.RowsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read earnings summary: %w", err)
	}
	return sum, nil
}

// StatusHistory returns the row's payout status changes, oldest first.
func (s *Store) StatusHistory(ctx context.Context, earningsID uuid.UUID) ([]StatusEvent, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, earnings_id, from_status, to_status, payout_request_id, COALESCE(reason, ''), created_at
		FROM creator_earnings_status_events WHERE earnings_id = $1 ORDER BY id`, earningsID)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusEvent, error) {
		var ev StatusEvent
		err := row.Scan(&ev.ID, &ev.EarningsID, &ev.From, &ev.To, &ev.PayoutRequestID, &ev.Reason, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan earnings history: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
