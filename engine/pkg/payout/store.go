package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const openEarningsIndex = "payout_requests_open_earnings_idx"

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
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

const requestColumns = `id, creator_id, earnings_id, requested_amount, request_type, status,
	processing_fee, net_payout_amount, requested_by,
	COALESCE(approved_by, ''), approved_at, COALESCE(rejected_by, ''), COALESCE(rejection_reason, ''),
	COALESCE(failure_reason, ''), COALESCE(transfer_id, ''), idempotency_key,
	processing_started_at, completed_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	if err := row.Scan(&r.ID, &r.CreatorID, &r.EarningsID, &r.RequestedAmount, &r.RequestType, &r.Status,
		&r.ProcessingFee, &r.NetPayoutAmount, &r.RequestedBy,
		&r.ApprovedBy, &r.ApprovedAt, &r.RejectedBy, &r.RejectionReason,
		&r.FailureReason, &r.TransferID, &r.IdempotencyKey,
		&r.ProcessingStartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Request, error) {
		r, err := scanRequest(row)
		if err != nil {
			return Request{}, err
		}
		return *r, nil
	})
}

// Insert persists a new request. A second open request for the same ledger
// row fails with ErrEarningsAlreadyLinked.
func (s *Store) Insert(ctx context.Context, q postgres.Querier, r *Request) (*Request, error) {
	out, err := scanRequest(q.QueryRow(ctx, `
		INSERT INTO payout_requests (id, creator_id, earnings_id, requested_amount, request_type, status,
			processing_fee, net_payout_amount, requested_by, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+requestColumns,
		r.ID, r.CreatorID, r.EarningsID, r.RequestedAmount, r.RequestType, r.Status,
		r.ProcessingFee, r.NetPayoutAmount, r.RequestedBy, r.IdempotencyKey, r.CreatedAt))
	if postgres.IsUniqueViolation(err, openEarningsIndex) {
		return nil, ErrEarningsAlreadyLinked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert payout request: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, q postgres.Querier, id uuid.UUID) (*Request, error) {
	if q == nil {
		q = s.cfg.Pool
	}
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM payout_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payout request: %w", err)
	}
	return r, nil
}

// transition moves a request from one status to another with a conditional
// update, stamping the fields that belong to the target status.
func (s *Store) transition(ctx context.Context, q postgres.Querier, id uuid.UUID, from, to Status, c change) (*Request, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r, err := scanRequest(q.QueryRow(ctx, `
		UPDATE payout_requests SET
			status = $3,
			approved_by = CASE WHEN $3 = 'approved' THEN $4 ELSE approved_by END,
			approved_at = CASE WHEN $3 = 'approved' THEN $7 ELSE approved_at END,
			rejected_by = CASE WHEN $3 = 'rejected' THEN $4 ELSE rejected_by END,
			rejection_reason = CASE WHEN $3 = 'rejected' THEN $5 ELSE rejection_reason END,
			failure_reason = CASE WHEN $3 = 'failed' THEN $5 ELSE failure_reason END,
			transfer_id = CASE WHEN $3 = 'paid' THEN $6 ELSE transfer_id END,
			processing_started_at = CASE WHEN $3 = 'processing' THEN $7 ELSE processing_started_at END,
			completed_at = CASE WHEN $3 IN ('paid', 'failed', 'rejected') THEN $7 ELSE completed_at END,
			updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING `+requestColumns,
		id, from, to, c.Actor, c.Reason, c.TransferID, c.At))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, q, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payout request: %w", err)
	}
	return r, nil
}

// ListForTriage returns up to limit pending requests, emergency first, then
// manual, then automatic, oldest first within a type.
func (s *Store) ListForTriage(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM payout_requests
		WHERE status = 'pending'
		ORDER BY CASE request_type
				WHEN 'emergency' THEN 0
				WHEN 'manual' THEN 1
				ELSE 2
			END, created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payout requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending payout requests: %w", err)
	}
	return out, nil
}

// ListRecent returns up to limit requests in status, most recent first.
func (s *Store) ListRecent(ctx context.Context, status Status, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM payout_requests
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout requests: %w", err)
	}
	return out, nil
}

// ListStale returns requests that have sat in status since before cutoff.
func (s *Store) ListStale(ctx context.Context, status Status, cutoff time.Time) ([]Request, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM payout_requests
		WHERE status = $1 AND COALESCE(processing_started_at, approved_at, updated_at) < $2
		ORDER BY updated_at, id`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale payout requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale payout requests: %w", err)
	}
	return out, nil
}

func (s *Store) ListByCreator(ctx context.Context, creatorID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM payout_requests
		WHERE creator_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout requests: %w", err)
	}
	return out, nil
}
