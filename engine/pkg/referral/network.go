package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/jackc/pgx/v5"
)

// Network walks the referral graph upward from a referee.
type Network interface {
	Ancestors(ctx context.Context, refereeID string, limit int) ([]Ancestor, error)
}

var _ Network = (*Store)(nil)

func (s *Store) depthLimit(ctx context.Context) (int, error) {
	program, err := s.ActiveProgram(ctx)
	if errors.Is(err, ErrNoProgram) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return program.NetworkDepthLimit, nil
}

// CreateEdge records that referrerID directly referred refereeID and
// materialises the implied indirect edges that fall within the program's
// network depth limit.
func (s *Store) CreateEdge(ctx context.Context, referrerID, refereeID string) ([]Edge, error) {
	if referrerID == "" || refereeID == "" {
		return nil, errors.New("referrer and referee are required")
	}
	if referrerID == refereeID {
		return nil, ErrSelfReferral
	}
	limit, err := s.depthLimit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load network depth limit: %w", err)
	}
	now := s.cfg.Clock.Now()

	var edges []Edge
	err = postgres.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		// Serialise writers touching either endpoint's chain.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('referral_network'))`); err != nil {
			return fmt.Errorf("failed to lock referral network: %w", err)
		}

		var cycle bool
		if err := tx.QueryRow(ctx, `
			WITH RECURSIVE chain AS (
				SELECT referrer_id FROM referral_network_edges
				WHERE referee_id = $1 AND network_depth = 1 AND is_active
				UNION
				SELECT e.referrer_id FROM referral_network_edges e
				JOIN chain c ON e.referee_id = c.referrer_id
				WHERE e.network_depth = 1 AND e.is_active
			)
			SELECT EXISTS (SELECT 1 FROM chain WHERE referrer_id = $2)`,
			referrerID, refereeID).Scan(&cycle); err != nil {
			return fmt.Errorf("failed to check referral chain: %w", err)
		}
		if cycle {
			return ErrReferralCycle
		}

		rows, err := tx.Query(ctx, `
			WITH up AS (
				SELECT $1::text AS id, 0 AS d
				UNION ALL
				SELECT referrer_id, network_depth FROM referral_network_edges
				WHERE referee_id = $1 AND is_active
			), down AS (
				SELECT $2::text AS id, 0 AS d
				UNION ALL
				SELECT referee_id, network_depth FROM referral_network_edges
				WHERE referrer_id = $2 AND is_active
			)
			INSERT INTO referral_network_edges (referrer_id, referee_id, network_depth, activation_date)
			SELECT up.id, down.id, up.d + down.d + 1, $4
			FROM up CROSS JOIN down
			WHERE up.d + down.d + 1 <= $3
			RETURNING referrer_id, referee_id, network_depth, activation_date, is_active`,
			referrerID, refereeID, limit, now)
		if err != nil {
			return fmt.Errorf("failed to insert referral edges: %w", err)
		}
		edges, err = pgx.CollectRows(rows, scanEdge)
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyReferred
		}
		if err != nil {
			return fmt.Errorf("failed to insert referral edges: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("referral: edge created", "referrer_id", referrerID, "referee_id", refereeID, "edges", len(edges))

	if s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.MirrorEdge(ctx, referrerID, refereeID); err != nil {
			s.log.Warn("referral: failed to mirror edge", "referrer_id", referrerID, "referee_id", refereeID, "error", err)
		}
	}
	return edges, nil
}

// ImportEdge stores a single pre-computed edge, for loading an existing
// network. The depth must respect the program's limit.
func (s *Store) ImportEdge(ctx context.Context, e Edge) error {
	if e.ReferrerID == e.RefereeID {
		return ErrSelfReferral
	}
	if e.Depth < 1 {
		return fmt.Errorf("network depth must be at least 1, got %d", e.Depth)
	}
	limit, err := s.depthLimit(ctx)
	if err != nil {
		return fmt.Errorf("failed to load network depth limit: %w", err)
	}
	if e.Depth > limit {
		return fmt.Errorf("%w: depth %d, limit %d", ErrDepthLimitExceeded, e.Depth, limit)
	}
	if e.ActivationDate.IsZero() {
		e.ActivationDate = s.cfg.Clock.Now()
	}
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO referral_network_edges (referrer_id, referee_id, network_depth, activation_date, is_active)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ReferrerID, e.RefereeID, e.Depth, e.ActivationDate, e.IsActive)
	if postgres.IsUniqueViolation(err) {
		return ErrAlreadyReferred
	}
	if err != nil {
		return fmt.Errorf("failed to import referral edge: %w", err)
	}
	return nil
}

// Ancestors returns the referee's active upstream referrers up to limit
// hops, nearest first.
func (s *Store) Ancestors(ctx context.Context, refereeID string, limit int) ([]Ancestor, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT referrer_id, network_depth FROM referral_network_edges
		WHERE referee_id = $1 AND is_active AND network_depth <= $2
		ORDER BY network_depth`, refereeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral ancestors: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Ancestor, error) {
		var a Ancestor
		err := row.Scan(&a.ReferrerID, &a.Depth)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral ancestors: %w", err)
	}
	return out, nil
}

// Edges returns every edge whose referrer is referrerID.
func (s *Store) Edges(ctx context.Context, referrerID string) ([]Edge, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT referrer_id, referee_id, network_depth, activation_date, is_active
		FROM referral_network_edges WHERE referrer_id = $1
		ORDER BY network_depth, referee_id`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral edges: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanEdge)
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral edges: %w", err)
	}
	return out, nil
}

// DeactivateReferee stops all edges pointing at refereeID from earning.
func (s *Store) DeactivateReferee(ctx context.Context, refereeID string) error {
	_, err := s.cfg.Pool.Exec(ctx,
		`UPDATE referral_network_edges SET is_active = false WHERE referee_id = $1`, refereeID)
	if err != nil {
		return fmt.Errorf("failed to deactivate referral edges: %w", err)
	}
	return nil
}

func scanEdge(row pgx.CollectableRow) (Edge, error) {
	var e Edge
	err := row.Scan(&e.ReferrerID, &e.RefereeID, &e.Depth, &e.ActivationDate, &e.IsActive)
	return e, err
}
