package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const codeColumns = `code, referrer_id, program_id, custom_message, landing_page_url, is_active,
	uses_remaining, total_uses, expires_at, created_at`

func scanCode(row pgx.Row) (*Code, error) {
	var c Code
	var message, landing *string
	if err := row.Scan(&c.Code, &c.ReferrerID, &c.ProgramID, &message, &landing, &c.IsActive,
		&c.UsesRemaining, &c.TotalUses, &c.ExpiresAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	if message != nil {
		c.CustomMessage = *message
	}
	if landing != nil {
		c.LandingPageURL = *landing
	}
	return &c, nil
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateCode stores a referral code for the active program. An empty Code
// is replaced with a random one.
func (s *Store) CreateCode(ctx context.Context, c Code) (*Code, error) {
	if c.ReferrerID == "" {
		return nil, errors.New("referrer is required")
	}
	program, err := s.ActiveProgram(ctx)
	if err != nil {
		return nil, err
	}
	if c.Code == "" {
		c.Code = newCode()
	}
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))

	out, err := scanCode(s.cfg.Pool.QueryRow(ctx, `
		INSERT INTO referral_codes (code, referrer_id, program_id, custom_message, landing_page_url,
			is_active, uses_remaining, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8)
		RETURNING `+codeColumns,
		c.Code, c.ReferrerID, program.ID, nullable(c.CustomMessage), nullable(c.LandingPageURL),
		c.UsesRemaining, c.ExpiresAt, s.cfg.Clock.Now()))
	if postgres.IsUniqueViolation(err) {
		return nil, ErrCodeExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert referral code: %w", err)
	}
	return out, nil
}

// GetCode looks a code up case-insensitively.
func (s *Store) GetCode(ctx context.Context, code string) (*Code, error) {
	c, err := scanCode(s.cfg.Pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE code = $1`,
		strings.ToUpper(strings.TrimSpace(code))))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query referral code: %w", err)
	}
	return c, nil
}

// ListCodes returns the referrer's codes, newest first.
func (s *Store) ListCodes(ctx context.Context, referrerID string) ([]Code, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+codeColumns+`
		FROM referral_codes WHERE referrer_id = $1 ORDER BY created_at DESC, code`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral codes: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Code, error) {
		c, err := scanCode(row)
		if err != nil {
			return Code{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral codes: %w", err)
	}
	return out, nil
}
