package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const accountCache = "accounts"

// StatusCache is the slice of the Redis cache the registry needs.
type StatusCache interface {
	GetJSON(ctx context.Context, cache, key string, v any) (bool, error)
	SetJSON(ctx context.Context, cache, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, cache string, keys ...string) error
}

type AccountRegistryConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Stripe *client.API

	// Cache is optional; statuses are fetched from Stripe on every call without it.
	Cache    StatusCache
	CacheTTL time.Duration
}

func (cfg *AccountRegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Stripe == nil {
		return errors.New("stripe client is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return nil
}

// StripeAccountRegistry resolves creators to Stripe connected accounts.
type StripeAccountRegistry struct {
	log *slog.Logger
	cfg AccountRegistryConfig
}

var _ AccountRegistry = (*StripeAccountRegistry)(nil)

func NewStripeAccountRegistry(cfg AccountRegistryConfig) (*StripeAccountRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StripeAccountRegistry{log: cfg.Logger, cfg: cfg}, nil
}

// SetAccount links a creator to a connected account and drops any cached status.
func (r *StripeAccountRegistry) SetAccount(ctx context.Context, creatorID, externalAccountID string) error {
	if creatorID == "" || externalAccountID == "" {
		return errors.New("creator id and external account id are required")
	}
	if _, err := r.cfg.Pool.Exec(ctx, `
		INSERT INTO creator_payout_accounts (creator_id, external_account_id)
		VALUES ($1, $2)
		ON CONFLICT (creator_id) DO UPDATE SET external_account_id = EXCLUDED.external_account_id`,
		creatorID, externalAccountID); err != nil {
		return fmt.Errorf("failed to upsert payout account: %w", err)
	}
	if r.cfg.Cache != nil {
		if err := r.cfg.Cache.Delete(ctx, accountCache, creatorID); err != nil {
			r.log.Warn("transfer/accounts: failed to drop cached status", "creator_id", creatorID, "error", err)
		}
	}
	return nil
}

func (r *StripeAccountRegistry) GetAccountStatus(ctx context.Context, creatorID string) (*AccountStatus, error) {
	if r.cfg.Cache != nil {
		var cached AccountStatus
		ok, err := r.cfg.Cache.GetJSON(ctx, accountCache, creatorID, &cached)
		if err != nil {
			r.log.Warn("transfer/accounts: cache lookup failed", "creator_id", creatorID, "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	var accountID string
	err := r.cfg.Pool.QueryRow(ctx, `SELECT external_account_id FROM creator_payout_accounts WHERE creator_id = $1`,
		creatorID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payout account: %w", err)
	}

	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := r.cfg.Stripe.Accounts.GetByID(accountID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("failed to fetch connected account: %w", err)
	}

	status := &AccountStatus{
		CreatorID:         creatorID,
		ExternalAccountID: acct.ID,
		PayoutsEnabled:    acct.PayoutsEnabled,
		Email:             acct.Email,
	}
	if acct.BusinessProfile != nil {
		status.DisplayName = acct.BusinessProfile.Name
	}
	if r.cfg.Cache != nil {
		if err := r.cfg.Cache.SetJSON(ctx, accountCache, creatorID, status, r.cfg.CacheTTL); err != nil {
			r.log.Warn("transfer/accounts: failed to cache status", "creator_id", creatorID, "error", err)
		}
	}
	return status, nil
}
