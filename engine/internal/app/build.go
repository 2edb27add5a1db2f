package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/creatorhub/earnings/engine/pkg/cache"
	"github.com/creatorhub/earnings/engine/pkg/engine"
	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/creatorhub/earnings/engine/pkg/reportarchive"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresConfig returns the pool configuration described by the options.
func (o *Options) PostgresConfig(log *slog.Logger) postgres.Config {
	return postgres.Config{
		Logger:   log,
		URL:      o.PostgresURL,
		Host:     o.PostgresHost,
		Port:     o.PostgresPort,
		Database: o.PostgresDatabase,
		Username: o.PostgresUsername,
		Password: o.PostgresPassword,
		SSLMode:  o.PostgresSSLMode,
		MaxConns: o.PostgresMaxConns,
	}
}

// Fees parses the configured payout and ledger fee schedules.
func (o *Options) Fees() (money.FeeSchedule, ledger.FeeSchedule, error) {
	payoutRate, err := decimal.NewFromString(o.PayoutFeeRate)
	if err != nil {
		return money.FeeSchedule{}, ledger.FeeSchedule{}, fmt.Errorf("invalid payout fee rate %q: %w", o.PayoutFeeRate, err)
	}
	platformRate, err := decimal.NewFromString(o.PlatformFeeRate)
	if err != nil {
		return money.FeeSchedule{}, ledger.FeeSchedule{}, fmt.Errorf("invalid platform fee rate %q: %w", o.PlatformFeeRate, err)
	}
	managementRate, err := decimal.NewFromString(o.ManagementFeeRate)
	if err != nil {
		return money.FeeSchedule{}, ledger.FeeSchedule{}, fmt.Errorf("invalid management fee rate %q: %w", o.ManagementFeeRate, err)
	}
	for _, r := range []decimal.Decimal{payoutRate, platformRate, managementRate} {
		if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return money.FeeSchedule{}, ledger.FeeSchedule{}, fmt.Errorf("fee rate %s must be in [0, 1)", r)
		}
	}
	return money.FeeSchedule{Rate: payoutRate, Fixed: money.Cents(o.PayoutFeeFixed)},
		ledger.FeeSchedule{PlatformRate: platformRate, ManagementRate: managementRate}, nil
}

// Deps is everything the binaries run against. Close releases it.
type Deps struct {
	Pool     *pgxpool.Pool
	Cache    *cache.Client
	Accounts *transfer.StripeAccountRegistry
	Archive  *reportarchive.Archive
	Graph    *referral.Neo4jNetwork
	Engine   *engine.Engine

	closers []func(context.Context) error
}

func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// Build connects to every configured backend and composes the engine.
// Optional backends are skipped when their settings are empty.
func Build(ctx context.Context, log *slog.Logger, o *Options) (_ *Deps, err error) {
	if o.StripeSecretKey == "" {
		return nil, errors.New("--stripe-secret-key is required")
	}
	payoutFees, ledgerFees, err := o.Fees()
	if err != nil {
		return nil, err
	}
	policy, err := referral.ParseDepthPolicy(o.DepthPolicy)
	if err != nil {
		return nil, err
	}

	d := &Deps{}
	defer func() {
		if err != nil {
			if cerr := d.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.Warn("app: cleanup after failed build", "error", cerr)
			}
		}
	}()

	d.Pool, err = postgres.NewPool(ctx, o.PostgresConfig(log))
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func(context.Context) error { d.Pool.Close(); return nil })

	if o.RedisURL != "" {
		d.Cache, err = cache.New(ctx, cache.Config{Logger: log, URL: o.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.closers = append(d.closers, func(context.Context) error { return d.Cache.Close() })
	}

	stripeCfg := transfer.StripeConfig{
		Logger:            log,
		SecretKey:         o.StripeSecretKey,
		Currency:          o.StripeCurrency,
		BackendURL:        o.StripeBackendURL,
		MaxNetworkRetries: o.StripeMaxRetries,
		RequestsPerSecond: o.StripeRPS,
	}
	api, err := transfer.NewStripeClient(stripeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe client: %w", err)
	}
	executor, err := transfer.NewStripeExecutor(stripeCfg, api)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer executor: %w", err)
	}
	regCfg := transfer.AccountRegistryConfig{Logger: log, Pool: d.Pool, Stripe: api, CacheTTL: o.AccountCacheTTL}
	if d.Cache != nil {
		regCfg.Cache = d.Cache
	}
	d.Accounts, err = transfer.NewStripeAccountRegistry(regCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create account registry: %w", err)
	}

	notifier, err := o.notifier(log, d.Accounts)
	if err != nil {
		return nil, err
	}

	if o.S3Bucket != "" {
		client, err := reportarchive.NewS3Client(ctx, o.S3Region, o.S3Endpoint)
		if err != nil {
			return nil, err
		}
		d.Archive, err = reportarchive.New(reportarchive.Config{Logger: log, Client: client, Bucket: o.S3Bucket, Prefix: o.S3Prefix})
		if err != nil {
			return nil, fmt.Errorf("failed to create report archive: %w", err)
		}
	}

	if o.Neo4jURI != "" {
		d.Graph, err = referral.NewNeo4jNetwork(ctx, referral.Neo4jConfig{
			Logger:   log,
			URI:      o.Neo4jURI,
			Database: o.Neo4jDatabase,
			Username: o.Neo4jUsername,
			Password: o.Neo4jPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
		}
		d.closers = append(d.closers, d.Graph.Close)
	} else if o.Neo4jAncestors {
		return nil, errors.New("--neo4j-ancestors requires --neo4j-uri")
	}

	engCfg := engine.Config{
		Logger:          log,
		Pool:            d.Pool,
		Executor:        executor,
		Accounts:        d.Accounts,
		Notifier:        notifier,
		Graph:           d.Graph,
		GraphAncestors:  o.Neo4jAncestors,
		DepthPolicy:     policy,
		PayoutFees:      payoutFees,
		LedgerFees:      ledgerFees,
		MaxConcurrency:  o.MaxConcurrency,
		TransferTimeout: o.TransferTimeout,
	}
	if d.Cache != nil {
		engCfg.Locker = d.Cache
	}
	if d.Archive != nil {
		engCfg.Archive = d.Archive
	}
	d.Engine, err = engine.New(engCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return d, nil
}

func (o *Options) notifier(log *slog.Logger, accounts transfer.AccountRegistry) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(log)}

	if o.SlackBotToken != "" {
		n, err := notify.NewSlackNotifier(notify.SlackConfig{Logger: log, BotToken: o.SlackBotToken, ChannelID: o.SlackChannelID})
		if err != nil {
			return nil, fmt.Errorf("failed to create slack notifier: %w", err)
		}
		notifiers = append(notifiers, n)
	}

	if o.SendGridAPIKey != "" {
		n, err := notify.NewEmailNotifier(notify.EmailConfig{
			Logger:     log,
			APIKey:     o.SendGridAPIKey,
			FromEmail:  o.EmailFrom,
			FromName:   o.EmailFromName,
			OpsEmail:   o.OpsEmail,
			Recipients: AccountRecipients(accounts),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create email notifier: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// AccountRecipients resolves creator email addresses from their connected
// payout accounts.
func AccountRecipients(accounts transfer.AccountRegistry) notify.RecipientResolver {
	return notify.RecipientResolverFunc(func(ctx context.Context, creatorID string) (notify.Recipient, error) {
		st, err := accounts.GetAccountStatus(ctx, creatorID)
		if err != nil {
			return notify.Recipient{}, err
		}
		if st.Email == "" {
			return notify.Recipient{}, fmt.Errorf("%w: creator %s", notify.ErrNoRecipient, creatorID)
		}
		return notify.Recipient{Name: st.DisplayName, Email: st.Email}, nil
	})
}
