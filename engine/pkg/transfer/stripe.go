package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/jonboulle/clockwork"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"golang.org/x/time/rate"
)

type StripeConfig struct {
	Logger    *slog.Logger
	SecretKey string
	Currency  string

	// BackendURL overrides the Stripe API base URL.
	BackendURL string
	HTTPClient *http.Client

	MaxNetworkRetries int64
	RequestsPerSecond float64
	Clock             clockwork.Clock
}

func (cfg *StripeConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.SecretKey == "" {
		return errors.New("stripe secret key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 80 * time.Second}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// burst lets at least one call through so fractional rates still make progress.
func (cfg *StripeConfig) burst() int {
	return max(1, int(math.Ceil(cfg.RequestsPerSecond)))
}

// NewStripeClient builds a Stripe API client that logs through slog.
func NewStripeClient(cfg StripeConfig) (*client.API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		LeveledLogger:     &stripeLogger{log: cfg.Logger},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return client.New(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}), nil
}

type stripeLogger struct {
	log *slog.Logger
}

func (l *stripeLogger) Debugf(format string, v ...any) {
	l.log.Debug("transfer/stripe: " + fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Infof(format string, v ...any) {
	l.log.Debug("transfer/stripe: " + fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Warnf(format string, v ...any) {
	l.log.Warn("transfer/stripe: " + fmt.Sprintf(format, v...))
}

func (l *stripeLogger) Errorf(format string, v ...any) {
	l.log.Error("transfer/stripe: " + fmt.Sprintf(format, v...))
}

// StripeExecutor issues Stripe Connect transfers.
type StripeExecutor struct {
	log      *slog.Logger
	cfg      StripeConfig
	api      *client.API
	limiter  *rate.Limiter
	currency string
}

var _ Executor = (*StripeExecutor)(nil)

func NewStripeExecutor(cfg StripeConfig, api *client.API) (*StripeExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if api == nil {
		return nil, errors.New("stripe client is required")
	}
	return &StripeExecutor{
		log:      cfg.Logger,
		cfg:      cfg,
		api:      api,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.burst()),
		currency: cfg.Currency,
	}, nil
}

func (e *StripeExecutor) CreateTransfer(ctx context.Context, in Input) (*Result, error) {
	if in.DestinationAccountID == "" {
		return nil, fmt.Errorf("%w: destination account is required", ErrTransferRejected)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrTransferRejected)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(int64(in.Amount)),
		Currency:    stripe.String(e.currency),
		Destination: stripe.String(in.DestinationAccountID),
	}
	params.Context = ctx
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	if in.Group != "" {
		params.TransferGroup = stripe.String(in.Group)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	start := e.cfg.Clock.Now()
	tr, err := e.api.Transfers.New(params)
	if err != nil {
		err = classify(err)
		outcome := "unknown"
		if errors.Is(err, ErrTransferRejected) {
			outcome = "failed"
		}
		metrics.RecordTransfer(outcome, e.cfg.Clock.Since(start))
		e.log.Warn("transfer/stripe: transfer failed", "destination", in.DestinationAccountID,
			"amount", in.Amount, "group", in.Group, "outcome", outcome, "error", err)
		return nil, err
	}
	metrics.RecordTransfer("paid", e.cfg.Clock.Since(start))
	e.log.Info("transfer/stripe: transfer created", "transfer_id", tr.ID, "destination", in.DestinationAccountID,
		"amount", in.Amount, "group", in.Group)
	return toResult(tr), nil
}

func (e *StripeExecutor) FindTransfer(ctx context.Context, group string) (*Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.TransferListParams{TransferGroup: stripe.String(group)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	it := e.api.Transfers.List(params)
	for it.Next() {
		tr := it.Transfer()
		if tr.Reversed {
			continue
		}
		return toResult(tr), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return nil, ErrTransferNotFound
}

func toResult(tr *stripe.Transfer) *Result {
	return &Result{
		TransferID: tr.ID,
		Amount:     money.Cents(tr.Amount),
		Created:    time.Unix(tr.Created, 0).UTC(),
	}
}

// classify maps a Stripe call error onto ErrTransferRejected when Stripe
// definitely refused the transfer and ErrOutcomeUnknown otherwise.
func classify(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode == http.StatusTooManyRequests,
			serr.HTTPStatusCode >= 500,
			serr.HTTPStatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrOutcomeUnknown, serr.Msg)
		case serr.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: %s", ErrTransferRejected, serr.Msg)
		}
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}
