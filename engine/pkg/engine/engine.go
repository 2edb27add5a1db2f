// Package engine composes the earnings, referral and payout services over
// one Postgres pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/creatorhub/earnings/engine/pkg/schedule"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Pool     *pgxpool.Pool
	Executor transfer.Executor
	Accounts transfer.AccountRegistry
	Notifier notify.Notifier

	// Graph is an optional Neo4j mirror of the referral network. When
	// GraphAncestors is set the calculator walks ancestors there.
	Graph          *referral.Neo4jNetwork
	GraphAncestors bool

	// Locker and Archive are optional scheduler collaborators.
	Locker  schedule.Locker
	Archive schedule.Archiver

	DepthPolicy     referral.DepthPolicy
	PayoutFees      money.FeeSchedule
	LedgerFees      ledger.FeeSchedule
	MaxConcurrency  int
	TransferTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Executor == nil {
		return errors.New("transfer executor is required")
	}
	if cfg.Accounts == nil {
		return errors.New("account registry is required")
	}
	if cfg.GraphAncestors && cfg.Graph == nil {
		return errors.New("graph ancestors require a neo4j network")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	return nil
}

type Engine struct {
	log      *slog.Logger
	cfg      Config
	validate *validator.Validate

	Referrals  *referral.Store
	Tiers      *referral.TierResolver
	Calculator *referral.Calculator
	Ledger     *ledger.Store
	Payouts    *payout.Store
	Workflow   *payout.Workflow
	Schedules  *schedule.Store
	Scheduler  *schedule.Scheduler
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeCfg := referral.StoreConfig{Logger: cfg.Logger, Pool: cfg.Pool, Clock: cfg.Clock}
	if cfg.Graph != nil {
		storeCfg.Mirror = cfg.Graph
	}
	referrals, err := referral.NewStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create referral store: %w", err)
	}

	calcCfg := referral.CalculatorConfig{Logger: cfg.Logger, Store: referrals, Policy: cfg.DepthPolicy}
	if cfg.GraphAncestors {
		calcCfg.Network = cfg.Graph
	}
	calculator, err := referral.NewCalculator(calcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create commission calculator: %w", err)
	}

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: cfg.Logger, Pool: cfg.Pool, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger store: %w", err)
	}

	payoutStore, err := payout.NewStore(payout.StoreConfig{Logger: cfg.Logger, Pool: cfg.Pool, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout store: %w", err)
	}

	workflow, err := payout.NewWorkflow(payout.WorkflowConfig{
		Logger:          cfg.Logger,
		Pool:            cfg.Pool,
		Store:           payoutStore,
		Ledger:          ledgerStore,
		Executor:        cfg.Executor,
		Accounts:        cfg.Accounts,
		Notifier:        cfg.Notifier,
		Clock:           cfg.Clock,
		Fees:            cfg.PayoutFees,
		TransferTimeout: cfg.TransferTimeout,
		OnPaid: func(ctx context.Context, tx pgx.Tx, earningsID uuid.UUID) error {
			n, err := referrals.MarkConversionsPaid(ctx, tx, earningsID)
			if err != nil {
				return err
			}
			if n > 0 {
				cfg.Logger.Info("engine: commissions paid", "earnings_id", earningsID, "conversions", n)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout workflow: %w", err)
	}

	schedules, err := schedule.NewStore(schedule.StoreConfig{Logger: cfg.Logger, Pool: cfg.Pool, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule store: %w", err)
	}

	scheduler, err := schedule.NewScheduler(schedule.SchedulerConfig{
		Logger:         cfg.Logger,
		Store:          schedules,
		Ledger:         ledgerStore,
		Payouts:        workflow,
		Accounts:       cfg.Accounts,
		Notifier:       cfg.Notifier,
		Clock:          cfg.Clock,
		Locker:         cfg.Locker,
		Archive:        cfg.Archive,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout scheduler: %w", err)
	}

	return &Engine{
		log:        cfg.Logger,
		cfg:        cfg,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		Referrals:  referrals,
		Tiers:      referral.NewTierResolver(cfg.Logger, referrals),
		Calculator: calculator,
		Ledger:     ledgerStore,
		Payouts:    payoutStore,
		Workflow:   workflow,
		Schedules:  schedules,
		Scheduler:  scheduler,
	}, nil
}

// Ready reports whether the database is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.cfg.Pool.Ping(ctx)
}

// Accrual is revenue earned by a creator at a point in time.
type Accrual struct {
	CreatorID  string           `json:"creator_id" validate:"required"`
	OccurredAt time.Time        `json:"occurred_at" validate:"required"`
	Breakdown  ledger.Breakdown `json:"breakdown"`

	// ApplyFees fills the platform and management fees from the configured
	// fee schedule instead of the supplied values.
	ApplyFees bool `json:"apply_fees"`
}

// Accrue adds the accrual to the creator's ledger row for its month.
func (e *Engine) Accrue(ctx context.Context, in Accrual) (*ledger.Earnings, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid accrual: %w", err)
	}
	b := in.Breakdown
	if in.ApplyFees {
		b = e.cfg.LedgerFees.Apply(b)
	}
	return e.Ledger.Accrue(ctx, in.CreatorID, ledger.MonthOf(in.OccurredAt), b)
}

// ApproveConversion approves a pending commission and accrues it to the
// referrer's ledger row for the conversion's month in the same transaction.
// The conversion moves to paid when that row is paid out.
func (e *Engine) ApproveConversion(ctx context.Context, id uuid.UUID) (*referral.Conversion, *ledger.Earnings, error) {
	var (
		conv     *referral.Conversion
		earnings *ledger.Earnings
	)
	err := postgres.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		conv, err = e.Referrals.SetConversionStatus(ctx, tx, id, referral.ConversionApproved)
		if err != nil {
			return err
		}
		if conv.CommissionAmount <= 0 {
			return nil
		}
		earnings, err = e.Ledger.AccrueTx(ctx, tx, conv.ReferrerID, ledger.MonthOf(conv.ConversionDate),
			ledger.Breakdown{Commission: conv.CommissionAmount})
		if err != nil {
			return err
		}
		if err := e.Referrals.LinkConversion(ctx, tx, conv.ID, earnings.ID); err != nil {
			return err
		}
		conv.EarningsID = &earnings.ID
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("engine: conversion approved", "conversion_id", conv.ID, "referrer_id", conv.ReferrerID,
		"commission", conv.CommissionAmount)
	return conv, earnings, nil
}
