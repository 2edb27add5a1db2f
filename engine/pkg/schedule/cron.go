package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/robfig/cron/v3"
)

type Runner interface {
	RunOnce(ctx context.Context) (*Report, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (*payout.ReconcileReport, error)
}

type CronConfig struct {
	Logger     *slog.Logger
	Runner     Runner
	Reconciler Reconciler

	// Specs use the standard five-field cron syntax, evaluated in UTC.
	// An empty ReconcileSpec disables reconciliation.
	RunSpec        string
	ReconcileSpec  string
	ReconcileAfter time.Duration
	JobTimeout     time.Duration
}

func (cfg *CronConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("scheduler runner is required")
	}
	if cfg.RunSpec == "" {
		cfg.RunSpec = "0 6 * * *"
	}
	if _, err := cron.ParseStandard(cfg.RunSpec); err != nil {
		return fmt.Errorf("invalid run spec %q: %w", cfg.RunSpec, err)
	}
	if cfg.ReconcileSpec != "" {
		if cfg.Reconciler == nil {
			return errors.New("reconciler is required when a reconcile spec is set")
		}
		if _, err := cron.ParseStandard(cfg.ReconcileSpec); err != nil {
			return fmt.Errorf("invalid reconcile spec %q: %w", cfg.ReconcileSpec, err)
		}
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 15 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	return nil
}

// CronTrigger runs the scheduler and payout reconciliation on cron specs.
type CronTrigger struct {
	log  *slog.Logger
	cfg  CronConfig
	cron *cron.Cron
	ctx  context.Context
}

func NewCronTrigger(cfg CronConfig) (*CronTrigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &CronTrigger{log: cfg.Logger, cfg: cfg, ctx: context.Background()}
	logger := cronLogger{log: cfg.Logger}
	t.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := t.cron.AddFunc(cfg.RunSpec, t.runScheduler); err != nil {
		return nil, fmt.Errorf("failed to add scheduler job: %w", err)
	}
	if cfg.ReconcileSpec != "" {
		if _, err := t.cron.AddFunc(cfg.ReconcileSpec, t.runReconcile); err != nil {
			return nil, fmt.Errorf("failed to add reconcile job: %w", err)
		}
	}
	return t, nil
}

// Start begins firing jobs. Jobs run with contexts derived from ctx.
func (t *CronTrigger) Start(ctx context.Context) {
	t.ctx = ctx
	t.cron.Start()
	t.log.Info("schedule/cron: started", "run_spec", t.cfg.RunSpec, "reconcile_spec", t.cfg.ReconcileSpec)
}

// Stop stops firing jobs and waits for running ones until ctx is done.
func (t *CronTrigger) Stop(ctx context.Context) {
	select {
	case <-t.cron.Stop().Done():
		t.log.Info("schedule/cron: stopped")
	case <-ctx.Done():
		t.log.Warn("schedule/cron: stop timed out with jobs still running")
	}
}

func (t *CronTrigger) runScheduler() {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.JobTimeout)
	defer cancel()

	_, err := t.cfg.Runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		t.log.Info("schedule/cron: scheduler run already in progress elsewhere")
	case err != nil:
		t.log.Error("schedule/cron: scheduler run failed", "error", err)
	}
}

func (t *CronTrigger) runReconcile() {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.JobTimeout)
	defer cancel()

	if _, err := t.cfg.Reconciler.Reconcile(ctx, t.cfg.ReconcileAfter); err != nil {
		t.log.Error("schedule/cron: reconcile failed", "error", err)
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("schedule/cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("schedule/cron: "+msg, append(keysAndValues, "error", err)...)
}
