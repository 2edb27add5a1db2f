package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/creatorhub/earnings/engine/internal/app"
	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/schedule"
	"github.com/creatorhub/earnings/engine/pkg/server"
	"github.com/creatorhub/earnings/utils/pkg/errreport"
	"github.com/creatorhub/earnings/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &app.Options{}
	opts.Register(flag.CommandLine)

	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for the API (or set LISTEN_ADDR env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins for the admin dashboard (or set ALLOWED_ORIGINS env var)")
	migrateFlag := flag.Bool("migrate", true, "apply database migrations on startup")
	scheduleFlag := flag.String("schedule", "0 6 * * *", "cron spec for the payout scheduler, in UTC (or set PAYOUT_SCHEDULE env var)")
	reconcileScheduleFlag := flag.String("reconcile-schedule", "*/15 * * * *", "cron spec for payout reconciliation; empty disables it")
	reconcileAfterFlag := flag.Duration("reconcile-after", 15*time.Minute, "age at which approved or processing payouts are reconciled")
	jobTimeoutFlag := flag.Duration("job-timeout", 30*time.Minute, "timeout for one scheduled job")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during shutdown")
	rateLimitFlag := flag.Float64("rate-limit", 10, "API requests per second allowed per actor; 0 disables limiting")
	rateBurstFlag := flag.Int("rate-burst", 20, "API request burst allowed per actor")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server on localhost:6060")

	flag.Parse()

	if err := app.LoadDotEnv(); err != nil {
		return err
	}
	if err := opts.ApplyEnv(); err != nil {
		return err
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = v
	}
	if v := os.Getenv("PAYOUT_SCHEDULE"); v != "" {
		*scheduleFlag = v
	}

	log := logger.NewWithFormat(os.Stdout, logger.Format(opts.LogFormat), opts.Verbose)

	flush, err := errreport.Init(opts.SentryDSN, opts.Environment, version)
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	defer flush()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		pgCfg := opts.PostgresConfig(log)
		if err := pgCfg.Validate(); err != nil {
			return err
		}
		if err := postgres.RunMigrations(ctx, log, pgCfg.ConnString()); err != nil {
			return err
		}
	}

	deps, err := app.Build(ctx, log, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := deps.Close(closeCtx); err != nil {
			log.Warn("failed to close dependencies", "error", err)
		}
	}()

	cronCfg := schedule.CronConfig{
		Logger:         log,
		Runner:         deps.Engine.Scheduler,
		RunSpec:        *scheduleFlag,
		ReconcileAfter: *reconcileAfterFlag,
		JobTimeout:     *jobTimeoutFlag,
	}
	if *reconcileScheduleFlag != "" {
		cronCfg.Reconciler = deps.Engine.Workflow
		cronCfg.ReconcileSpec = *reconcileScheduleFlag
	}
	trigger, err := schedule.NewCronTrigger(cronCfg)
	if err != nil {
		return fmt.Errorf("failed to create cron trigger: %w", err)
	}

	var origins []string
	for o := range strings.SplitSeq(*allowedOriginsFlag, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  origins,
		ReconcileAfter:  *reconcileAfterFlag,
		RateLimit:       *rateLimitFlag,
		RateBurst:       *rateBurstFlag,
		Engine:          deps.Engine,
		Accounts:        deps.Accounts,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	trigger.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer stopCancel()
		trigger.Stop(stopCtx)
	}()

	log.Info("earnings engine starting", "version", version, "commit", commit, "listen_addr", *listenAddrFlag,
		"schedule", *scheduleFlag, "redis", opts.RedisURL != "", "archive", deps.Archive != nil, "neo4j", deps.Graph != nil)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
