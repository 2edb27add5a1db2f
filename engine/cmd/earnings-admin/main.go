package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/creatorhub/earnings/engine/internal/app"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/reportarchive"
	"github.com/creatorhub/earnings/utils/pkg/errreport"
	"github.com/creatorhub/earnings/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &app.Options{}
	opts.Register(flag.CommandLine)

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Apply database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	runSchedulerFlag := flag.Bool("run-scheduler", false, "Run the payout scheduler once and print its report")
	reconcileFlag := flag.Bool("reconcile", false, "Reconcile approved and processing payouts")
	listRunsFlag := flag.String("list-runs", "", "List archived scheduler reports for a day (YYYY-MM-DD)")
	showRunFlag := flag.String("show-run", "", "Print an archived scheduler report by key")
	setAccountFlag := flag.String("set-account", "", "Link a creator to a connected account (creator_id=acct_id)")

	// Options
	olderThanFlag := flag.Duration("older-than", 15*time.Minute, "Minimum age of payouts picked up by --reconcile")

	flag.Parse()

	if err := app.LoadDotEnv(); err != nil {
		return err
	}
	if err := opts.ApplyEnv(); err != nil {
		return err
	}
	log := logger.New(opts.Verbose)

	flush, err := errreport.Init(opts.SentryDSN, opts.Environment, "admin")
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := opts.PostgresConfig(log)

	if *migrateFlag {
		if err := pgCfg.Validate(); err != nil {
			return err
		}
		return postgres.RunMigrations(ctx, log, pgCfg.ConnString())
	}

	if *migrateStatusFlag {
		if err := pgCfg.Validate(); err != nil {
			return err
		}
		states, err := postgres.MigrationStatus(ctx, pgCfg.ConnString())
		if err != nil {
			return err
		}
		for _, s := range states {
			applied := "pending"
			if s.Applied {
				applied = "applied " + s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-30s  %s\n", s.Version, s.Path, applied)
		}
		return nil
	}

	if *listRunsFlag != "" || *showRunFlag != "" {
		archive, err := newArchive(ctx, log, opts)
		if err != nil {
			return err
		}
		if *showRunFlag != "" {
			var report json.RawMessage
			if err := archive.Get(ctx, *showRunFlag, &report); err != nil {
				return err
			}
			return printJSON(report)
		}
		day, err := time.Parse(time.DateOnly, *listRunsFlag)
		if err != nil {
			return fmt.Errorf("invalid --list-runs date (use YYYY-MM-DD): %w", err)
		}
		keys, err := archive.List(ctx, day)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	if !*runSchedulerFlag && !*reconcileFlag && *setAccountFlag == "" {
		flag.Usage()
		return nil
	}

	deps, err := app.Build(ctx, log, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to close dependencies", "error", err)
		}
	}()

	if *setAccountFlag != "" {
		creatorID, accountID, ok := strings.Cut(*setAccountFlag, "=")
		if !ok || creatorID == "" || accountID == "" {
			return errors.New("--set-account must be creator_id=acct_id")
		}
		return deps.Accounts.SetAccount(ctx, creatorID, accountID)
	}

	if *runSchedulerFlag {
		report, err := deps.Engine.Scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	report, err := deps.Engine.Workflow.Reconcile(ctx, *olderThanFlag)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func newArchive(ctx context.Context, log *slog.Logger, opts *app.Options) (*reportarchive.Archive, error) {
	if opts.S3Bucket == "" {
		return nil, errors.New("--s3-bucket is required to read archived reports")
	}
	client, err := reportarchive.NewS3Client(ctx, opts.S3Region, opts.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return reportarchive.New(reportarchive.Config{Logger: log, Client: client, Bucket: opts.S3Bucket, Prefix: opts.S3Prefix})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
