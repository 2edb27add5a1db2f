package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/cache"
	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	"github.com/creatorhub/earnings/utils/pkg/errreport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const runLockName = "payout-scheduler"

// Payouts is the part of the payout workflow the scheduler drives.
type Payouts interface {
	Create(ctx context.Context, in payout.CreateInput) (*payout.Request, error)
	Approve(ctx context.Context, id uuid.UUID, actor payout.Actor) (*payout.Request, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
}

type Archiver interface {
	Put(ctx context.Context, runID string, startedAt time.Time, report any) (string, error)
}

type SchedulerConfig struct {
	Logger   *slog.Logger
	Store    *Store
	Ledger   *ledger.Store
	Payouts  Payouts
	Accounts transfer.AccountRegistry
	Notifier notify.Notifier
	Clock    clockwork.Clock

	// Locker and Archive are optional. Without a Locker only runs within
	// this process are serialized.
	Locker  Locker
	Archive Archiver

	MaxConcurrency int
	LockTTL        time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("schedule store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Payouts == nil {
		return errors.New("payout workflow is required")
	}
	if cfg.Accounts == nil {
		return errors.New("account registry is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return nil
}

// Report summarizes one scheduler run.
type Report struct {
	RunID           string            `json:"run_id"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Today           string            `json:"today"`
	Due             int               `json:"due"`
	Processed       int               `json:"processed"`
	PendingApproval int               `json:"pending_approval"`
	Skipped         int               `json:"skipped"`
	Creators        []CreatorResult   `json:"creators"`
	Errors          map[string]string `json:"errors,omitempty"`
	ArchiveKey      string            `json:"archive_key,omitempty"`
}

type CreatorResult struct {
	CreatorID        string      `json:"creator_id"`
	Eligible         money.Cents `json:"eligible"`
	Requests         []uuid.UUID `json:"requests,omitempty"`
	Processed        int         `json:"processed"`
	Paid             int         `json:"paid"`
	Failed           int         `json:"failed"`
	PendingApproval  int         `json:"pending_approval"`
	AlreadyRequested int         `json:"already_requested"`
	Skipped          bool        `json:"skipped"`
	NextPayoutDate   string      `json:"next_payout_date,omitempty"`
	Error            string      `json:"error,omitempty"`
}

func (r *CreatorResult) outcome() string {
	switch {
	case r.Error != "":
		return "error"
	case r.Skipped:
		return "skipped"
	case r.PendingApproval > 0:
		return "pending_approval"
	default:
		return "processed"
	}
}

// Scheduler turns due payout schedules into automatic payout requests.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
	mu  sync.Mutex
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// RunOnce processes every schedule due today. Failures are recorded per
// creator in the report; an error is returned only when the run could not
// start or list its schedules.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if !s.mu.TryLock() {
		metrics.SchedulerRunsTotal.WithLabelValues("locked").Inc()
		return nil, ErrRunInProgress
	}
	defer s.mu.Unlock()

	if s.cfg.Locker != nil {
		lock, err := s.cfg.Locker.AcquireLock(ctx, runLockName, s.cfg.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			metrics.SchedulerRunsTotal.WithLabelValues("locked").Inc()
			return nil, ErrRunInProgress
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("schedule: failed to release run lock", "error", err)
			}
		}()
	}

	span := errreport.StartSpan(ctx, "schedule.run", "payout scheduler run")
	defer span.Finish()

	start := s.cfg.Clock.Now()
	today := Date(start)
	rep := &Report{
		RunID:     uuid.NewString(),
		StartedAt: start,
		Today:     today.Format(time.DateOnly),
		Errors:    map[string]string{},
	}

	due, err := s.cfg.Store.ListDue(ctx, today)
	if err != nil {
		metrics.RecordSchedulerRun(s.cfg.Clock.Since(start), err)
		return nil, err
	}
	rep.Due = len(due)
	s.log.Info("schedule: run started", "run_id", rep.RunID, "today", rep.Today, "due", len(due))

	results := make([]CreatorResult, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i := range due {
		g.Go(func() error {
			results[i] = s.runCreator(gctx, rep.RunID, due[i], today)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		metrics.SchedulerCreatorsTotal.WithLabelValues(res.outcome()).Inc()
		rep.Processed += res.Processed
		rep.PendingApproval += res.PendingApproval
		if res.Skipped {
			rep.Skipped++
		}
		if res.Error != "" {
			rep.Errors[res.CreatorID] = res.Error
		}
	}
	rep.Creators = results
	rep.FinishedAt = s.cfg.Clock.Now()
	duration := rep.FinishedAt.Sub(start)

	if s.cfg.Archive != nil {
		key, err := s.cfg.Archive.Put(ctx, rep.RunID, rep.StartedAt, rep)
		if err != nil {
			s.log.Warn("schedule: failed to archive run report", "run_id", rep.RunID, "error", err)
		} else {
			rep.ArchiveKey = key
		}
	}

	err = s.cfg.Notifier.NotifyRun(ctx, notify.RunSummary{
		RunID:           rep.RunID,
		StartedAt:       rep.StartedAt,
		Duration:        duration,
		Processed:       rep.Processed,
		PendingApproval: rep.PendingApproval,
		Skipped:         rep.Skipped,
		Errors:          rep.Errors,
	})
	if err != nil {
		s.log.Warn("schedule: failed to send run summary", "run_id", rep.RunID, "error", err)
	}

	metrics.RecordSchedulerRun(duration, nil)
	s.log.Info("schedule: run completed", "run_id", rep.RunID, "due", rep.Due, "processed", rep.Processed,
		"pending_approval", rep.PendingApproval, "skipped", rep.Skipped, "errors", len(rep.Errors),
		"duration", duration.String())
	return rep, nil
}

func (s *Scheduler) runCreator(ctx context.Context, runID string, sc Schedule, today time.Time) (res CreatorResult) {
	res.CreatorID = sc.CreatorID
	log := s.log.With("run_id", runID, "creator_id", sc.CreatorID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("schedule: creator run panicked", "panic", r)
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if res.Error != "" {
			errreport.Capture(ctx, errors.New(res.Error), map[string]string{"creator_id": sc.CreatorID, "run_id": runID})
		}
	}()

	rows, err := s.cfg.Ledger.ListEligible(ctx, sc.CreatorID, sc.MinimumPayoutAmount)
	if err != nil {
		res.Error = err.Error()
		log.Error("schedule: failed to list eligible earnings", "error", err)
		return res
	}
	for _, e := range rows {
		res.Eligible += e.NetEarnings
	}

	if len(rows) == 0 || res.Eligible < sc.MinimumPayoutAmount {
		res.Skipped = true
		log.Info("schedule: below minimum, skipping", "eligible", res.Eligible, "minimum", sc.MinimumPayoutAmount)
		s.advance(ctx, log, sc, today, &res)
		return res
	}

	if err := s.checkAccount(ctx, sc.CreatorID); err != nil {
		res.Error = err.Error()
		log.Warn("schedule: creator cannot receive payouts", "error", err)
		if err := s.cfg.Store.Touch(ctx, sc.CreatorID); err != nil {
			log.Warn("schedule: failed to record run", "error", err)
		}
		return res
	}

	var errs []error
	for _, e := range rows {
		r, err := s.cfg.Payouts.Create(ctx, payout.CreateInput{
			CreatorID:  sc.CreatorID,
			EarningsID: e.ID,
			Type:       payout.RequestTypeAutomatic,
			Actor:      payout.SystemActor,
		})
		if errors.Is(err, payout.ErrEarningsAlreadyLinked) {
			res.AlreadyRequested++
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("earnings %s: %w", e.ID, err))
			continue
		}
		res.Requests = append(res.Requests, r.ID)
		if err := s.cfg.Ledger.SetScheduledPayoutDate(ctx, nil, e.ID, sc.NextPayoutDate); err != nil {
			log.Warn("schedule: failed to stamp scheduled payout date", "earnings_id", e.ID, "error", err)
		}

		if sc.RequiresApproval {
			res.PendingApproval++
			s.notifyPending(ctx, log, r)
			continue
		}

		out, err := s.cfg.Payouts.Approve(ctx, r.ID, payout.SystemActor)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", r.ID, err))
			continue
		}
		res.Processed++
		switch out.Status {
		case payout.StatusPaid:
			res.Paid++
		case payout.StatusFailed:
			res.Failed++
		}
	}

	if len(errs) > 0 {
		res.Error = errors.Join(errs...).Error()
		log.Error("schedule: failed to submit payouts", "error", res.Error)
		return res
	}
	s.advance(ctx, log, sc, today, &res)
	log.Info("schedule: creator processed", "requests", len(res.Requests), "processed", res.Processed,
		"pending_approval", res.PendingApproval, "already_requested", res.AlreadyRequested)
	return res
}

func (s *Scheduler) checkAccount(ctx context.Context, creatorID string) error {
	status, err := s.cfg.Accounts.GetAccountStatus(ctx, creatorID)
	if errors.Is(err, transfer.ErrAccountNotFound) {
		return errors.New("no connected payout account")
	}
	if err != nil {
		return fmt.Errorf("failed to check payout account: %w", err)
	}
	if !status.PayoutsEnabled {
		return errors.New("payouts are not enabled on the connected account")
	}
	return nil
}

func (s *Scheduler) advance(ctx context.Context, log *slog.Logger, sc Schedule, today time.Time, res *CreatorResult) {
	next := NextPayoutDate(sc, today)
	ok, err := s.cfg.Store.Advance(ctx, sc.CreatorID, sc.NextPayoutDate, next)
	if err != nil {
		res.Error = err.Error()
		log.Error("schedule: failed to advance next payout date", "error", err)
		return
	}
	if !ok {
		log.Info("schedule: next payout date already advanced by another run")
		return
	}
	res.NextPayoutDate = next.Format(time.DateOnly)
}

func (s *Scheduler) notifyPending(ctx context.Context, log *slog.Logger, r *payout.Request) {
	err := s.cfg.Notifier.NotifyPayout(ctx, notify.PayoutEvent{
		Kind:        notify.PayoutPendingApproval,
		RequestID:   r.ID,
		CreatorID:   r.CreatorID,
		RequestType: string(r.RequestType),
		Amount:      r.RequestedAmount,
		NetAmount:   r.NetPayoutAmount,
		Actor:       payout.SystemActor.ID,
	})
	if err != nil {
		log.Warn("schedule: failed to send notification", "request_id", r.ID, "error", err)
	}
}
