package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/notify"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/transfer"
	"github.com/creatorhub/earnings/utils/pkg/errreport"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type WorkflowConfig struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Store    *Store
	Ledger   *ledger.Store
	Executor transfer.Executor
	Accounts transfer.AccountRegistry
	Notifier notify.Notifier
	Clock    clockwork.Clock

	// Fees defaults to money.DefaultProcessingFee.
	Fees            money.FeeSchedule
	TransferTimeout time.Duration

	// QueueLimit caps each list of the admin queue. Defaults to 500.
	QueueLimit int

	// OnPaid runs inside the transaction that marks a ledger row paid.
	OnPaid func(ctx context.Context, tx pgx.Tx, earningsID uuid.UUID) error
}

func (cfg *WorkflowConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Store == nil {
		return errors.New("payout store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Executor == nil {
		return errors.New("transfer executor is required")
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
	if cfg.Fees.IsZero() {
		cfg.Fees = money.DefaultProcessingFee
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 500
	}
	return nil
}

// Workflow drives payout requests from creation to a paid or failed transfer,
// keeping each request and its ledger row in step.
type Workflow struct {
	log      *slog.Logger
	cfg      WorkflowConfig
	validate *validator.Validate
}

func NewWorkflow(cfg WorkflowConfig) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Workflow{
		log:      cfg.Logger,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Create opens a pending request for one ledger row. The fee and net payout
// are fixed at creation.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (*Request, error) {
	if err := w.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid payout request: %w", err)
	}
	if !in.Actor.canRequestFor(in.CreatorID) {
		return nil, ErrNotAuthorized
	}
	if in.Type == RequestTypeAutomatic && !in.Actor.canDecide() {
		return nil, ErrNotAuthorized
	}

	var r *Request
	err := postgres.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		// The row lock holds off accruals until the request commits; later
		// deltas then go to a new revision instead of this fixed amount.
		e, err := w.cfg.Ledger.GetForUpdate(ctx, tx, in.EarningsID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s not found", ErrEarningsNotPayable, in.EarningsID)
		}
		if err != nil {
			return err
		}
		if e.CreatorID != in.CreatorID {
			return fmt.Errorf("%w: belongs to another creator", ErrEarningsNotPayable)
		}
		if e.PayoutStatus != ledger.StatusPending {
			return fmt.Errorf("%w: payout status is %s", ErrEarningsNotPayable, e.PayoutStatus)
		}

		fee, net := w.cfg.Fees.Split(e.NetEarnings)
		if net <= 0 {
			return fmt.Errorf("%w: %s gross, %s fee", ErrAmountTooSmall, e.NetEarnings, fee)
		}

		id := uuid.New()
		r, err = w.cfg.Store.Insert(ctx, tx, &Request{
			ID:              id,
			CreatorID:       in.CreatorID,
			EarningsID:      e.ID,
			RequestedAmount: e.NetEarnings,
			RequestType:     in.Type,
			Status:          StatusPending,
			ProcessingFee:   fee,
			NetPayoutAmount: net,
			RequestedBy:     in.Actor.ID,
			IdempotencyKey:  id.String(),
			CreatedAt:       w.cfg.Clock.Now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	w.record(r)
	w.log.Info("payout: request created", "request_id", r.ID, "creator_id", r.CreatorID,
		"earnings_id", r.EarningsID, "type", r.RequestType, "amount", r.RequestedAmount, "fee", r.ProcessingFee)
	if r.RequestType != RequestTypeAutomatic {
		w.notify(ctx, notify.PayoutPendingApproval, r, in.Actor.ID)
	}
	return r, nil
}

// Approve approves a pending request and pays it out. A transfer whose
// outcome is unknown leaves the request processing for Reconcile.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, actor Actor) (*Request, error) {
	if !actor.canDecide() {
		return nil, ErrNotAuthorized
	}
	r, err := w.cfg.Store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, StatusPending, r.Status)
	}
	account, err := w.payableAccount(ctx, r.CreatorID)
	if err != nil {
		return nil, err
	}

	r, err = w.cfg.Store.transition(ctx, w.cfg.Pool, id, StatusPending, StatusApproved, change{
		Actor: actor.ID,
		At:    w.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	w.record(r)
	w.log.Info("payout: request approved", "request_id", r.ID, "creator_id", r.CreatorID, "approved_by", actor.ID)
	w.notify(ctx, notify.PayoutApproved, r, actor.ID)

	return w.process(ctx, r, account)
}

// Reject closes a pending request. The reason is shown to the creator.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Request, error) {
	if !actor.canDecide() {
		return nil, ErrNotAuthorized
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrRejectionReasonRequired
	}
	r, err := w.cfg.Store.transition(ctx, w.cfg.Pool, id, StatusPending, StatusRejected, change{
		Actor:  actor.ID,
		Reason: reason,
		At:     w.cfg.Clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	w.record(r)
	w.log.Info("payout: request rejected", "request_id", r.ID, "creator_id", r.CreatorID, "rejected_by", actor.ID, "reason", reason)
	w.notify(ctx, notify.PayoutRejected, r, actor.ID)
	return r, nil
}

func (w *Workflow) payableAccount(ctx context.Context, creatorID string) (string, error) {
	status, err := w.cfg.Accounts.GetAccountStatus(ctx, creatorID)
	if errors.Is(err, transfer.ErrAccountNotFound) {
		return "", fmt.Errorf("%w: no connected account", ErrAccountNotPayable)
	}
	if err != nil {
		return "", fmt.Errorf("failed to check payout account: %w", err)
	}
	if !status.PayoutsEnabled {
		return "", fmt.Errorf("%w: payouts are not enabled", ErrAccountNotPayable)
	}
	return status.ExternalAccountID, nil
}

// process moves an approved request and its ledger row to processing in one
// transaction, then executes the transfer.
func (w *Workflow) process(ctx context.Context, r *Request, destination string) (*Request, error) {
	err := postgres.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		r, err = w.cfg.Store.transition(ctx, tx, r.ID, StatusApproved, StatusProcessing, change{At: w.cfg.Clock.Now()})
		if err != nil {
			return err
		}
		_, err = w.cfg.Ledger.MarkPayoutStatus(ctx, tx, r.EarningsID, ledger.StatusPending, ledger.StatusProcessing,
			ledger.MarkOptions{PayoutRequestID: &r.ID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start payout processing: %w", err)
	}
	w.record(r)
	return w.execute(ctx, r, destination)
}

func (w *Workflow) execute(ctx context.Context, r *Request, destination string) (*Request, error) {
	span := errreport.StartSpan(ctx, "payout.transfer", fmt.Sprintf("transfer %s", r.ID))
	defer span.Finish()

	tctx, cancel := context.WithTimeout(ctx, w.cfg.TransferTimeout)
	res, err := w.cfg.Executor.CreateTransfer(tctx, transfer.Input{
		DestinationAccountID: destination,
		Amount:               r.NetPayoutAmount,
		Description:          fmt.Sprintf("Creator payout %s", r.ID),
		IdempotencyKey:       r.IdempotencyKey,
		Group:                r.ID.String(),
		Metadata: map[string]string{
			"payout_request_id": r.ID.String(),
			"creator_id":        r.CreatorID,
			"earnings_id":       r.EarningsID.String(),
		},
	})
	cancel()

	switch {
	case err == nil:
		return w.completePaid(ctx, r, res)
	case errors.Is(err, transfer.ErrTransferRejected):
		errreport.Capture(ctx, err, map[string]string{"creator_id": r.CreatorID, "payout_request_id": r.ID.String()})
		return w.completeFailed(ctx, r, failureReason(err))
	default:
		errreport.Capture(ctx, err, map[string]string{"creator_id": r.CreatorID, "payout_request_id": r.ID.String()})
		w.log.Warn("payout: transfer outcome unknown, leaving request processing",
			"request_id", r.ID, "creator_id", r.CreatorID, "error", err)
		return r, nil
	}
}

func (w *Workflow) completePaid(ctx context.Context, r *Request, res *transfer.Result) (*Request, error) {
	now := w.cfg.Clock.Now()
	paidAt := res.Created
	if paidAt.IsZero() {
		paidAt = now
	}
	err := postgres.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		r, err = w.cfg.Store.transition(ctx, tx, r.ID, StatusProcessing, StatusPaid, change{TransferID: res.TransferID, At: now})
		if err != nil {
			return err
		}
		_, err = w.cfg.Ledger.MarkPayoutStatus(ctx, tx, r.EarningsID, ledger.StatusProcessing, ledger.StatusPaid,
			ledger.MarkOptions{PayoutRequestID: &r.ID, TransferRef: res.TransferID, PaidAt: paidAt})
		if err != nil || w.cfg.OnPaid == nil {
			return err
		}
		return w.cfg.OnPaid(ctx, tx, r.EarningsID)
	})
	if err != nil {
		// The transfer went through; Reconcile finds it by group and retries this.
		return nil, fmt.Errorf("failed to record paid payout %s (transfer %s): %w", r.ID, res.TransferID, err)
	}
	w.record(r)
	w.log.Info("payout: request paid", "request_id", r.ID, "creator_id", r.CreatorID,
		"transfer_id", res.TransferID, "net_amount", r.NetPayoutAmount)
	w.notify(ctx, notify.PayoutPaid, r, "")
	return r, nil
}

// completeFailed fails the request and hands its ledger row back to pending
// so a later request can pick it up.
func (w *Workflow) completeFailed(ctx context.Context, r *Request, reason string) (*Request, error) {
	now := w.cfg.Clock.Now()
	err := postgres.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		r, err = w.cfg.Store.transition(ctx, tx, r.ID, StatusProcessing, StatusFailed, change{Reason: reason, At: now})
		if err != nil {
			return err
		}
		opts := ledger.MarkOptions{PayoutRequestID: &r.ID, Reason: reason}
		if _, err := w.cfg.Ledger.MarkPayoutStatus(ctx, tx, r.EarningsID, ledger.StatusProcessing, ledger.StatusFailed, opts); err != nil {
			return err
		}
		_, err = w.cfg.Ledger.MarkPayoutStatus(ctx, tx, r.EarningsID, ledger.StatusFailed, ledger.StatusPending, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failed payout %s: %w", r.ID, err)
	}
	w.record(r)
	w.log.Warn("payout: request failed", "request_id", r.ID, "creator_id", r.CreatorID, "reason", reason)
	w.notify(ctx, notify.PayoutFailed, r, "")
	return r, nil
}

func failureReason(err error) string {
	reason := strings.TrimSpace(strings.TrimPrefix(err.Error(), transfer.ErrTransferRejected.Error()+":"))
	if reason == "" || reason == transfer.ErrTransferRejected.Error() {
		return "The transfer was rejected by the payment provider."
	}
	return reason
}

func (w *Workflow) record(r *Request) {
	metrics.PayoutRequestsTotal.WithLabelValues(string(r.RequestType), string(r.Status)).Inc()
}

func (w *Workflow) notify(ctx context.Context, kind notify.PayoutEventKind, r *Request, actor string) {
	reason := r.FailureReason
	if kind == notify.PayoutRejected {
		reason = r.RejectionReason
	}
	err := w.cfg.Notifier.NotifyPayout(ctx, notify.PayoutEvent{
		Kind:        kind,
		RequestID:   r.ID,
		CreatorID:   r.CreatorID,
		RequestType: string(r.RequestType),
		Amount:      r.RequestedAmount,
		NetAmount:   r.NetPayoutAmount,
		TransferID:  r.TransferID,
		Reason:      reason,
		Actor:       actor,
	})
	if err != nil {
		w.log.Warn("payout: failed to send notification", "request_id", r.ID, "kind", kind, "error", err)
	}
}

// Get returns a request by id.
func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return w.cfg.Store.Get(ctx, nil, id)
}
