package payout

import (
	"context"
	"errors"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/transfer"
)

type ReconcileReport struct {
	Checked int `json:"checked"`
	Resumed int `json:"resumed"`
	Paid    int `json:"paid"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
	Errors  int `json:"errors"`
}

func (rep *ReconcileReport) count(r *Request) {
	switch r.Status {
	case StatusPaid:
		rep.Paid++
	case StatusFailed:
		rep.Failed++
	default:
		rep.Unknown++
	}
}

// Reconcile settles requests left behind by interrupted or inconclusive
// transfers. Approved requests older than olderThan are processed. For
// processing requests, a transfer found under the request's group completes
// the request; otherwise the transfer is re-issued with the original
// idempotency key.
func (w *Workflow) Reconcile(ctx context.Context, olderThan time.Duration) (*ReconcileReport, error) {
	cutoff := w.cfg.Clock.Now().Add(-olderThan)
	rep := &ReconcileReport{}

	approved, err := w.cfg.Store.ListStale(ctx, StatusApproved, cutoff)
	if err != nil {
		return nil, err
	}
	for i := range approved {
		r := &approved[i]
		rep.Checked++
		account, err := w.payableAccount(ctx, r.CreatorID)
		if err != nil {
			rep.Errors++
			w.log.Warn("payout/reconcile: cannot resume approved request", "request_id", r.ID, "error", err)
			continue
		}
		out, err := w.process(ctx, r, account)
		if err != nil {
			rep.Errors++
			w.log.Error("payout/reconcile: failed to resume approved request", "request_id", r.ID, "error", err)
			continue
		}
		rep.Resumed++
		rep.count(out)
	}

	processing, err := w.cfg.Store.ListStale(ctx, StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	for i := range processing {
		r := &processing[i]
		rep.Checked++
		out, err := w.reconcileProcessing(ctx, r)
		if err != nil {
			rep.Errors++
			w.log.Error("payout/reconcile: failed to reconcile request", "request_id", r.ID, "error", err)
			continue
		}
		rep.count(out)
	}

	if rep.Checked > 0 {
		w.log.Info("payout/reconcile: done", "checked", rep.Checked, "resumed", rep.Resumed,
			"paid", rep.Paid, "failed", rep.Failed, "unknown", rep.Unknown, "errors", rep.Errors)
	}
	return rep, nil
}

func (w *Workflow) reconcileProcessing(ctx context.Context, r *Request) (*Request, error) {
	res, err := w.cfg.Executor.FindTransfer(ctx, r.ID.String())
	if err == nil {
		return w.completePaid(ctx, r, res)
	}
	if !errors.Is(err, transfer.ErrTransferNotFound) {
		return nil, err
	}
	account, err := w.payableAccount(ctx, r.CreatorID)
	if err != nil {
		return nil, err
	}
	w.log.Info("payout/reconcile: re-issuing transfer", "request_id", r.ID, "creator_id", r.CreatorID)
	return w.execute(ctx, r, account)
}
