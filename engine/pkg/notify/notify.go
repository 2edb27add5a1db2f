// Package notify tells creators and operators about payout decisions and
// scheduler runs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/google/uuid"
)

type PayoutEventKind string

const (
	PayoutPendingApproval PayoutEventKind = "pending_approval"
	PayoutApproved        PayoutEventKind = "approved"
	PayoutRejected        PayoutEventKind = "rejected"
	PayoutPaid            PayoutEventKind = "paid"
	PayoutFailed          PayoutEventKind = "failed"
)

type PayoutEvent struct {
	Kind        PayoutEventKind
	RequestID   uuid.UUID
	CreatorID   string
	RequestType string
	Amount      money.Cents
	NetAmount   money.Cents
	TransferID  string
	Reason      string
	Actor       string
}

// RunSummary is the outcome of one payout scheduler run.
type RunSummary struct {
	RunID           string
	StartedAt       time.Time
	Duration        time.Duration
	Processed       int
	PendingApproval int
	Skipped         int
	Errors          map[string]string
}

type Notifier interface {
	NotifyPayout(ctx context.Context, ev PayoutEvent) error
	NotifyRun(ctx context.Context, run RunSummary) error
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyPayout(ctx context.Context, ev PayoutEvent) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyPayout(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyRun(ctx context.Context, run RunSummary) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyRun(ctx, run))
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyPayout(_ context.Context, ev PayoutEvent) error {
	n.log.Info("notify: payout "+string(ev.Kind), "request_id", ev.RequestID, "creator_id", ev.CreatorID,
		"request_type", ev.RequestType, "amount", ev.Amount, "net_amount", ev.NetAmount,
		"transfer_id", ev.TransferID, "reason", ev.Reason)
	metrics.RecordNotification("log", nil)
	return nil
}

func (n *LogNotifier) NotifyRun(_ context.Context, run RunSummary) error {
	n.log.Info("notify: payout scheduler run", "run_id", run.RunID, "processed", run.Processed,
		"pending_approval", run.PendingApproval, "skipped", run.Skipped, "errors", len(run.Errors),
		"duration", run.Duration)
	metrics.RecordNotification("log", nil)
	return nil
}

var kindTitles = map[PayoutEventKind]string{
	PayoutPendingApproval: "Payout awaiting approval",
	PayoutApproved:        "Payout approved",
	PayoutRejected:        "Payout rejected",
	PayoutPaid:            "Payout sent",
	PayoutFailed:          "Payout failed",
}

func payoutTitle(kind PayoutEventKind) string {
	if t, ok := kindTitles[kind]; ok {
		return t
	}
	return "Payout update"
}

func payoutLines(ev PayoutEvent) []string {
	lines := []string{
		fmt.Sprintf("Amount: %s (net %s)", ev.Amount, ev.NetAmount),
		fmt.Sprintf("Request: %s (%s)", ev.RequestID, ev.RequestType),
	}
	if ev.TransferID != "" {
		lines = append(lines, "Transfer: "+ev.TransferID)
	}
	if ev.Reason != "" {
		lines = append(lines, "Reason: "+ev.Reason)
	}
	return lines
}

func runLines(run RunSummary) []string {
	lines := []string{
		fmt.Sprintf("Processed: %d, pending approval: %d, skipped: %d, errors: %d",
			run.Processed, run.PendingApproval, run.Skipped, len(run.Errors)),
	}
	for _, creator := range slices.Sorted(maps.Keys(run.Errors)) {
		lines = append(lines, fmt.Sprintf("%s: %s", creator, run.Errors[creator]))
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
