package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var ErrNoRecipient = errors.New("no email recipient")

// Recipient is where a creator's payout email goes.
type Recipient struct {
	Name  string
	Email string
}

// RecipientResolver looks up a creator's contact address.
type RecipientResolver interface {
	Recipient(ctx context.Context, creatorID string) (Recipient, error)
}

type RecipientResolverFunc func(ctx context.Context, creatorID string) (Recipient, error)

func (f RecipientResolverFunc) Recipient(ctx context.Context, creatorID string) (Recipient, error) {
	return f(ctx, creatorID)
}

type EmailConfig struct {
	Logger     *slog.Logger
	APIKey     string
	FromEmail  string
	FromName   string
	Recipients RecipientResolver

	// OpsEmail receives scheduler run reports; runs are not emailed without it.
	OpsEmail string
	// Host overrides the SendGrid API host.
	Host string
}

func (cfg *EmailConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("sendgrid api key is required")
	}
	if cfg.FromEmail == "" {
		return errors.New("from email is required")
	}
	if cfg.Recipients == nil {
		return errors.New("recipient resolver is required")
	}
	if cfg.FromName == "" {
		cfg.FromName = "Creator Payouts"
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.sendgrid.com"
	}
	return nil
}

// EmailNotifier emails creators about their payouts through SendGrid.
type EmailNotifier struct {
	log *slog.Logger
	cfg EmailConfig
}

var _ Notifier = (*EmailNotifier)(nil)

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EmailNotifier{log: cfg.Logger, cfg: cfg}, nil
}

func (n *EmailNotifier) NotifyPayout(ctx context.Context, ev PayoutEvent) error {
	// Creators are only emailed outcomes.
	if ev.Kind == PayoutPendingApproval || ev.Kind == PayoutApproved {
		return nil
	}
	to, err := n.cfg.Recipients.Recipient(ctx, ev.CreatorID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipient for %s: %w", ev.CreatorID, err)
	}
	if to.Email == "" {
		return fmt.Errorf("%w: %s", ErrNoRecipient, ev.CreatorID)
	}
	return n.send(ctx, to, payoutTitle(ev.Kind), payoutLines(ev))
}

func (n *EmailNotifier) NotifyRun(ctx context.Context, run RunSummary) error {
	if n.cfg.OpsEmail == "" {
		return nil
	}
	return n.send(ctx, Recipient{Email: n.cfg.OpsEmail}, "Payout scheduler run "+run.RunID, runLines(run))
}

func (n *EmailNotifier) send(ctx context.Context, to Recipient, subject string, lines []string) error {
	var body strings.Builder
	body.WriteString("<html><body>")
	for _, l := range lines {
		body.WriteString("<p>" + html.EscapeString(l) + "</p>")
	}
	body.WriteString("</body></html>")

	msg := mail.NewSingleEmail(
		mail.NewEmail(n.cfg.FromName, n.cfg.FromEmail),
		subject,
		mail.NewEmail(to.Name, to.Email),
		strings.Join(lines, "\n"),
		body.String(),
	)
	req := sendgrid.GetRequest(n.cfg.APIKey, "/v3/mail/send", n.cfg.Host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
	metrics.RecordNotification("email", err)
	if err != nil {
		n.log.Warn("notify/email: failed to send", "to", to.Email, "subject", subject, "error", err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	n.log.Debug("notify/email: sent", "to", to.Email, "subject", subject, "status", resp.StatusCode)
	return nil
}
