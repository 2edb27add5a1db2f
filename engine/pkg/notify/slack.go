package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/creatorhub/earnings/engine/pkg/metrics"
	"github.com/creatorhub/earnings/utils/pkg/retry"
	"github.com/slack-go/slack"
)

const maxRunErrorLines = 20

type SlackConfig struct {
	Logger    *slog.Logger
	BotToken  string
	ChannelID string

	// APIURL overrides the Slack API base URL.
	APIURL string
	Retry  retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BotToken == "" {
		return errors.New("slack bot token is required")
	}
	if cfg.ChannelID == "" {
		return errors.New("slack channel is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// SlackNotifier posts payout decisions and run reports to an operations channel.
type SlackNotifier struct {
	log *slog.Logger
	cfg SlackConfig
	api *slack.Client
}

var _ Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(cfg SlackConfig) (*SlackNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimSuffix(cfg.APIURL, "/")+"/"))
	}
	return &SlackNotifier{
		log: cfg.Logger,
		cfg: cfg,
		api: slack.New(cfg.BotToken, opts...),
	}, nil
}

func (n *SlackNotifier) NotifyPayout(ctx context.Context, ev PayoutEvent) error {
	title := fmt.Sprintf("%s: %s", payoutTitle(ev.Kind), ev.CreatorID)
	return n.post(ctx, title, payoutLines(ev))
}

func (n *SlackNotifier) NotifyRun(ctx context.Context, run RunSummary) error {
	lines := runLines(run)
	if len(lines) > maxRunErrorLines+1 {
		more := len(lines) - maxRunErrorLines - 1
		lines = append(lines[:maxRunErrorLines+1], fmt.Sprintf("...and %d more", more))
	}
	return n.post(ctx, "Payout scheduler run "+run.RunID, lines)
}

func (n *SlackNotifier) post(ctx context.Context, title string, lines []string) error {
	body := truncate(strings.Join(lines, "\n"), 2900)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(title, 140), false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil),
	}

	err := retry.Do(ctx, n.cfg.Retry, func() error {
		_, _, err := n.api.PostMessageContext(ctx, n.cfg.ChannelID,
			slack.MsgOptionText(title, false),
			slack.MsgOptionBlocks(blocks...))
		if err != nil && strings.Contains(err.Error(), "missing_scope") {
			n.log.Error("notify/slack: chat:write scope is missing from the bot token", "channel", n.cfg.ChannelID)
		}
		return err
	})
	metrics.RecordNotification("slack", err)
	if err != nil {
		n.log.Warn("notify/slack: failed to post message", "channel", n.cfg.ChannelID, "error", err)
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
