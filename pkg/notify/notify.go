// Package notify posts informational vault notifications to Slack. Delivery
// is best-effort; correctness never depends on it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier publishes a human-readable vault notification.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(ctx context.Context, text string) error { return nil }

type SlackConfig struct {
	Logger *slog.Logger
	// Token is a bot token with the chat:write scope.
	Token   string
	Channel string
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Token == "" {
		return errors.New("slack token is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	return nil
}

// Slack posts notifications to a single channel.
type Slack struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

var _ Notifier = (*Slack)(nil)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{
		log:     cfg.Logger,
		api:     slack.New(cfg.Token),
		channel: cfg.Channel,
	}, nil
}

func (s *Slack) Notify(ctx context.Context, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	s.log.Debug("notify: slack message posted", "channel", s.channel)
	return nil
}
