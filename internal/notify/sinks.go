package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts alerts to a Slack channel with a bot token.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a Slack sink. botToken is the Bot User OAuth Token (xoxb-...).
func NewSlackSink(botToken, channel string, logger *zap.Logger) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

// Send posts the alert.
func (s *SlackSink) Send(ctx context.Context, a Alert) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(a.Format(), false),
		slack.MsgOptionUsername("conductor"),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	s.logger.Debug("slack alert sent", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

// DiscordSink posts alerts to a Discord channel through the REST API.
type DiscordSink struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordSink creates a Discord sink for a bot token.
func NewDiscordSink(token, channel string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordSink{session: session, channel: channel, logger: logger}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

// Send posts the alert.
func (d *DiscordSink) Send(ctx context.Context, a Alert) error {
	content := a.Format()
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.channel, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
