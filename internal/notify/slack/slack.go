// Package slack implements the notify.Notifier for Slack.
package slack

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/tindale/gantry/internal/notify"
)

// severityColors maps alert severities to attachment sidebar colors.
var severityColors = map[string]string{
	notify.SeverityInfo:    "#3498db",
	notify.SeverityWarning: "#f39c12",
	notify.SeverityError:   "#e74c3c",
	notify.SeveritySuccess: "#36a64f",
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts alerts as attachments to one Slack channel.
type Notifier struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	if opts.Client != nil {
		return &Notifier{client: opts.Client, channelID: opts.ChannelID}, nil
	}
	if opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	return &Notifier{
		client:    slackapi.New(opts.BotToken),
		channelID: opts.ChannelID,
	}, nil
}

// Notify posts the alert as a colored attachment.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	attachment := slackapi.Attachment{
		Title: ev.Title,
		Text:  ev.Body,
		Color: severityColors[ev.Severity],
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slackapi.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("slack: send: %w", err)
	}
	return nil
}

// Close is a no-op; the Slack web API client holds no connection.
func (n *Notifier) Close() error { return nil }
