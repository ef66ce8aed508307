// Package discord implements the notify.Notifier for Discord.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/tindale/gantry/internal/notify"
)

// severityColors maps alert severities to embed sidebar colors.
var severityColors = map[string]int{
	notify.SeverityInfo:    0x3498db,
	notify.SeverityWarning: 0xf39c12,
	notify.SeverityError:   0xe74c3c,
	notify.SeveritySuccess: 0x2ecc71,
}

// session abstracts the discordgo.Session methods we use, enabling test
// mocks.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Notifier posts alerts as embeds to one Discord channel.
type Notifier struct {
	sess      session
	channelID string
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Notifier. The REST API needs no gateway
// connection for plain channel messages.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	if opts.Session != nil {
		return &Notifier{sess: opts.Session, channelID: opts.ChannelID}, nil
	}
	if opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	s, err := discordgo.New("Bot " + opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: session: %w", err)
	}
	return &Notifier{sess: s, channelID: opts.ChannelID}, nil
}

// Notify posts the alert as an embed.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("discord: notify: %w", err)
	}
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title,
		Description: ev.Body,
		Color:       severityColors[ev.Severity],
	}
	if _, err := n.sess.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

// Close shuts down the underlying session.
func (n *Notifier) Close() error {
	return n.sess.Close()
}
