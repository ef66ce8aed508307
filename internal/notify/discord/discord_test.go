package discord

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/tindale/gantry/internal/notify"
)

// mockSession records sent embeds.
type mockSession struct {
	embeds  []*discordgo.MessageEmbed
	channel string
	fail    bool
	closed  bool
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.fail {
		return nil, fmt.Errorf("boom")
	}
	m.channel = channelID
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{}, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(Opts{BotToken: "tok"})
	if err == nil {
		t.Fatal("expected error for missing channel id")
	}
}

func TestNew_RequiresTokenWithoutSession(t *testing.T) {
	_, err := New(Opts{ChannelID: "chan"})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n, err := New(Opts{ChannelID: "ops", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = n.Notify(context.Background(), notify.Event{
		Title:    "Machine cnc-01 offline",
		Body:     "No heartbeat for 30s",
		Severity: notify.SeverityWarning,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if sess.channel != "ops" || len(sess.embeds) != 1 {
		t.Fatalf("sent = %d embeds to %q", len(sess.embeds), sess.channel)
	}
	if sess.embeds[0].Title != "Machine cnc-01 offline" {
		t.Errorf("title = %q", sess.embeds[0].Title)
	}
	if sess.embeds[0].Color != severityColors[notify.SeverityWarning] {
		t.Errorf("color = %#x", sess.embeds[0].Color)
	}
}

func TestNotify_SendFailure(t *testing.T) {
	n, _ := New(Opts{ChannelID: "ops", Session: &mockSession{fail: true}})
	if err := n.Notify(context.Background(), notify.Event{Title: "t"}); err == nil {
		t.Fatal("expected error from failed send")
	}
}

func TestClose(t *testing.T) {
	sess := &mockSession{}
	n, _ := New(Opts{ChannelID: "ops", Session: sess})
	n.Close()
	if !sess.closed {
		t.Error("session not closed")
	}
}
