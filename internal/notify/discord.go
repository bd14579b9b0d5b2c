package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter delivers proposals to Discord channels.
type DiscordAdapter struct {
	token   string
	session *discordgo.Session
	logger  *zap.Logger
}

// NewDiscordAdapter creates a Discord delivery adapter.
func NewDiscordAdapter(token string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, logger: logger}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect opens the Discord session.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.session = session
	return nil
}

func (a *DiscordAdapter) Send(_ context.Context, d *Delivery) error {
	if a.session == nil {
		return fmt.Errorf("discord adapter not connected")
	}
	_, err := a.session.ChannelMessageSendEmbed(d.Channel, &discordgo.MessageEmbed{
		Title:       d.Subject,
		Description: d.Body,
	})
	if err != nil {
		return fmt.Errorf("discord send to %s: %w", d.Channel, err)
	}
	return nil
}

func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}
