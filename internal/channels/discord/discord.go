// Package discord connects the agent to Discord gateway events. Senders
// are gated through the allowlist and the pairing store; in guild channels
// the bot only reacts when mentioned.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/channels"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/pairing"
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string

	removeHandler func()
}

// New builds the adapter. The token is only validated when Start opens the
// gateway connection.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, pairingStore *pairing.Store) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.Allow, pairingStore),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.removeHandler = c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.removeHandler != nil {
		c.removeHandler()
	}
	return c.session.Close()
}

// handleMessage processes one inbound Discord message.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	senderID := senderKey(m.Author)
	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	// In guild channels the bot only reacts when mentioned.
	if !isDM && !mentionsBot(m, c.botUserID) {
		return
	}

	if !c.Authorized(senderID) {
		if !isDM {
			slog.Debug("discord: unauthorized guild sender", "user_id", m.Author.ID, "username", m.Author.Username, "channel_id", m.ChannelID)
			return
		}
		if reply, ok := c.RequestAccess(senderID); ok {
			if _, err := c.session.ChannelMessageSend(m.ChannelID, reply); err != nil {
				slog.Warn("discord: pairing reply failed", "channel_id", m.ChannelID, "error", err)
			} else {
				slog.Info("discord: pairing reply sent", "user_id", m.Author.ID, "username", m.Author.Username)
			}
		}
		return
	}

	content := strings.TrimSpace(stripMention(m.Content, c.botUserID))
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	slog.Debug("discord: message received",
		"sender_id", senderID,
		"channel_id", m.ChannelID,
		"peer_kind", peerKind,
		"preview", channels.Truncate(content, 50),
	)

	if err := c.session.ChannelTyping(m.ChannelID); err != nil {
		slog.Debug("discord: typing indicator failed", "channel_id", m.ChannelID, "error", err)
	}

	c.Publish(senderID, m.ChannelID, m.ID, content, nil, peerKind, map[string]string{
		"username":     m.Author.Username,
		"display_name": resolveDisplayName(m),
		"guild_id":     m.GuildID,
	})
}

// senderKey builds the compound "id|username" sender id.
func senderKey(user *discordgo.User) string {
	if user.Username == "" {
		return user.ID
	}
	return user.ID + "|" + user.Username
}

// mentionsBot reports whether the message mentions the bot user.
func mentionsBot(m *discordgo.MessageCreate, botUserID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			return true
		}
	}
	return false
}

// stripMention removes <@id> and <@!id> mention tokens for the bot user.
func stripMention(content, botUserID string) string {
	if botUserID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return content
}

// resolveDisplayName returns the best available name for a message author:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
