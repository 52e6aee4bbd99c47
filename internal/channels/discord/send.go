package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/channels"
)

// maxMessageLen is Discord's per-message text limit.
const maxMessageLen = 2000

// Send delivers an outbound message, splitting long text across messages
// and uploading attachments first.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("discord: not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}

	for _, m := range msg.Media {
		if err := c.sendAttachment(msg.ChatID, m); err != nil {
			slog.Warn("discord: attachment send failed", "channel_id", msg.ChatID, "path", m.URL, "error", err)
		}
	}

	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// sendAttachment uploads one local media file.
func (c *Channel) sendAttachment(channelID string, m bus.MediaAttachment) error {
	f, err := os.Open(m.URL)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	_, err = c.session.ChannelFileSend(channelID, filepath.Base(m.URL), f)
	return err
}
