package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/channels"
)

// maxMessageLen is Telegram's per-message text limit.
const maxMessageLen = 4096

// Send delivers an outbound message, splitting long text across messages
// and uploading attachments first.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("telegram: not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", msg.ChatID, err)
	}

	for _, m := range msg.Media {
		if err := c.sendAttachment(ctx, chatID, m); err != nil {
			slog.Warn("telegram: attachment send failed", "chat_id", msg.ChatID, "path", m.URL, "error", err)
		}
	}

	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

// sendAttachment uploads one local media file, as a photo when the content
// type says image, otherwise as a document.
func (c *Channel) sendAttachment(ctx context.Context, chatID int64, m bus.MediaAttachment) error {
	f, err := os.Open(m.URL)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	if strings.HasPrefix(m.ContentType, "image/") {
		photo := tu.Photo(tu.ID(chatID), tu.File(f))
		photo.Caption = m.Caption
		_, err = c.bot.SendPhoto(ctx, photo)
	} else {
		doc := tu.Document(tu.ID(chatID), tu.File(f))
		doc.Caption = m.Caption
		_, err = c.bot.SendDocument(ctx, doc)
	}
	return err
}
