package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/uriafranko/clawdbot/internal/channels"
)

const (
	// mediaMaxBytes is the Bot API download ceiling.
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3
)

// handleMessage processes one inbound Telegram message.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot || isServiceMessage(msg) {
		return
	}

	user := msg.From
	senderID := senderKey(user)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	// In groups the bot only reacts when addressed.
	if isGroup && !mentionsBot(msg, c.bot.Username()) {
		return
	}

	if !c.Authorized(senderID) {
		if isGroup {
			slog.Debug("telegram: unauthorized group sender", "user_id", user.ID, "username", user.Username, "chat_id", msg.Chat.ID)
			return
		}
		if reply, ok := c.RequestAccess(senderID); ok {
			if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), reply)); err != nil {
				slog.Warn("telegram: pairing reply failed", "chat_id", msg.Chat.ID, "error", err)
			} else {
				slog.Info("telegram: pairing reply sent", "user_id", user.ID, "username", user.Username)
			}
		}
		return
	}

	content := msg.Text
	if msg.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.Caption
	}
	if isGroup {
		content = stripMention(content, c.bot.Username())
	}

	mediaPaths, tags := c.resolveMedia(ctx, msg)
	if len(tags) > 0 {
		joined := strings.Join(tags, "\n")
		if content != "" {
			content = joined + "\n\n" + content
		} else {
			content = joined
		}
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	slog.Debug("telegram: message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"peer_kind", peerKind,
		"preview", channels.Truncate(content, 50),
	)

	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(msg.Chat.ID), telego.ChatActionTyping)); err != nil {
		slog.Debug("telegram: typing action failed", "chat_id", chatID, "error", err)
	}

	c.Publish(senderID, chatID, strconv.Itoa(msg.MessageID), content, mediaPaths, peerKind, map[string]string{
		"username":   user.Username,
		"first_name": user.FirstName,
	})
}

// resolveMedia downloads the attachments the agent can consume (photos and
// voice notes) and returns their local paths plus the content tags that
// describe them. Voice notes run through the configured transcriber.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) (paths []string, tags []string) {
	if len(msg.Photo) > 0 {
		// Sizes are ordered small to large; take the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := c.downloadFile(ctx, photo.FileID)
		if err != nil {
			slog.Warn("telegram: photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			paths = append(paths, path)
			tags = append(tags, "<media:image>")
		}
	}

	if msg.Voice != nil {
		path, err := c.downloadFile(ctx, msg.Voice.FileID)
		if err != nil {
			slog.Warn("telegram: voice download failed", "file_id", msg.Voice.FileID, "error", err)
			return paths, tags
		}
		paths = append(paths, path)

		transcript, err := c.transcribeVoice(ctx, path)
		if err != nil {
			slog.Warn("telegram: transcription failed", "error", err)
		}
		if transcript != "" {
			tags = append(tags, fmt.Sprintf("<media:voice>\n<transcript>%s</transcript>", html.EscapeString(transcript)))
		} else {
			tags = append(tags, "<media:voice>")
		}
	}

	return paths, tags
}

// downloadFile fetches a Telegram file by id into a temp file and returns
// its path. Retries the metadata lookup, caps the size, keeps the original
// extension.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "clawdbot_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds max size during download")
	}
	return tmp.Name(), nil
}

// senderKey builds the compound "id|username" sender id, or the bare id
// when the user has no username.
func senderKey(user *telego.User) string {
	id := strconv.FormatInt(user.ID, 10)
	if user.Username == "" {
		return id
	}
	return id + "|" + user.Username
}

// mentionsBot reports whether the message addresses the bot: an @mention
// or /command@bot entity in the text or caption, a plain-text @mention, or
// a reply to one of the bot's messages.
func mentionsBot(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	needle := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Offset < 0 || entity.Offset+entity.Length > len(pair.text) {
				continue
			}
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), needle) {
					return true
				}
			}
		}
	}

	if strings.Contains(strings.ToLower(msg.Text), needle) ||
		strings.Contains(strings.ToLower(msg.Caption), needle) {
		return true
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
		return true
	}
	return false
}

// stripMention removes @bot tokens from text so the agent does not see its
// own address.
func stripMention(text, botUsername string) string {
	if botUsername == "" || text == "" {
		return text
	}
	needle := "@" + strings.ToLower(botUsername)
	lower := strings.ToLower(text)

	var b strings.Builder
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:i])
		text = text[i+len(needle):]
		lower = lower[i+len(needle):]
	}
	return strings.TrimSpace(b.String())
}

// isServiceMessage reports whether the message carries no user content:
// member joins, title changes, pins and the like.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
