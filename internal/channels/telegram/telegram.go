// Package telegram connects the agent to the Telegram Bot API over long
// polling. Senders are gated through the allowlist and the pairing store
// before anything reaches the agent runtime.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/channels"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/pairing"
)

// Options configure the Telegram adapter.
type Options struct {
	Config config.TelegramConfig

	// Transcription is the external speech-to-text command applied to
	// inbound voice notes. Empty args disable transcription.
	Transcription config.TranscriptionConfig

	Bus     *bus.MessageBus
	Pairing *pairing.Store
}

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot   *telego.Bot
	cfg   config.TelegramConfig
	audio config.TranscriptionConfig

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter. The token is only validated against the API when
// Start opens the long poll.
func New(opts Options) (*Channel, error) {
	if opts.Config.Token == "" {
		return nil, fmt.Errorf("telegram: token not configured")
	}
	bot, err := telego.NewBot(opts.Config.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", opts.Bus, opts.Config.Allow, opts.Pairing),
		bot:         bot,
		cfg:         opts.Config,
		audio:       opts.Transcription,
	}, nil
}

// Start opens long polling and consumes updates until the context or Stop
// ends it.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram: connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram: updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the update loop to exit so
// Telegram releases the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling loop did not exit within timeout")
		}
	}
	return nil
}
