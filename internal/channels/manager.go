package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uriafranko/clawdbot/internal/bus"
)

// Manager owns the registered channels: it starts and stops them together
// and pumps outbound messages from the bus into the right adapter, pacing
// sends per chat.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc
	done     chan struct{}

	bus     *bus.MessageBus
	limiter *sendLimiter
}

// NewManager creates a manager with no channels registered.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		limiter:  newSendLimiter(rate.Every(time.Second), defaultSendBurst),
	}
}

// Register adds a channel under its own name, replacing any previous
// registration.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts the outbound dispatcher and then every registered
// channel. A channel that fails to start is logged and skipped so one bad
// token does not take the others down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("channels: already started")
	}
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	started := m.snapshotLocked()
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx, done)

	if len(started) == 0 {
		slog.Warn("channels: none enabled")
		return nil
	}

	for name, ch := range started {
		slog.Info("channels: starting", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels: start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the outbound dispatcher, waits for it to drain, then stops
// every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	stopped := m.snapshotLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	for name, ch := range stopped {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels: stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *Manager) snapshotLocked() map[string]Channel {
	out := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch
	}
	return out
}

// dispatchOutbound consumes outbound messages until ctx is done. Internal
// surfaces are skipped; everything else is paced per chat and handed to the
// adapter.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Debug("channels: outbound dispatcher started")

	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Debug("channels: outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("channels: outbound for unknown channel", "channel", msg.Channel)
			continue
		}

		if err := m.limiter.Wait(ctx, msg.Channel+"|"+msg.ChatID); err != nil {
			return
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channels: send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
		removeLocalMedia(msg.Media)
	}
}

// removeLocalMedia deletes temporary attachment files once the send is
// over. Attachments produced by tools live in the temp dir and are only
// needed for the one delivery; remote URLs are left alone.
func removeLocalMedia(media []bus.MediaAttachment) {
	for _, m := range media {
		if m.URL == "" || strings.Contains(m.URL, "://") {
			continue
		}
		if err := os.Remove(m.URL); err != nil && !os.IsNotExist(err) {
			slog.Debug("channels: media cleanup failed", "path", m.URL, "error", err)
		}
	}
}

// Status reports each registered channel's running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Running()
	}
	return out
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
