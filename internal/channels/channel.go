// Package channels connects chat surfaces (Telegram, Discord) to the agent
// runtime through the message bus. Adapters gate inbound messages with the
// allowlist and the pairing store before publishing them; the manager pumps
// agent replies back out with per-chat send pacing.
package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/pairing"
)

// InternalChannels are surfaces whose replies are delivered elsewhere: the
// gateway pushes WebSocket frames itself and the bridge addresses nodes
// directly. The outbound dispatcher skips them.
var InternalChannels = map[string]bool{
	"cli":       true,
	"websocket": true,
	"bridge":    true,
	"system":    true,
}

// IsInternalChannel reports whether name is excluded from outbound dispatch.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is one chat surface adapter.
type Channel interface {
	// Name returns the surface identifier ("telegram", "discord").
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and releases its connection.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the surface.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Running reports whether the adapter is receiving messages.
	Running() bool
}

// accessReplyDebounce is the minimum gap between pairing replies to the same
// principal, so an unpaired sender gets one code prompt per minute instead
// of one per message.
const accessReplyDebounce = 60 * time.Second

// BaseChannel carries the state every adapter needs: the bus to publish
// into, the configured allowlist, and the pairing store that authorizes
// unknown senders. Adapters embed it.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	allow   []string
	pairing *pairing.Store
	running atomic.Bool

	mu        sync.Mutex
	lastReply map[string]time.Time
}

// NewBaseChannel builds the shared adapter state. pairingStore may be nil
// (standalone runs without a state dir), in which case only the allowlist
// gates senders.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allow []string, pairingStore *pairing.Store) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allow:     allow,
		pairing:   pairingStore,
		lastReply: make(map[string]time.Time),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Running reports whether the adapter is receiving messages.
func (c *BaseChannel) Running() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(v bool) { c.running.Store(v) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// Authorized reports whether a sender may command the agent: either the
// allowlist matches, or the pairing store has approved the principal. With
// no allowlist and no pairing store the surface is open.
func (c *BaseChannel) Authorized(senderID string) bool {
	if matchAllow(c.allow, senderID) {
		return true
	}
	if c.pairing == nil {
		return len(c.allow) == 0
	}
	if c.pairing.IsAllowed(c.name, senderID) {
		return true
	}
	if id := idPart(senderID); id != senderID && c.pairing.IsAllowed(c.name, id) {
		return true
	}
	return false
}

// RequestAccess mints (or reuses) a pairing code for the sender and returns
// the reply text to show them. ok=false means stay silent: either a reply
// already went out within the debounce window or no pairing store exists to
// mint codes.
func (c *BaseChannel) RequestAccess(senderID string) (reply string, ok bool) {
	if c.pairing == nil {
		return "", false
	}
	principal := idPart(senderID)

	c.mu.Lock()
	if last, seen := c.lastReply[principal]; seen && time.Since(last) < accessReplyDebounce {
		c.mu.Unlock()
		return "", false
	}
	c.lastReply[principal] = time.Now()
	c.mu.Unlock()

	code, err := c.pairing.RequestCode(c.name, principal)
	if err != nil {
		return "", false
	}
	return pairing.AccessReply(c.name, principal, code), true
}

// Publish forwards a received message to the agent runtime.
func (c *BaseChannel) Publish(senderID, chatID, messageID, content string, media []string, peerKind string, metadata map[string]string) {
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		MessageID: messageID,
		Content:   content,
		Media:     media,
		PeerKind:  peerKind,
		Metadata:  metadata,
	})
}

// idPart strips the "|username" suffix from a compound sender id.
func idPart(senderID string) string {
	if i := strings.IndexByte(senderID, '|'); i > 0 {
		return senderID[:i]
	}
	return senderID
}

// matchAllow checks a sender against allowlist entries. An entry may be a
// platform id, a username (with or without "@"), or an "id|username" pair.
// Sender ids arrive in the compound "id|username" form when the platform
// exposes both; either side matching admits the sender. Usernames compare
// case-insensitively, ids exactly.
func matchAllow(allow []string, senderID string) bool {
	if len(allow) == 0 {
		return false
	}
	id, user, _ := strings.Cut(senderID, "|")

	for _, raw := range allow {
		entry := strings.TrimPrefix(strings.TrimSpace(raw), "@")
		if entry == "" {
			continue
		}
		entryID, entryUser, compound := strings.Cut(entry, "|")
		if !compound {
			entryUser = entryID
		}
		if entryID != "" && id == entryID {
			return true
		}
		if entryUser != "" && user != "" && strings.EqualFold(user, entryUser) {
			return true
		}
	}
	return false
}

// SplitMessage cuts content into chunks of at most maxLen bytes, preferring
// a newline boundary in the back half of the window and never splitting a
// UTF-8 sequence.
func SplitMessage(content string, maxLen int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// Truncate shortens a string to maxLen bytes for log previews, appending
// "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
