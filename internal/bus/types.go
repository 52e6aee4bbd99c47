package bus

import "context"

// InboundMessage is a message received from a chat channel (Telegram,
// Discord, bridge node, WebSocket client).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	MessageID  string            `json:"message_id,omitempty"` // provider message id, used for replay suppression
	PeerKind   string            `json:"peer_kind,omitempty"`  // "direct" or "group"
	AgentID    string            `json:"agent_id,omitempty"`
	SessionKey string            `json:"session_key,omitempty"` // set by admission once the scope key is resolved
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to deliver to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"` // file path or URL
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the gateway
// server and the agent runtime stay decoupled from the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between channels and
// the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
