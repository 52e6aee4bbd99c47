package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueDepth = 256

// MessageBus routes inbound/outbound messages between channels and the
// agent runtime, and fans events out to subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates a MessageBus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, queueDepth),
		outbound:    make(chan OutboundMessage, queueDepth),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the agent runtime. Drops with a
// warning when the queue is full so a stalled consumer cannot wedge the
// channel adapters.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg, ok := <-b.inbound:
		return msg, ok
	}
}

// PublishOutbound enqueues a message for delivery to its channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until an outbound message is available or ctx is
// done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg, ok := <-b.outbound:
		return msg, ok
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every subscriber. Handlers run on the
// caller's goroutine; they must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
