// Package dispatch delivers agent replies to a chat surface in order. Tool
// notifications, block replies, and the final reply share one FIFO queue so
// nothing overtakes anything; reply text passes through the silent-token and
// heartbeat-ack filters before going out. One Dispatcher serves one
// surface/session pair.
package dispatch

import (
	"context"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// Delay modes for pacing consecutive block replies.
const (
	DelayOff     = "off"
	DelayNatural = "natural"
	DelayCustom  = "custom"
)

const (
	naturalMinDelay = 800 * time.Millisecond
	naturalMaxDelay = 1600 * time.Millisecond
)

// Kind labels a queued reply.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

type item struct {
	kind Kind
	msg  bus.OutboundMessage
}

// Sink delivers one outbound message to a surface.
type Sink func(ctx context.Context, msg bus.OutboundMessage) error

// BusSink adapts the message bus as a delivery sink. Publishing never
// fails; the bus logs and drops when the outbound queue is full.
func BusSink(b *bus.MessageBus) Sink {
	return func(_ context.Context, msg bus.OutboundMessage) error {
		b.PublishOutbound(msg)
		return nil
	}
}

// Options tunes reply processing. All hooks are optional.
type Options struct {
	// ResponsePrefix is prepended to the first non-empty reply text of this
	// dispatcher unless the text already starts with it.
	ResponsePrefix string

	// HeartbeatAck is stripped from reply edges so the ack token never
	// reaches a chat surface. Defaults to protocol.HeartbeatToken.
	HeartbeatAck string

	// DelayMode paces consecutive block replies after the first delivery:
	// DelayOff, DelayNatural (the default, 800-1600ms) or DelayCustom with
	// MinDelay/MaxDelay bounds. Custom bounds with max <= min collapse to
	// exactly min.
	DelayMode string
	MinDelay  time.Duration
	MaxDelay  time.Duration

	// OnHeartbeatStrip fires when an ack token was removed from a reply.
	OnHeartbeatStrip func()

	// OnReplyStart fires before each delivery, fire-and-forget. Typing
	// indicators hang off this.
	OnReplyStart func(msg bus.OutboundMessage)

	// OnError observes delivery failures. The failed item is consumed and
	// the queue keeps going.
	OnError func(err error, kind Kind)

	// OnIdle fires once each time the queue drains with no delivery in
	// flight.
	OnIdle func()
}

// Dispatcher owns the reply queue. Enqueue from any goroutine; one Run loop
// drains it, so at most one delivery is in flight at a time.
type Dispatcher struct {
	sink Sink
	opts Options

	mu        sync.Mutex
	queue     []item
	wake      chan struct{}
	idleCh    chan struct{}
	busy      bool
	inFlight  bool
	highWater int

	// Delivery state, only touched by the Run loop.
	delivered bool
	prefixed  bool
}

func New(sink Sink, opts Options) *Dispatcher {
	if opts.HeartbeatAck == "" {
		opts.HeartbeatAck = protocol.HeartbeatToken
	}
	if opts.DelayMode == "" {
		opts.DelayMode = DelayNatural
	}
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		sink:   sink,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		idleCh: idle,
	}
}

// EnqueueTool queues a tool activity notification. Tool notifications run
// the same text filters as replies but are never paced.
func (d *Dispatcher) EnqueueTool(msg bus.OutboundMessage) { d.enqueue(item{kind: KindTool, msg: msg}) }

// EnqueueBlock queues an intermediate block reply.
func (d *Dispatcher) EnqueueBlock(msg bus.OutboundMessage) {
	d.enqueue(item{kind: KindBlock, msg: msg})
}

// EnqueueFinal queues the final reply of an agent run.
func (d *Dispatcher) EnqueueFinal(msg bus.OutboundMessage) {
	d.enqueue(item{kind: KindFinal, msg: msg})
}

func (d *Dispatcher) enqueue(it item) {
	d.mu.Lock()
	d.queue = append(d.queue, it)
	if !d.busy {
		d.busy = true
		d.idleCh = make(chan struct{})
	}
	if n := len(d.queue); n > d.highWater {
		d.highWater = n
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// QueuedCounts reports how many items of each kind are waiting.
func (d *Dispatcher) QueuedCounts() (tool, block, final int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, it := range d.queue {
		switch it.kind {
		case KindTool:
			tool++
		case KindBlock:
			block++
		case KindFinal:
			final++
		}
	}
	return tool, block, final
}

// HighWater reports the deepest the queue has been since creation.
func (d *Dispatcher) HighWater() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highWater
}

// WaitForIdle blocks until the queue is empty with no delivery in flight,
// or ctx is done.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		busy := d.busy
		ch := d.idleCh
		d.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Run drains the queue until ctx is canceled. Cancellation propagates into
// in-flight deliveries and pending human delays; queued items left at
// cancel are never sent.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		it, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, it)
		d.finish()
	}
}

func (d *Dispatcher) pop() (item, bool) {
	d.mu.Lock()
	if len(d.queue) == 0 {
		fire := d.markIdleLocked()
		d.mu.Unlock()
		if fire && d.opts.OnIdle != nil {
			d.opts.OnIdle()
		}
		return item{}, false
	}
	it := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = true
	d.mu.Unlock()
	return it, true
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.inFlight = false
	fire := d.markIdleLocked()
	d.mu.Unlock()
	if fire && d.opts.OnIdle != nil {
		d.opts.OnIdle()
	}
}

// markIdleLocked flips to idle when the queue is drained and nothing is in
// flight. Returns true on the busy-to-idle transition so OnIdle fires once.
func (d *Dispatcher) markIdleLocked() bool {
	if !d.busy || len(d.queue) > 0 || d.inFlight {
		return false
	}
	d.busy = false
	close(d.idleCh)
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, it item) {
	msg := it.msg

	text, ok := d.processText(msg.Content, len(msg.Media) > 0)
	if !ok {
		return
	}
	msg.Content = text

	if it.kind == KindBlock && d.delivered {
		if delay := d.humanDelay(); delay > 0 {
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}

	if d.opts.OnReplyStart != nil {
		go d.opts.OnReplyStart(msg)
	}
	if err := d.sink(ctx, msg); err != nil {
		if d.opts.OnError != nil {
			d.opts.OnError(err, it.kind)
		}
		return
	}
	d.delivered = true
}

// processText runs the reply filters in order: silent-token drop, empty
// drop, heartbeat-ack edge strip, response-prefix prepend. Returns false
// when the reply should be suppressed outright. A media-only reply survives
// with empty text.
func (d *Dispatcher) processText(text string, hasMedia bool) (string, bool) {
	if !hasMedia && isSilent(text) {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		if hasMedia {
			return "", true
		}
		return "", false
	}

	if stripped, removed := stripAckEdges(trimmed, d.opts.HeartbeatAck); removed {
		trimmed = stripped
		if d.opts.OnHeartbeatStrip != nil {
			d.opts.OnHeartbeatStrip()
		}
	}
	if trimmed == "" {
		if hasMedia {
			return "", true
		}
		return "", false
	}

	if d.opts.ResponsePrefix != "" && !d.prefixed {
		d.prefixed = true
		if !strings.HasPrefix(trimmed, d.opts.ResponsePrefix) {
			trimmed = d.opts.ResponsePrefix + " " + trimmed
		}
	}
	return trimmed, true
}

// isSilent reports whether text is the silent-reply token, alone or with
// trailing narration after a "--" separator.
func isSilent(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == protocol.SilentReplyToken {
		return true
	}
	rest, ok := strings.CutPrefix(trimmed, protocol.SilentReplyToken)
	if !ok {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(rest), "--")
}

var ackSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// stripAckEdges removes every leading and trailing occurrence of the ack
// token and tidies the whitespace left behind. Interior occurrences stay.
func stripAckEdges(text, token string) (string, bool) {
	if token == "" || !strings.Contains(text, token) {
		return text, false
	}
	stripped := false
	s := strings.TrimSpace(text)
	for {
		if rest, ok := strings.CutPrefix(s, token); ok {
			s = strings.TrimSpace(rest)
			stripped = true
			continue
		}
		if rest, ok := strings.CutSuffix(s, token); ok {
			s = strings.TrimSpace(rest)
			stripped = true
			continue
		}
		break
	}
	if stripped {
		s = ackSpaceRe.ReplaceAllString(s, " ")
	}
	return s, stripped
}

func (d *Dispatcher) humanDelay() time.Duration {
	lo, hi := d.opts.MinDelay, d.opts.MaxDelay
	switch d.opts.DelayMode {
	case DelayOff:
		return 0
	case DelayCustom:
		if hi <= lo {
			return lo
		}
		return lo + rand.N(hi-lo+1)
	default:
		return naturalMinDelay + rand.N(naturalMaxDelay-naturalMinDelay+1)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
