package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/bridge"
	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/commands"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/directives"
	"github.com/uriafranko/clawdbot/internal/dispatch"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// abortWords stop an in-flight turn without starting a new one. The command
// router catches "stop" and "abort" first with a confirmation reply; these
// remain as the silent backstop for the rest.
var abortWords = map[string]bool{
	"stop":  true,
	"abort": true,
	"esc":   true,
	"wait":  true,
}

func isAbortWord(text string) bool {
	return abortWords[strings.ToLower(strings.TrimSpace(text))]
}

type consumerDeps struct {
	Config  *config.Config
	AgentID string
	Bus     *bus.MessageBus
	Runner  *agent.Runner
	Router  *commands.Router
	Store   store.Store
	Bridge  *bridge.Server // nil when the bridge is disabled
}

// consumer admits inbound messages into the agent: dedup, command routing,
// directive parsing, fast-abort, then an agent turn streamed through a
// per-turn reply dispatcher.
type consumer struct {
	cfg     *config.Config
	agentID string
	bus     *bus.MessageBus
	runner  *agent.Runner
	router  *commands.Router
	store   store.Store
	bridge  *bridge.Server
	dedup   *bus.Deduper
}

func newConsumer(deps consumerDeps) *consumer {
	return &consumer{
		cfg:     deps.Config,
		agentID: deps.AgentID,
		bus:     deps.Bus,
		runner:  deps.Runner,
		router:  deps.Router,
		store:   deps.Store,
		bridge:  deps.Bridge,
		dedup:   bus.NewDeduper(),
	}
}

// Run consumes inbound messages until ctx is cancelled. Each message is
// handled on its own goroutine so a long turn never blocks the bus; the
// runner serializes turns per session key.
func (c *consumer) Run(ctx context.Context) {
	slog.Info("inbound: consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go c.handle(ctx, msg)
	}
}

func (c *consumer) handle(ctx context.Context, msg bus.InboundMessage) {
	if c.dedup.ShouldSkip(msg) {
		slog.Debug("inbound: duplicate dropped",
			"channel", msg.Channel, "message_id", msg.MessageID)
		return
	}

	sessCfg := c.cfg.SessionSection()
	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.ScopedKey(c.agentID, msg.Channel, msg.ChatID, sessCfg.Scope)
	}
	isMain := sessionKey == sessions.MainKey(c.agentID, sessCfg.MainKey)

	// Commands run before directive stripping so "/think high" alone is the
	// command, not a directive on an empty message. Channels gate senders
	// against the pairing allow-list before publishing, hence Authorized.
	resp, matched := c.router.Dispatch(ctx, commands.Request{
		RawText:    msg.Content,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		ChatID:     msg.ChatID,
		PeerKind:   msg.PeerKind,
		SessionKey: sessionKey,
		IsMain:     isMain,
		Authorized: true,
	})
	if matched {
		switch resp.Outcome {
		case commands.OutcomeReply:
			c.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				Content:  resp.Reply,
				Metadata: msg.Metadata,
			})
			return
		case commands.OutcomeStop:
			return
		}
		// OutcomeContinue falls through to the agent.
	}

	parsed := directives.Parse(msg.Content)
	if isAbortWord(parsed.CleanText) && c.runner.Busy(sessionKey) {
		c.runner.Abort(sessionKey)
		slog.Info("inbound: turn aborted", "session", sessionKey, "channel", msg.Channel)
		return
	}

	slog.Info("inbound: admitting message",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"session", sessionKey,
	)
	c.turn(ctx, msg, sessionKey, parsed)
}

// turn runs one agent turn and streams its events through a dispatcher:
// interim text flushes as a block at each tool boundary, tool names go out
// as 🔧 notices when verbose is on, and the final text closes the turn. The
// turn-end event resets the block buffer so the final assistant text is
// never delivered twice.
func (c *consumer) turn(ctx context.Context, msg bus.InboundMessage, sessionKey string, parsed directives.Result) {
	d := c.newDispatcher(msg.Channel, msg.Metadata["node_id"], msg.ChatID)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go d.Run(runCtx)

	verbose := c.verboseOn(sessionKey, parsed)

	events := make(chan agent.AgentEvent, 64)
	runDone := make(chan struct{})
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		var block strings.Builder
		flush := func() {
			text := strings.TrimSpace(block.String())
			block.Reset()
			if text != "" {
				d.EnqueueBlock(c.outbound(msg, text))
			}
		}
		forward := func(ev agent.AgentEvent) {
			switch ev.Type {
			case agent.EventMessageUpdate:
				block.WriteString(ev.Text)
			case agent.EventToolExecutionStart:
				flush()
				if verbose && ev.Tool != "" {
					d.EnqueueTool(c.outbound(msg, "🔧 "+ev.Tool))
				}
			case agent.EventMessageEnd:
				block.Reset()
			}
		}
		for {
			select {
			case ev := <-events:
				forward(ev)
			case <-runDone:
				// The runner never closes the events channel; drain what
				// was emitted before Run returned, then exit.
				for {
					select {
					case ev := <-events:
						forward(ev)
					default:
						return
					}
				}
			}
		}
	}()

	res, err := c.runner.Run(runCtx, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Media:      msg.Media,
		Events:     events,
	})
	close(runDone)
	<-fwdDone

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Aborted turns stay silent.
		slog.Info("inbound: run cancelled", "session", sessionKey, "channel", msg.Channel)
	case err != nil:
		slog.Error("inbound: agent run failed", "error", err, "channel", msg.Channel)
		d.EnqueueFinal(c.outbound(msg, formatAgentError(err)))
	default:
		d.EnqueueFinal(c.outbound(msg, res.Response))
	}

	if err := d.WaitForIdle(ctx); err != nil {
		slog.Warn("inbound: dispatcher drain interrupted", "session", sessionKey)
	}
}

// DeliverText pushes a single standalone reply (heartbeat forwards, cron
// notifications) through a short-lived dispatcher so the usual text filters
// apply.
func (c *consumer) DeliverText(ctx context.Context, channel, chatID, text string) {
	if err := c.deliver(ctx, channel, chatID, text); err != nil {
		slog.Warn("deliver: failed", "channel", channel, "chat_id", chatID, "error", err)
	}
}

// deliver is DeliverText with the first sink error surfaced. Bus sinks
// never fail; bridge sinks do when the node detached.
func (c *consumer) deliver(ctx context.Context, channel, chatID, text string) error {
	var mu sync.Mutex
	var first error

	sink := c.sinkFor(channel, chatID, chatID)
	d := dispatch.New(sink, dispatch.Options{
		OnError: func(err error, kind dispatch.Kind) {
			mu.Lock()
			if first == nil {
				first = err
			}
			mu.Unlock()
		},
	})
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go d.Run(runCtx)

	d.EnqueueFinal(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: text})
	if err := d.WaitForIdle(ctx); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return first
}

// newDispatcher builds the per-turn dispatcher. Bridge turns deliver
// straight to the attached node instead of the bus; everything else goes
// through the outbound queue for its channel to pick up.
func (c *consumer) newDispatcher(channel, nodeID, chatID string) *dispatch.Dispatcher {
	return dispatch.New(c.sinkFor(channel, nodeID, chatID), dispatch.Options{
		OnError: func(err error, kind dispatch.Kind) {
			slog.Warn("dispatch: delivery failed", "kind", kind, "error", err)
		},
	})
}

func (c *consumer) sinkFor(channel, nodeID, chatID string) dispatch.Sink {
	if channel == "bridge" && c.bridge != nil {
		if nodeID == "" {
			nodeID = chatID
		}
		node := nodeID
		return func(_ context.Context, msg bus.OutboundMessage) error {
			body := protocol.DeliverBody{Text: msg.Content}
			if len(msg.Media) > 0 {
				body.MediaURL = msg.Media[0].URL
			}
			return c.bridge.Deliver(node, body)
		}
	}
	return dispatch.BusSink(c.bus)
}

// verboseOn resolves tool-notification visibility for this turn: an inline
// /verbose directive wins, else the session's sticky setting.
func (c *consumer) verboseOn(sessionKey string, parsed directives.Result) bool {
	if parsed.VerboseLevel != "" {
		return parsed.VerboseLevel == "on"
	}
	if sess, ok, err := c.store.Get(sessionKey); err == nil && ok {
		return sess.VerboseLevel == "on"
	}
	return false
}

func (c *consumer) outbound(msg bus.InboundMessage, text string) bus.OutboundMessage {
	return bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  text,
		Metadata: msg.Metadata,
	}
}

// formatAgentError renders a turn failure for the chat surface. Fallback
// exhaustion lists the models tried so the operator can fix config from the
// chat window.
func formatAgentError(err error) string {
	var fe *agent.FallbackError
	if errors.As(err, &fe) {
		return fmt.Sprintf("⚠️ %s", fe.Error())
	}
	return fmt.Sprintf("⚠️ Agent error: %v", err)
}
