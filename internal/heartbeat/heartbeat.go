// Package heartbeat fires timer-driven agent turns on the main session and
// decides whether the result is worth surfacing to a chat. A reply that is
// just the heartbeat ack token is suppressed; anything else is forwarded to
// the configured target.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

const (
	defaultInterval = 30 * time.Minute
	defaultPrompt   = "Read HEARTBEAT.md if it exists."
	defaultAckMax   = 30
)

// Runner is the slice of the agent runner a heartbeat turn needs.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// PeerSource resolves the most recent chat peer for target "last".
type PeerSource interface {
	LastPeer(agentID string) (channel, chatID string, ok bool)
}

// Options wires a Driver.
type Options struct {
	Config  *config.Config
	Runner  Runner
	Peers   PeerSource
	AgentID string

	// Forward delivers a non-ack reply to its resolved target. The wiring
	// layer routes this through the reply dispatcher.
	Forward func(ctx context.Context, channel, chatID, text string)
}

// Driver runs heartbeat turns on an interval and on demand.
type Driver struct {
	cfg     *config.Config
	runner  Runner
	peers   PeerSource
	agentID string
	forward func(ctx context.Context, channel, chatID, text string)

	mu      sync.Mutex
	running bool
	notes   []string
}

func New(opts Options) *Driver {
	agentID := opts.AgentID
	if agentID == "" && opts.Config != nil {
		agentID = opts.Config.ResolvedAgentID()
	}
	return &Driver{
		cfg:     opts.Config,
		runner:  opts.Runner,
		peers:   opts.Peers,
		agentID: agentID,
		forward: opts.Forward,
	}
}

// Interval parses heartbeat.every. Zero or negative disables the driver;
// an unparseable value falls back to the 30m default.
func (d *Driver) Interval() time.Duration {
	every := strings.TrimSpace(d.cfg.HeartbeatSection().Every)
	if every == "" {
		return defaultInterval
	}
	iv, err := time.ParseDuration(every)
	if err != nil {
		slog.Warn("heartbeat: bad interval, using default", "every", every, "default", defaultInterval)
		return defaultInterval
	}
	if iv < 0 {
		return 0
	}
	return iv
}

// Run ticks until ctx is cancelled. Returns immediately when disabled.
func (d *Driver) Run(ctx context.Context) {
	interval := d.Interval()
	if interval <= 0 {
		slog.Info("heartbeat: disabled")
		return
	}

	slog.Info("heartbeat: started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat: stopped")
			return
		case <-ticker.C:
			d.beat(ctx, "interval")
		}
	}
}

// Enqueue queues a note injected into the next heartbeat prompt. Cron
// system events and wake requests land here.
func (d *Driver) Enqueue(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	d.notes = append(d.notes, text)
	d.mu.Unlock()
}

// TriggerNow runs one heartbeat immediately, blocking until it finishes.
// Returns "ran", or "skipped" when another heartbeat is already in flight.
func (d *Driver) TriggerNow(ctx context.Context, reason string) string {
	return d.beat(ctx, reason)
}

// beat runs one turn under the re-entrancy guard and routes the result.
func (d *Driver) beat(ctx context.Context, reason string) string {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		slog.Debug("heartbeat: skipped", "reason", reason, "cause", "already-running")
		return "skipped"
	}
	d.running = true
	notes := d.notes
	d.notes = nil
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	outcome := d.runOnce(ctx, d.cfg.HeartbeatSection(), notes)
	slog.Debug("heartbeat: finished", "reason", reason, "outcome", outcome)
	return "ran"
}

func (d *Driver) runOnce(ctx context.Context, hb config.HeartbeatConfig, notes []string) string {
	res, err := d.runner.Run(ctx, agent.RunRequest{
		SessionKey:     d.sessionKey(hb),
		Message:        buildPrompt(hb, notes),
		SkipDirectives: true,
		ModelOverride:  hb.Model,
	})
	if err != nil {
		slog.Warn("heartbeat: turn failed", "error", err)
		return "error"
	}

	text := strings.TrimSpace(res.Response)
	if text == "" {
		return "empty"
	}
	if IsAck(text, ackMax(hb)) {
		return "ack"
	}

	channel, chatID, ok := d.resolveTarget(hb)
	if !ok {
		slog.Info("heartbeat: reply had content but no delivery target", "target", hb.Target)
		return "no-target"
	}
	if d.forward != nil {
		d.forward(ctx, channel, chatID, text)
	}
	return "sent"
}

// sessionKey maps heartbeat.session onto a store key. "main" (or empty)
// is the shared main session; full keys pass through; anything else is a
// scope key under this agent.
func (d *Driver) sessionKey(hb config.HeartbeatConfig) string {
	s := strings.TrimSpace(hb.Session)
	switch {
	case s == "" || s == "main":
		return sessions.MainKey(d.agentID, d.cfg.SessionSection().MainKey)
	case strings.HasPrefix(s, "agent:"):
		return s
	default:
		return sessions.Key(d.agentID, s)
	}
}

// resolveTarget picks the chat that receives a forwarded heartbeat reply.
func (d *Driver) resolveTarget(hb config.HeartbeatConfig) (channel, chatID string, ok bool) {
	target := strings.TrimSpace(hb.Target)
	switch target {
	case "none":
		return "", "", false
	case "", "last":
		if d.peers == nil {
			return "", "", false
		}
		return d.peers.LastPeer(d.agentID)
	}
	if hb.To != "" {
		return target, hb.To, true
	}
	// Named channel without an explicit recipient: reuse the last peer
	// when it belongs to that channel.
	if d.peers != nil {
		if ch, chat, found := d.peers.LastPeer(d.agentID); found && ch == target {
			return ch, chat, true
		}
	}
	return "", "", false
}

func buildPrompt(hb config.HeartbeatConfig, notes []string) string {
	prompt := strings.TrimSpace(hb.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	if len(notes) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString("System notes since the last heartbeat:\n")
	for _, n := range notes {
		sb.WriteString("- ")
		sb.WriteString(n)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(prompt)
	return sb.String()
}

// IsAck reports whether text is an acknowledgment-only reply: the
// heartbeat token with at most maxExtra surrounding characters.
func IsAck(text string, maxExtra int) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, protocol.HeartbeatToken) {
		return false
	}
	return len(trimmed)-len(protocol.HeartbeatToken) <= maxExtra
}

func ackMax(hb config.HeartbeatConfig) int {
	if hb.AckMaxChars > 0 {
		return hb.AckMaxChars
	}
	return defaultAckMax
}
