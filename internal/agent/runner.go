// Package agent executes one model turn per session at a time: it resolves
// the workspace and model chain, assembles the system prompt from workspace
// files, daily memory, and skills, streams the provider conversation through
// the tool loop, and persists usage onto the session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uriafranko/clawdbot/internal/bootstrap"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/directives"
	"github.com/uriafranko/clawdbot/internal/providers"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/skills"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/internal/tools"
	"github.com/uriafranko/clawdbot/internal/tracing"
)

// RunRequest is one agent turn.
type RunRequest struct {
	SessionKey string
	Message    string
	Channel    string
	ChatID     string

	// Media lists local image paths inlined into the user message.
	Media []string

	// ThinkingLevel overrides the session/config level for this turn only.
	ThinkingLevel string

	// ModelOverride forces the primary model for this turn, ahead of the
	// session's sticky override. Heartbeat and cron turns use it.
	ModelOverride string

	// SkipDirectives leaves /think and /verbose tokens in the text.
	// Heartbeat and cron turns carry pre-built prompts, not user input.
	SkipDirectives bool

	// AbortPrevious cancels an in-flight turn for the same session before
	// this one is admitted. Without it the new turn queues FIFO.
	AbortPrevious bool

	// Events receives streaming updates while the turn runs. Optional; the
	// caller must drain it until message_end or cancel the context.
	Events chan<- AgentEvent
}

// RunResult is the outcome of a completed turn.
type RunResult struct {
	Response   string
	SessionID  string
	SessionKey string
	Model      string // "provider/model" that produced the final text
	Usage      providers.Usage
	Directives directives.Result
	Iterations int
}

// Options wires a Runner to the rest of the gateway.
type Options struct {
	AgentID   string
	Config    *config.Config
	Providers *providers.Registry
	Tools     *tools.Registry
	Store     store.Store
	Tracer    *tracing.Provider

	// BundledSkillsDir points at skills shipped next to the binary.
	BundledSkillsDir string

	// MaxIterations bounds the tool loop per candidate (default 20).
	MaxIterations int

	// Now is injectable for daily-memory and bookkeeping tests.
	Now func() time.Time
}

// Runner executes agent turns with per-session single-flight.
type Runner struct {
	agentID   string
	cfg       *config.Config
	providers *providers.Registry
	tools     *tools.Registry
	store     store.Store
	tracer    *tracing.Provider

	bundledSkillsDir string
	maxIterations    int
	now              func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
}

// runState serializes turns for one session key. queue holds the admit
// channels of waiting turns in arrival order; refs is guarded by Runner.mu
// and retires the entry when the last caller leaves.
type runState struct {
	mu      sync.Mutex
	queue   []chan struct{}
	running bool
	cancel  context.CancelFunc
	refs    int
}

func New(opts Options) *Runner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AgentID == "" && opts.Config != nil {
		opts.AgentID = opts.Config.ResolvedAgentID()
	}
	return &Runner{
		agentID:          opts.AgentID,
		cfg:              opts.Config,
		providers:        opts.Providers,
		tools:            opts.Tools,
		store:            opts.Store,
		tracer:           opts.Tracer,
		bundledSkillsDir: opts.BundledSkillsDir,
		maxIterations:    opts.MaxIterations,
		now:              opts.Now,
		runs:             make(map[string]*runState),
	}
}

// Run executes one turn, blocking until it completes or the context is
// cancelled. Turns for the same session key are serialized in arrival
// order; AbortPrevious cancels the in-flight one first.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.SessionKey == "" {
		req.SessionKey = sessions.MainKey(r.agentID, r.cfg.SessionSection().MainKey)
	}

	st, err := r.acquire(ctx, req.SessionKey, req.AbortPrevious)
	if err != nil {
		return nil, err
	}
	defer r.release(req.SessionKey, st)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	return r.runTurn(turnCtx, req)
}

// Abort cancels the in-flight turn for key. Queued turns are unaffected.
// Returns false when nothing was running.
func (r *Runner) Abort(key string) bool {
	r.mu.Lock()
	st := r.runs[key]
	r.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancel == nil {
		return false
	}
	st.cancel()
	return true
}

// Busy reports whether a turn is running or queued for key.
func (r *Runner) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[key] != nil
}

// acquire admits the caller into the single-flight slot for key, blocking
// behind earlier turns. On context cancellation the caller is removed from
// the queue (or, if admission raced the cancellation, the slot is passed on).
func (r *Runner) acquire(ctx context.Context, key string, abortPrevious bool) (*runState, error) {
	r.mu.Lock()
	st := r.runs[key]
	if st == nil {
		st = &runState{}
		r.runs[key] = st
	}
	st.refs++
	r.mu.Unlock()

	st.mu.Lock()
	if abortPrevious && st.cancel != nil {
		st.cancel()
	}
	if !st.running {
		st.running = true
		st.mu.Unlock()
		return st, nil
	}
	admit := make(chan struct{})
	st.queue = append(st.queue, admit)
	st.mu.Unlock()

	select {
	case <-admit:
		return st, nil
	case <-ctx.Done():
		st.mu.Lock()
		removed := false
		for i, ch := range st.queue {
			if ch == admit {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				removed = true
				break
			}
		}
		st.mu.Unlock()
		if removed {
			r.unref(key, st)
		} else {
			r.release(key, st)
		}
		return nil, ctx.Err()
	}
}

// release hands the slot to the next queued turn or marks the state idle,
// then drops the caller's reference. Cleanup is synchronous: the map entry
// disappears as soon as the last turn for the key returns.
func (r *Runner) release(key string, st *runState) {
	st.mu.Lock()
	st.cancel = nil
	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		close(next)
	} else {
		st.running = false
	}
	st.mu.Unlock()
	r.unref(key, st)
}

func (r *Runner) unref(key string, st *runState) {
	r.mu.Lock()
	st.refs--
	if st.refs == 0 {
		delete(r.runs, key)
	}
	r.mu.Unlock()
}

// runTurn performs the actual turn once the caller holds the session slot.
func (r *Runner) runTurn(ctx context.Context, req RunRequest) (*RunResult, error) {
	agentCfg := r.cfg.AgentSection()
	skillsCfg := r.cfg.SkillsSection()

	ctx, span := r.tracer.StartSpan(ctx, tracing.SpanAgentTurn, tracing.TurnAttrs(req.SessionKey, req.Channel)...)
	defer span.End()

	// Directives first so session preferences update even if the model
	// call later fails.
	message := req.Message
	var dir directives.Result
	if !req.SkipDirectives {
		dir = directives.Parse(message)
		if dir.HasDirectives {
			message = dir.CleanText
		}
	}

	// Workspace: expand ~, default under $HOME, seed missing prompt files.
	workspace := resolveWorkspaceDir(agentCfg.Workspace)
	if _, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("agent: workspace bootstrap failed", "workspace", workspace, "error", err)
	}
	files := bootstrap.TruncateFiles(bootstrap.LoadWorkspaceFiles(workspace), 0, 0)

	memory := loadDailyMemory(workspace, r.now())

	eligible := skills.Filter(skills.Discover(skills.Dirs{
		Bundled:   r.bundledSkillsDir,
		Managed:   filepath.Join(config.StateDir(), "skills"),
		Workspace: filepath.Join(workspace, "skills"),
		Extra:     skillsCfg.ExtraDirs,
	}), skills.Eligibility{Config: skillsCfg})

	undo := pushEnv(skills.EnvOverrides(eligible, skillsCfg))
	defer undo()

	sess, err := r.store.GetOrCreate(req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", req.SessionKey, err)
	}

	if dir.ThinkLevel != "" || dir.VerboseLevel != "" {
		patch := sessions.Patch{}
		if dir.ThinkLevel != "" {
			patch.ThinkingLevel = &dir.ThinkLevel
		}
		if dir.VerboseLevel != "" {
			patch.VerboseLevel = &dir.VerboseLevel
		}
		if sess, err = r.store.Update(req.SessionKey, patch); err != nil {
			slog.Warn("agent: failed to persist directive levels", "session", req.SessionKey, "error", err)
		}
	}

	thinking := firstNonEmpty(req.ThinkingLevel, dir.ThinkLevel, sess.ThinkingLevel, agentCfg.Thinking)

	chain := ResolveChain(agentCfg, firstNonEmpty(req.ModelOverride, sess.ModelOverride))
	if len(chain) == 0 {
		return nil, errors.New("no model candidates resolved")
	}

	filter := tools.Filter{Allow: agentCfg.Tools.Allow, Deny: agentCfg.Tools.Deny}
	allowed, denied := filter.Split(r.tools.Names())

	systemPrompt := buildSystemPrompt(promptInput{
		Workspace:     workspace,
		ContextFiles:  files,
		Memory:        memory,
		SkillsSection: skills.PromptSection(eligible),
		ToolsAllowed:  allowed,
		ToolsDenied:   denied,
		ThinkingLevel: thinking,
		Now:           r.now(),
	})

	transcript, err := sessions.OpenTranscript(r.store.Dir(), sess.ID)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer transcript.Close()

	history := r.loadHistory(sess.ID)

	userMsg := providers.Message{Role: "user", Content: message, Images: loadImages(req.Media)}
	r.appendTranscript(transcript, sessions.TranscriptEntry{Role: "user", Content: message})

	in := turnInput{
		req:        req,
		system:     systemPrompt,
		history:    history,
		user:       userMsg,
		thinking:   thinking,
		allowed:    allowed,
		transcript: transcript,
	}

	var attempts []Attempt
	for _, cand := range chain {
		provider, err := r.providers.Get(cand.Provider)
		if err != nil {
			attempts = append(attempts, Attempt{Provider: cand.Provider, Model: cand.Model, Err: err})
			slog.Warn("agent: provider unavailable", "provider", cand.Provider, "error", err)
			continue
		}

		out, err := r.invoke(ctx, provider, cand, in, agentCfg.TimeoutSeconds)
		if err == nil {
			return r.finish(ctx, req, sess, cand, dir, out)
		}

		// Cancellation propagates immediately and skips all bookkeeping so
		// aborted turns never touch the token counters.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		attempts = append(attempts, Attempt{Provider: cand.Provider, Model: cand.Model, Err: err})
		slog.Warn("agent: model attempt failed, advancing chain",
			"provider", cand.Provider, "model", cand.Model, "error", err)
	}

	err = &FallbackError{Attempts: attempts}
	tracing.RecordError(span, err)
	return nil, err
}

// finish records success bookkeeping and assembles the result.
func (r *Runner) finish(ctx context.Context, req RunRequest, sess sessions.Session, cand Candidate, dir directives.Result, out turnOutput) (*RunResult, error) {
	contextTokens := int64(out.lastPrompt)
	updated, err := r.store.Update(req.SessionKey, sessions.Patch{
		LastModel:     &sessions.ModelRef{Provider: cand.Provider, ModelID: cand.Model},
		ContextTokens: &contextTokens,
		AddTokens: &sessions.TokenUsage{
			Input:  int64(out.usage.PromptTokens),
			Output: int64(out.usage.CompletionTokens),
		},
	})
	if err != nil {
		slog.Warn("agent: session bookkeeping failed", "session", req.SessionKey, "error", err)
		updated = sess
	}

	emitEvent(ctx, req.Events, AgentEvent{
		Type:       EventMessageEnd,
		SessionKey: req.SessionKey,
		Text:       out.text,
	})

	return &RunResult{
		Response:   out.text,
		SessionID:  updated.ID,
		SessionKey: req.SessionKey,
		Model:      cand.Ref(),
		Usage:      out.usage,
		Directives: dir,
		Iterations: out.iterations,
	}, nil
}

// invoke runs the tool loop against one candidate, applying the
// per-candidate timeout when configured.
func (r *Runner) invoke(ctx context.Context, provider providers.Provider, cand Candidate, in turnInput, timeoutSec int) (turnOutput, error) {
	callCtx := ctx
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}
	return r.runToolLoop(callCtx, provider, cand, in)
}

// loadHistory rebuilds the conversation from the transcript. Only plain
// user/assistant text survives a restart; tool traffic stays in the
// transcript for audit but is not replayed.
func (r *Runner) loadHistory(sessionID string) []providers.Message {
	entries, err := sessions.ReadTranscript(r.store.Dir(), sessionID, historyLimit)
	if err != nil {
		slog.Warn("agent: transcript read failed", "session", sessionID, "error", err)
		return nil
	}
	var msgs []providers.Message
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		switch e.Role {
		case "user", "assistant":
			msgs = append(msgs, providers.Message{Role: e.Role, Content: e.Content})
		}
	}
	return msgs
}

// historyLimit bounds how many transcript entries are replayed per turn.
const historyLimit = 100

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveWorkspaceDir expands and absolutizes a configured workspace path,
// falling back to the default when empty.
func resolveWorkspaceDir(configured string) string {
	ws := configured
	if ws == "" {
		return config.DefaultWorkspace()
	}
	ws = config.ExpandHome(ws)
	if !filepath.IsAbs(ws) {
		if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		slog.Warn("agent: failed to create workspace", "workspace", ws, "error", err)
	}
	return ws
}
