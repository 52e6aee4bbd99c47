package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/providers"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/internal/tools"
)

var fixedNow = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

// fakeProvider scripts per-call behavior for runner tests. The handler
// receives a 1-based call number and the recorded request.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	reqs    []providers.ChatRequest
	handler func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error)
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.reqs = append(f.reqs, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(ctx, req, call)
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err == nil && onChunk != nil {
		if resp.Content != "" {
			onChunk(providers.StreamChunk{Content: resp.Content})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, err
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) request(i int) providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

// stubTool records its invocations and returns a fixed result.
type stubTool struct {
	name   string
	result *tools.Result

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub tool for tests" }

func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)
	return s.result
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type runnerFixture struct {
	runner *Runner
	store  store.Store
	fake   *fakeProvider
	reg    *tools.Registry
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *runnerFixture {
	t.Helper()
	t.Setenv("CLAWD_STATE_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Agent.Model = config.ModelConfig{Provider: "fake", Model: "fake-model"}
	for _, o := range opts {
		o(cfg)
	}

	st, err := store.Open("", t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakeProvider{}
	preg := providers.NewRegistry(config.ProvidersConfig{})
	preg.Register("fake", fake)

	treg := tools.NewRegistry()

	r := New(Options{
		AgentID:   "main",
		Config:    cfg,
		Providers: preg,
		Tools:     treg,
		Store:     st,
		Now:       func() time.Time { return fixedNow },
	})
	return &runnerFixture{runner: r, store: st, fake: fake, reg: treg}
}

func TestRunnerBasicTurn(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:basic"

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if req.Messages[0].Role != "system" {
			return nil, fmt.Errorf("first message role = %q, want system", req.Messages[0].Role)
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "user" || last.Content != "hello" {
			return nil, fmt.Errorf("unexpected trailing message %+v", last)
		}
		return &providers.ChatResponse{
			Content: "hi there",
			Usage:   &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "hi there" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Model != "fake/fake-model" {
		t.Errorf("Model = %q, want fake/fake-model", res.Model)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.SessionKey != key {
		t.Errorf("SessionKey = %q", res.SessionKey)
	}

	sess, ok, err := fx.store.Get(key)
	if err != nil || !ok {
		t.Fatalf("session lookup: ok=%v err=%v", ok, err)
	}
	if sess.Tokens.Input != 10 || sess.Tokens.Output != 5 || sess.Tokens.Total != 15 {
		t.Errorf("Tokens = %+v, want 10/5/15", sess.Tokens)
	}
	if sess.ContextTokens != 10 {
		t.Errorf("ContextTokens = %d, want 10", sess.ContextTokens)
	}
	if sess.LastModel == nil || sess.LastModel.Provider != "fake" || sess.LastModel.ModelID != "fake-model" {
		t.Errorf("LastModel = %+v", sess.LastModel)
	}

	entries, err := sessions.ReadTranscript(fx.store.Dir(), res.SessionID, 0)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("transcript has %d entries, want 2", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Content != "hello" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "hi there" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	for i, e := range entries {
		if e.TS != fixedNow.UnixMilli() {
			t.Errorf("entry %d TS = %d, want %d", i, e.TS, fixedNow.UnixMilli())
		}
	}
}

func TestRunnerDefaultSessionKey(t *testing.T) {
	fx := newFixture(t)
	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionKey != "agent:main:main" {
		t.Errorf("SessionKey = %q, want agent:main:main", res.SessionKey)
	}
}

func TestRunnerDirectives(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:dir"

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "noted"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "/think high what was I doing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Directives.ThinkLevel != "high" {
		t.Errorf("Directives.ThinkLevel = %q, want high", res.Directives.ThinkLevel)
	}

	req := fx.fake.request(0)
	if got := req.Messages[len(req.Messages)-1].Content; got != "what was I doing" {
		t.Errorf("user message = %q, directive token must be stripped", got)
	}
	if system := req.Messages[0].Content; !strings.Contains(system, "Thinking: high") {
		t.Error("system prompt missing the thinking level")
	}

	sess, ok, err := fx.store.Get(key)
	if err != nil || !ok {
		t.Fatalf("session lookup: ok=%v err=%v", ok, err)
	}
	if sess.ThinkingLevel != "high" {
		t.Errorf("persisted ThinkingLevel = %q, want high", sess.ThinkingLevel)
	}
}

func TestRunnerSkipDirectives(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:skipdir"

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	_, err := fx.runner.Run(context.Background(), RunRequest{
		SessionKey:     key,
		Message:        "/think high ping",
		SkipDirectives: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := fx.fake.request(0)
	if got := req.Messages[len(req.Messages)-1].Content; got != "/think high ping" {
		t.Errorf("user message = %q, must pass through untouched", got)
	}

	sess, _, err := fx.store.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ThinkingLevel != "" {
		t.Errorf("ThinkingLevel = %q, directives must not apply", sess.ThinkingLevel)
	}
}

func TestRunnerToolLoop(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:tool"

	stub := &stubTool{name: "echo", result: tools.NewResult("pong")}
	if err := fx.reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{{
					ID:        "c1",
					Name:      "echo",
					Arguments: map[string]interface{}{"text": "ping"},
				}},
				Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
			}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "pong" {
			return nil, fmt.Errorf("tool result not fed back: %+v", last)
		}
		return &providers.ChatResponse{
			Content: "did it",
			Usage:   &providers.Usage{PromptTokens: 30, CompletionTokens: 5, TotalTokens: 35},
		}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "run the tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "did it" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if res.Usage.PromptTokens != 40 || res.Usage.CompletionTokens != 7 {
		t.Errorf("Usage = %+v, want summed tokens", res.Usage)
	}
	if stub.callCount() != 1 {
		t.Errorf("tool executed %d times, want 1", stub.callCount())
	}

	req := fx.fake.request(0)
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "echo" {
		t.Errorf("tool definitions = %+v", req.Tools)
	}

	// Context size reflects the final iteration, not the sum.
	sess, _, err := fx.store.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ContextTokens != 30 {
		t.Errorf("ContextTokens = %d, want 30", sess.ContextTokens)
	}

	entries, err := sessions.ReadTranscript(fx.store.Dir(), res.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("transcript has %d entries, want user/tool/assistant", len(entries))
	}
	if entries[1].Role != "tool" || entries[1].Tool != "echo" || entries[1].Output != "pong" || entries[1].IsError {
		t.Errorf("tool entry = %+v", entries[1])
	}
}

func TestRunnerParallelToolCalls(t *testing.T) {
	fx := newFixture(t)

	stub := &stubTool{name: "echo", result: tools.NewResult("pong")}
	if err := fx.reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{
					{ID: "t1", Name: "echo", Arguments: map[string]interface{}{"n": 1}},
					{ID: "t2", Name: "echo", Arguments: map[string]interface{}{"n": 2}},
					{ID: "t3", Name: "echo", Arguments: map[string]interface{}{"n": 3}},
				},
			}, nil
		}
		n := len(req.Messages)
		tail := req.Messages[n-3:]
		for i, want := range []string{"t1", "t2", "t3"} {
			if tail[i].Role != "tool" || tail[i].ToolCallID != want {
				return nil, fmt.Errorf("tool results out of order: %+v", tail)
			}
		}
		return &providers.ChatResponse{Content: "done"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:par", Message: "fan out"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "done" {
		t.Errorf("Response = %q", res.Response)
	}
	if stub.callCount() != 3 {
		t.Errorf("tool executed %d times, want 3", stub.callCount())
	}
}

func TestRunnerDeniedTool(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.Tools.Deny = []string{"echo"}
	})

	stub := &stubTool{name: "echo", result: tools.NewResult("pong")}
	if err := fx.reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{{ID: "d1", Name: "echo", Arguments: map[string]interface{}{}}},
			}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if !strings.Contains(last.Content, "not available") {
			return nil, fmt.Errorf("denial not fed back: %q", last.Content)
		}
		return &providers.ChatResponse{Content: "understood"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:deny", Message: "try it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "understood" {
		t.Errorf("Response = %q", res.Response)
	}
	if stub.callCount() != 0 {
		t.Errorf("denied tool executed %d times, want 0", stub.callCount())
	}

	req := fx.fake.request(0)
	if len(req.Tools) != 0 {
		t.Errorf("denied tool still advertised: %+v", req.Tools)
	}
	if system := req.Messages[0].Content; !strings.Contains(system, "Do not call: echo") {
		t.Error("system prompt missing the deny line")
	}
}

func TestRunnerIterationCap(t *testing.T) {
	fx := newFixture(t)
	fx.runner.maxIterations = 2

	stub := &stubTool{name: "echo", result: tools.NewResult("pong")}
	if err := fx.reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ToolCalls: []providers.ToolCall{{ID: fmt.Sprintf("c%d", call), Name: "echo", Arguments: map[string]interface{}{}}},
			Usage:     &providers.Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8},
		}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cap", Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want cap of 2", res.Iterations)
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want empty on cap", res.Response)
	}
	if res.Usage.PromptTokens != 14 {
		t.Errorf("PromptTokens = %d, want 14", res.Usage.PromptTokens)
	}
	if stub.callCount() != 2 {
		t.Errorf("tool executed %d times, want 2", stub.callCount())
	}
}

func TestRunnerFallbackAdvances(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.Model = config.ModelConfig{
			Provider:  "fake",
			Model:     "one",
			Fallbacks: []string{"fake/two"},
		}
	})

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if req.Model == "one" {
			return nil, errors.New("overloaded")
		}
		return &providers.ChatResponse{Content: "fallback reply"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:fb", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "fallback reply" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Model != "fake/two" {
		t.Errorf("Model = %q, want fake/two", res.Model)
	}
	if fx.fake.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", fx.fake.callCount())
	}
}

func TestRunnerFallbackExhausted(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.Model = config.ModelConfig{
			Provider:  "fake",
			Model:     "one",
			Fallbacks: []string{"fake/two"},
		}
	})

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return nil, fmt.Errorf("%s down", req.Model)
	}

	_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:fx", Message: "hi"})
	var fbErr *FallbackError
	if !errors.As(err, &fbErr) {
		t.Fatalf("err = %v, want *FallbackError", err)
	}
	if len(fbErr.Attempts) != 2 {
		t.Fatalf("Attempts = %+v, want 2", fbErr.Attempts)
	}
	if fbErr.Attempts[0].Model != "one" || fbErr.Attempts[1].Model != "two" {
		t.Errorf("attempt order = %+v", fbErr.Attempts)
	}
	for _, want := range []string{"one down", "two down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestRunnerCancellationStopsChain(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.Model = config.ModelConfig{
			Provider:  "fake",
			Model:     "one",
			Fallbacks: []string{"fake/two"},
		}
	})

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if req.Model == "one" {
			return nil, context.Canceled
		}
		return &providers.ChatResponse{Content: "must not run"}, nil
	}

	_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cx", Message: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if fx.fake.callCount() != 1 {
		t.Errorf("provider called %d times, cancellation must not advance the chain", fx.fake.callCount())
	}
}

func TestRunnerPerCandidateTimeout(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.TimeoutSeconds = 1
		cfg.Agent.Model = config.ModelConfig{
			Provider:  "fake",
			Model:     "one",
			Fallbacks: []string{"fake/two"},
		}
	})

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if req.Model == "one" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &providers.ChatResponse{Content: "served by fallback"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:to", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "served by fallback" {
		t.Errorf("Response = %q", res.Response)
	}
	if res.Model != "fake/two" {
		t.Errorf("Model = %q, deadline must advance the chain", res.Model)
	}
}

func TestRunnerModelOverride(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:override"

	sticky := "fake/sticky"
	if _, err := fx.store.GetOrCreate(key); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.store.Update(key, sessions.Patch{ModelOverride: &sticky}); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	res, err := fx.runner.Run(context.Background(), RunRequest{
		SessionKey:    key,
		Message:       "hi",
		ModelOverride: "fake/per-turn",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Model != "fake/per-turn" {
		t.Errorf("Model = %q, per-turn override must beat the session override", res.Model)
	}

	res, err = fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Model != "fake/sticky" {
		t.Errorf("Model = %q, session override must apply when no per-turn override", res.Model)
	}
}

func TestRunnerNoCandidates(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:none"

	if _, err := fx.store.GetOrCreate(key); err != nil {
		t.Fatal(err)
	}
	bad := "/"
	if _, err := fx.store.Update(key, sessions.Patch{ModelOverride: &bad}); err != nil {
		t.Fatal(err)
	}

	_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "no model candidates") {
		t.Fatalf("err = %v, want no-candidates error", err)
	}
}

func TestRunnerProviderUnavailable(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.Model = config.ModelConfig{Provider: "ghost", Model: "m"}
	})

	_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:gh", Message: "hi"})
	var fbErr *FallbackError
	if !errors.As(err, &fbErr) {
		t.Fatalf("err = %v, want *FallbackError", err)
	}
	if len(fbErr.Attempts) != 1 || fbErr.Attempts[0].Provider != "ghost" {
		t.Fatalf("Attempts = %+v", fbErr.Attempts)
	}
	if !strings.Contains(fbErr.Attempts[0].Err.Error(), "unknown provider") {
		t.Errorf("attempt error = %v", fbErr.Attempts[0].Err)
	}
}

func TestRunnerAbort(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:abort"

	if fx.runner.Abort(key) {
		t.Error("Abort with nothing running returned true")
	}

	entered := make(chan struct{})
	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "long task"})
		errCh <- err
	}()

	<-entered
	if !fx.runner.Abort(key) {
		t.Fatal("Abort returned false for a running turn")
	}

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("aborted run returned %v, want context.Canceled", err)
	}

	sess, ok, err := fx.store.Get(key)
	if err != nil || !ok {
		t.Fatalf("session lookup: ok=%v err=%v", ok, err)
	}
	if sess.Tokens.Total != 0 || sess.LastModel != nil {
		t.Errorf("aborted turn touched counters: tokens=%+v lastModel=%+v", sess.Tokens, sess.LastModel)
	}
	if fx.runner.Busy(key) {
		t.Error("runner still busy after abort")
	}
}

func TestRunnerAbortPrevious(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:preempt"

	firstEntered := make(chan struct{})
	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			close(firstEntered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &providers.ChatResponse{Content: "second reply"}, nil
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "first"})
		firstErr <- err
	}()
	<-firstEntered

	res, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "second", AbortPrevious: true})
	if err != nil {
		t.Fatalf("preempting run failed: %v", err)
	}
	if res.Response != "second reply" {
		t.Errorf("Response = %q", res.Response)
	}

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("displaced run returned %v, want context.Canceled", err)
	}
}

func TestRunnerSerializesSameKey(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:serial"

	var mu sync.Mutex
	active, maxActive := 0, 0
	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "go"}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	got := maxActive
	mu.Unlock()
	if got != 1 {
		t.Errorf("max concurrent model calls = %d, want 1", got)
	}
	if fx.runner.Busy(key) {
		t.Error("runner still tracks the session after all turns finished")
	}
	fx.runner.mu.Lock()
	remaining := len(fx.runner.runs)
	fx.runner.mu.Unlock()
	if remaining != 0 {
		t.Errorf("runs map holds %d entries after completion, want 0", remaining)
	}
}

func TestAcquireFIFOOrder(t *testing.T) {
	r := New(Options{Config: config.Default()})
	ctx := context.Background()

	holder, err := r.acquire(ctx, "k", false)
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	waitQueued := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			holder.mu.Lock()
			l := len(holder.queue)
			holder.mu.Unlock()
			if l == n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("queue never reached %d waiters", n)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	enqueue := func(tag string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := r.acquire(ctx, "k", false)
			if err != nil {
				t.Errorf("acquire %s: %v", tag, err)
				return
			}
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			r.release("k", st)
		}()
	}

	enqueue("a")
	waitQueued(1)
	enqueue("b")
	waitQueued(2)
	enqueue("c")
	waitQueued(3)

	r.release("k", holder)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("admit order = %v, want [a b c]", order)
	}
	if r.Busy("k") {
		t.Error("state not retired after the last release")
	}
}

func TestAcquireCancelWhileQueued(t *testing.T) {
	r := New(Options{Config: config.Default()})

	holder, err := r.acquire(context.Background(), "k", false)
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.acquire(cctx, "k", false)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		holder.mu.Lock()
		queued := len(holder.queue)
		holder.mu.Unlock()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("queued acquire returned %v, want context.Canceled", err)
	}

	if !r.Busy("k") {
		t.Error("holder entry must survive the cancelled waiter")
	}
	r.release("k", holder)
	if r.Busy("k") {
		t.Error("state not retired after the last release")
	}
}

func TestRunnerHistoryReplay(t *testing.T) {
	fx := newFixture(t)
	key := "agent:main:history"

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return &providers.ChatResponse{Content: "noted"}, nil
		}
		return &providers.ChatResponse{Content: "42"}, nil
	}

	if _, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "the code is 42"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := fx.runner.Run(context.Background(), RunRequest{SessionKey: key, Message: "what was the code?"}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	msgs := fx.fake.request(1).Messages
	if len(msgs) != 4 {
		t.Fatalf("second turn carried %d messages, want system+history+user = 4", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "the code is 42" {
		t.Errorf("history[0] = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "noted" {
		t.Errorf("history[1] = %+v", msgs[2])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "what was the code?" {
		t.Errorf("new user message = %+v", msgs[3])
	}
}

func TestRunnerEvents(t *testing.T) {
	fx := newFixture(t)

	stub := &stubTool{name: "echo", result: tools.NewResult("pong")}
	if err := fx.reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	fx.fake.handler = func(ctx context.Context, req providers.ChatRequest, call int) (*providers.ChatResponse, error) {
		if call == 1 {
			return &providers.ChatResponse{
				ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"n": 1}}},
			}, nil
		}
		return &providers.ChatResponse{Content: "did it"}, nil
	}

	events := make(chan AgentEvent, 64)
	res, err := fx.runner.Run(context.Background(), RunRequest{
		SessionKey: "agent:main:ev",
		Message:    "go",
		Events:     events,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "did it" {
		t.Errorf("Response = %q", res.Response)
	}

	var got []AgentEvent
drain:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			break drain
		}
	}

	wantTypes := []string{
		EventToolExecutionStart,
		EventToolExecutionEnd,
		EventMessageUpdate,
		EventMessageEnd,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, got[i].Type, want)
		}
	}
	if got[0].Tool != "echo" || got[0].ToolID != "c1" {
		t.Errorf("tool start event = %+v", got[0])
	}
	if got[1].Result != "pong" || got[1].IsError {
		t.Errorf("tool end event = %+v", got[1])
	}
	if got[2].Text != "did it" {
		t.Errorf("stream update text = %q", got[2].Text)
	}
	if got[3].Text != "did it" || got[3].SessionKey != "agent:main:ev" {
		t.Errorf("message end event = %+v", got[3])
	}
}
