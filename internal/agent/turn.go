package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/uriafranko/clawdbot/internal/providers"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/tools"
	"github.com/uriafranko/clawdbot/internal/tracing"
)

// turnInput is the assembled context handed to each candidate in the chain.
type turnInput struct {
	req        RunRequest
	system     string
	history    []providers.Message
	user       providers.Message
	thinking   string
	allowed    []string
	transcript *sessions.TranscriptWriter
}

// turnOutput is what one successful candidate produced.
type turnOutput struct {
	text       string
	usage      providers.Usage
	lastPrompt int // prompt tokens of the final iteration, i.e. context size
	iterations int
}

// transcriptPreviewLimit bounds tool output stored per transcript entry.
const transcriptPreviewLimit = 4000

// runToolLoop drives the think-act-observe cycle against one candidate
// until the model stops calling tools or the iteration cap is hit.
func (r *Runner) runToolLoop(ctx context.Context, provider providers.Provider, cand Candidate, in turnInput) (turnOutput, error) {
	messages := make([]providers.Message, 0, len(in.history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: in.system})
	messages = append(messages, in.history...)
	messages = append(messages, in.user)

	defs := toolDefinitions(r.tools, in.allowed)
	allowedSet := make(map[string]bool, len(in.allowed))
	for _, name := range in.allowed {
		allowedSet[name] = true
	}

	var out turnOutput

	for out.iterations < r.maxIterations {
		out.iterations++

		options := map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		}
		if in.thinking != "" && in.thinking != "off" {
			options[providers.OptThinkingLevel] = in.thinking
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    defs,
			Model:    cand.Model,
			Options:  options,
		}

		resp, err := r.chatOnce(ctx, provider, cand, chatReq, in)
		if err != nil {
			return out, fmt.Errorf("model call (iteration %d): %w", out.iterations, err)
		}

		if resp.Usage != nil {
			out.usage.PromptTokens += resp.Usage.PromptTokens
			out.usage.CompletionTokens += resp.Usage.CompletionTokens
			out.usage.TotalTokens += resp.Usage.TotalTokens
			out.lastPrompt = resp.Usage.PromptTokens
		}

		if len(resp.ToolCalls) == 0 {
			out.text = sanitizeAssistantText(resp.Content)
			if out.text != "" {
				r.appendTranscript(in.transcript, sessions.TranscriptEntry{Role: "assistant", Content: out.text})
			}
			return out, nil
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		if resp.Content != "" {
			r.appendTranscript(in.transcript, sessions.TranscriptEntry{Role: "assistant", Content: resp.Content})
		}

		messages = append(messages, r.executeToolCalls(ctx, resp.ToolCalls, allowedSet, in)...)
	}

	slog.Warn("agent: tool loop hit iteration cap",
		"session", in.req.SessionKey, "iterations", out.iterations)
	return out, nil
}

// chatOnce performs one provider call, streaming deltas to the event sink
// when the caller asked for them.
func (r *Runner) chatOnce(ctx context.Context, provider providers.Provider, cand Candidate, chatReq providers.ChatRequest, in turnInput) (*providers.ChatResponse, error) {
	mctx, span := r.tracer.StartSpan(ctx, tracing.SpanModelCall, tracing.ModelAttrs(cand.Provider, cand.Model)...)
	defer span.End()

	var resp *providers.ChatResponse
	var err error
	if in.req.Events != nil {
		resp, err = provider.ChatStream(mctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				emitEvent(ctx, in.req.Events, AgentEvent{
					Type:       EventMessageUpdate,
					SessionKey: in.req.SessionKey,
					Text:       chunk.Content,
				})
			}
		})
	} else {
		resp, err = provider.Chat(mctx, chatReq)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(tracing.UsageAttrs(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	}
	return resp, nil
}

// executeToolCalls runs the requested tools and returns their result
// messages in call order. A single call runs inline; multiple calls run in
// parallel and are re-ordered afterwards so the conversation stays
// deterministic.
func (r *Runner) executeToolCalls(ctx context.Context, calls []providers.ToolCall, allowed map[string]bool, in turnInput) []providers.Message {
	for _, tc := range calls {
		emitEvent(ctx, in.req.Events, AgentEvent{
			Type:       EventToolExecutionStart,
			SessionKey: in.req.SessionKey,
			Tool:       tc.Name,
			ToolID:     tc.ID,
			Args:       tc.Arguments,
		})
	}

	type indexed struct {
		idx    int
		call   providers.ToolCall
		result *tools.Result
	}

	results := make([]indexed, 0, len(calls))
	if len(calls) == 1 {
		results = append(results, indexed{idx: 0, call: calls[0], result: r.executeTool(ctx, calls[0], allowed)})
	} else {
		ch := make(chan indexed, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				ch <- indexed{idx: idx, call: tc, result: r.executeTool(ctx, tc, allowed)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(ch) }()
		for res := range ch {
			results = append(results, res)
		}
		sort.Slice(results, func(i, j int) bool { return results[i].idx < results[j].idx })
	}

	msgs := make([]providers.Message, 0, len(results))
	for _, res := range results {
		argsJSON, _ := json.Marshal(res.call.Arguments)
		r.appendTranscript(in.transcript, sessions.TranscriptEntry{
			Role:    "tool",
			Tool:    res.call.Name,
			Input:   string(argsJSON),
			Output:  truncateForTranscript(res.result.ForLLM),
			IsError: res.result.IsError,
		})

		emitEvent(ctx, in.req.Events, AgentEvent{
			Type:       EventToolExecutionEnd,
			SessionKey: in.req.SessionKey,
			Tool:       res.call.Name,
			ToolID:     res.call.ID,
			Result:     truncateForTranscript(res.result.ForLLM),
			IsError:    res.result.IsError,
		})

		if res.result.IsError {
			slog.Warn("agent: tool error", "tool", res.call.Name, "error", truncateForTranscript(res.result.ForLLM))
		}

		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    res.result.ForLLM,
			ToolCallID: res.call.ID,
		})
	}
	return msgs
}

// executeTool resolves and runs one tool call. Calls outside the allowed
// set and calls to unknown names come back as error results the model can
// read, not Go errors.
func (r *Runner) executeTool(ctx context.Context, tc providers.ToolCall, allowed map[string]bool) *tools.Result {
	if !allowed[tc.Name] {
		return tools.ErrorResult(fmt.Sprintf("tool %q is not available", tc.Name))
	}
	tool, ok := r.tools.Get(tc.Name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
	}

	tctx, span := r.tracer.StartSpan(ctx, tracing.SpanToolExecute, tracing.ToolAttrs(tc.Name)...)
	defer span.End()

	result := tool.Execute(tctx, tc.Arguments)
	if result == nil {
		result = tools.ErrorResult("tool returned no result")
	}
	if result.IsError {
		err := result.Err
		if err == nil {
			err = errors.New(truncateForTranscript(result.ForLLM))
		}
		tracing.RecordError(span, err)
	}
	return result
}

// toolDefinitions builds the provider-facing schemas for the allowed tools.
func toolDefinitions(reg *tools.Registry, allowed []string) []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(allowed))
	for _, name := range allowed {
		t, ok := reg.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

func (r *Runner) appendTranscript(w *sessions.TranscriptWriter, entry sessions.TranscriptEntry) {
	if w == nil {
		return
	}
	entry.TS = r.now().UnixMilli()
	if err := w.Append(entry); err != nil {
		slog.Warn("agent: transcript append failed", "error", err)
	}
}

func truncateForTranscript(s string) string {
	if len(s) <= transcriptPreviewLimit {
		return s
	}
	return s[:transcriptPreviewLimit] + "\n...(truncated)"
}
