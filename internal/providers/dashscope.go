package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider rides on OpenAIProvider for the wire format but works
// around one DashScope restriction: tools and streaming cannot be combined
// in a single request.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	base := NewOpenAIProvider("dashscope", apiKey,
		stringOrDefault(apiBase, dashscopeDefaultBase),
		stringOrDefault(defaultModel, dashscopeDefaultModel))
	return &DashScopeProvider{OpenAIProvider: base}
}

func (p *DashScopeProvider) Name() string { return "dashscope" }

// ChatStream streams when it can. With tools present it runs a plain
// Chat instead and replays the response through the chunk callback so
// callers see the same surface either way.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		req.Options = dashscopeThinkingOptions(req.Options, level)
	}

	if len(req.Tools) > 0 {
		slog.Debug("dashscope: tool request, streaming disabled for this call")
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		replayAsChunks(resp, onChunk)
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}

// replayAsChunks feeds a completed response through a stream callback.
func replayAsChunks(resp *ChatResponse, onChunk func(StreamChunk)) {
	if onChunk == nil {
		return
	}
	if resp.Thinking != "" {
		onChunk(StreamChunk{Thinking: resp.Thinking})
	}
	if resp.Content != "" {
		onChunk(StreamChunk{Content: resp.Content})
	}
	onChunk(StreamChunk{Done: true})
}

// dashscopeThinkingOptions clones the options map, swapping the generic
// thinking level for DashScope's enable_thinking and thinking_budget keys.
// The caller's map stays untouched.
func dashscopeThinkingOptions(opts map[string]interface{}, level string) map[string]interface{} {
	out := make(map[string]interface{}, len(opts)+2)
	for k, v := range opts {
		out[k] = v
	}
	out[OptEnableThinking] = true
	out[OptThinkingBudget] = dashscopeThinkingBudget(level)
	delete(out, OptThinkingLevel)
	return out
}

// dashscopeThinkingBudget maps a thinking level to a thinking_budget value.
func dashscopeThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 16384
	case "high":
		return 32768
	case "ultra":
		return 49152
	default:
		return 16384
	}
}
