package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openAIChatPath = "/chat/completions"

// OpenAIProvider speaks the OpenAI chat completions dialect, which also
// covers Gemini's compatibility endpoint, Groq, OpenRouter, and DashScope.
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(stringOrDefault(apiBase, "https://api.openai.com/v1"), "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// resolveModel picks the model ID for a request. OpenRouter model IDs carry
// a vendor prefix; an unprefixed ID there falls back to the default rather
// than producing a 404.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, false)
	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		return p.chatOnce(ctx, body)
	})
}

// chatOnce performs a single non-streaming round trip.
func (p *OpenAIProvider) chatOnce(ctx context.Context, body map[string]interface{}) (*ChatResponse, error) {
	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return p.parseResponse(&resp), nil
}

func (p *OpenAIProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	inputMessages := req.Messages
	// Gemini 2.5+ insists every tool_call echoes its thought_signature and
	// 400s otherwise. History recorded before signatures were captured has
	// none, so those cycles collapse into plain messages.
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		inputMessages = collapseToolCallsWithoutSig(inputMessages)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": openAIWireMessages(inputMessages),
		"stream":   stream,
	}

	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	applyOpenAIOptions(body, req.Options)
	return body
}

// applyOpenAIOptions merges request options into the wire body. Thinking
// level maps to reasoning_effort, which o-series models honor and others
// ignore; DashScope's native thinking keys pass through untouched.
func applyOpenAIOptions(body, opts map[string]interface{}) {
	if v, ok := opts[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := opts[OptTemperature]; ok {
		body["temperature"] = v
	}
	if level, ok := opts[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	if v, ok := opts[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := opts[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}
}

// openAIWireMessages converts internal messages to the chat completions
// shape. Assistant messages carrying tool calls omit empty content: Gemini
// rejects "" with "must include at least one parts field".
func openAIWireMessages(msgs []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		msg := map[string]interface{}{
			"role": m.Role,
		}

		switch {
		case m.Role == "user" && len(m.Images) > 0:
			msg["content"] = wireImageParts(m)
		case m.Content != "" || len(m.ToolCalls) == 0:
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			msg["tool_calls"] = wireToolCalls(m.ToolCalls)
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		out = append(out, msg)
	}
	return out
}

// wireImageParts renders a vision message as image_url parts with any text
// appended last.
func wireImageParts(m Message) []map[string]interface{} {
	var parts []map[string]interface{}
	for _, img := range m.Images {
		parts = append(parts, map[string]interface{}{
			"type": "image_url",
			"image_url": map[string]interface{}{
				"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
			},
		})
	}
	if m.Content != "" {
		parts = append(parts, map[string]interface{}{
			"type": "text",
			"text": m.Content,
		})
	}
	return parts
}

// wireToolCalls wraps tool calls in the type+function envelope, arguments
// re-encoded as a JSON string per the wire format.
func wireToolCalls(calls []ToolCall) []map[string]interface{} {
	out := make([]map[string]interface{}, len(calls))
	for i, tc := range calls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		fn := map[string]interface{}{
			"name":      tc.Name,
			"arguments": string(argsJSON),
		}
		if sig := tc.Metadata["thought_signature"]; sig != "" {
			fn["thought_signature"] = sig
		}
		out[i] = map[string]interface{}{
			"id":       tc.ID,
			"type":     "function",
			"function": fn,
		}
	}
	return out
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+openAIChatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if resp.Usage != nil {
		result.Usage = usageFromOpenAI(resp.Usage)
	}
	if len(resp.Choices) == 0 {
		return result
	}

	msg := resp.Choices[0].Message
	result.Content = msg.Content
	result.Thinking = msg.ReasoningContent
	result.FinishReason = resp.Choices[0].FinishReason

	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, parseOpenAIToolCall(tc))
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

func parseOpenAIToolCall(tc openAIToolCall) ToolCall {
	args := make(map[string]interface{})
	_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
	call := ToolCall{
		ID:        tc.ID,
		Name:      strings.TrimSpace(tc.Function.Name),
		Arguments: args,
	}
	if tc.Function.ThoughtSignature != "" {
		call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
	}
	return call
}

func usageFromOpenAI(u *openAIUsage) *Usage {
	usage := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		usage.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}
