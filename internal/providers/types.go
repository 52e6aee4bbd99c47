// Package providers adapts the configured model backends to one chat
// interface the agent loop can drive without caring which vendor answers.
package providers

import (
	"context"
	"encoding/json"
)

// Provider is one model backend.
type Provider interface {
	// Chat sends a conversation and waits for the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream delivers response fragments through onChunk as they
	// arrive and returns the assembled response at the end.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel is the model used when a request names none.
	DefaultModel() string

	// Name identifies the backend ("anthropic", "openai", ...).
	Name() string
}

// ChatRequest is the input to Chat and ChatStream. Model overrides the
// provider default; Options carries the Opt* keys.
type ChatRequest struct {
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is one completed model turn.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`

	// RawAssistantContent holds the provider's original content blocks when
	// they must be echoed verbatim on the next turn (Anthropic thinking
	// blocks carry signatures that break if reconstructed).
	RawAssistantContent json.RawMessage `json:"raw_assistant_content,omitempty"`
}

// StreamChunk is one fragment of a streaming response. Done marks the
// final callback of a stream.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// Message is one conversation turn. Role is "system", "user", "assistant",
// or "tool"; tool turns answer the call named by ToolCallID.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`

	// RawAssistantContent carries provider-native assistant blocks for
	// passback; see ChatResponse.RawAssistantContent.
	RawAssistantContent json.RawMessage `json:"raw_assistant_content,omitempty"`
}

// ImageContent is a base64 image attached to a user message for
// vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation the model asked for. Metadata holds
// provider extras such as Gemini's thought_signature.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ToolDefinition advertises one tool to the model. Type is always
// "function".
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is a function tool's name and JSON schema.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tallies token consumption for one model turn.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	ThinkingTokens      int `json:"thinking_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}
