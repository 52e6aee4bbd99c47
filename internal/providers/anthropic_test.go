package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAnthropicChat(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		resp := map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "Looking that up."},
				{"type": "tool_use", "id": "tu_1", "name": "read", "input": map[string]interface{}{"path": "notes.md"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 120, "output_tokens": 30},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "What's in my notes?"},
		},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        "read",
				Description: "Read a file",
				Parameters:  map[string]interface{}{"type": "object"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotBody["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if _, ok := gotBody["system"]; !ok {
		t.Error("system messages not promoted to system blocks")
	}
	tools, ok := gotBody["tools"].([]interface{})
	if !ok || len(tools) != 1 {
		t.Fatalf("request tools = %v", gotBody["tools"])
	}
	tool := tools[0].(map[string]interface{})
	if tool["name"] != "read" {
		t.Errorf("tool name = %v", tool["name"])
	}
	if _, ok := tool["input_schema"]; !ok {
		t.Error("tool missing input_schema")
	}

	if resp.Content != "Looking that up." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["path"] != "notes.md" {
		t.Errorf("tool args = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 150 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"message":{"usage":{"input_tokens":50}}}`,
		``,
		`event: content_block_start`,
		`data: {"index":0,"content_block":{"type":"text"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"Hello "}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"world"}}`,
		``,
		`event: content_block_stop`,
		`data: {}`,
		``,
		`event: content_block_start`,
		`data: {"index":1,"content_block":{"type":"tool_use","id":"tu_9","name":"bash"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))

	var chunks []string
	var done bool
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "run ls"}},
	}, func(c StreamChunk) {
		if c.Done {
			done = true
			return
		}
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v, want 2 text deltas", chunks)
	}
	if !done {
		t.Error("Done chunk not delivered")
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Name != "bash" || resp.ToolCalls[0].Arguments["command"] != "ls" {
		t.Errorf("tool call = %+v", resp.ToolCalls[0])
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 50 || resp.Usage.CompletionTokens != 25 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAnthropicThinkingRequest(t *testing.T) {
	p := NewAnthropicProvider("sk-ant-test")
	body := p.buildRequestBody("claude-sonnet-4-20250514", ChatRequest{
		Messages: []Message{{Role: "user", Content: "hard problem"}},
		Options: map[string]interface{}{
			OptThinkingLevel: "high",
			OptTemperature:   0.7,
		},
	}, false)

	thinking, ok := body["thinking"].(map[string]interface{})
	if !ok {
		t.Fatal("thinking block missing")
	}
	if thinking["budget_tokens"] != 32000 {
		t.Errorf("budget_tokens = %v", thinking["budget_tokens"])
	}
	if _, ok := body["temperature"]; ok {
		t.Error("temperature must be removed when thinking is enabled")
	}
	if maxTok, _ := body["max_tokens"].(int); maxTok < 32000 {
		t.Errorf("max_tokens = %v, must cover the thinking budget", body["max_tokens"])
	}
}

func TestAnthropicToolResultWireFormat(t *testing.T) {
	p := NewAnthropicProvider("sk-ant-test")
	body := p.buildRequestBody("m", ChatRequest{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "tu_1", Name: "read", Arguments: map[string]interface{}{"path": "x"}}}},
			{Role: "tool", ToolCallID: "tu_1", Content: "file contents"},
		},
	}, false)

	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	blocks, ok := msgs[1]["content"].([]map[string]interface{})
	if !ok || len(blocks) != 1 {
		t.Fatalf("tool result content = %v", msgs[1]["content"])
	}
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "tu_1" {
		t.Errorf("tool result block = %v", blocks[0])
	}
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(529)
			_, _ = io.WriteString(w, `{"error":{"type":"overloaded_error"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}
