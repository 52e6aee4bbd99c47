package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIChat(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"content":           "The answer is 4.",
					"reasoning_content": "2+2 is basic arithmetic.",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]interface{}{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "2+2?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if resp.Content != "The answer is 4." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Thinking != "2+2 is basic arithmetic." {
		t.Errorf("Thinking = %q", resp.Thinking)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestOpenAIToolCallWireFormat(t *testing.T) {
	p := NewOpenAIProvider("openai", "k", "http://example.invalid", "gpt-4o")
	body := p.buildRequestBody("gpt-4o", ChatRequest{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:        "call_1",
				Name:      "grep",
				Arguments: map[string]interface{}{"pattern": "TODO"},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "3 matches"},
		},
	}, false)

	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}

	toolCalls := msgs[0]["tool_calls"].([]map[string]interface{})
	fn := toolCalls[0]["function"].(map[string]interface{})
	if fn["name"] != "grep" {
		t.Errorf("function name = %v", fn["name"])
	}
	args, ok := fn["arguments"].(string)
	if !ok || !strings.Contains(args, `"pattern":"TODO"`) {
		t.Errorf("arguments = %v, want JSON string", fn["arguments"])
	}
	// Assistant messages carrying tool_calls must omit empty content.
	if _, ok := msgs[0]["content"]; ok {
		t.Error("assistant message with tool_calls should omit empty content")
	}
	if msgs[1]["tool_call_id"] != "call_1" {
		t.Errorf("tool_call_id = %v", msgs[1]["tool_call_id"])
	}
}

func TestOpenAIChatStream(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_7","function":{"name":"ls","arguments":"{\"pa"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\".\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":8,"total_tokens":28}}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join(lines, "\n\n"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")

	var content, thinking strings.Builder
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
	}, func(c StreamChunk) {
		content.WriteString(c.Content)
		thinking.WriteString(c.Thinking)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if content.String() != "Hello" {
		t.Errorf("streamed content = %q", content.String())
	}
	if thinking.String() != "thinking..." {
		t.Errorf("streamed thinking = %q", thinking.String())
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_7" || tc.Name != "ls" || tc.Arguments["path"] != "." {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 28 {
		t.Errorf("Usage = %+v, want usage from the empty-choices chunk", resp.Usage)
	}
}

func TestCollapseToolCallsWithoutSig(t *testing.T) {
	withSig := ToolCall{ID: "a", Name: "x", Metadata: map[string]string{"thought_signature": "sig"}}
	withoutSig := ToolCall{ID: "b", Name: "y"}

	msgs := []Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "checking", ToolCalls: []ToolCall{withoutSig}},
		{Role: "tool", ToolCallID: "b", Content: "result"},
		{Role: "assistant", ToolCalls: []ToolCall{withSig}},
		{Role: "tool", ToolCallID: "a", Content: "result"},
		{Role: "user", Content: "q2"},
	}

	out := collapseToolCallsWithoutSig(msgs)

	for _, m := range out {
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				t.Errorf("unsigned tool call survived: %+v", tc)
			}
		}
		if m.Role == "tool" && m.ToolCallID == "b" {
			t.Error("orphaned tool result for collapsed call survived")
		}
	}

	// Original assistant text must be preserved as a plain message.
	var sawChecking bool
	for _, m := range out {
		if m.Role == "assistant" && m.Content == "checking" && len(m.ToolCalls) == 0 {
			sawChecking = true
		}
	}
	if !sawChecking {
		t.Error("assistant text content lost during collapse")
	}

	// Signed cycle untouched.
	var sawSigned bool
	for _, m := range out {
		if len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "a" {
			sawSigned = true
		}
	}
	if !sawSigned {
		t.Error("signed tool call cycle was collapsed")
	}
}

func TestCleanSchemaForProvider(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":    "string",
				"default": ".",
			},
		},
	}

	gemini := CleanSchemaForProvider("gemini", schema)
	if _, ok := gemini["additionalProperties"]; ok {
		t.Error("gemini: additionalProperties not stripped")
	}
	if _, ok := gemini["$schema"]; ok {
		t.Error("gemini: $schema not stripped")
	}
	props := gemini["properties"].(map[string]interface{})["path"].(map[string]interface{})
	if _, ok := props["default"]; ok {
		t.Error("gemini: nested default not stripped")
	}

	anthropic := CleanSchemaForProvider("anthropic", schema)
	if _, ok := anthropic["additionalProperties"]; !ok {
		t.Error("anthropic: additionalProperties should survive")
	}
	if _, ok := anthropic["$schema"]; ok {
		t.Error("anthropic: $schema not stripped")
	}

	// Input must not be mutated.
	if _, ok := schema["$schema"]; !ok {
		t.Error("input schema was mutated")
	}
}

func TestDashScopeStreamFallsBackWithTools(t *testing.T) {
	streamRequested := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if stream, _ := body["stream"].(bool); stream {
			streamRequested = true
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message":       map[string]interface{}{"content": "done"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	p := NewDashScopeProvider("k", srv.URL, "qwen3-max")

	var sawContent string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools: []ToolDefinition{{
			Type:     "function",
			Function: ToolFunctionSchema{Name: "noop", Parameters: map[string]interface{}{"type": "object"}},
		}},
	}, func(c StreamChunk) {
		sawContent += c.Content
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if streamRequested {
		t.Error("tools present: request must not ask for streaming")
	}
	if resp.Content != "done" || sawContent != "done" {
		t.Errorf("resp=%q chunks=%q", resp.Content, sawContent)
	}
}
