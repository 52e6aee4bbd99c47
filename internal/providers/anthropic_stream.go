package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(p.modelOrDefault(req.Model), req, true)

	// Retries cover only the connection phase; once bytes flow there is
	// no replay.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &anthropicStream{
		result:  &ChatResponse{FinishReason: "stop"},
		argJSON: make(map[int]string),
		onChunk: onChunk,
	}

	scanner := bufio.NewScanner(respBody)
	// Thinking deltas can be large; allow long SSE lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch event {
		case "message_start":
			st.messageStart(data)
		case "content_block_start":
			st.blockStart(data)
		case "content_block_delta":
			st.blockDelta(data)
		case "content_block_stop":
			st.blockStop()
		case "message_delta":
			st.messageDelta(data)
		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}

	return st.finalize(), nil
}

// anthropicStream accumulates one streamed response as SSE events arrive.
type anthropicStream struct {
	result        *ChatResponse
	argJSON       map[int]string    // partial tool input JSON by tool call index
	rawBlocks     []json.RawMessage // content blocks rebuilt for passback
	blockType     string            // type of the block currently open
	thinkingChars int
	onChunk       func(StreamChunk)
}

func (s *anthropicStream) messageStart(data string) {
	var ev anthropicMessageStartEvent
	if json.Unmarshal([]byte(data), &ev) != nil {
		return
	}
	if s.result.Usage == nil {
		s.result.Usage = &Usage{}
	}
	if ev.Message.Usage.InputTokens > 0 {
		s.result.Usage.PromptTokens = ev.Message.Usage.InputTokens
	}
	s.result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
	s.result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
}

func (s *anthropicStream) blockStart(data string) {
	var ev anthropicContentBlockStartEvent
	if json.Unmarshal([]byte(data), &ev) != nil {
		return
	}
	s.blockType = ev.ContentBlock.Type
	if ev.ContentBlock.Type == "tool_use" {
		s.result.ToolCalls = append(s.result.ToolCalls, ToolCall{
			ID:        ev.ContentBlock.ID,
			Name:      strings.TrimSpace(ev.ContentBlock.Name),
			Arguments: make(map[string]interface{}),
		})
	}
	// Placeholder; blockStop rebuilds the full block once its deltas land.
	s.rawBlocks = append(s.rawBlocks, json.RawMessage(fmt.Sprintf(`{"type":"%s"`, ev.ContentBlock.Type)))
}

func (s *anthropicStream) blockDelta(data string) {
	var ev anthropicContentBlockDeltaEvent
	if json.Unmarshal([]byte(data), &ev) != nil {
		return
	}
	switch ev.Delta.Type {
	case "text_delta":
		s.result.Content += ev.Delta.Text
		if s.onChunk != nil {
			s.onChunk(StreamChunk{Content: ev.Delta.Text})
		}
	case "thinking_delta":
		s.result.Thinking += ev.Delta.Thinking
		s.thinkingChars += len(ev.Delta.Thinking)
		if s.onChunk != nil {
			s.onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
		}
	case "input_json_delta":
		if n := len(s.result.ToolCalls); n > 0 {
			s.argJSON[n-1] += ev.Delta.PartialJSON
		}
	case "signature_delta":
		// Nothing to accumulate; rebuilt blocks don't carry signatures.
	}
}

func (s *anthropicStream) blockStop() {
	if n := len(s.rawBlocks); n > 0 {
		if block := s.rawBlock(s.blockType); block != nil {
			s.rawBlocks[n-1] = block
		}
	}
	s.blockType = ""
}

func (s *anthropicStream) messageDelta(data string) {
	var ev anthropicMessageDeltaEvent
	if json.Unmarshal([]byte(data), &ev) != nil {
		return
	}
	if ev.Delta.StopReason != "" {
		s.result.FinishReason = anthropicFinishReason(ev.Delta.StopReason)
	}
	if ev.Usage.OutputTokens > 0 {
		if s.result.Usage == nil {
			s.result.Usage = &Usage{}
		}
		s.result.Usage.CompletionTokens = ev.Usage.OutputTokens
	}
}

// rawBlock rebuilds the just-closed content block so assistant turns can
// be echoed back to the API verbatim on the next request.
func (s *anthropicStream) rawBlock(blockType string) json.RawMessage {
	switch blockType {
	case "thinking":
		return marshalBlock(map[string]interface{}{
			"type":     "thinking",
			"thinking": s.result.Thinking,
		})
	case "text":
		return marshalBlock(map[string]interface{}{
			"type": "text",
			"text": s.result.Content,
		})
	case "tool_use":
		n := len(s.result.ToolCalls)
		if n == 0 {
			return nil
		}
		tc := s.result.ToolCalls[n-1]
		args := make(map[string]interface{})
		if raw := s.argJSON[n-1]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		return marshalBlock(map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": args,
		})
	case "redacted_thinking":
		// The encrypted payload never arrives over the stream.
		return marshalBlock(map[string]interface{}{
			"type": "redacted_thinking",
		})
	}
	return nil
}

func marshalBlock(block map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return b
}

func (s *anthropicStream) finalize() *ChatResponse {
	for i, raw := range s.argJSON {
		if raw == "" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		s.result.ToolCalls[i].Arguments = args
	}

	if s.result.Usage != nil {
		s.result.Usage.TotalTokens = s.result.Usage.PromptTokens + s.result.Usage.CompletionTokens
		// The stream never reports thinking tokens; estimate at ~4 chars
		// per token.
		if s.thinkingChars > 0 {
			s.result.Usage.ThinkingTokens = s.thinkingChars / 4
		}
	}

	if len(s.rawBlocks) > 0 && len(s.result.ToolCalls) > 0 {
		if b, err := json.Marshal(s.rawBlocks); err == nil {
			s.result.RawAssistantContent = b
		}
	}

	if s.onChunk != nil {
		s.onChunk(StreamChunk{Done: true})
	}
	return s.result
}

// SSE event wire types.

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		Signature   string `json:"signature,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
