package providers

import "encoding/json"

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	systemBlocks, messages := splitAnthropicMessages(req.Messages)

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		applyAnthropicThinking(body, level)
	}

	return body
}

// applyAnthropicThinking enables extended thinking and fixes up the knobs
// the API rejects alongside it: temperature must go, and max_tokens must
// cover the budget plus the visible response.
func applyAnthropicThinking(body map[string]interface{}, level string) {
	budget := anthropicThinkingBudget(level)
	body["thinking"] = map[string]interface{}{
		"type":          "enabled",
		"budget_tokens": budget,
	}
	delete(body, "temperature")
	if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
		body["max_tokens"] = budget + 8192
	}
}

// splitAnthropicMessages promotes system messages to system blocks and
// converts the rest to Messages API shape.
func splitAnthropicMessages(msgs []Message) (system, messages []map[string]interface{}) {
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			system = append(system, textBlock(msg.Content))
		case "user":
			messages = append(messages, anthropicUserMessage(msg))
		case "assistant":
			messages = append(messages, anthropicAssistantMessage(msg))
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}
	return system, messages
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

func anthropicUserMessage(msg Message) map[string]interface{} {
	if len(msg.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": msg.Content}
	}
	var blocks []map[string]interface{}
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, textBlock(msg.Content))
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

// anthropicAssistantMessage prefers the provider-native blocks captured on
// a previous turn; thinking blocks carry signatures that break if rebuilt.
func anthropicAssistantMessage(msg Message) map[string]interface{} {
	if msg.RawAssistantContent != nil {
		var rawBlocks []json.RawMessage
		if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
			return map[string]interface{}{"role": "assistant", "content": rawBlocks}
		}
	}
	var blocks []map[string]interface{}
	if msg.Content != "" {
		blocks = append(blocks, textBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

// anthropicThinkingBudget maps a thinking level to a token budget.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	case "ultra":
		return 48000
	default:
		return 10000
	}
}
