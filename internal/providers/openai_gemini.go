package providers

// collapseToolCallsWithoutSig rewrites history for Gemini 2.5+, which
// rejects any tool_call echoed back without its thought_signature. Session
// turns recorded before signatures were captured have none, so those
// cycles collapse: the assistant's visible text survives as a plain
// message and the tool calls plus their results drop out.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	collapseIDs := unsignedCallIDs(msgs)
	if len(collapseIDs) == 0 {
		return msgs
	}

	result := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && collapseIDs[m.ToolCalls[0].ID] {
			if m.Content != "" {
				result = append(result, Message{Role: "assistant", Content: m.Content})
			}
			// Consume the tool results that answered these calls.
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && collapseIDs[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}

		// Tool results whose assistant turn was collapsed earlier.
		if m.Role == "tool" && collapseIDs[m.ToolCallID] {
			continue
		}

		result = append(result, m)
	}
	return result
}

// unsignedCallIDs finds assistant turns where any tool call lacks a
// thought_signature and marks every call ID in that turn; a turn is echoed
// whole or not at all.
func unsignedCallIDs(msgs []Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				for _, tc2 := range m.ToolCalls {
					ids[tc2.ID] = true
				}
				break
			}
		}
	}
	return ids
}
