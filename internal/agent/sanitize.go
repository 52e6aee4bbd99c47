package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// sanitizeAssistantText cleans a final assistant message before it is
// persisted and handed to the dispatcher. It strips reasoning tags and
// tool-call XML that some backends leak into text content, then collapses
// repeated paragraphs. Reply-token handling ([silent], heartbeat ack) is
// the dispatcher's job, not this function's.
func sanitizeAssistantText(content string) string {
	if content == "" {
		return content
	}

	content = stripToolCallXML(content)
	content = stripThinkingTags(content)
	content = collapseDuplicateBlocks(content)

	return strings.TrimSpace(content)
}

// Some OpenAI-compatible backends emit tool calls as XML-ish text instead
// of structured calls. When the markers show up the whole block is noise.
var toolCallXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var toolCallXMLIndicators = []string{
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<invoke",
	"<parameter name=",
}

func stripToolCallXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range toolCallXMLIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	cleaned := strings.TrimSpace(toolCallXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("agent: stripped tool-call XML from assistant text",
		"original_len", len(content), "cleaned_len", len(cleaned))
	return cleaned
}

// Go regexp has no backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// collapseDuplicateBlocks drops a paragraph when it repeats the previous
// one verbatim. Retrying backends occasionally double their final block.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}
