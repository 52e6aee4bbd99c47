package agent

import "context"

// Event kinds streamed over RunRequest.Events while a turn runs.
const (
	EventMessageUpdate      = "message_update"
	EventToolExecutionStart = "tool_execution_start"
	EventToolExecutionEnd   = "tool_execution_end"
	EventMessageEnd         = "message_end"
)

// AgentEvent is one streaming update from a running turn. Text carries the
// delta for message_update and the full assistant text for message_end.
type AgentEvent struct {
	Type       string                 `json:"type"`
	SessionKey string                 `json:"sessionKey"`
	Text       string                 `json:"text,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	ToolID     string                 `json:"toolId,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     string                 `json:"result,omitempty"`
	IsError    bool                   `json:"isError,omitempty"`
}

// emitEvent delivers ev to the sink, giving up when the turn is cancelled.
// A nil sink means the caller does not want streaming.
func emitEvent(ctx context.Context, sink chan<- AgentEvent, ev AgentEvent) {
	if sink == nil {
		return
	}
	select {
	case sink <- ev:
	case <-ctx.Done():
	}
}
