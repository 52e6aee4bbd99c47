package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent     = "agent"
	EventChat      = "chat"
	EventCron      = "cron"
	EventBridge    = "bridge"
	EventHeartbeat = "heartbeat"
	EventPairing   = "pairing"
	EventShutdown  = "shutdown"
)

// Subtypes carried in an agent event's payload.type field.
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Subtypes carried in a chat event's payload.type field.
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)
