package protocol

// RPC method name constants for the gateway WebSocket surface.

// System
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Agent
const (
	MethodAgentRun   = "agent.run"
	MethodAgentAbort = "agent.abort"
)

// Sessions
const (
	MethodSessionsList  = "sessions.list"
	MethodSessionsReset = "sessions.reset"
)

// Cron
const (
	MethodCronStatus = "cron.status"
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronWake   = "cron.wake"
)

// Pairing
const (
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingRevoke  = "pairing.revoke"
)

// Bridge nodes
const (
	MethodBridgeList = "bridge.list"
)

// Plugins
const (
	MethodPluginsList = "plugins.list"
)
