// Package protocol defines the wire-level names and frame formats shared by
// the gateway WebSocket surface, the bridge TCP protocol, and their clients.
package protocol

// ProtocolVersion is bumped when a frame or method changes incompatibly.
const ProtocolVersion = 3

// Well-known reply tokens the dispatcher and heartbeat driver filter on.
const (
	// SilentReplyToken marks an assistant reply that must not be delivered.
	// Optional narration may follow after " -- ".
	SilentReplyToken = "[silent]"

	// HeartbeatToken is the ack emitted by heartbeat turns with nothing to say.
	HeartbeatToken = "[HEARTBEAT_OK]"
)
