// Package sessions holds session identity, metadata, and persistence.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{scopeKey}
//
// Where {scopeKey} depends on how the conversation is scoped:
//
//	Main:        {mainKey}            (default "main")
//	Global:      global
//	Per peer:    {channel}:{peerId}
//	Cron run:    cron:{jobId}:run:{runId}
//
// Examples:
//
//	agent:main:main
//	agent:main:global
//	agent:main:telegram:386246614
//	agent:main:cron:reminder:run:abc123
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind says whether a peer scope names one person or a group chat.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Key joins an agent id and scope key into the canonical form.
func Key(agentID, scopeKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, scopeKey)
}

// MainKey returns the shared main session key for an agent.
func MainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return Key(agentID, mainKey)
}

// GlobalKey returns the single global session key for an agent.
func GlobalKey(agentID string) string {
	return Key(agentID, "global")
}

// PeerKey returns the per-conversation session key for a channel peer.
func PeerKey(agentID, channel, chatID string) string {
	return Key(agentID, fmt.Sprintf("%s:%s", channel, chatID))
}

// CronRunKey returns the session key for an isolated cron job run.
// Guards against double-prefixing when jobID is already a canonical key.
func CronRunKey(agentID, jobID, runID string) string {
	if _, rest := ParseKey(jobID); rest != "" {
		jobID = rest
	}
	return Key(agentID, fmt.Sprintf("cron:%s:run:%s", jobID, runID))
}

// ScopedKey builds the session key for an inbound channel message
// according to the configured scope.
//
//	scope "global"     → agent:{agentId}:global
//	scope "per-sender" → agent:{agentId}:{channel}:{chatId}  (default)
func ScopedKey(agentID, channel, chatID, scope string) string {
	if scope == "global" {
		return GlobalKey(agentID)
	}
	return PeerKey(agentID, channel, chatID)
}

// ParseKey extracts the agent id and scope key from a canonical session
// key. Returns ("", "") when key is not in the expected format.
func ParseKey(key string) (agentID, scopeKey string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerFromKey extracts (channel, chatID) from a per-peer session key.
// Returns ok=false for main, global, and cron run keys.
func PeerFromKey(key string) (channel, chatID string, ok bool) {
	_, scope := ParseKey(key)
	if scope == "" || scope == "global" || !strings.Contains(scope, ":") {
		return "", "", false
	}
	if strings.HasPrefix(scope, "cron:") {
		return "", "", false
	}
	parts := strings.SplitN(scope, ":", 2)
	return parts[0], parts[1], true
}

// IsCronRun reports whether key belongs to an isolated cron run.
func IsCronRun(key string) bool {
	_, scope := ParseKey(key)
	return strings.HasPrefix(scope, "cron:")
}

// PeerKindFromGroup returns PeerGroup when isGroup is true.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
