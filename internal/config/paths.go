package config

import (
	"os"
	"path/filepath"
)

// Profile returns the active profile name, or "" for the default profile.
func Profile() string {
	return os.Getenv("CLAWD_PROFILE")
}

// StateDir resolves the root state directory. CLAWD_STATE_DIR wins;
// otherwise ~/.clawdbot, suffixed with -<profile> when CLAWD_PROFILE is set.
func StateDir() string {
	if dir := os.Getenv("CLAWD_STATE_DIR"); dir != "" {
		return ExpandHome(dir)
	}
	name := ".clawdbot"
	if p := Profile(); p != "" {
		name = ".clawdbot-" + p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, name)
}

// ConfigPath resolves the config file path. CLAWD_CONFIG_PATH wins;
// otherwise <state>/clawdbot.json.
func ConfigPath() string {
	if p := os.Getenv("CLAWD_CONFIG_PATH"); p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(StateDir(), "clawdbot.json")
}

// DefaultWorkspace resolves the agent workspace when agent.workspace is
// unset: ~/clawd, or ~/clawd-<profile> under a named profile.
func DefaultWorkspace() string {
	name := "clawd"
	if p := Profile(); p != "" {
		name = "clawd-" + p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, name)
}

// ResolveWorkspace expands the configured workspace or falls back to the
// profile default.
func (c *Config) ResolveWorkspace() string {
	c.mu.RLock()
	ws := c.Agent.Workspace
	c.mu.RUnlock()
	if ws == "" {
		return DefaultWorkspace()
	}
	return ExpandHome(ws)
}

// AgentDir returns <state>/agents/<agentID>.
func AgentDir(agentID string) string {
	return filepath.Join(StateDir(), "agents", agentID)
}

// SessionsDir returns the per-agent session directory holding sessions.json
// and the .jsonl transcripts.
func SessionsDir(agentID string) string {
	return filepath.Join(AgentDir(agentID), "sessions")
}

// CronJobsPath returns the persisted cron job file, honoring cron.store.
func (c *Config) CronJobsPath() string {
	c.mu.RLock()
	store := c.Cron.Store
	c.mu.RUnlock()
	if store != "" {
		return ExpandHome(store)
	}
	return filepath.Join(StateDir(), "cron", "jobs.json")
}

// PairingPath returns the pairing request file.
func PairingPath() string {
	return filepath.Join(StateDir(), "pairing.json")
}
