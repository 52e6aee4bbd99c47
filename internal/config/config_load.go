package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AgentID: DefaultAgentID,
		Agent: AgentConfig{
			Model: ModelConfig{
				Provider: "anthropic",
				Model:    "claude-sonnet-4-20250514",
			},
			Bash: BashConfig{
				BackgroundMs: 10000,
				TimeoutSec:   600,
			},
		},
		Session: SessionConfig{
			Scope:   "per-sender",
			MainKey: "main",
		},
		Heartbeat: HeartbeatConfig{
			Every:       "30m",
			Prompt:      "Read HEARTBEAT.md if it exists.",
			Session:     "main",
			Target:      "last",
			AckMaxChars: 30,
		},
		Bridge: BridgeConfig{
			Bind: "0.0.0.0",
			Port: 18790,
		},
		Discovery: DiscoveryConfig{
			WideArea: WideAreaConfig{Port: 8553},
		},
		Gateway: GatewayConfig{
			Port: 18789,
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "clawdbot",
		},
	}
}


// Load reads the config file at path, layers it over defaults, and applies
// environment overrides. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// json5 tolerates comments and trailing commas in hand-edited files.
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides maps process environment onto config fields.
// Env always wins over the file.
func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envOff := func(key string, dst **bool) {
		switch os.Getenv(key) {
		case "1", "true":
			f := false
			*dst = &f
		}
	}

	envStr("ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey)
	envStr("ANTHROPIC_BASE_URL", &cfg.Providers.Anthropic.BaseURL)
	envStr("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	envStr("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	envStr("GEMINI_API_KEY", &cfg.Providers.Google.APIKey)
	envStr("DASHSCOPE_API_KEY", &cfg.Providers.DashScope.APIKey)

	envInt("CLAWDBOT_GATEWAY_PORT", &cfg.Gateway.Port)
	envStr("CLAWDBOT_GATEWAY_TOKEN", &cfg.Gateway.Token)
	envInt("CLAWDBOT_BRIDGE_PORT", &cfg.Bridge.Port)
	envStr("CLAWDBOT_TELEGRAM_TOKEN", &cfg.Channels.Telegram.Token)
	envStr("CLAWDBOT_DISCORD_TOKEN", &cfg.Channels.Discord.Token)

	// Kill switches. Unset or "0" leaves the file's setting alone.
	envOff("CLAWD_SKIP_CRON", &cfg.Cron.Enabled)
	envOff("CLAWDBOT_DISABLE_BONJOUR", &cfg.Discovery.Enabled)
	if v := os.Getenv("CLAWDBOT_BRIDGE_ENABLED"); v == "0" || v == "false" {
		f := false
		cfg.Bridge.Enabled = &f
	}
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Hash returns a short fingerprint of the file at path, or "" when absent.
// The watcher uses it to skip reloads when content did not change.
func Hash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
