package config

import (
	"encoding/json"
	"sync"
)

// DefaultAgentID is used when config does not name an agent.
const DefaultAgentID = "main"

// DefaultModelRef is the model used when agent.model is not configured.
const DefaultModelRef = "anthropic/claude-sonnet-4-20250514"

// Config is the root configuration for the Clawdbot gateway.
type Config struct {
	AgentID   string          `json:"agentId,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Session   SessionConfig   `json:"session"`
	Cron      CronConfig      `json:"cron"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Skills    SkillsConfig    `json:"skills,omitempty"`
	Plugins   PluginsConfig   `json:"plugins,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Bridge    BridgeConfig    `json:"bridge"`
	Discovery DiscoveryConfig `json:"discovery"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`

	mu sync.RWMutex
}

// AgentConfig holds per-agent model and tool settings.
type AgentConfig struct {
	Workspace string            `json:"workspace,omitempty"`
	Model     ModelConfig       `json:"model"`
	Thinking  string            `json:"thinking,omitempty"`
	Bash      BashConfig        `json:"bash,omitempty"`
	Tools     ToolFilter        `json:"tools,omitempty"`
	Models    map[string]ModelEntry `json:"models,omitempty"`

	// TimeoutSeconds bounds each model candidate call. 0 = no timeout.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// ModelConfig names the primary model and its fallback chain.
// Fallback entries are "provider/model" refs or alias keys from agent.models.
type ModelConfig struct {
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// ModelEntry maps a short key to a "provider/model" ref. A non-empty
// agent.models map also acts as the fallback allow-list.
type ModelEntry struct {
	Alias string `json:"alias"`
}

// BashConfig bounds the bash tool.
type BashConfig struct {
	BackgroundMs int `json:"backgroundMs,omitempty"`
	TimeoutSec   int `json:"timeoutSec,omitempty"`
}

// ToolFilter restricts which tools the agent may call.
type ToolFilter struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// SessionConfig controls session keying and storage.
type SessionConfig struct {
	// Scope is "per-sender" (default) or "global".
	Scope string `json:"scope,omitempty"`
	// MainKey overrides the scope key of the main session (default "main").
	MainKey string `json:"mainKey,omitempty"`
	// Store selects the backend: "" or "file" (default), "sqlite:<path>",
	// or a postgres:// DSN.
	Store       string `json:"store,omitempty"`
	IdleMinutes int    `json:"idleMinutes,omitempty"`
}

// CronConfig toggles the scheduler.
type CronConfig struct {
	Enabled           *bool  `json:"enabled,omitempty"` // nil = enabled
	Store             string `json:"store,omitempty"`   // jobs file override
	MaxConcurrentRuns int    `json:"maxConcurrentRuns,omitempty"`
}

// CronEnabled reports whether the scheduler should fire jobs.
func (c CronConfig) CronEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HeartbeatConfig configures timer-driven agent turns.
type HeartbeatConfig struct {
	Every       string `json:"every,omitempty"`       // duration string, default "30m", "0m" disables
	Prompt      string `json:"prompt,omitempty"`
	Model       string `json:"model,omitempty"`       // optional model override
	Session     string `json:"session,omitempty"`     // "main" (default) or explicit session key
	Target      string `json:"target,omitempty"`      // "last" (default), "none", or channel name
	To          string `json:"to,omitempty"`          // optional recipient override
	AckMaxChars int    `json:"ackMaxChars,omitempty"` // default 30
}

// SkillsConfig activates skills and carries their credentials.
type SkillsConfig struct {
	Entries   map[string]SkillEntry `json:"entries,omitempty"`
	ExtraDirs []string              `json:"extraDirs,omitempty"`
}

// SkillEntry is per-skill activation state.
type SkillEntry struct {
	Enabled *bool             `json:"enabled,omitempty"` // nil = enabled
	APIKey  string            `json:"apiKey,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// PluginsConfig gates extension packages.
type PluginsConfig struct {
	Load    PluginLoad             `json:"load,omitempty"`
	Allow   []string               `json:"allow,omitempty"`
	Deny    []string               `json:"deny,omitempty"`
	Entries map[string]PluginEntry `json:"entries,omitempty"`
}

// PluginLoad lists explicit plugin locations.
type PluginLoad struct {
	Paths []string `json:"paths,omitempty"`
}

// PluginEntry is per-plugin activation + opaque config passed to the
// plugin's own schema parser.
type PluginEntry struct {
	Enabled *bool           `json:"enabled,omitempty"` // nil = enabled
	Config  json.RawMessage `json:"config,omitempty"`
}

// ToolsConfig configures builtin tools.
type ToolsConfig struct {
	Audio      AudioToolsConfig            `json:"audio,omitempty"`
	Web        WebToolsConfig              `json:"web,omitempty"`
	Browser    BrowserToolConfig           `json:"browser,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
}

// MCPServerConfig describes one MCP server the tool registry bridges in.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"` // nil = enabled
	Transport  string            `json:"transport,omitempty"` // stdio (default), sse, streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"toolPrefix,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (c *MCPServerConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// AudioToolsConfig configures the external voice transcriber.
type AudioToolsConfig struct {
	Transcription TranscriptionConfig `json:"transcription,omitempty"`
}

// TranscriptionConfig invokes an external command; "{{MediaPath}}" in args
// is replaced with the downloaded media file path.
type TranscriptionConfig struct {
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// WebToolsConfig configures web search backends.
type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave,omitempty"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo,omitempty"`
}

// BraveConfig enables the Brave search backend.
type BraveConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// DuckDuckGoConfig enables the keyless DuckDuckGo backend.
type DuckDuckGoConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// BrowserToolConfig enables the rod-backed browser tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled,omitempty"`
	Headless bool `json:"headless,omitempty"`
}

// BridgeConfig configures the TCP node bridge.
type BridgeConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // nil = enabled
	Bind    string `json:"bind,omitempty"`    // address, "tailnet", default "0.0.0.0"
	Port    int    `json:"port,omitempty"`    // default 18790
}

// BridgeEnabled reports whether the bridge listener should start.
func (b BridgeConfig) BridgeEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// DiscoveryConfig configures mDNS / DNS-SD announcement.
type DiscoveryConfig struct {
	Enabled      *bool          `json:"enabled,omitempty"` // nil = enabled
	InstanceName string         `json:"instanceName,omitempty"`
	WideArea     WideAreaConfig `json:"wideArea,omitempty"`
}

// DiscoveryEnabled reports whether mDNS publishing should run.
func (d DiscoveryConfig) DiscoveryEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// WideAreaConfig publishes the instance under clawdbot.internal. via a
// local DNS responder.
type WideAreaConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	Port    int  `json:"port,omitempty"` // UDP port for the responder, default 8553
}

// GatewayConfig configures the dashboard WebSocket server.
type GatewayConfig struct {
	Port           int      `json:"port,omitempty"` // default 18789
	Token          string   `json:"token,omitempty"`
	Password       string   `json:"password,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// ChannelsConfig enables chat surface adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool     `json:"enabled,omitempty"`
	Token   string   `json:"token,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool     `json:"enabled,omitempty"`
	Token   string   `json:"token,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

// ProvidersConfig carries model backend credentials. Keys come from env
// when unset in the file.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	Google    ProviderConfig `json:"google,omitempty"`
	DashScope ProviderConfig `json:"dashscope,omitempty"`
}

// ProviderConfig is one model backend's credentials.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// TracingConfig configures OTLP span export for agent turns.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// ResolvedAgentID returns the configured agent id or the default.
func (c *Config) ResolvedAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AgentID != "" {
		return c.AgentID
	}
	return DefaultAgentID
}

// AgentSection returns a copy of the agent config under the read lock.
// Reloads replace the section wholesale, so the maps inside a copy are
// never mutated after it is taken.
func (c *Config) AgentSection() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// SkillsSection returns a copy of the skills config under the read lock.
func (c *Config) SkillsSection() SkillsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Skills
}

// HeartbeatSection returns a copy of the heartbeat config under the read lock.
func (c *Config) HeartbeatSection() HeartbeatConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Heartbeat
}

// SessionSection returns a copy of the session config under the read lock.
func (c *Config) SessionSection() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// BridgeSection returns a copy of the bridge config under the read lock.
func (c *Config) BridgeSection() BridgeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bridge
}

// DiscoverySection returns a copy of the discovery config under the read lock.
func (c *Config) DiscoverySection() DiscoveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discovery
}

// GatewaySection returns a copy of the gateway config under the read lock.
func (c *Config) GatewaySection() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// ChannelsSection returns a copy of the channels config under the read lock.
func (c *Config) ChannelsSection() ChannelsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels
}

// PluginsSection returns a copy of the plugins config under the read lock.
func (c *Config) PluginsSection() PluginsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Plugins
}

// CronSection returns a copy of the cron config under the read lock.
func (c *Config) CronSection() CronConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cron
}

// ToolsSection returns a copy of the tools config under the read lock.
func (c *Config) ToolsSection() ToolsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tools
}

// TracingSection returns a copy of the tracing config under the read lock.
func (c *Config) TracingSection() TracingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tracing
}

// ProvidersSection returns a copy of the provider credentials under the
// read lock.
func (c *Config) ProvidersSection() ProvidersConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the file watcher to swap a reloaded tree in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AgentID = src.AgentID
	c.Agent = src.Agent
	c.Session = src.Session
	c.Cron = src.Cron
	c.Heartbeat = src.Heartbeat
	c.Skills = src.Skills
	c.Plugins = src.Plugins
	c.Tools = src.Tools
	c.Bridge = src.Bridge
	c.Discovery = src.Discovery
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Tracing = src.Tracing
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked.
// Used by status surfaces to avoid exposing secrets.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Google.APIKey)
	maskNonEmpty(&cp.Providers.DashScope.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.Password)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	for key, entry := range cp.Skills.Entries {
		maskNonEmpty(&entry.APIKey)
		cp.Skills.Entries[key] = entry
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
