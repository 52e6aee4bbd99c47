package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string // names registered in the tool registry
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects the configured MCP servers and bridges their tools
// into the shared tool registry. Connection failures are non-fatal; the
// health loop keeps retrying in the background.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
}

func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  configs,
	}
}

// Start connects every enabled server. Servers that fail to connect are
// reported in the aggregate error but do not stop the rest.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.configs) == 0 {
		return nil
	}

	var errs []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp: server disabled", "server", name)
			continue
		}
		transportType := cfg.Transport
		if transportType == "" {
			transportType = "stdio"
		}
		if err := m.connectServer(ctx, name, transportType, cfg); err != nil {
			slog.Warn("mcp: connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", joinErrors(errs))
	}
	return nil
}

// Stop closes all server connections and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp: close error", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ToolNames returns all registered MCP tool names across servers.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// ServerStatus snapshots every connected server for diagnostics.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}
