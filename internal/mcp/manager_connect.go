package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/uriafranko/clawdbot/internal/config"
)

// connectServer creates a client, performs the MCP handshake, discovers
// tools, and registers them under the server's prefix.
func (m *Manager) connectServer(ctx context.Context, name, transportType string, cfg *config.MCPServerConfig) error {
	client, err := createClient(transportType, cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit Start; stdio auto-starts.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "clawdbot",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{
		name:       name,
		transport:  transportType,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)

	var registeredNames []string
	for _, mcpTool := range toolsResult.Tools {
		bt := NewBridgeTool(name, mcpTool, client, cfg.ToolPrefix, timeoutSec, &ss.connected)
		if err := m.registry.Register(bt); err != nil {
			slog.Warn("mcp: tool name collision, skipped", "server", name, "tool", bt.Name())
			continue
		}
		registeredNames = append(registeredNames, bt.Name())
	}
	ss.toolNames = registeredNames

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp: server connected",
		"server", name,
		"transport", transportType,
		"tools", len(registeredNames),
	)
	return nil
}

// createClient builds the transport-appropriate MCP client.
func createClient(transportType string, cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport needs a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport needs a url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http transport needs a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// healthLoop pings the server periodically and drives reconnection.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				// Servers without a ping handler are still alive.
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					markHealthy(ss)
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()

				slog.Warn("mcp: health check failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
			} else {
				markHealthy(ss)
			}
		}
	}
}

func markHealthy(ss *serverState) {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect waits with exponential backoff, then probes the server
// again; transports reconnect transparently underneath.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp: reconnect attempts exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp: reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		markHealthy(ss)
		slog.Info("mcp: reconnected", "server", ss.name)
	}
}
