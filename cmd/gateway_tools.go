package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/mcp"
	"github.com/uriafranko/clawdbot/internal/tools"
)

// buildToolRegistry assembles the built-in tool set for the agent: filesystem,
// shell, web, optional browser, plus any configured MCP servers. The returned
// manager is nil when no MCP servers are configured.
func buildToolRegistry(ctx context.Context, cfg *config.Config, workspace string) (*tools.Registry, *mcp.Manager) {
	reg := tools.NewRegistry()
	agentCfg := cfg.AgentSection()
	toolsCfg := cfg.ToolsSection()

	jobs := tools.NewJobTable()
	builtins := []tools.Tool{
		tools.NewReadTool(workspace),
		tools.NewWriteTool(workspace),
		tools.NewEditTool(workspace),
		tools.NewGrepTool(workspace),
		tools.NewFindTool(workspace),
		tools.NewLsTool(workspace),
		tools.NewBashTool(workspace, agentCfg.Bash.BackgroundMs, agentCfg.Bash.TimeoutSec, jobs),
		tools.NewProcessTool(jobs),
		tools.NewWebFetchTool(tools.WebFetchConfig{CacheTTL: 15 * time.Minute}),
	}
	// Nil when no search backend is enabled.
	if ws := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:  toolsCfg.Web.Brave.APIKey,
		BraveEnabled: toolsCfg.Web.Brave.Enabled,
		DDGEnabled:   toolsCfg.Web.DuckDuckGo.Enabled,
		CacheTTL:     15 * time.Minute,
	}); ws != nil {
		builtins = append(builtins, ws)
	}
	if toolsCfg.Browser.Enabled {
		builtins = append(builtins, tools.NewBrowserTool(workspace, toolsCfg.Browser.Headless))
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			slog.Warn("gateway: tool registration failed", "tool", t.Name(), "error", err)
		}
	}

	if len(toolsCfg.MCPServers) == 0 {
		return reg, nil
	}
	mgr := mcp.NewManager(reg, toolsCfg.MCPServers)
	if err := mgr.Start(ctx); err != nil {
		slog.Warn("gateway: mcp servers failed to start", "error", err)
	} else if names := mgr.ToolNames(); len(names) > 0 {
		slog.Info("gateway: mcp tools registered", "tools", names)
	}
	return reg, mgr
}
