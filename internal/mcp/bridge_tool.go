package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/uriafranko/clawdbot/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the local tool interface.
// The registered name is prefixed with the server name (or the
// configured toolPrefix) so two servers exposing the same tool cannot
// collide.
type BridgeTool struct {
	server       string
	originalName string
	name         string
	description  string
	schema       map[string]interface{}
	client       *mcpclient.Client
	timeout      time.Duration
	connected    *atomic.Bool
}

func NewBridgeTool(server string, mcpTool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	prefix := toolPrefix
	if prefix == "" {
		prefix = "mcp_" + sanitizeName(server) + "_"
	}

	schema := map[string]interface{}{"type": "object"}
	if len(mcpTool.InputSchema.Properties) > 0 {
		schema["properties"] = mcpTool.InputSchema.Properties
	}
	if len(mcpTool.InputSchema.Required) > 0 {
		schema["required"] = mcpTool.InputSchema.Required
	}

	return &BridgeTool{
		server:       server,
		originalName: mcpTool.Name,
		name:         prefix + mcpTool.Name,
		description:  mcpTool.Description,
		schema:       schema,
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
		connected:    connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName is the tool's name on the remote server, before prefixing.
func (t *BridgeTool) OriginalName() string { return t.originalName }

func (t *BridgeTool) Description() string {
	if t.description != "" {
		return fmt.Sprintf("%s (via MCP server %q)", t.description, t.server)
	}
	return fmt.Sprintf("Tool %q from MCP server %q", t.originalName, t.server)
}

func (t *BridgeTool) Parameters() map[string]interface{} { return t.schema }

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is disconnected", t.server))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.originalName
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call failed: %v", err)).WithError(err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "MCP tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content returned)"
	}
	return tools.SilentResult(text)
}

// flattenContent joins the text parts of an MCP result; non-text parts
// are noted by type so the model knows something was there.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image content, %s]", v.MIMEType))
		case mcpgo.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%T content]", c))
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName makes a server name safe inside a tool identifier.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}
