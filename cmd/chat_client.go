package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// wsFrame is the union of response and event frames read off the gateway
// socket. Type discriminates.
type wsFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	OK      bool                `json:"ok,omitempty"`
	Event   string              `json:"event,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`
}

// gatewayClient speaks the dashboard WebSocket protocol for the chat and
// agent commands.
type gatewayClient struct {
	conn       *websocket.Conn
	sessionKey string
	thinking   string
}

// dialGateway connects, authenticates, and verifies the welcome frame.
func dialGateway(ctx context.Context, cfg *config.Config, addr, sessionKey, thinking string) (*gatewayClient, error) {
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 22) // agent responses can be large

	gw := cfg.GatewaySection()
	connect := map[string]any{
		"type": "connect",
		"params": protocol.ConnectParams{
			Auth: protocol.ConnectAuth{Token: gw.Token, Password: gw.Password},
		},
	}
	if err := wsjson.Write(ctx, conn, connect); err != nil {
		conn.Close(websocket.StatusInternalError, "connect write failed")
		return nil, fmt.Errorf("send connect: %w", err)
	}

	var welcome wsFrame
	if err := wsjson.Read(ctx, conn, &welcome); err != nil {
		conn.Close(websocket.StatusInternalError, "connect read failed")
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != "res" || !welcome.OK {
		conn.Close(websocket.StatusNormalClosure, "")
		if welcome.Error != nil {
			return nil, fmt.Errorf("gateway rejected connect: %s", welcome.Error.Message)
		}
		return nil, fmt.Errorf("gateway rejected connect")
	}

	return &gatewayClient{conn: conn, sessionKey: sessionKey, thinking: thinking}, nil
}

// Turn sends one agent.run and blocks until its response, printing agent
// progress events to stderr along the way.
func (c *gatewayClient) Turn(ctx context.Context, message string) (string, error) {
	payload, err := c.call(ctx, protocol.MethodAgentRun, map[string]any{
		"sessionKey": c.sessionKey,
		"message":    message,
		"channel":    "cli",
		"thinking":   c.thinking,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("bad run payload: %w", err)
	}
	return out.Response, nil
}

func (c *gatewayClient) Reset(ctx context.Context) error {
	_, err := c.call(ctx, protocol.MethodSessionsReset, map[string]any{"key": c.sessionKey})
	return err
}

func (c *gatewayClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// call runs one RPC round trip. Event frames arriving before the matching
// response are displayed, not buffered.
func (c *gatewayClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := protocol.RequestFrame{Type: "req", ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return nil, fmt.Errorf("gateway connection lost: %w", err)
		}
		switch frame.Type {
		case "event":
			c.showEvent(frame)
		case "res":
			if frame.ID != id {
				continue
			}
			if !frame.OK {
				if frame.Error != nil {
					return nil, fmt.Errorf("%s", frame.Error.Message)
				}
				return nil, fmt.Errorf("%s failed", method)
			}
			return frame.Payload, nil
		}
	}
}

// showEvent prints run progress to stderr so it never mixes with reply
// text on stdout.
func (c *gatewayClient) showEvent(frame wsFrame) {
	if frame.Event != protocol.EventAgent {
		return
	}
	var ev agent.AgentEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return
	}
	if ev.Type == agent.EventToolExecutionStart && ev.Tool != "" {
		fmt.Fprintf(os.Stderr, "  [tool] %s\n", ev.Tool)
	}
}
