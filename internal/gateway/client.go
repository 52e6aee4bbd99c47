package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/uriafranko/clawdbot/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Client is one connected dashboard WebSocket. Writes go through the send
// channel so the write pump is the only conn writer after the handshake.
type Client struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		srv:  srv,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// writeJSON writes directly, only valid during the handshake before the
// write pump starts.
func (c *Client) writeJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// SendEvent queues an event frame. Slow clients drop events rather than
// stall the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("gateway: marshal response", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("gateway: client send buffer full, dropping frame", "id", c.id)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// run serves the connection: a write pump goroutine plus the read loop.
// Each request is handled in its own goroutine so a long agent turn never
// blocks pings or further requests; ctx ends when the client disconnects.
func (c *Client) run(base context.Context) {
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	go c.writePump()
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway: read error", "id", c.id, "error", err)
			}
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.sendResponse(protocol.NewErrorResponse(req.ID, "bad-request", "malformed request frame"))
			continue
		}
		go func(req protocol.RequestFrame) {
			c.sendResponse(c.srv.dispatch(ctx, req))
		}(req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
