// Package gateway serves the dashboard WebSocket: an authenticated
// request/response surface over the gateway's subsystems plus server-push
// events relayed from the message bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/bridge"
	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/cron"
	"github.com/uriafranko/clawdbot/internal/pairing"
	"github.com/uriafranko/clawdbot/internal/plugins"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

const connectTimeout = 10 * time.Second

// AgentRunner is the slice of the agent runner the gateway calls.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
	Abort(sessionKey string) bool
}

// Options wire a Server. Bridge and Plugins may be nil when those
// subsystems are disabled.
type Options struct {
	Config   *config.Config
	Events   bus.EventPublisher
	Agent    AgentRunner
	Sessions store.Store
	Cron     *cron.Service
	Pairing  *pairing.Store
	Bridge   *bridge.Server
	Plugins  *plugins.Registry
	Version  string
}

// Server owns the /ws endpoint and the connected dashboard clients.
type Server struct {
	cfg      *config.Config
	events   bus.EventPublisher
	agent    AgentRunner
	sessions store.Store
	cron     *cron.Service
	pairing  *pairing.Store
	bridge   *bridge.Server
	plugins  *plugins.Registry
	version  string

	upgrader  websocket.Upgrader
	methods   map[string]MethodFunc
	startedAt time.Time

	mu      sync.RWMutex
	clients map[string]*Client

	baseCtx    context.Context
	httpServer *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		events:    opts.Events,
		agent:     opts.Agent,
		sessions:  opts.Sessions,
		cron:      opts.Cron,
		pairing:   opts.Pairing,
		bridge:    opts.Bridge,
		plugins:   opts.Plugins,
		version:   opts.Version,
		startedAt: time.Now(),
		clients:   make(map[string]*Client),
		baseCtx:   context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.methods = s.methodTable()
	return s
}

// checkOrigin allows everything when gateway.allowedOrigins is empty.
// Non-browser clients send no Origin header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.GatewaySection().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// Handler exposes the HTTP mux, used by Start and by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on gateway.port until ctx is cancelled. Connected clients
// get a shutdown event before the listener closes.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	addr := fmt.Sprintf(":%d", s.cfg.GatewaySection().Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	slog.Info("gateway: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleWS upgrades, runs the connect handshake, then serves requests
// until the client leaves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}

	client, err := s.handshake(conn)
	if err != nil {
		slog.Warn("gateway: handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.register(client)
	defer s.unregister(client)
	client.run(s.baseCtx)
}

// connectFrame is the first client frame, either the bare
// {"type":"connect"} form or a req with method "connect".
type connectFrame struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id,omitempty"`
	Method string                 `json:"method,omitempty"`
	Params protocol.ConnectParams `json:"params"`
}

func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	var frame connectFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("parse connect: %w", err)
	}
	isConnect := frame.Type == "connect" || (frame.Type == "req" && frame.Method == protocol.MethodConnect)
	if !isConnect {
		return nil, fmt.Errorf("first frame must be connect, got %q", frame.Type)
	}
	if err := s.authorize(frame.Params.Auth); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := newClient(conn, s)
	welcome := protocol.NewResponse(frame.ID, map[string]any{
		"protocol": protocol.ProtocolVersion,
		"server":   "clawdbot",
		"agentId":  s.cfg.ResolvedAgentID(),
		"version":  s.version,
	})
	if err := client.writeJSON(welcome); err != nil {
		return nil, fmt.Errorf("write connect response: %w", err)
	}
	return client, nil
}

// authorize matches the connect auth against gateway.token / gateway.password.
// With neither configured every local client is accepted.
func (s *Server) authorize(auth protocol.ConnectAuth) error {
	gw := s.cfg.GatewaySection()
	switch {
	case gw.Token != "":
		if auth.Token != gw.Token {
			return fmt.Errorf("token mismatch")
		}
	case gw.Password != "":
		if auth.Password != gw.Password {
			return fmt.Errorf("password mismatch")
		}
	}
	return nil
}

// BroadcastEvent pushes an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) register(c *Client) {
	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("gateway: client connected", "id", c.id, "remote", c.conn.RemoteAddr().String())
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("gateway: client disconnected", "id", c.id)
}

// dispatch answers one request frame. Unknown names fall through to
// plugin-registered gateway methods.
func (s *Server) dispatch(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	fn, ok := s.methods[req.Method]
	if !ok && s.plugins != nil {
		if h, found := s.plugins.GatewayMethod(req.Method); found {
			fn = MethodFunc(h)
			ok = true
		}
	}
	if !ok {
		return protocol.NewErrorResponse(req.ID, "unknown-method", fmt.Sprintf("unknown method %q", req.Method))
	}
	payload, err := fn(ctx, req.Params)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, "error", err.Error())
	}
	return protocol.NewResponse(req.ID, payload)
}
