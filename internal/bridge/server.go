// Package bridge runs the TCP attachment protocol for companion nodes:
// length-prefixed JSON frames, a pairing-code handshake, and at most one
// attached session per node id.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/pairing"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// PairingProvider is the pairing-store provider name for node attachments.
// Issued bearer tokens live under "bridge-token/<nodeId>".
const PairingProvider = "bridge"

const (
	defaultPingInterval     = 15 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	writeTimeout            = 10 * time.Second
)

var serverCapabilities = []string{"deliver", "message", "ping"}

// Inbound is a message pushed by an attached node. The gateway admits it
// like any other channel message.
type Inbound struct {
	NodeID    string
	ChatID    string
	MessageID string
	Text      string
}

// BridgeSession is a point-in-time snapshot of one attached node.
type BridgeSession struct {
	NodeID          string    `json:"nodeId"`
	DisplayName     string    `json:"displayName,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Version         string    `json:"version,omitempty"`
	DeviceFamily    string    `json:"deviceFamily,omitempty"`
	ModelIdentifier string    `json:"modelIdentifier,omitempty"`
	Caps            []string  `json:"caps,omitempty"`
	Commands        []string  `json:"commands,omitempty"`
	RemoteAddr      string    `json:"remoteAddr"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Options wires a Server.
type Options struct {
	Config     *config.Config
	Pairing    *pairing.Store
	ServerName string

	// OnMessage admits an inbound node message into the gateway pipeline.
	OnMessage func(ctx context.Context, in Inbound)

	// PingInterval and HandshakeTimeout shrink in tests.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// Server accepts node connections on bridge.bind : bridge.port.
type Server struct {
	cfg   *config.Config
	pair  *pairing.Store
	name  string
	onMsg func(ctx context.Context, in Inbound)

	pingInterval     time.Duration
	handshakeTimeout time.Duration

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*session

	wg sync.WaitGroup
}

func New(opts Options) *Server {
	name := opts.ServerName
	if name == "" {
		name = "clawdbot"
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Server{
		cfg:              opts.Config,
		pair:             opts.Pairing,
		name:             name,
		onMsg:            opts.OnMessage,
		pingInterval:     pingInterval,
		handshakeTimeout: handshakeTimeout,
		sessions:         make(map[string]*session),
	}
}

// Start resolves the bind address, opens the listener, and spawns the
// accept loop. ctx is the lifetime for inbound admissions.
func (s *Server) Start(ctx context.Context) error {
	bridge := s.cfg.BridgeSection()
	host, err := ResolveBindHost(ctx, bridge.Bind)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(bridge.Port)))
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("bridge: listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Stop closes the listener and says goodbye to every attached node.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	open := make([]*session, 0, len(s.sessions))
	for _, n := range s.sessions {
		open = append(open, n)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, n := range open {
		n.close("shutdown")
	}
	s.wg.Wait()
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Nodes lists attached sessions sorted by node id.
func (s *Server) Nodes() []BridgeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BridgeSession, 0, len(s.sessions))
	for _, n := range s.sessions {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Deliver pushes a reply frame to an attached node.
func (s *Server) Deliver(nodeID string, body protocol.DeliverBody) error {
	s.mu.Lock()
	n := s.sessions[nodeID]
	s.mu.Unlock()
	if n == nil {
		return fmt.Errorf("bridge: node %q not attached", nodeID)
	}
	return n.send(protocol.FrameDeliver, body)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("bridge: accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// handle runs one connection from accept through handshake to read loop.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	f, err := protocol.ReadFrame(conn)
	if err != nil || f.Type != protocol.FrameHello {
		conn.Close()
		return
	}
	var hello protocol.HelloBody
	if err := json.Unmarshal(f.Body, &hello); err != nil || hello.NodeID == "" {
		slog.Debug("bridge: malformed hello", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	n := newSession(s, conn, hello, f.Seq)

	issued, ok := s.authenticate(hello)
	if !ok {
		code, err := s.pair.RequestCode(PairingProvider, hello.NodeID)
		if err != nil {
			slog.Warn("bridge: pairing code failed", "node", hello.NodeID, "error", err)
		} else {
			_ = n.send(protocol.FramePair, protocol.PairBody{Status: "pair", Code: code})
			slog.Info("bridge: node needs pairing", "node", hello.NodeID, "code", code)
		}
		conn.Close()
		return
	}

	welcome := protocol.WelcomeBody{
		ServerName:   s.name,
		Capabilities: serverCapabilities,
		Token:        issued,
	}
	if err := n.send(protocol.FrameWelcome, welcome); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.attach(n)
	slog.Info("bridge: node attached", "node", hello.NodeID, "remote", conn.RemoteAddr().String())

	go n.pingLoop(s.pingInterval)
	n.readLoop(ctx)
}

// authenticate validates the hello token against the pairing store,
// minting a fresh bearer when the node was approved but holds none yet.
// The returned token is non-empty only when newly issued.
func (s *Server) authenticate(hello protocol.HelloBody) (issued string, ok bool) {
	key := PairingProvider + "-token/" + hello.NodeID
	stored, has := s.pair.GetSecret(key)
	if has {
		return "", hello.Token != "" && hello.Token == stored
	}
	if !s.pair.IsAllowed(PairingProvider, hello.NodeID) {
		return "", false
	}
	tok := newToken()
	if err := s.pair.SetSecret(key, tok); err != nil {
		slog.Warn("bridge: token persist failed", "node", hello.NodeID, "error", err)
		return "", false
	}
	return tok, true
}

// attach registers n, displacing any session already attached for the node.
func (s *Server) attach(n *session) {
	s.mu.Lock()
	old := s.sessions[n.hello.NodeID]
	s.sessions[n.hello.NodeID] = n
	s.mu.Unlock()
	if old != nil {
		slog.Info("bridge: displacing previous session", "node", n.hello.NodeID)
		old.close("displaced")
	}
}

func (s *Server) detach(n *session) {
	s.mu.Lock()
	if s.sessions[n.hello.NodeID] == n {
		delete(s.sessions, n.hello.NodeID)
	}
	s.mu.Unlock()
}

func newToken() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
