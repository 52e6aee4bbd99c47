package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// session is one attached node connection. Writes are serialized behind
// writeMu; the read loop is the only reader so lastSeq needs no lock.
type session struct {
	srv         *Server
	conn        net.Conn
	hello       protocol.HelloBody
	connectedAt time.Time

	writeMu sync.Mutex
	seq     uint64 // outbound, guarded by writeMu

	lastSeq  uint64      // inbound high-water mark
	recvTick atomic.Bool // frame seen since the last ping tick

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, conn net.Conn, hello protocol.HelloBody, helloSeq uint64) *session {
	return &session{
		srv:         srv,
		conn:        conn,
		hello:       hello,
		connectedAt: time.Now(),
		lastSeq:     helloSeq,
		done:        make(chan struct{}),
	}
}

// send writes one frame with the next outbound seq.
func (n *session) send(frameType string, body interface{}) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.seq++
	f, err := protocol.NewFrame(frameType, n.seq, body)
	if err != nil {
		return err
	}
	n.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteFrame(n.conn, f)
}

// close sends a goodbye (when reason is set) and tears the connection down.
func (n *session) close(reason string) {
	n.closeOnce.Do(func() {
		if reason != "" {
			_ = n.send(protocol.FrameGoodbye, protocol.GoodbyeBody{Reason: reason})
		}
		n.conn.Close()
		close(n.done)
	})
}

// readLoop consumes frames until the connection drops. Frames whose seq is
// not greater than the last accepted one are dropped.
func (n *session) readLoop(ctx context.Context) {
	defer n.srv.detach(n)
	defer n.close("")

	for {
		f, err := protocol.ReadFrame(n.conn)
		if err != nil {
			return
		}
		n.recvTick.Store(true)
		if f.Seq <= n.lastSeq {
			slog.Debug("bridge: dropping out-of-order frame",
				"node", n.hello.NodeID, "type", f.Type, "seq", f.Seq, "last", n.lastSeq)
			continue
		}
		n.lastSeq = f.Seq

		switch f.Type {
		case protocol.FramePing:
			_ = n.send(protocol.FramePong, protocol.PingBody{TS: time.Now().UnixMilli()})
		case protocol.FramePong:
			// Activity already recorded via recvTick.
		case protocol.FrameMessage:
			var body protocol.MessageBody
			if err := json.Unmarshal(f.Body, &body); err != nil {
				slog.Debug("bridge: malformed message frame", "node", n.hello.NodeID, "error", err)
				continue
			}
			if n.srv.onMsg != nil {
				n.srv.onMsg(ctx, Inbound{
					NodeID:    n.hello.NodeID,
					ChatID:    body.ChatID,
					MessageID: body.MessageID,
					Text:      body.Text,
				})
			}
		case protocol.FrameGoodbye:
			return
		default:
			slog.Debug("bridge: ignoring frame", "node", n.hello.NodeID, "type", f.Type)
		}
	}
}

// pingLoop sends a ping every interval and closes the session after two
// consecutive ticks with no inbound traffic.
func (n *session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if n.recvTick.Swap(false) {
				misses = 0
			} else {
				misses++
				if misses >= 2 {
					slog.Info("bridge: node unresponsive, closing", "node", n.hello.NodeID)
					n.close("timeout")
					return
				}
			}
			if err := n.send(protocol.FramePing, protocol.PingBody{TS: time.Now().UnixMilli()}); err != nil {
				n.close("")
				return
			}
		}
	}
}

func (n *session) snapshot() BridgeSession {
	return BridgeSession{
		NodeID:          n.hello.NodeID,
		DisplayName:     n.hello.DisplayName,
		Platform:        n.hello.Platform,
		Version:         n.hello.Version,
		DeviceFamily:    n.hello.DeviceFamily,
		ModelIdentifier: n.hello.ModelIdentifier,
		Caps:            n.hello.Caps,
		Commands:        n.hello.Commands,
		RemoteAddr:      n.conn.RemoteAddr().String(),
		ConnectedAt:     n.connectedAt,
	}
}
