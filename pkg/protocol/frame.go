package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Bridge frames are length-prefixed JSON objects: a 4-byte big-endian
// payload length followed by the UTF-8 JSON bytes. Every frame carries a
// type and a sender-side increasing seq; receivers drop frames whose seq is
// not greater than the last one seen.

// MaxFrameSize bounds a single bridge frame payload.
const MaxFrameSize = 1 << 20

// Bridge frame types.
const (
	FrameHello   = "hello"
	FramePair    = "pair"
	FrameWelcome = "welcome"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameMessage = "message"
	FrameDeliver = "deliver"
	FrameAck     = "ack"
	FrameGoodbye = "goodbye"
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// BridgeFrame is the envelope for every bridge message.
type BridgeFrame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Body json.RawMessage `json:"body,omitempty"`
}

// HelloBody is sent by a node immediately after connecting.
type HelloBody struct {
	NodeID          string   `json:"nodeId"`
	DisplayName     string   `json:"displayName"`
	Token           string   `json:"token,omitempty"`
	Platform        string   `json:"platform"`
	Version         string   `json:"version"`
	DeviceFamily    string   `json:"deviceFamily,omitempty"`
	ModelIdentifier string   `json:"modelIdentifier,omitempty"`
	Caps            []string `json:"caps,omitempty"`
	Commands        []string `json:"commands,omitempty"`
}

// PairBody tells an unauthenticated node which code to surface to the user.
type PairBody struct {
	Status string `json:"status"` // always "pair"
	Code   string `json:"code"`
}

// WelcomeBody completes a successful handshake.
type WelcomeBody struct {
	ServerName   string   `json:"serverName"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"token,omitempty"` // set when freshly issued
}

// PingBody carries the sender's wall clock in unix ms.
type PingBody struct {
	TS int64 `json:"ts"`
}

// MessageBody is an inbound admission pushed by a node.
type MessageBody struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

// DeliverBody is an outbound reply forwarded to a node.
type DeliverBody struct {
	Text      string `json:"text"`
	Kind      string `json:"kind,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// GoodbyeBody announces an orderly close.
type GoodbyeBody struct {
	Reason string `json:"reason,omitempty"`
}

// WriteFrame encodes f and writes it with its length prefix.
func WriteFrame(w io.Writer, f *BridgeFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*BridgeFrame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var f BridgeFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, errors.New("protocol: frame missing type")
	}
	return &f, nil
}

// NewFrame marshals body into a BridgeFrame of the given type and seq.
func NewFrame(frameType string, seq uint64, body interface{}) (*BridgeFrame, error) {
	f := &BridgeFrame{Type: frameType, Seq: seq}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", frameType, err)
		}
		f.Body = raw
	}
	return f, nil
}
