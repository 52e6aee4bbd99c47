package protocol

import "encoding/json"

// RequestFrame is a client→server RPC call over the gateway WebSocket.
type RequestFrame struct {
	Type   string          `json:"type"` // always "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"` // always "res"
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server→client push.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine code and a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams is the first-frame auth payload for the gateway WebSocket.
type ConnectParams struct {
	Auth ConnectAuth `json:"auth"`
}

// ConnectAuth holds either a bearer token or a shared password.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}

// NewResponse builds a success ResponseFrame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure ResponseFrame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}
