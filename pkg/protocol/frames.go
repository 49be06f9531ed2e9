// Package protocol defines the wire protocol between the gateway and its
// clients: frame shapes, method names, event names and error codes. JSON over
// a long-lived websocket; every frame carries a type discriminator.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on incompatible frame changes. Reported by
// /health and the connect handshake.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Error codes returned in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnknownMethod  = "unknown_method"
	ErrUnauthorized   = "unauthorized"
	ErrNotFound       = "not_found"
	ErrRateLimited    = "rate_limited"
	ErrInternal       = "internal"
)

// RequestFrame is a client-to-server RPC call. ID is echoed back on the
// response so clients can multiplex calls over one connection.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server-to-client push. Seq is the event store id when the
// frame carries a persisted envelope, zero for connection-scoped events.
type EventFrame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Seq       uint64          `json:"seq,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	BranchID  string          `json:"branchId,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewOKResponse builds a success response. result must marshal cleanly;
// protocol result structs always do.
func NewOKResponse(id string, result any) *ResponseFrame {
	res := &ResponseFrame{Type: FrameResponse, ID: id, OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err == nil {
			res.Result = raw
		}
	}
	return res
}

// NewErrorResponse builds a failure response.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent builds a connection-scoped event frame.
func NewEvent(name string, payload any) *EventFrame {
	ev := &EventFrame{Type: FrameEvent, Event: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = raw
		}
	}
	return ev
}
