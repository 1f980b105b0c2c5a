// Package protocol defines the JSON frames exchanged between a logdeck client
// and the engine over a WebSocket, and the challenge-response handshake that
// opens every connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the value of the jsonrpc field on every request.
const Version = "2.0"

// Reserved method names.
const (
	MethodCancel       = "$/cancel"
	MethodAuthResponse = "auth.response"
)

// Event names sent by the engine.
const (
	EventDone          = "done"
	EventCancelled     = "cancelled"
	EventFailed        = "failed"
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
)

// Error codes carried in Error.Code.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionClosed          = -32010
)

// Request is a client to engine frame. A request with Method MethodCancel
// asks the engine to stop the job with the same ID and session.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Session string          `json:"session"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Event is an engine to client frame carrying the terminal state of one job.
// Payload holds the msgpack result and is base64 encoded on the wire.
type Event struct {
	ID      string `json:"id"`
	Session string `json:"session"`
	Event   string `json:"event"`
	Payload []byte `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error describes a failed job or a rejected frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// AuthChallenge is the first frame the engine sends on a new connection.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse answers a challenge with an HMAC signature.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of the handshake.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// FormatID renders a sequence number as a frame id.
func FormatID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// ParseID reads a sequence number from a frame id.
func ParseID(id string) (uint64, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame id %q: %w", id, err)
	}
	return seq, nil
}

// NewRequest builds a request frame, encoding params as JSON.
func NewRequest(seq uint64, session, method string, params any) (Request, error) {
	req := Request{
		JSONRPC: Version,
		ID:      FormatID(seq),
		Session: session,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("encode params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewCancel builds a cancellation frame for seq.
func NewCancel(seq uint64, session string) Request {
	return Request{
		JSONRPC: Version,
		ID:      FormatID(seq),
		Session: session,
		Method:  MethodCancel,
	}
}

// ParseRequest decodes and checks a request frame.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &Error{Code: ParseError, Message: "Parse error"}
	}
	if req.JSONRPC != Version {
		return req, &Error{Code: InvalidRequest, Message: "Invalid JSON-RPC version"}
	}
	if req.Method == "" {
		return req, &Error{Code: InvalidRequest, Message: "Method is required"}
	}
	if req.Session == "" {
		return req, &Error{Code: InvalidRequest, Message: "Session is required"}
	}
	if _, err := ParseID(req.ID); err != nil {
		return req, &Error{Code: InvalidRequest, Message: err.Error()}
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v. Missing params leave v
// untouched.
func (r Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &Error{Code: InvalidParams, Message: fmt.Sprintf("invalid params for %s: %v", r.Method, err)}
	}
	return nil
}
