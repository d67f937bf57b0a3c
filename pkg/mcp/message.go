// Package mcp provides the wire-level JSON-RPC 2.0 primitives used by the
// Model Context Protocol: frame types, header names, and error codes. It is
// deliberately thin — everything stateful (sessions, version negotiation,
// interception) lives in internal/domain packages that build on top of it.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the proxy.
type Direction int

const (
	// ClientToServer indicates a message flowing from client to MCP server.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from MCP server to client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// InitializeMethod is the JSON-RPC method name of the MCP handshake request.
const InitializeMethod = "initialize"

// Message wraps a decoded JSON-RPC message with proxy metadata. It stores
// both the raw bytes (for efficient passthrough) and the decoded message
// (for interception and version inspection).
type Message struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// client to server or server to client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is *jsonrpc.Request, *jsonrpc.Response or *jsonrpc.Notification.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the proxy.
	Timestamp time.Time

	// SessionID is the MCP-Session-Id the message was associated with, if any.
	SessionID string

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across interceptors.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// IsNotification returns true if the message is a JSON-RPC notification
// (a request with no id — no response is expected).
func (m *Message) IsNotification() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Notification)
	return ok
}

// Method returns the method name if this is a request or notification,
// empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	switch v := m.Decoded.(type) {
	case *jsonrpc.Request:
		return v.Method
	case *jsonrpc.Notification:
		return v.Method
	default:
		return ""
	}
}

// IsInitialize returns true if this is the MCP handshake request.
func (m *Message) IsInitialize() bool {
	return m.Method() == InitializeMethod
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ProtocolVersion extracts the "protocolVersion" field from a request's
// params, or the matching field from a response's result. Any method is
// read, not only initialize. Returns empty string if the field is absent.
func (m *Message) ProtocolVersion() string {
	if req := m.Request(); req != nil {
		params := m.ParseParams()
		if v, ok := params["protocolVersion"].(string); ok {
			return v
		}
		return ""
	}
	if resp := m.Response(); resp != nil && resp.Result != nil {
		var result map[string]interface{}
		if err := json.Unmarshal(resp.Result, &result); err == nil {
			if v, ok := result["protocolVersion"].(string); ok {
				return v
			}
		}
	}
	return ""
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// This is needed because the SDK's jsonrpc.ID type doesn't marshal correctly
// through interface{}, so we extract the ID directly from the raw JSON.
// Returns nil if no ID is found.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	return raw["id"]
}
