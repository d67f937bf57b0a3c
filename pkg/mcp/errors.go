package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC 2.0 reserved and MCP-specific error codes. Proxy errors that
// never reach an upstream (version mismatch, interceptor block) use the
// -320xx range reserved for implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeProxyBlocked indicates an interceptor chain Block action terminated
	// the request before it reached an upstream.
	CodeProxyBlocked = -32000
	// CodeUpstreamError indicates the selected upstream returned a transport
	// or protocol-level failure (connection refused, malformed response).
	CodeUpstreamError = -32001
	// CodeVersionMismatch indicates the dual-channel protocol version check
	// failed (header and initialize payload disagree, or an unsupported
	// version was requested).
	CodeVersionMismatch = -32002
)

// RPCError is a minimal JSON-RPC error object, used when the proxy itself
// must synthesize an error response rather than relay one from upstream.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// NewErrorMessage synthesizes a JSON-RPC error response addressed to the
// request ID of orig, for use when the proxy itself terminates an
// exchange (an interceptor Block, a version mismatch, an upstream
// failure) rather than relaying an upstream reply.
func NewErrorMessage(orig *Message, code int, message string) *Message {
	var id jsonrpc.ID
	if rawID := orig.RawID(); rawID != nil {
		var v interface{}
		if json.Unmarshal(rawID, &v) == nil {
			if made, err := jsonrpc.MakeID(v); err == nil {
				id = made
			}
		}
	}

	resp := &jsonrpc.Response{
		ID:    id,
		Error: &jsonrpc.Error{Code: code, Message: message},
	}
	raw, _ := EncodeMessage(resp)

	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Decoded:   resp,
		Timestamp: time.Now(),
		SessionID: orig.SessionID,
	}
}
