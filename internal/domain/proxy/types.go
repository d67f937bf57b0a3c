// Package proxy contains the core domain logic for the Shadowcat interceptor
// chain: the InterceptContext/InterceptAction vocabulary and the
// ordered, predicate-filtered chain that applies interceptors to every
// message crossing the proxy in either direction.
package proxy

import (
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// InterceptContext carries the message under inspection plus everything an
// interceptor needs to decide its fate. Constructed fresh per intercepted
// message; Metadata is an open bag later interceptors in the chain may read
// or write (e.g. a CEL predicate caching its parsed tool name).
type InterceptContext struct {
	Message    *mcp.Message
	Direction  mcp.Direction
	SessionID  string
	Negotiated version.ProtocolVersion
	Timestamp  time.Time
	Metadata   map[string]interface{}
}

// NewInterceptContext builds a fresh InterceptContext for one message.
func NewInterceptContext(msg *mcp.Message, dir mcp.Direction, sessionID string, negotiated version.ProtocolVersion) *InterceptContext {
	return &InterceptContext{
		Message:    msg,
		Direction:  dir,
		SessionID:  sessionID,
		Negotiated: negotiated,
		Timestamp:  time.Now(),
		Metadata:   make(map[string]interface{}),
	}
}

// ActionKind discriminates the InterceptAction sum type.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionModify
	ActionBlock
	ActionMock
	ActionPause
	ActionDelay
)

func (k ActionKind) String() string {
	switch k {
	case ActionContinue:
		return "continue"
	case ActionModify:
		return "modify"
	case ActionBlock:
		return "block"
	case ActionMock:
		return "mock"
	case ActionPause:
		return "pause"
	case ActionDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// InterceptAction is the sum type an interceptor returns for a message:
// Continue | Modify(new_message) | Block{reason} | Mock{response} |
// Pause{resume_handle} | Delay{duration, then}.
//
// Only the fields relevant to Kind are populated; constructors below are
// the intended way to build one.
type InterceptAction struct {
	Kind ActionKind

	// Modified is set when Kind == ActionModify.
	Modified *mcp.Message

	// Reason is set when Kind == ActionBlock.
	Reason string

	// MockResponse is set when Kind == ActionMock.
	MockResponse *mcp.Message

	// ResumeHandle is set when Kind == ActionPause: the chain blocks on
	// this channel until a terminal action arrives, bounded by a timeout
	// enforced by the caller.
	ResumeHandle <-chan InterceptAction

	// Delay/Then are set when Kind == ActionDelay.
	Delay time.Duration
	Then  *InterceptAction
}

// Continue lets the message proceed unmodified.
func Continue() InterceptAction { return InterceptAction{Kind: ActionContinue} }

// Modify replaces the message in flight.
func Modify(msg *mcp.Message) InterceptAction {
	return InterceptAction{Kind: ActionModify, Modified: msg}
}

// Block terminates the chain and synthesizes a JSON-RPC error (code -32000)
// carrying reason.
func Block(reason string) InterceptAction {
	return InterceptAction{Kind: ActionBlock, Reason: reason}
}

// Mock terminates the chain, returning response in place of any upstream
// call.
func Mock(response *mcp.Message) InterceptAction {
	return InterceptAction{Kind: ActionMock, MockResponse: response}
}

// Pause suspends the chain until handle yields a terminal action.
func Pause(handle <-chan InterceptAction) InterceptAction {
	return InterceptAction{Kind: ActionPause, ResumeHandle: handle}
}

// DelayThen sleeps d before applying then.
func DelayThen(d time.Duration, then InterceptAction) InterceptAction {
	return InterceptAction{Kind: ActionDelay, Delay: d, Then: &then}
}

// IsTerminal reports whether this action short-circuits the chain (every
// kind except Continue and Modify).
func (a InterceptAction) IsTerminal() bool {
	return a.Kind != ActionContinue && a.Kind != ActionModify
}
