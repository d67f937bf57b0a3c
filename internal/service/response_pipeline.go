package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// ResponsePipeline reads newline-delimited JSON-RPC messages back from an
// upstream connection, decides a ResponseMode for each, runs them through
// the server-to-client side of the Interceptor Chain, and hands each
// surviving message to a Sink for delivery to the original HTTP client.
// One upstream response may carry several messages (e.g. a streamed
// progress notification followed by the final result) — the pipeline
// delivers each as it arrives rather than buffering the whole exchange,
// bounding memory for long-running tool calls.
type ResponsePipeline struct {
	chain     *proxy.Chain
	logger    *slog.Logger
	onSSEvent func(stream string)
}

// NewResponsePipeline creates a ResponsePipeline applying chain to every
// server-to-client message.
func NewResponsePipeline(chain *proxy.Chain, logger *slog.Logger) *ResponsePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponsePipeline{chain: chain, logger: logger}
}

// OnSSEEvent sets a callback invoked with the stream kind ("response")
// every time Relay delivers a message as an event-stream frame. Nil (the
// default) records nothing.
func (p *ResponsePipeline) OnSSEEvent(f func(stream string)) {
	p.onSSEvent = f
}

// recordSSE invokes onSSEEvent when mode is an event-stream frame.
func (p *ResponsePipeline) recordSSE(mode mcp.ResponseMode) {
	if mode == mcp.ResponseEventStream && p.onSSEvent != nil {
		p.onSSEvent("response")
	}
}

// Sink receives each deliverable message along with the mode the pipeline
// decided for it.
type Sink func(mode mcp.ResponseMode, msg *mcp.Message) error

// Relay drains r (the upstream's response reader) one newline-delimited
// JSON message at a time, intercepting and delivering each to sink.
// streaming reflects whether the original client requested an
// event-stream response (Accept header); the caller decides this up
// front from the request, since the pipeline cannot know in advance
// whether an upstream will emit more than one message for this
// exchange. stopID, if non-nil, ends the relay as soon as a response
// bearing that id has been delivered — required for a pooled, long-lived
// stdio connection whose stdout never reaches EOF between requests; pass
// nil to instead read until r is exhausted (the one-shot HTTP path).
func (p *ResponsePipeline) Relay(ctx context.Context, r io.Reader, sessionID string, negotiated version.ProtocolVersion, streaming bool, stopID json.RawMessage, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)

		msg, err := mcp.WrapMessage(line, mcp.ServerToClient)
		if err != nil {
			p.logger.Warn("response pipeline: undecodable upstream message", "error", err, "session_id", sessionID)
			continue
		}
		msg.SessionID = sessionID

		ic := proxy.NewInterceptContext(msg, mcp.ServerToClient, sessionID, negotiated)
		action, err := p.chain.Run(ctx, ic)
		if err != nil {
			return fmt.Errorf("service: response chain: %w", err)
		}

		mode := mcp.ResponseJSON
		if streaming {
			mode = mcp.ResponseEventStream
		}
		count++

		delivered := ic.Message
		switch action.Kind {
		case proxy.ActionContinue:
			p.recordSSE(mode)
			if err := sink(mode, ic.Message); err != nil {
				return err
			}
		case proxy.ActionModify:
			delivered = action.Modified
			p.recordSSE(mode)
			if err := sink(mode, action.Modified); err != nil {
				return err
			}
		case proxy.ActionBlock:
			blocked := mcp.NewErrorMessage(ic.Message, mcp.CodeProxyBlocked, action.Reason)
			delivered = blocked
			if err := sink(mcp.ResponseJSON, blocked); err != nil {
				return err
			}
		case proxy.ActionMock:
			delivered = action.MockResponse
			p.recordSSE(mode)
			if err := sink(mode, action.MockResponse); err != nil {
				return err
			}
		}

		if stopID != nil && delivered != nil && delivered.IsResponse() && bytes.Equal(delivered.RawID(), stopID) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("service: read upstream response: %w", err)
	}
	if count == 0 {
		p.logger.Debug("response pipeline: upstream closed without a message", "session_id", sessionID)
	}
	return nil
}
