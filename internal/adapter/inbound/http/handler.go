// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/shadowcat-mcp/shadowcat/internal/ctxkey"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
	"github.com/shadowcat-mcp/shadowcat/internal/service"
	"github.com/shadowcat-mcp/shadowcat/internal/telemetry"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Handler wires the Request Handler out of the orchestration
// components: it authenticates, resolves the session, runs the outbound
// interceptor chain, selects and dispatches to an upstream, and relays the
// typed response back through the Response Pipeline.
type Handler struct {
	sessions     *service.SessionManager
	selector     *service.Selector
	dispatcher   *service.Dispatcher
	responses    *service.ResponsePipeline
	requestChain *proxy.Chain
	upstreams    upstream.UpstreamStore
	authSvc      *auth.APIKeyService
	push         *service.ServerPushRegistry
	health       *service.HealthMonitor
	metrics      *Metrics
	logger       *slog.Logger
}

// NewHandler creates a Handler. authSvc may be nil, in which case every
// request is treated as anonymous (no Principal attached to its session) —
// the deployment is expected to gate access with its own middleware in
// that case, since auth is a collaborator the core consults, not one it owns.
// health may be nil, in which case dispatch outcomes are not fed back into
// upstream health tracking. metrics may be nil, in which case the handler
// records nothing for interceptor outcomes or SSE push events (the
// request-duration/count metrics in MetricsMiddleware are unaffected).
func NewHandler(
	sessions *service.SessionManager,
	selector *service.Selector,
	dispatcher *service.Dispatcher,
	responses *service.ResponsePipeline,
	requestChain *proxy.Chain,
	upstreams upstream.UpstreamStore,
	authSvc *auth.APIKeyService,
	push *service.ServerPushRegistry,
	health *service.HealthMonitor,
	metrics *Metrics,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:     sessions,
		selector:     selector,
		dispatcher:   dispatcher,
		responses:    responses,
		requestChain: requestChain,
		upstreams:    upstreams,
		authSvc:      authSvc,
		push:         push,
		health:       health,
		metrics:      metrics,
		logger:       logger,
	}
}

// recordDispatchOutcome feeds a dispatch result into health tracking so a
// failing stdio upstream (whose liveness otherwise only surfaces through
// pool reaping) is marked unhealthy after repeated request failures.
func (h *Handler) recordDispatchOutcome(ctx context.Context, upstreamID string, ok bool) {
	if h.health == nil {
		return
	}
	h.health.RecordOutcome(ctx, upstreamID, ok)
}

// ServeHTTP routes by method: POST carries JSON-RPC, GET opens the
// server-push SSE stream, DELETE terminates a session, OPTIONS answers
// CORS preflight.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodOptions:
		handleOptions(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// authenticate resolves the Principal for a request.
// Absent auth configuration, every request is anonymous. A configured
// service that rejects the key yields (nil, false).
func (h *Handler) authenticate(r *http.Request) (*auth.Identity, bool) {
	if h.authSvc == nil {
		return nil, true
	}
	apiKey, _ := r.Context().Value(ctxkey.APIKeyKey{}).(string)
	if apiKey == "" {
		return nil, false
	}
	identity, err := h.authSvc.Validate(r.Context(), apiKey)
	if err != nil {
		h.logger.Warn("api key rejected", "key_fingerprint", apiKeyFingerprint(apiKey))
		return nil, false
	}
	return identity, true
}

// handlePost processes one or more JSON-RPC messages from the client. A
// JSON array body is treated as a batch: each element is fanned through
// the full pipeline independently (one auth/session resolution is shared
// across the whole request) and their responses are collected into a
// single composite array, preserving 1:1 id correspondence.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
		writeJSONRPCError(w, http.StatusUnauthorized, nil, mcp.CodeInvalidRequest, "unauthorized")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeParseError, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeParseError, "Parse error: request body too large (max 1MB)")
			return
		}
		writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeParseError, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 {
		writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeParseError, "Parse error: empty request body")
		return
	}
	if !json.Valid(body) {
		writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeParseError, "Parse error: invalid JSON")
		return
	}

	elements, isBatch := splitBatch(body)
	if len(elements) == 0 {
		writeJSONRPCError(w, http.StatusOK, nil, mcp.CodeInvalidRequest, "Invalid Request: empty batch")
		return
	}

	sessionIDHeader := mcp.SessionID(r.Header)
	sess, err := h.sessions.Resolve(r.Context(), sessionIDHeader, identity)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSONRPCError(w, http.StatusNotFound, nil, mcp.CodeInvalidRequest, "unknown or expired session")
			return
		}
		h.logger.Error("resolve session", "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, nil, mcp.CodeInternalError, "internal error")
		return
	}

	if hv := mcp.ProtocolVersionHeader(r.Header); hv != "" {
		if cerr := sess.Version.ObserveTransportVersion(version.ProtocolVersion(hv)); cerr != nil {
			writeJSONRPCError(w, http.StatusBadRequest, nil, mcp.CodeVersionMismatch, cerr.Error())
			return
		}
	}

	streaming := mcp.AcceptsEventStream(r.Header) && !isBatch

	results := make([][]byte, 0, len(elements))
	var anyResponse bool
	for _, raw := range elements {
		reply, hasReply, perr := h.processOne(r.Context(), raw, sess, streaming, w)
		if perr != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.Error("process message", "error", perr, "session_id", sess.ID)
			continue
		}
		if streaming && !hasReply {
			// The single-element streaming path has already written its
			// own response body via the SSE sink; nothing left to do.
			return
		}
		if hasReply {
			anyResponse = true
			results = append(results, reply)
		}
	}

	w.Header().Set(mcp.HeaderProtocolVersion, string(mcpNegotiatedOrDefault(sess)))
	w.Header().Set(mcp.HeaderSessionID, sess.ID)

	if !anyResponse {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if isBatch {
		_, _ = w.Write([]byte("["))
		for i, res := range results {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			_, _ = w.Write(res)
		}
		_, _ = w.Write([]byte("]"))
		return
	}
	_, _ = w.Write(results[0])
}

// mcpNegotiatedOrDefault returns the session's negotiated protocol
// version, or the dual-channel floor if negotiation hasn't happened yet
// (e.g. a pre-initialize probe).
func mcpNegotiatedOrDefault(sess *session.Session) version.ProtocolVersion {
	if v, ok := sess.Version.Negotiated(); ok {
		return v
	}
	return version.DualChannelFloor
}

// splitBatch detects whether body is a JSON array (batch) or a single
// object, returning the individual element byte slices either way.
func splitBatch(body []byte) (elements [][]byte, isBatch bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{body}, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return [][]byte{body}, false
	}
	out := make([][]byte, len(raw))
	for i, e := range raw {
		out[i] = []byte(e)
	}
	return out, true
}

// processOne runs a single JSON-RPC message through steps 3-8 of the
// Request Handler. When streaming is true, the response is
// written directly to w as an SSE stream and hasReply is false, except
// for errors found before dispatch (malformed JSON-RPC, parse error,
// version downgrade) and a w that cannot flush, whose reply is returned
// for the caller to write as JSON; otherwise the marshaled JSON-RPC reply
// is returned for the caller to assemble into the HTTP response body.
func (h *Handler) processOne(ctx context.Context, raw []byte, sess *session.Session, streaming bool, w http.ResponseWriter) (reply []byte, hasReply bool, err error) {
	var rpcHeader struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if jerr := json.Unmarshal(raw, &rpcHeader); jerr != nil || rpcHeader.JSONRPC != "2.0" || rpcHeader.Method == "" {
		errMsg := &mcp.Message{Raw: raw, SessionID: sess.ID}
		errResp := mcp.NewErrorMessage(errMsg, mcp.CodeInvalidRequest, "Invalid Request: malformed JSON-RPC")
		return errResp.Raw, true, nil
	}
	isNotification := rpcHeader.ID == nil

	var span trace.Span
	ctx, span = telemetry.StartRequestSpan(ctx, sess.ID, rpcHeader.Method)
	defer span.End()

	msg, werr := mcp.WrapMessage(raw, mcp.ClientToServer)
	if werr != nil {
		errMsg := &mcp.Message{Raw: raw, SessionID: sess.ID}
		errResp := mcp.NewErrorMessage(errMsg, mcp.CodeParseError, "Parse error: "+werr.Error())
		return errResp.Raw, true, nil
	}
	msg.SessionID = sess.ID

	if msg.IsInitialize() {
		_ = sess.Version.ObserveInitializeRequest(version.ProtocolVersion(msg.ProtocolVersion()))
	} else if v := version.ProtocolVersion(msg.ProtocolVersion()); v != "" {
		if verr := sess.Version.ValidateRequestVersion(v); verr != nil {
			errResp := mcp.NewErrorMessage(msg, mcp.CodeVersionMismatch, verr.Error())
			return errResp.Raw, true, nil
		}
	}

	negotiated, _ := sess.Version.Negotiated()
	ic := proxy.NewInterceptContext(msg, mcp.ClientToServer, sess.ID, negotiated)
	action, rerr := h.requestChain.Run(ctx, ic)
	if rerr != nil {
		return nil, false, fmt.Errorf("request chain: %w", rerr)
	}

	switch action.Kind {
	case proxy.ActionBlock:
		blocked := mcp.NewErrorMessage(ic.Message, mcp.CodeProxyBlocked, action.Reason)
		return h.deliverOrWrite(blocked, streaming, w, sess)
	case proxy.ActionMock:
		return h.deliverOrWrite(action.MockResponse, streaming, w, sess)
	case proxy.ActionModify:
		ic.Message = action.Modified
	}

	if isNotification {
		if derr := h.dispatchAndDiscard(ctx, ic.Message, sess); derr != nil {
			h.logger.Warn("dispatch notification", "error", derr, "session_id", sess.ID)
		}
		return nil, false, nil
	}

	all, lerr := h.upstreams.List(ctx)
	if lerr != nil {
		return nil, false, fmt.Errorf("list upstreams: %w", lerr)
	}

	var target *upstream.Upstream
	if sess.UpstreamID != "" {
		for i := range all {
			if all[i].ID == sess.UpstreamID && all[i].Enabled && all[i].Healthy {
				target = &all[i]
				break
			}
		}
	}
	if target == nil {
		var serr error
		target, serr = h.selector.Select(all, sess.ID)
		if serr != nil {
			errResp := mcp.NewErrorMessage(ic.Message, mcp.CodeUpstreamError, serr.Error())
			return h.deliverOrWrite(errResp, streaming, w, sess)
		}
		if berr := h.sessions.BindUpstream(ctx, sess, target.ID); berr != nil {
			h.logger.Warn("bind upstream", "error", berr, "session_id", sess.ID)
		}
	}

	reqBytes, eerr := mcp.EncodeMessage(ic.Message.Decoded)
	if eerr != nil {
		return nil, false, fmt.Errorf("encode outbound message: %w", eerr)
	}

	body, stopID, release, derr := h.dispatcher.Send(ctx, target, sess.ID, reqBytes, rpcHeader.ID)
	h.recordDispatchOutcome(ctx, target.ID, derr == nil)
	if derr != nil {
		errResp := mcp.NewErrorMessage(ic.Message, mcp.CodeUpstreamError, derr.Error())
		return h.deliverOrWrite(errResp, streaming, w, sess)
	}
	defer release()

	if streaming {
		if ferr := h.relayStream(ctx, w, body, sess, negotiated, stopID); ferr != nil {
			return nil, false, ferr
		}
		return nil, false, nil
	}

	var collected []byte
	sink := func(mode mcp.ResponseMode, m *mcp.Message) error {
		collected = m.Raw
		return nil
	}
	if rerr := h.responses.Relay(ctx, body, sess.ID, negotiated, false, stopID, sink); rerr != nil {
		return nil, false, fmt.Errorf("relay response: %w", rerr)
	}
	if collected == nil {
		return nil, false, nil
	}
	if msg.IsInitialize() {
		if respMsg, werr2 := mcp.WrapMessage(collected, mcp.ServerToClient); werr2 == nil {
			_ = sess.Version.ObserveInitializeResponse(version.ProtocolVersion(respMsg.ProtocolVersion()))
		}
	}
	return collected, true, nil
}

// dispatchAndDiscard forwards a notification upstream without waiting for
// (or having) a correlated response.
func (h *Handler) dispatchAndDiscard(ctx context.Context, msg *mcp.Message, sess *session.Session) error {
	all, err := h.upstreams.List(ctx)
	if err != nil {
		return err
	}
	target, err := h.selector.Select(all, sess.ID)
	if err != nil {
		return err
	}
	raw, err := mcp.EncodeMessage(msg.Decoded)
	if err != nil {
		return err
	}
	_, _, release, err := h.dispatcher.Send(ctx, target, sess.ID, raw, nil)
	h.recordDispatchOutcome(ctx, target.ID, err == nil)
	if err != nil {
		return err
	}
	release()
	return nil
}

// deliverOrWrite returns a terminal (Block/Mock) message either as the
// caller's reply bytes, or written directly as a single SSE frame when
// streaming was requested.
func (h *Handler) deliverOrWrite(msg *mcp.Message, streaming bool, w http.ResponseWriter, sess *session.Session) ([]byte, bool, error) {
	if !streaming {
		return msg.Raw, true, nil
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return msg.Raw, true, nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(mcp.HeaderSessionID, sess.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", msg.Raw)
	flusher.Flush()
	return nil, false, nil
}

// relayStream writes the Response Pipeline's output as an SSE stream,
// one "data:" frame per delivered message.
func (h *Handler) relayStream(ctx context.Context, w http.ResponseWriter, body io.Reader, sess *session.Session, negotiated version.ProtocolVersion, stopID json.RawMessage) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcp.HeaderSessionID, sess.ID)
	w.WriteHeader(http.StatusOK)

	sink := func(mode mcp.ResponseMode, m *mcp.Message) error {
		_, werr := fmt.Fprintf(w, "data: %s\n\n", m.Raw)
		flusher.Flush()
		if m.IsResponse() {
			_ = h.sessions.RecordLastEventID(ctx, sess.ID, string(m.RawID()))
		}
		return werr
	}
	return h.responses.Relay(ctx, body, sess.ID, negotiated, true, stopID, sink)
}

// handleGet opens the server-push SSE stream for out-of-band upstream
// notifications not tied to an in-flight POST.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := mcp.SessionID(r.Header)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(mcp.HeaderSessionID, sessionID)

	msgChan := make(chan []byte, 100)
	h.push.Register(sessionID, msgChan)
	defer h.push.Unregister(sessionID, msgChan)

	ctx := r.Context()
	_, _ = fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
			if h.metrics != nil {
				h.metrics.SSEEventsTotal.WithLabelValues("push").Inc()
			}
		}
	}
}

// handleDelete terminates a session outright, closing its SSE streams and
// removing it from the store.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := mcp.SessionID(r.Header)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Terminate(r.Context(), sessionID); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	h.push.Terminate(sessionID)

	w.WriteHeader(http.StatusNoContent)
}

// handleOptions handles CORS preflight requests.
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// jsonRPCError represents a JSON-RPC 2.0 error response.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSONRPCError writes a JSON-RPC error response with the given HTTP
// status. Most proxy-originated errors use 200 (the JSON-RPC error lives
// in the body); transport-level failures use a non-200 status instead.
func writeJSONRPCError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error: jsonRPCErrorField{
			Code:    code,
			Message: message,
		},
	}
	_ = json.NewEncoder(w).Encode(errResp)
}

// healthHandler returns an HTTP handler that responds with 200 OK for
// health checks.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
