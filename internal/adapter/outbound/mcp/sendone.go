package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/sse"
	mcpwire "github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// maxResponseBodySize caps how much of a non-2xx upstream response body is
// read into the returned error.
const maxResponseBodySize = 1 << 20

// SendOneClient performs single-shot Streamable HTTP POST exchanges
// against upstream MCP servers, implementing internal/service's
// HTTPSender port. One http.Client (and its keep-alive transport) is
// shared across every call, so pooling for HTTP upstreams comes from
// net/http.Transport rather than a domain-level connection pool.
type SendOneClient struct {
	httpClient *http.Client
}

// NewSendOneClient creates a client with a shared, keep-alive-enabled
// transport.
func NewSendOneClient() *SendOneClient {
	return &SendOneClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOne posts raw to endpoint and returns a reader of newline-delimited
// JSON-RPC messages: a plain JSON body is passed through as a single
// line; an SSE (text/event-stream) body is decoded via internal/domain/sse
// and re-emitted as one line per "message" event, so callers (the
// Response Pipeline) never need to know which wire format the upstream
// chose for this particular response.
func (c *SendOneClient) SendOne(ctx context.Context, endpoint, sessionID string, raw []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(mcpwire.HeaderSessionID, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return sseLineReader(resp.Body), nil
	}
	return resp.Body, nil
}

// sseLineReader decodes an SSE response body in the background and
// streams each "message" event's data as one line, closing the pipe
// when the upstream closes the stream.
func sseLineReader(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = body.Close() }()
		parser := sse.NewParser(body, sse.DefaultMaxEventBytes)
		for {
			ev, err := parser.Next()
			if err != nil {
				if err == io.EOF {
					_ = pw.Close()
				} else {
					_ = pw.CloseWithError(err)
				}
				return
			}
			if ev.Event != "" && ev.Event != "message" {
				continue
			}
			if ev.Data == "" {
				continue
			}
			if _, err := pw.Write([]byte(ev.Data)); err != nil {
				return
			}
			if _, err := pw.Write([]byte("\n")); err != nil {
				return
			}
		}
	}()
	return pr
}
