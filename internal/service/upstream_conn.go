package service

import (
	"context"
	"fmt"
	"io"

	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
)

// stdioConn adapts an outbound.MCPClient (a stdio subprocess) into a
// pool.Conn, so a warm pool of subprocesses can be checked out and
// returned per request. HTTP upstreams deliberately do not go through a
// Pool — they rely on net/http.Transport's own keep-alive pooling instead.
type stdioConn struct {
	client outbound.MCPClient
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func newStdioConn(ctx context.Context, serverPath string, args []string, newClient func(string, []string) outbound.MCPClient) (*stdioConn, error) {
	client := newClient(serverPath, args)
	stdin, stdout, err := client.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: start stdio upstream: %w", err)
	}
	return &stdioConn{client: client, stdin: stdin, stdout: stdout}, nil
}

// IsValid reports whether the subprocess is still presumed alive. A
// stdio client exposes no direct liveness probe short of writing to it,
// so this is optimistic; a write/read failure during use is what
// ultimately marks the connection for eviction via Release's
// Reset()-failure path.
func (c *stdioConn) IsValid() bool { return c.client != nil }

// Reset is a no-op: a stdio connection carries no per-request state to
// clear between uses (each request/response pair is self-contained
// JSON-RPC on the shared stdin/stdout pipe).
func (c *stdioConn) Reset() error { return nil }

func (c *stdioConn) Close() error {
	return c.client.Close()
}

// Send writes one newline-terminated JSON-RPC message to the
// subprocess's stdin.
func (c *stdioConn) Send(raw []byte) error {
	if _, err := c.stdin.Write(raw); err != nil {
		return err
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		if _, err := c.stdin.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

// Stdout returns the subprocess's response stream, consumed by
// ResponsePipeline.Relay bounded by a stopID (since it never reaches EOF
// between requests).
func (c *stdioConn) Stdout() io.Reader { return c.stdout }
