package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/pool"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
)

var _ pool.Conn = (*stdioConn)(nil)

// HTTPSender performs one request/response exchange against an HTTP
// upstream, returning the raw response body reader. Implemented by
// internal/adapter/outbound/mcp.SendOneClient; kept as an interface here
// so this package doesn't import the HTTP transport concretely.
type HTTPSender interface {
	SendOne(ctx context.Context, endpoint string, sessionID string, raw []byte) (io.ReadCloser, error)
}

// Dispatcher forwards a request to the upstream bound to a session and
// returns a reader over its response stream. Stdio upstreams are served
// from a per-upstream warm pool; HTTP upstreams are dispatched directly,
// relying on the underlying http.Client's own connection pooling.
type Dispatcher struct {
	logger      *slog.Logger
	sender      HTTPSender
	onPoolInUse func(upstreamID string, inUse int)

	mu    sync.Mutex
	pools map[string]*pool.Pool[*stdioConn]
}

// NewDispatcher creates a Dispatcher using sender for HTTP upstreams.
func NewDispatcher(sender HTTPSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, logger: logger, pools: make(map[string]*pool.Pool[*stdioConn])}
}

// OnPoolInUse sets a callback invoked with a stdio upstream's pool ID and
// its current checked-out connection count every time Acquire or Release
// changes it. Nil (the default) records nothing.
func (d *Dispatcher) OnPoolInUse(f func(upstreamID string, inUse int)) {
	d.onPoolInUse = f
}

// poolFor returns (creating if needed) the stdio pool for u.
func (d *Dispatcher) poolFor(ctx context.Context, u *upstream.Upstream) *pool.Pool[*stdioConn] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[u.ID]; ok {
		return p
	}

	minSize, maxSize := u.PoolMinSize, u.PoolMaxSize
	if maxSize <= 0 {
		maxSize = 4
	}
	factory := func(fctx context.Context) (*stdioConn, error) {
		return newStdioConn(fctx, u.Command, u.Args, newProcessClient)
	}
	cfg := pool.Config{MinSize: minSize, MaxSize: maxSize}
	if d.onPoolInUse != nil {
		upstreamID := u.ID
		cfg.OnInUseChange = func(inUse int) { d.onPoolInUse(upstreamID, inUse) }
	}
	p := pool.New(ctx, cfg, factory)
	d.pools[u.ID] = p
	return p
}

// newProcessClient is overridden in tests; production wiring supplies
// the real outbound/mcp.StdioClient constructor via SetProcessClientFactory.
var newProcessClient = func(path string, args []string) outbound.MCPClient {
	panic("service: no stdio client factory configured; call SetProcessClientFactory")
}

// SetProcessClientFactory wires the concrete stdio client constructor,
// breaking the import cycle between internal/service and
// internal/adapter/outbound/mcp (an adapter package, which per the
// hexagonal layout must not be imported by internal/service at compile
// time — it is injected at wiring time in cmd/shadowcatd instead).
func SetProcessClientFactory(f func(path string, args []string) outbound.MCPClient) {
	newProcessClient = f
}

// Send forwards raw to u and returns a reader over its response
// stream plus a stopID for bounding a pooled stdio read, and a release
// function the caller must invoke once done consuming the response.
func (d *Dispatcher) Send(ctx context.Context, u *upstream.Upstream, sessionID string, raw []byte, requestID json.RawMessage) (r io.Reader, stopID json.RawMessage, release func(), err error) {
	switch u.Type {
	case upstream.UpstreamTypeHTTP:
		body, err := d.sender.SendOne(ctx, u.URL, sessionID, raw)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("service: dispatch to %s: %w", u.Name, err)
		}
		return body, nil, func() { _ = body.Close() }, nil

	case upstream.UpstreamTypeStdio:
		p := d.poolFor(ctx, u)
		conn, err := p.Acquire(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("service: acquire stdio connection for %s: %w", u.Name, err)
		}
		if err := conn.Send(raw); err != nil {
			p.Release(conn)
			return nil, nil, nil, fmt.Errorf("service: write to %s: %w", u.Name, err)
		}
		return conn.Stdout(), requestID, func() { p.Release(conn) }, nil

	default:
		return nil, nil, nil, fmt.Errorf("service: unknown upstream type %q", u.Type)
	}
}

// Close shuts down every stdio pool this Dispatcher has created.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, p := range d.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
