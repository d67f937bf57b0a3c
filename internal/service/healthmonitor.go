package service

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
)

// HealthMonitor runs the periodic external probes that keep an upstream's
// health state current; the Selector only ever reads the result. HTTP
// upstreams are probed directly; stdio upstreams are never probed, and
// their failure streak is reset only by a successful dispatch reported
// through RecordOutcome.
type HealthMonitor struct {
	store  upstream.UpstreamStore
	logger *slog.Logger
	client *http.Client

	failures map[string]int
}

// NewHealthMonitor creates a HealthMonitor over store.
func NewHealthMonitor(store upstream.UpstreamStore, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		store:  store,
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		failures: make(map[string]int),
	}
}

// RecordOutcome is called by request handling after every dispatch
// attempt, so request-driven failures count toward a stdio upstream's
// FailureThreshold the same way a periodic probe would.
func (h *HealthMonitor) RecordOutcome(ctx context.Context, id string, ok bool) {
	u, err := h.store.Get(ctx, id)
	if err != nil {
		return
	}
	threshold := u.HealthCheck.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if ok {
		h.failures[id] = 0
		if !u.Healthy {
			u.Healthy = true
			_ = h.store.Update(ctx, u)
		}
		return
	}
	h.failures[id]++
	if h.failures[id] >= threshold && u.Healthy {
		u.Healthy = false
		u.Status = upstream.StatusError
		_ = h.store.Update(ctx, u)
		h.logger.Warn("upstream marked unhealthy", "upstream", u.Name, "failures", h.failures[id])
	}
}

// Run probes every enabled HTTP upstream with a non-zero
// HealthCheck.Interval until ctx is canceled. All of them share one tick:
// the shortest Interval configured when Run starts (30s if none is set),
// so an upstream is not probed on its own Interval. Stdio upstreams are
// skipped: their liveness is established by pool connection acquisition,
// not an out-of-band probe.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.shortestInterval(ctx))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *HealthMonitor) shortestInterval(ctx context.Context) time.Duration {
	const fallback = 30 * time.Second
	all, err := h.store.List(ctx)
	if err != nil || len(all) == 0 {
		return fallback
	}
	shortest := fallback
	for _, u := range all {
		if u.HealthCheck.Interval > 0 && u.HealthCheck.Interval < shortest {
			shortest = u.HealthCheck.Interval
		}
	}
	return shortest
}

func (h *HealthMonitor) probeAll(ctx context.Context) {
	all, err := h.store.List(ctx)
	if err != nil {
		return
	}
	for i := range all {
		u := all[i]
		if !u.Enabled || u.Type != upstream.UpstreamTypeHTTP || u.HealthCheck.Interval <= 0 {
			continue
		}
		h.probeHTTP(ctx, &u)
	}
}

func (h *HealthMonitor) probeHTTP(ctx context.Context, u *upstream.Upstream) {
	timeout := u.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.URL, nil)
	if err != nil {
		h.RecordOutcome(ctx, u.ID, false)
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.RecordOutcome(ctx, u.ID, false)
		return
	}
	_ = resp.Body.Close()
	// Any response at all (even 404/405 for a bare GET on an MCP POST
	// endpoint) indicates the upstream process is alive and routable.
	h.RecordOutcome(ctx, u.ID, resp.StatusCode < 500)
}
