// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy. Pass to components
// that need to record metrics.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveSessions     prometheus.Gauge
	InterceptorActions *prometheus.CounterVec
	UpstreamPoolInUse  *prometheus.GaugeVec
	SSEEventsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shadowcat",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shadowcat",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		InterceptorActions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "interceptor_actions_total",
				Help:      "Total interceptor chain outcomes by kind",
			},
			[]string{"kind"}, // continue/modify/block/mock
		),
		UpstreamPoolInUse: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shadowcat",
				Name:      "upstream_pool_in_use",
				Help:      "Checked-out connections per stdio upstream pool",
			},
			[]string{"upstream"},
		),
		SSEEventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "sse_events_total",
				Help:      "Total SSE events relayed, by stream kind",
			},
			[]string{"stream"}, // response|push
		),
	}
}
