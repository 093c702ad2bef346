package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Gatewarden.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveSessions   prometheus.GaugeFunc
	SSEConnections   prometheus.GaugeFunc
	ConsentDecisions *prometheus.CounterVec
	AuthFailures     prometheus.Counter
	TransportRejects *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
// activeSessions and sseConnections are sampled on every scrape.
func NewMetrics(reg prometheus.Registerer, activeSessions, sseConnections func() float64) *Metrics {
	if activeSessions == nil {
		activeSessions = func() float64 { return 0 }
	}
	if sseConnections == nil {
		sseConnections = func() float64 { return 0 }
	}
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatewarden",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gatewarden",
				Name:      "active_sessions",
				Help:      "Number of active MCP sessions",
			},
			activeSessions,
		),
		SSEConnections: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gatewarden",
				Name:      "sse_connections",
				Help:      "Number of open SSE streams",
			},
			sseConnections,
		),
		ConsentDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "consent_decisions_total",
				Help:      "Consent decisions made through the admin interface",
			},
			[]string{"decision"}, // decision=approved/denied
		),
		AuthFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "auth_failures_total",
				Help:      "Bearer token validation failures",
			},
		),
		TransportRejects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "transport_rejects_total",
				Help:      "Requests rejected by the transport security policy",
			},
			[]string{"kind"}, // kind=https_required/origin_invalid/...
		),
	}
}
