package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the egress proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TunnelsActive    prometheus.Gauge
	TunnelBytes      prometheus.Counter
	AuditFailures    prometheus.Counter
	InspectionBlocks prometheus.Counter
}

// NewMetrics creates and registers the proxy metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Egress proxy requests by method and outcome",
			},
			[]string{"method", "outcome"}, // outcome=allowed/blocked/rate_limited/credential_leak/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "request_duration_seconds",
				Help:      "Forwarded request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		TunnelsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "tunnels_active",
				Help:      "Open CONNECT tunnels",
			},
		),
		TunnelBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "tunnel_bytes_total",
				Help:      "Bytes relayed through CONNECT tunnels",
			},
		),
		AuditFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "audit_failures_total",
				Help:      "Requests refused because the audit log was unwritable",
			},
		),
		InspectionBlocks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "proxy",
				Name:      "inspection_blocks_total",
				Help:      "Requests blocked by credential pattern detection",
			},
		),
	}
}

// outcome label values.
const (
	outcomeAllowed        = "allowed"
	outcomeBlocked        = "blocked"
	outcomeRateLimited    = "rate_limited"
	outcomeCredentialLeak = "credential_leak"
	outcomeError          = "error"
)
