package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeCanceled     = "canceled"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeipc",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Outbound requests by settlement outcome.",
		},
		[]string{"endpoint", "resource", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeipc",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "resource", "outcome"},
	)
	rpcPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeipc",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
		[]string{"endpoint"},
	)
	rpcQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeipc",
			Subsystem: "rpc",
			Name:      "queued_requests",
			Help:      "Requests waiting for a connection.",
		},
		[]string{"endpoint"},
	)
	rpcHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeipc",
			Subsystem: "rpc",
			Name:      "handled_total",
			Help:      "Inbound requests answered by status.",
		},
		[]string{"endpoint", "resource", "status"},
	)
	transportConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeipc",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open transport connections.",
		},
		[]string{"endpoint"},
	)
	diagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeipc",
			Name:      "diagnostics_total",
			Help:      "Diagnostics recorded by event.",
		},
		[]string{"event"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeipc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeipc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests, rpcDuration, rpcPending, rpcQueued, rpcHandled,
			transportConnections, diagnostics, httpRequests, httpDuration,
		)
	})
}

func RecordRPCRequest(endpoint, resource, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(endpoint, resource, outcome).Inc()
	rpcDuration.WithLabelValues(endpoint, resource, outcome).Observe(duration.Seconds())
}

func SetPendingRequests(endpoint string, pending, queued int) {
	RegisterMetrics()
	rpcPending.WithLabelValues(endpoint).Set(float64(pending))
	rpcQueued.WithLabelValues(endpoint).Set(float64(queued))
}

func RecordHandled(endpoint, resource, status string) {
	RegisterMetrics()
	rpcHandled.WithLabelValues(endpoint, resource, status).Inc()
}

func AddConnections(endpoint string, delta int) {
	RegisterMetrics()
	transportConnections.WithLabelValues(endpoint).Add(float64(delta))
}

func RecordDiagnostic(event string) {
	RegisterMetrics()
	diagnostics.WithLabelValues(event).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
