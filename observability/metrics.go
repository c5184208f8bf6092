package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	orchestratorOnce sync.Once
	orchestratorReg  *OrchestratorMetrics

	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics
)

// OrchestratorMetrics wraps collectors tracking transaction orchestration
// health.
type OrchestratorMetrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	reconFails *prometheus.CounterVec
	auditDrops prometheus.Counter
	latency    *prometheus.HistogramVec
}

// Orchestrator returns the lazily-initialised orchestrator metrics registry.
func Orchestrator() *OrchestratorMetrics {
	orchestratorOnce.Do(func() {
		orchestratorReg = &OrchestratorMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pharmatrace",
				Subsystem: "orchestrator",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and terminal outcome.",
			}, []string{"operation", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pharmatrace",
				Subsystem: "orchestrator",
				Name:      "submission_retries_total",
				Help:      "Count of transaction submissions retried after transient network failures.",
			}, []string{"operation"}),
			reconFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pharmatrace",
				Subsystem: "orchestrator",
				Name:      "reconciliation_failures_total",
				Help:      "Confirmed on-chain operations whose off-chain mirror write failed.",
			}, []string{"operation"}),
			auditDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pharmatrace",
				Subsystem: "orchestrator",
				Name:      "audit_drops_total",
				Help:      "Audit events dropped because the emission queue was saturated.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pharmatrace",
				Subsystem: "orchestrator",
				Name:      "operation_duration_seconds",
				Help:      "End-to-end latency from intent to terminal outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			orchestratorReg.operations,
			orchestratorReg.retries,
			orchestratorReg.reconFails,
			orchestratorReg.auditDrops,
			orchestratorReg.latency,
		)
	})
	return orchestratorReg
}

// RecordOperation counts one terminal outcome. Outcomes should be stable
// strings such as "confirmed", "duplicate", or "network_error" so dashboards
// stay consistent.
func (m *OrchestratorMetrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, strings.ToLower(outcome)).Inc()
}

// RecordRetry counts one submission retry.
func (m *OrchestratorMetrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordReconciliationFailure counts a confirmed operation whose off-chain
// write failed.
func (m *OrchestratorMetrics) RecordReconciliationFailure(operation string) {
	if m == nil {
		return
	}
	m.reconFails.WithLabelValues(operation).Inc()
}

// RecordAuditDrop counts an audit event dropped on queue saturation.
func (m *OrchestratorMetrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.auditDrops.Inc()
}

// ObserveLatency records the intent-to-terminal duration.
func (m *OrchestratorMetrics) ObserveLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// GatewayMetrics wraps collectors tracking the HTTP API surface.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pharmatrace",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status class.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pharmatrace",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(gatewayReg.requests, gatewayReg.latency)
	})
	return gatewayReg
}

// Observe records one served request.
func (m *GatewayMetrics) Observe(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(route, method, class).Inc()
	m.latency.WithLabelValues(route, method).Observe(d.Seconds())
}
