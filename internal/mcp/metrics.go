package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the protocol engine.
type Metrics struct {
	requestsTotal  *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	activeSessions prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corpusd",
				Subsystem: "mcp",
				Name:      "requests_total",
				Help:      "JSON-RPC requests handled, by method and status.",
			},
			[]string{"method", "status"},
		),
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corpusd",
				Subsystem: "mcp",
				Name:      "tool_calls_total",
				Help:      "Tool invocations, by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "corpusd",
				Subsystem: "mcp",
				Name:      "tool_duration_seconds",
				Help:      "Tool execution latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "corpusd",
				Subsystem: "mcp",
				Name:      "active_sessions",
				Help:      "Currently live sessions.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.toolCallsTotal, m.toolDuration, m.activeSessions)
	}
	return m
}

// ObserveRequest records one handled JSON-RPC request.
func (m *Metrics) ObserveRequest(method, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetActiveSessions records the live session count.
func (m *Metrics) SetActiveSessions(n float64) {
	if m == nil {
		return
	}
	m.activeSessions.Set(n)
}
