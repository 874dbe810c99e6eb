// Package metrics exposes prometheus counters for the gateway's three
// observable surfaces: connections, authentication, and the upstream
// REST calls everything else is built on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailgateway_active_connections",
		Help: "Number of active connections by protocol",
	}, []string{"protocol"})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailgateway_connections_total",
		Help: "Total number of connections accepted by protocol",
	}, []string{"protocol"})

	// Authentication metrics
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailgateway_auth_attempts_total",
		Help: "Total authentication attempts by result and protocol",
	}, []string{"result", "protocol"})

	// IMAP command metrics
	IMAPCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailgateway_imap_commands_total",
		Help: "Total IMAP commands dispatched",
	}, []string{"command"})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailgateway_cache_hits_total",
		Help: "Total cache hits by tier",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailgateway_cache_misses_total",
		Help: "Total cache misses",
	})

	// Upstream metrics
	UpstreamCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailgateway_upstream_call_duration_seconds",
		Help:    "Upstream REST call latency by endpoint and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})

	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailgateway_upstream_retries_total",
		Help: "Total upstream call retries by endpoint",
	}, []string{"endpoint"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailgateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open) by breaker key",
	}, []string{"breaker"})
)

// RecordConnection records a newly accepted connection for protocol
// ("imap" or "smtp").
func RecordConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Inc()
	ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// ReleaseConnection records a connection closing.
func ReleaseConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// RecordAuth records an authentication attempt outcome.
func RecordAuth(success bool, protocol string) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result, protocol).Inc()
}

// RecordUpstreamCall records the latency and outcome of one upstream
// REST call.
func RecordUpstreamCall(endpoint string, success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	UpstreamCallDuration.WithLabelValues(endpoint, outcome).Observe(seconds)
}
