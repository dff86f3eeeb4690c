// Package metrics holds the Prometheus collectors shared by the feed
// manager, the detection gateway, the tool router and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_backend_requests_total",
		Help: "Detection backend requests by logical endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ilminate_backend_request_duration_seconds",
		Help:    "Detection backend request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	backendHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilminate_backend_healthy",
		Help: "1 when the last health probe reported an initialized backend.",
	})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_tool_calls_total",
		Help: "Tool calls by tool name and resolution path (primary, fallback, error).",
	}, []string{"tool", "path"})

	feedPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_feed_polls_total",
		Help: "Threat feed poll cycles by feed and result.",
	}, []string{"feed", "result"})

	feedUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_feed_updates_total",
		Help: "Threat feed updates by update type and dispatch result.",
	}, []string{"update_type", "result"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilminate_feed_subscriptions",
		Help: "Number of threat feed subscriptions currently registered.",
	})

	rulesAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_rules_applied_total",
		Help: "Detection rules accepted by the backend, by rule type.",
	}, []string{"rule_type"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilminate_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ilminate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordBackendRequest records one detection backend call.
func RecordBackendRequest(endpoint, outcome string, d time.Duration) {
	backendRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	backendRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetBackendHealthy records the latest health probe result.
func SetBackendHealthy(healthy bool) {
	if healthy {
		backendHealthy.Set(1)
	} else {
		backendHealthy.Set(0)
	}
}

// RecordToolCall records how a tool call was resolved.
func RecordToolCall(tool, path string) {
	toolCallsTotal.WithLabelValues(tool, path).Inc()
}

// RecordFeedPoll records a poll cycle outcome.
func RecordFeedPoll(feed string, success bool) {
	if success {
		feedPollsTotal.WithLabelValues(feed, "success").Inc()
	} else {
		feedPollsTotal.WithLabelValues(feed, "failure").Inc()
	}
}

// RecordFeedUpdate records the handling result of one feed update.
func RecordFeedUpdate(updateType, result string) {
	feedUpdatesTotal.WithLabelValues(updateType, result).Inc()
}

// SetActiveSubscriptions sets the subscription gauge.
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// RecordRulesApplied adds n accepted rules of the given type.
func RecordRulesApplied(ruleType string, n int) {
	if n > 0 {
		rulesAppliedTotal.WithLabelValues(ruleType).Add(float64(n))
	}
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
