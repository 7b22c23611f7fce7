// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engagement_pipeline"

var (
	ScanItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_items_total",
		Help:      "Discovered items by scan outcome (examined, matched, stored, duplicate).",
	}, []string{"platform", "outcome"})

	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_errors_total",
		Help:      "Adapter errors encountered while scanning a location.",
	}, []string{"platform", "kind"})

	ModerationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "moderation_transitions_total",
		Help:      "Candidate response status changes.",
	}, []string{"status", "actor"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by result.",
	}, []string{"platform", "result"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_total",
		Help:      "OAuth token refreshes that reached the platform.",
	}, []string{"platform", "result"})

	AdapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "adapter_request_seconds",
		Help:      "Latency of platform adapter HTTP calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform", "operation"})

	DispatchWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_workers",
		Help:      "Running per-account dispatch workers.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
