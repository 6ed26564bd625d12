// Package metrics defines the Prometheus collectors exported by Kestrel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~1.6s
		},
		[]string{"method", "route"},
	)

	// Scoring metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "verdicts_total",
			Help:      "Total number of verdicts by source and outcome",
		},
		[]string{"source", "fraud"},
	)

	RuleHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "rule_hits_total",
			Help:      "Total number of overlay rule matches",
		},
		[]string{"rule"},
	)

	ValidationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "validation_errors_total",
			Help:      "Total number of requests rejected during parsing",
		},
	)

	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time spent scoring a single transaction",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~330ms
		},
	)

	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "anomaly_score",
			Help:      "Distribution of returned anomaly scores",
			Buckets:   prometheus.LinearBuckets(-1, 0.1, 21),
		},
	)

	// Cache metrics
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Verdict cache lookups by result",
		},
		[]string{"result"},
	)

	// Event bus metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published by topic and status",
		},
		[]string{"topic", "status"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
