// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts authorization outcomes per service.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masegate_requests_total",
			Help: "Total number of gateway requests by authorization decision.",
		},
		[]string{"decision", "service"},
	)

	// ProxyDuration observes end-to-end proxy latency per service.
	ProxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "masegate_proxy_duration_seconds",
			Help:    "Time spent proxying a request to a backend service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// UpstreamErrors counts proxy failures reaching a backend.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masegate_upstream_errors_total",
			Help: "Total number of failed proxy attempts per backend service.",
		},
		[]string{"service"},
	)

	// SessionsActive tracks the number of live SSO sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "masegate_sessions_active",
			Help: "Number of live SSO sessions in the store.",
		},
	)

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "masegate_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting.",
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		ProxyDuration,
		UpstreamErrors,
		SessionsActive,
		RateLimited,
	)
}
