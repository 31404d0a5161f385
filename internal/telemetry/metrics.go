// Package telemetry provides observability primitives for the Warden gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway. Handles are
// injected into the pipeline stages at assembly; nothing else is
// process-global beyond the registry itself.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ActiveRequests         prometheus.Gauge
	AuthAttempts           *prometheus.CounterVec
	TokenRefreshes         prometheus.Counter
	RateLimitRejects       *prometheus.CounterVec
	RateLimitStoreFailures prometheus.Counter
	UpstreamDuration       *prometheus.HistogramVec
	UpstreamErrors         *prometheus.CounterVec
	StoreHealthy           *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests through the pipeline.",
		}, []string{"method", "route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),

		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "token_refresh_total",
			Help:      "Total sliding-window token refreshes.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"rule", "key_type"}),

		RateLimitStoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ratelimit_store_failures_total",
			Help:      "Rate limit evaluations resolved by the fail-mode policy.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by classification.",
		}, []string{"route", "kind"}),

		StoreHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "store_healthy",
			Help:      "State store health: 1 healthy, 0 unreachable.",
		}, []string{"store"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AuthAttempts,
		m.TokenRefreshes,
		m.RateLimitRejects,
		m.RateLimitStoreFailures,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.StoreHealthy,
	)

	return m
}
