package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type httpMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitHits     prometheus.Counter
	websocketConns    prometheus.Gauge
	websocketMessages *prometheus.CounterVec
	droppedEvents     prometheus.Counter
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	f := promauto.With(reg)
	return &httpMetrics{
		// HTTP request metrics
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracksfm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracksfm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		rateLimitHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tracksfm_rate_limit_hits_total",
				Help: "Event stream connections rejected by the rate limiter",
			},
		),
		// WebSocket metrics
		websocketConns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracksfm_websocket_active_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		websocketMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracksfm_websocket_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction"}, // direction: sent, received
		),
		droppedEvents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tracksfm_events_throttled_total",
				Help: "Progress events dropped by broadcast throttling",
			},
		),
	}
}
