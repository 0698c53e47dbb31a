package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live SSE push channels.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushbox_active_connections",
			Help: "Number of live SSE connections",
		},
	)

	// HeartbeatsSent counts heartbeat frames by result (ok|failed).
	HeartbeatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbox_heartbeats_total",
			Help: "Total number of heartbeat frames written",
		},
		[]string{"result"},
	)

	// NotificationsCreated counts persisted notifications by type.
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbox_notifications_created_total",
			Help: "Total number of notifications persisted",
		},
		[]string{"type"},
	)

	// PushAttempts counts real-time delivery attempts by result (delivered|offline|failed).
	PushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbox_push_attempts_total",
			Help: "Total number of real-time push attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushbox_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
