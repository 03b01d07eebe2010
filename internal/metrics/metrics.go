package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Push channel metrics
	PushFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_push_frames_total",
			Help: "Push frames decoded and dispatched",
		},
		[]string{"type"},
	)

	PushFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_push_frames_dropped_total",
			Help: "Push frames dropped before dispatch",
		},
		[]string{"reason"}, // "protocol" or "binary"
	)

	PushReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
	)

	PushConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_push_connected",
			Help: "1 while the push channel is connected",
		},
	)

	// Send metrics
	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_send_attempts_total",
			Help: "Send attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "retriable", "terminal"
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgsync_send_duration_seconds",
			Help:    "Backend send latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_backend_requests_total",
			Help: "Backend HTTP requests",
		},
		[]string{"op", "status"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_queue_depth",
			Help: "Records in the durable retry queue",
		},
	)

	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_queue_errors_total",
			Help: "Durable queue write or read failures",
		},
		[]string{"op"},
	)

	DrainPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_drain_passes_total",
			Help: "Retry drain passes run",
		},
	)

	// Reconciliation metrics
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_events_applied_total",
			Help: "Push events applied to the message store",
		},
		[]string{"type"},
	)

	EventsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_events_pending",
			Help: "Events waiting for their message to appear",
		},
	)

	EventsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_events_expired_total",
			Help: "Buffered events dropped after their wait expired",
		},
	)

	BusDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_bus_dropped_events",
			Help: "Events dropped by slow bus subscribers",
		},
	)
)
