package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_websocket_connections_active",
			Help: "Current number of authenticated WebSocket connections",
		},
	)

	WebSocketRejectedUpgrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_websocket_rejected_upgrades_total",
			Help: "Upgrade attempts refused because of a missing or invalid token",
		},
	)

	ChatMessagesBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_broadcast_total",
			Help: "Chat messages persisted and fanned out to connected clients",
		},
	)

	ChatFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Inbound frames dropped before broadcast",
		},
		[]string{"reason"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Domain events published on the bus",
		},
		[]string{"event"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_consumed_total",
			Help: "Domain events consumed, by outcome",
		},
		[]string{"event", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbus_handler_duration_seconds",
			Help:    "Time spent in event handlers including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
