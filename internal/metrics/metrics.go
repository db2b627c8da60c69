package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest
	PositionsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_room_positions_ingested_total",
			Help: "Positions persisted, by ingest source",
		},
		[]string{"source"}, // "http", "mqtt"
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_room_ingest_errors_total",
			Help: "Rejected or failed position writes, by kind",
		},
		[]string{"kind"}, // "validation", "empty_batch", "persistence"
	)

	// Relay
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Broadcasts emitted to tenant rooms, by event",
		},
		[]string{"event"},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_delivered_total",
			Help: "Messages queued to subscriber connections",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_dropped_total",
			Help: "Messages dropped because a subscriber buffer was full",
		},
	)

	Rooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Tenant rooms with at least one subscriber",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscribers",
			Help: "Subscribers joined to at least one room",
		},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_websocket_connections",
			Help: "Open websocket connections",
		},
	)

	ChangeStreamRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_change_stream_restarts_total",
			Help: "Times the datastore change stream was re-opened after a failure",
		},
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "control_room_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "control_room_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// RecordIngest counts n persisted positions from source.
func RecordIngest(source string, n int) {
	PositionsIngested.WithLabelValues(source).Add(float64(n))
}

// RecordIngestError counts a rejected write.
func RecordIngestError(kind string) {
	IngestErrors.WithLabelValues(kind).Inc()
}

// RecordBroadcast counts one broadcast and its per-subscriber outcome.
func RecordBroadcast(event string, delivered, dropped int) {
	Broadcasts.WithLabelValues(event).Inc()
	BroadcastDeliveries.Add(float64(delivered))
	BroadcastDropped.Add(float64(dropped))
}

// UpdateRoomGauges sets the room and subscriber gauges.
func UpdateRoomGauges(rooms, subscribers int) {
	Rooms.Set(float64(rooms))
	Subscribers.Set(float64(subscribers))
}

// RecordAPIRequest observes one HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
