package handlers

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/db"
	"github.com/ukydev/control-room/internal/relay"
)

// Counters reports the live push-channel figures.
type Counters interface {
	ConnectionCount() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// MetricsResponse is the body of GET /metrics. It carries counters only;
// tenant identifiers are never listed.
type MetricsResponse struct {
	TotalPositions    int64   `json:"totalPositions"`
	ActiveConnections int     `json:"activeConnections"`
	RoomCount         int     `json:"roomCount"`
	SubscriberCount   int     `json:"subscriberCount"`
	Uptime            float64 `json:"uptime"`
}

// HealthHandler serves liveness and summary metrics.
type HealthHandler struct {
	positions db.PositionCollection
	conns     Counters
	rooms     *relay.RoomRegistry
	started   time.Time
	now       func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(positions db.PositionCollection, conns Counters, rooms *relay.RoomRegistry) *HealthHandler {
	return &HealthHandler{
		positions: positions,
		conns:     conns,
		rooms:     rooms,
		started:   time.Now(),
		now:       time.Now,
	}
}

func (h *HealthHandler) uptime() float64 {
	return h.now().Sub(h.started).Seconds()
}

// Health reports that the process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "OK",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Uptime:    h.uptime(),
	})
}

// Metrics reports stored positions, open connections and room counts.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	total, err := h.positions.CountPositions(r.Context())
	if err != nil {
		log.WithError(err).Error("Error fetching metrics")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch metrics"})
		return
	}
	writeJSON(w, http.StatusOK, MetricsResponse{
		TotalPositions:    total,
		ActiveConnections: h.conns.ConnectionCount(),
		RoomCount:         h.rooms.RoomCount(),
		SubscriberCount:   h.rooms.SubscriberCount(),
		Uptime:            h.uptime(),
	})
}
