package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/db"
	"github.com/ukydev/control-room/internal/ingest"
	"github.com/ukydev/control-room/internal/models"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every 4xx and 5xx answer.
type ErrorResponse struct {
	Error         string   `json:"error"`
	MissingFields []string `json:"missingFields,omitempty"`
	InvalidFields []string `json:"invalidFields,omitempty"`
	Index         *int     `json:"index,omitempty"`
}

// PositionHandler handles position writes and reads.
type PositionHandler struct {
	service   *ingest.Service
	positions db.PositionCollection
}

// NewPositionHandler creates a new position handler
func NewPositionHandler(service *ingest.Service, positions db.PositionCollection) *PositionHandler {
	return &PositionHandler{service: service, positions: positions}
}

// Create handles a single position write.
func (h *PositionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in models.PositionInput
	if !decodeBody(w, r, &in) {
		return
	}
	rec, err := h.service.Ingest(r.Context(), ingest.SourceHTTP, in)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateBatch handles a batch write of {positions: [...]}.
func (h *PositionHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var body models.BatchInput
	if !decodeBody(w, r, &body) {
		return
	}
	records, err := h.service.IngestBatch(r.Context(), ingest.SourceHTTP, body.Positions)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// List returns a tenant's positions, newest first.
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var limit int64
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.positions.FindPositions(r.Context(), tenantID, limit)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenantID).Error("Error fetching positions")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Latest returns the newest position of each vehicle of a tenant.
func (h *PositionHandler) Latest(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	records, err := h.positions.FindLatestPositions(r.Context(), tenantID)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenantID).Error("Error fetching latest positions")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return false
	}
	return true
}

func writeIngestError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	var perr *ingest.PersistenceError
	switch {
	case errors.As(err, &verr):
		resp := ErrorResponse{
			Error:         verr.Error(),
			MissingFields: verr.MissingFields,
			InvalidFields: verr.InvalidFields,
		}
		if verr.Index >= 0 {
			idx := verr.Index
			resp.Index = &idx
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, ingest.ErrEmptyBatch):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: perr.Err.Error()})
	default:
		log.WithError(err).Error("Unexpected ingest error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Route not found"})
}
