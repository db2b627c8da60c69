// Package ingest validates, persists and broadcasts position writes. Every
// transport (HTTP, MQTT) goes through Service.
package ingest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/db"
	"github.com/ukydev/control-room/internal/metrics"
	"github.com/ukydev/control-room/internal/models"
	"github.com/ukydev/control-room/internal/relay"
)

// Source names the transport a write arrived on.
type Source string

const (
	SourceHTTP Source = "http"
	SourceMQTT Source = "mqtt"
)

// Publisher fans persisted records out to subscribers.
type Publisher interface {
	BroadcastPosition(tenantID string, rec models.PositionRecord) relay.Result
	BroadcastBatch(tenantID string, records []models.PositionRecord) relay.Result
}

// Service is the single write path for positions.
type Service struct {
	positions  db.PositionCollection
	publisher  Publisher
	instanceID string
	validate   *validator.Validate
	now        func() time.Time
	logger     *log.Entry
}

// NewService creates a Service. instanceID is stamped on every record so the
// change relay can recognise writes made here.
func NewService(positions db.PositionCollection, publisher Publisher, instanceID string) *Service {
	return &Service{
		positions:  positions,
		publisher:  publisher,
		instanceID: instanceID,
		validate:   newValidator(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     log.WithField("component", "ingest"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their wire name
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks one input. It returns a *ValidationError naming every
// missing and invalid field in declaration order.
func (s *Service) Validate(in models.PositionInput) error {
	return s.check(in, -1)
}

func (s *Service) check(in models.PositionInput, index int) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &ValidationError{Index: index}
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			verr.MissingFields = append(verr.MissingFields, fe.Field())
		} else {
			verr.InvalidFields = append(verr.InvalidFields, fe.Field())
		}
	}
	return verr
}

// Ingest validates and persists one position, then broadcasts it to the
// tenant room. Nothing is broadcast unless the write was acknowledged.
func (s *Service) Ingest(ctx context.Context, source Source, in models.PositionInput) (models.PositionRecord, error) {
	if err := s.Validate(in); err != nil {
		metrics.RecordIngestError("validation")
		return models.PositionRecord{}, err
	}

	rec := in.ToRecord(s.now())
	rec.IngestedBy = s.instanceID
	if err := s.positions.InsertPosition(ctx, &rec); err != nil {
		metrics.RecordIngestError("persistence")
		s.logger.WithError(err).WithFields(log.Fields{
			"tenant_id":  rec.TenantID,
			"vehicle_id": rec.VehicleID,
		}).Error("failed to persist position")
		return models.PositionRecord{}, &PersistenceError{Op: "insert position", Err: err}
	}
	metrics.RecordIngest(string(source), 1)

	res := s.publisher.BroadcastPosition(rec.TenantID, rec)
	s.logger.WithFields(log.Fields{
		"source":     source,
		"tenant_id":  rec.TenantID,
		"vehicle_id": rec.VehicleID,
		"delivered":  res.Delivered,
	}).Debug("position ingested")
	return rec, nil
}

// IngestBatch validates every element, persists them in one write and emits
// one positions_batch_update per tenant, in order of first appearance, even
// for a tenant with a single record. A single invalid element rejects the
// whole batch.
func (s *Service) IngestBatch(ctx context.Context, source Source, inputs []models.PositionInput) ([]models.PositionRecord, error) {
	if len(inputs) == 0 {
		metrics.RecordIngestError("empty_batch")
		return nil, ErrEmptyBatch
	}
	for i, in := range inputs {
		if err := s.check(in, i); err != nil {
			metrics.RecordIngestError("validation")
			return nil, err
		}
	}

	now := s.now()
	records := make([]models.PositionRecord, len(inputs))
	for i, in := range inputs {
		records[i] = in.ToRecord(now)
		records[i].IngestedBy = s.instanceID
	}
	if err := s.positions.InsertPositions(ctx, records); err != nil {
		metrics.RecordIngestError("persistence")
		s.logger.WithError(err).WithField("count", len(records)).Error("failed to persist position batch")
		return nil, &PersistenceError{Op: "insert positions", Err: err}
	}
	metrics.RecordIngest(string(source), len(records))

	groups := models.GroupByTenant(records)
	for _, g := range groups {
		s.publisher.BroadcastBatch(g.TenantID, g.Records)
	}
	s.logger.WithFields(log.Fields{
		"source":  source,
		"count":   len(records),
		"tenants": len(groups),
	}).Info("position batch ingested")
	return records, nil
}
