package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/metrics"
	"github.com/ukydev/control-room/internal/models"
	"github.com/ukydev/control-room/internal/retry"
)

// ChangeSource streams row-level changes of the positions collection until
// ctx is done or the stream fails.
type ChangeSource interface {
	Watch(ctx context.Context, fn func(models.ChangeEvent)) error
}

// ErrStreamEnded is returned by a ChangeSource whose stream closed cleanly.
var ErrStreamEnded = errors.New("change stream ended")

// ChangeRelay broadcasts writes made by other processes sharing the
// datastore. Writes ingested by this instance are broadcast by the ingest
// path and skipped here.
type ChangeRelay struct {
	source      ChangeSource
	broadcaster *Broadcaster
	instanceID  string
	policy      retry.Policy
	logger      *log.Entry
}

// NewChangeRelay creates a ChangeRelay.
func NewChangeRelay(source ChangeSource, b *Broadcaster, instanceID string, policy retry.Policy) *ChangeRelay {
	return &ChangeRelay{
		source:      source,
		broadcaster: b,
		instanceID:  instanceID,
		policy:      policy,
		logger:      log.WithField("component", "change-relay"),
	}
}

// Run watches the change stream until ctx is cancelled, re-opening it after
// failures according to the retry policy. It returns nil on cancellation and
// an error once retries are exhausted.
func (r *ChangeRelay) Run(ctx context.Context) error {
	attempt := 0
	for {
		handled := 0
		err := r.source.Watch(ctx, func(ev models.ChangeEvent) {
			handled++
			r.Handle(ev)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = ErrStreamEnded
		}
		if handled > 0 {
			attempt = 0
		}
		attempt++

		delay, ok := r.policy.NextDelay(attempt)
		if !ok {
			return fmt.Errorf("change stream: giving up after %d attempts: %w", attempt-1, err)
		}
		r.logger.WithError(err).WithField("retry_in", delay).Warn("change stream interrupted")
		metrics.ChangeStreamRestarts.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Handle broadcasts one change event if it must be relayed.
func (r *ChangeRelay) Handle(ev models.ChangeEvent) {
	if ev.Type == models.EventDelete || ev.New == nil {
		return
	}
	rec := *ev.New
	if rec.IngestedBy == r.instanceID {
		return
	}
	if rec.TenantID == "" {
		r.logger.WithField("vehicle_id", rec.VehicleID).Warn("change without tenant, not relayed")
		return
	}
	r.broadcaster.BroadcastPosition(rec.TenantID, rec)
}
