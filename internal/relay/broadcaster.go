package relay

import (
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/metrics"
	"github.com/ukydev/control-room/internal/models"
)

// Result is the outcome of one broadcast.
type Result struct {
	Event     string
	Room      string
	Delivered int
	Dropped   int
}

// Broadcaster pushes persisted records to the room of their tenant.
type Broadcaster struct {
	rooms  *RoomRegistry
	logger *log.Entry
}

// NewBroadcaster creates a Broadcaster over rooms.
func NewBroadcaster(rooms *RoomRegistry) *Broadcaster {
	return &Broadcaster{
		rooms:  rooms,
		logger: log.WithField("component", "broadcaster"),
	}
}

// BroadcastPosition sends one record to the members of the tenant room as
// position_update. Sends never block; a subscriber whose buffer is full misses
// this message. Failures are reported in the Result and logged, never
// returned to the writer.
func (b *Broadcaster) BroadcastPosition(tenantID string, rec models.PositionRecord) Result {
	return b.broadcast(tenantID, EventPosition, rec, 1)
}

// BroadcastBatch sends the records of one tenant as a single
// positions_batch_update, whatever their number.
func (b *Broadcaster) BroadcastBatch(tenantID string, records []models.PositionRecord) Result {
	if len(records) == 0 {
		return Result{Room: RoomName(tenantID)}
	}
	return b.broadcast(tenantID, EventBatchUpdate, records, len(records))
}

func (b *Broadcaster) broadcast(tenantID, event string, payload any, count int) Result {
	res := Result{Event: event, Room: RoomName(tenantID)}
	msg, err := Encode(event, payload)
	if err != nil {
		b.logger.WithError(err).WithField("tenant_id", tenantID).Error("failed to encode broadcast")
		return res
	}

	for _, sub := range b.rooms.Members(tenantID) {
		if sub.Send(msg) {
			res.Delivered++
			continue
		}
		res.Dropped++
		b.logger.WithFields(log.Fields{
			"tenant_id":     tenantID,
			"subscriber_id": sub.ID(),
			"event":         event,
		}).Warn("subscriber buffer full, dropping message")
	}

	metrics.RecordBroadcast(event, res.Delivered, res.Dropped)
	b.logger.WithFields(log.Fields{
		"tenant_id": tenantID,
		"event":     event,
		"records":   count,
		"delivered": res.Delivered,
	}).Debug("broadcast")
	return res
}
