package feedclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/fleet"
	"github.com/ukydev/control-room/internal/models"
	"github.com/ukydev/control-room/internal/relay"
)

const (
	writeWait   = 10 * time.Second
	joinTimeout = 10 * time.Second
)

// Subscriber opens tenant subscriptions on the relay push channel.
type Subscriber struct {
	url    string
	dialer *websocket.Dialer
}

// NewSubscriber creates a subscriber for the push channel at wsURL.
func NewSubscriber(wsURL string) *Subscriber {
	return &Subscriber{
		url: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe dials the relay, joins the tenant room and waits for the
// acknowledgement. Pushed records are reported as UPDATE events.
func (s *Subscriber) Subscribe(ctx context.Context, tenantID string, h fleet.FeedHandler) (fleet.Subscription, error) {
	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	sub := &subscription{
		ws:       ws,
		tenantID: tenantID,
		handler:  h,
		logger:   log.WithFields(log.Fields{"component": "feed-client", "tenant_id": tenantID}),
	}
	if err := sub.write(relay.EventJoin, tenantID); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	if err := sub.awaitJoined(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go sub.readLoop()
	return sub, nil
}

type subscription struct {
	ws       *websocket.Conn
	tenantID string
	handler  fleet.FeedHandler
	logger   *log.Entry

	writeMu sync.Mutex
	closed  atomic.Bool
	// pending holds updates read before the join ack; readLoop replays them.
	pending []relay.Message
}

func (s *subscription) write(event string, payload any) error {
	msg, err := relay.Encode(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, msg)
}

func (s *subscription) awaitJoined(ctx context.Context) error {
	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = s.ws.SetReadDeadline(time.Time{}) }()

	for {
		var msg relay.Message
		if err := s.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await join ack: %w", err)
		}
		switch msg.Event {
		case relay.EventJoined:
			var ack relay.RoomAck
			if err := json.Unmarshal(msg.Data, &ack); err == nil && ack.TenantID == s.tenantID {
				s.logger.WithField("room", ack.Room).Debug("joined room")
				return nil
			}
		case relay.EventError:
			var payload relay.ErrorPayload
			_ = json.Unmarshal(msg.Data, &payload)
			return fmt.Errorf("join rejected: %s", payload.Error)
		case relay.EventPosition, relay.EventBatchUpdate:
			s.pending = append(s.pending, msg)
		}
	}
}

func (s *subscription) readLoop() {
	pending := s.pending
	s.pending = nil
	for _, msg := range pending {
		s.dispatch(msg)
	}
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fleet.ErrFeedClosed
			}
			s.closed.Store(true)
			_ = s.ws.Close()
			if s.handler.OnError != nil {
				s.handler.OnError(err)
			}
			return
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Warn("malformed frame")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *subscription) dispatch(msg relay.Message) {
	var records []models.PositionRecord
	switch msg.Event {
	case relay.EventPosition:
		var rec models.PositionRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			s.logger.WithError(err).Warn("malformed position_update")
			return
		}
		records = []models.PositionRecord{rec}
	case relay.EventBatchUpdate:
		if err := json.Unmarshal(msg.Data, &records); err != nil {
			s.logger.WithError(err).Warn("malformed positions_batch_update")
			return
		}
	case relay.EventError:
		s.logger.WithField("data", string(msg.Data)).Warn("relay reported an error")
		return
	default:
		return
	}

	if s.handler.OnChange == nil {
		return
	}
	for i := range records {
		rec := records[i]
		if s.closed.Load() {
			return
		}
		s.handler.OnChange(models.ChangeEvent{Type: models.EventUpdate, New: &rec})
	}
}

// Unsubscribe leaves the room and closes the connection. It does not wait
// for the read loop, so it is safe to call from a handler.
func (s *subscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	leaveErr := s.write(relay.EventLeave, s.tenantID)

	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	closeErr := s.ws.Close()
	return errors.Join(leaveErr, closeErr)
}
