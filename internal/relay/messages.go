package relay

import (
	"github.com/goccy/go-json"
)

// Push channel events.
const (
	EventJoin        = "join_transporteur"
	EventLeave       = "leave_transporteur"
	EventJoined      = "joined"
	EventLeft        = "left"
	EventPosition    = "position_update"
	EventBatchUpdate = "positions_batch_update"
	EventError       = "error"
)

// Message is one frame on the push channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomAck is the payload of joined and left.
type RoomAck struct {
	TenantID string `json:"tenant_id"`
	Room     string `json:"room"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode builds a frame from an event and a payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: data})
}

// TenantFromData reads the tenant of a join or leave request. Clients send
// either a bare string or an object with tenant_id.
func TenantFromData(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var obj struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.TenantID
	}
	return ""
}
