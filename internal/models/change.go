package models

// EventType is the kind of row-level change reported by a change feed.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level change of the positions table.
type ChangeEvent struct {
	Type EventType       `json:"eventType"`
	New  *PositionRecord `json:"new,omitempty"`
	Old  *PositionRecord `json:"old,omitempty"`
}

// Record returns the new row, falling back to the old one.
func (e ChangeEvent) Record() *PositionRecord {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// TenantID returns the tenant owning the changed row, or "" if unknown.
func (e ChangeEvent) TenantID() string {
	if r := e.Record(); r != nil {
		return r.TenantID
	}
	return ""
}
