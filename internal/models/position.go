package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the operational state of a vehicle.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusMaintenance Status = "maintenance"
)

// Statuses lists every Status in display order.
var Statuses = []Status{StatusActive, StatusIdle, StatusMaintenance}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusMaintenance:
		return true
	default:
		return false
	}
}

// Label returns the dashboard label for the status.
func (s Status) Label() string {
	switch s {
	case StatusActive:
		return "En mission"
	case StatusIdle:
		return "Au repos"
	case StatusMaintenance:
		return "Maintenance"
	default:
		return "Inconnu"
	}
}

// Color returns the map marker color for the status.
func (s Status) Color() string {
	switch s {
	case StatusActive:
		return "#16a34a"
	case StatusIdle:
		return "#f59e0b"
	case StatusMaintenance:
		return "#dc2626"
	default:
		return "#6b7280"
	}
}

// PositionRecord is the last known state of one vehicle.
type PositionRecord struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID  string             `bson:"vehicle_id" json:"vehicle_id"`
	TenantID   string             `bson:"tenant_id" json:"tenant_id"`
	MissionID  string             `bson:"mission_id,omitempty" json:"mission_id,omitempty"`
	Name       string             `bson:"name,omitempty" json:"name,omitempty"`
	Lat        float64            `bson:"latitude" json:"latitude"`
	Lng        float64            `bson:"longitude" json:"longitude"`
	Status     Status             `bson:"status" json:"status"`
	Driver     string             `bson:"driver,omitempty" json:"driver,omitempty"`
	Zone       string             `bson:"zone,omitempty" json:"zone,omitempty"`
	Speed      *float64           `bson:"speed,omitempty" json:"speed,omitempty"`
	Heading    *float64           `bson:"heading,omitempty" json:"heading,omitempty"`
	LastUpdate time.Time          `bson:"last_update" json:"last_update"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	IngestedBy string             `bson:"ingested_by,omitempty" json:"-"`
}

// Clone returns a copy of p with its own Speed and Heading.
func (p PositionRecord) Clone() PositionRecord {
	p.Speed = cloneFloat(p.Speed)
	p.Heading = cloneFloat(p.Heading)
	return p
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// SpeedValue returns the speed or 0 when it was not reported.
func (p PositionRecord) SpeedValue() float64 {
	if p.Speed == nil {
		return 0
	}
	return *p.Speed
}

// NewerThan reports whether p supersedes other for the same vehicle.
func (p PositionRecord) NewerThan(other PositionRecord) bool {
	return p.LastUpdate.After(other.LastUpdate)
}

// TenantGroup is the set of records owned by one tenant.
type TenantGroup struct {
	TenantID string
	Records  []PositionRecord
}

// GroupByTenant splits records by owning tenant. Groups keep the order in
// which each tenant first appears and records keep their relative order.
func GroupByTenant(records []PositionRecord) []TenantGroup {
	index := make(map[string]int)
	var groups []TenantGroup
	for _, r := range records {
		i, ok := index[r.TenantID]
		if !ok {
			i = len(groups)
			index[r.TenantID] = i
			groups = append(groups, TenantGroup{TenantID: r.TenantID})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}
