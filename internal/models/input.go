package models

import "time"

// PositionInput is a position write as received from devices and clients.
// Required fields are pointers or strings so that a missing value can be told
// apart from a zero one.
type PositionInput struct {
	VehicleID string     `json:"vehicle_id" validate:"required"`
	MissionID string     `json:"mission_id" validate:"required"`
	TenantID  string     `json:"tenant_id" validate:"required"`
	Status    string     `json:"status" validate:"required,oneof=active idle maintenance"`
	Latitude  *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Name      string     `json:"name,omitempty"`
	Driver    string     `json:"driver,omitempty"`
	Zone      string     `json:"zone,omitempty"`
	Speed     *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// BatchInput is the body of a batch write.
type BatchInput struct {
	Positions []PositionInput `json:"positions"`
}

// ToRecord converts a validated input into a record. Server-side fields are
// left for the persistence layer; LastUpdate falls back to now.
func (in PositionInput) ToRecord(now time.Time) PositionRecord {
	rec := PositionRecord{
		VehicleID:  in.VehicleID,
		TenantID:   in.TenantID,
		MissionID:  in.MissionID,
		Name:       in.Name,
		Status:     Status(in.Status),
		Driver:     in.Driver,
		Zone:       in.Zone,
		Speed:      in.Speed,
		Heading:    in.Heading,
		LastUpdate: now,
	}
	if in.Latitude != nil {
		rec.Lat = *in.Latitude
	}
	if in.Longitude != nil {
		rec.Lng = *in.Longitude
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		rec.LastUpdate = in.Timestamp.UTC()
	}
	if rec.Name == "" {
		rec.Name = in.VehicleID
	}
	return rec
}
