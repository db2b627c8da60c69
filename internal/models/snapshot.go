package models

import "sort"

// Snapshot maps vehicle ID to the last known position of one tenant's fleet.
// Snapshots handed to consumers are copies and may be read freely.
type Snapshot map[string]PositionRecord

// NewSnapshot builds a snapshot from records. When a vehicle appears more than
// once the newest record wins.
func NewSnapshot(records []PositionRecord) Snapshot {
	s := make(Snapshot, len(records))
	for _, r := range records {
		if cur, ok := s[r.VehicleID]; ok && !r.NewerThan(cur) {
			continue
		}
		s[r.VehicleID] = r
	}
	return s
}

// Clone returns a deep copy of the snapshot; no record of the copy shares
// memory with the original.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}

// Records returns the snapshot content sorted by vehicle ID.
func (s Snapshot) Records() []PositionRecord {
	out := make([]PositionRecord, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}
