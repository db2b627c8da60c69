// Package fleet holds the client side of realtime fleet tracking: the
// position store, derived views and the connection manager that keeps a
// tenant snapshot in sync with the relay.
package fleet

import (
	"sync"

	"github.com/ukydev/control-room/internal/models"
)

// ApplyChange merges one change into snapshot and returns the result. The
// input snapshot is never modified; when the change is discarded the input is
// returned as is.
//
// A record replaces the stored one only if its LastUpdate is strictly newer,
// which makes duplicate and out-of-order deliveries no-ops.
func ApplyChange(snapshot models.Snapshot, change models.ChangeEvent) models.Snapshot {
	out, _ := applyChange(snapshot, change)
	return out
}

func applyChange(snapshot models.Snapshot, change models.ChangeEvent) (models.Snapshot, bool) {
	switch change.Type {
	case models.EventDelete:
		old := change.Old
		if old == nil {
			return snapshot, false
		}
		cur, ok := snapshot[old.VehicleID]
		if !ok || cur.NewerThan(*old) {
			return snapshot, false
		}
		out := snapshot.Clone()
		delete(out, old.VehicleID)
		return out, true
	default:
		rec := change.New
		if rec == nil || rec.VehicleID == "" {
			return snapshot, false
		}
		if cur, ok := snapshot[rec.VehicleID]; ok && !rec.NewerThan(cur) {
			return snapshot, false
		}
		out := snapshot.Clone()
		out[rec.VehicleID] = rec.Clone()
		return out, true
	}
}

// ReplaceAll returns an independent copy of snapshot. A resync is
// authoritative, so nothing of the previous state survives.
func ReplaceAll(snapshot models.Snapshot) models.Snapshot {
	if snapshot == nil {
		return models.Snapshot{}
	}
	return snapshot.Clone()
}

// Store owns the snapshot of one tenant subscription.
type Store struct {
	mu       sync.RWMutex
	snapshot models.Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{snapshot: models.Snapshot{}}
}

// Apply merges change and reports whether the snapshot changed.
func (s *Store) Apply(change models.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := applyChange(s.snapshot, change)
	s.snapshot = next
	return changed
}

// ReplaceAll swaps the whole snapshot.
func (s *Store) ReplaceAll(snapshot models.Snapshot) {
	s.mu.Lock()
	s.snapshot = ReplaceAll(snapshot)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Len returns the number of vehicles held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshot)
}
