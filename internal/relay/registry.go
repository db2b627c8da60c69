// Package relay fans persisted position writes out to websocket subscribers
// grouped by tenant.
package relay

import (
	"sort"
	"sync"

	"github.com/ukydev/control-room/internal/metrics"
)

// Subscriber is one live push connection.
type Subscriber interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
}

// RoomName is the room a tenant's subscribers join.
func RoomName(tenantID string) string {
	return "transporteur_" + tenantID
}

// RoomRegistry maps tenants to their subscribers. Rooms are created on first
// join and removed when their last member leaves.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber // tenantID -> subscriberID -> subscriber
	// joined is the reverse index used by LeaveAll.
	joined map[string]map[string]struct{} // subscriberID -> tenantIDs
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]map[string]Subscriber),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds sub to the tenant room. It returns false if sub was already a
// member.
func (r *RoomRegistry) Join(tenantID string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[tenantID]
	if !ok {
		members = make(map[string]Subscriber)
		r.rooms[tenantID] = members
	}
	if _, ok := members[sub.ID()]; ok {
		return false
	}
	members[sub.ID()] = sub

	tenants, ok := r.joined[sub.ID()]
	if !ok {
		tenants = make(map[string]struct{})
		r.joined[sub.ID()] = tenants
	}
	tenants[tenantID] = struct{}{}
	r.updateGauges()
	return true
}

// Leave removes a subscriber from the tenant room. It returns false if it was
// not a member.
func (r *RoomRegistry) Leave(tenantID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	left := r.leave(tenantID, subID)
	if left {
		r.updateGauges()
	}
	return left
}

// LeaveAll removes a subscriber from every room and returns the tenants it
// left, sorted.
func (r *RoomRegistry) LeaveAll(subID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tenants []string
	for tenantID := range r.joined[subID] {
		tenants = append(tenants, tenantID)
	}
	for _, tenantID := range tenants {
		r.leave(tenantID, subID)
	}
	if len(tenants) > 0 {
		r.updateGauges()
	}
	sort.Strings(tenants)
	return tenants
}

// must hold r.mu
func (r *RoomRegistry) leave(tenantID, subID string) bool {
	members, ok := r.rooms[tenantID]
	if !ok {
		return false
	}
	if _, ok := members[subID]; !ok {
		return false
	}
	delete(members, subID)
	if len(members) == 0 {
		delete(r.rooms, tenantID)
	}
	if tenants, ok := r.joined[subID]; ok {
		delete(tenants, tenantID)
		if len(tenants) == 0 {
			delete(r.joined, subID)
		}
	}
	return true
}

// must hold r.mu
func (r *RoomRegistry) updateGauges() {
	metrics.UpdateRoomGauges(len(r.rooms), len(r.joined))
}

// Members returns a copy of the tenant room's members, sorted by ID.
func (r *RoomRegistry) Members(tenantID string) []Subscriber {
	r.mu.RLock()
	members := make([]Subscriber, 0, len(r.rooms[tenantID]))
	for _, sub := range r.rooms[tenantID] {
		members = append(members, sub)
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].ID() < members[j].ID() })
	return members
}

// IsMember reports whether subID belongs to the tenant room.
func (r *RoomRegistry) IsMember(tenantID, subID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[tenantID][subID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SubscriberCount returns the number of distinct subscribers in any room.
func (r *RoomRegistry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}
