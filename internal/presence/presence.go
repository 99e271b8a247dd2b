// Package presence implements RoomPresence (spec §4.5): the tenant-scoped
// rooms↔sessions index, and each session's "active room" used for
// implicit Hot-lane routing.
package presence

import (
	"sync"

	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// JoinError explains why Join refused to add a session to a room.
type JoinError int

const (
	ErrNone JoinError = iota
	// ErrRoomCapacity means the room is full (max_users_per_room).
	ErrRoomCapacity
	// ErrTenantRoomCapacity means creating a new room would exceed
	// max_rooms_total for the tenant.
	ErrTenantRoomCapacity
	// ErrUserRoomCapacity means the session has already joined
	// max_rooms_per_user rooms.
	ErrUserRoomCapacity
)

func (e JoinError) Error() string {
	switch e {
	case ErrRoomCapacity:
		return "room is at capacity"
	case ErrTenantRoomCapacity:
		return "tenant room limit reached"
	case ErrUserRoomCapacity:
		return "session has reached its joined-room limit"
	default:
		return "unknown join error"
	}
}

type room struct {
	mu      sync.Mutex
	members map[wire.SessionId]*session.Session
}

// tenantRooms is one tenant's room index.
type tenantRooms struct {
	mu    sync.Mutex
	rooms map[wire.RoomId]*room
}

// Presence is the process-wide RoomPresence index, keyed by tenant.
type Presence struct {
	mu      sync.Mutex
	tenants map[wire.TenantId]*tenantRooms
}

// New creates an empty Presence index.
func New() *Presence {
	return &Presence{tenants: make(map[wire.TenantId]*tenantRooms)}
}

func (p *Presence) tenantFor(tenant wire.TenantId) *tenantRooms {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.tenants[tenant]
	if !ok {
		tr = &tenantRooms{rooms: make(map[wire.RoomId]*room)}
		p.tenants[tenant] = tr
	}
	return tr
}

// Join adds sess to room, enforcing capacity limits (spec §4.5). A
// session already joined to room is a no-op success.
func (p *Presence) Join(sess *session.Session, roomID wire.RoomId, maxRoomsTotal, maxUsersPerRoom, maxRoomsPerUser int) error {
	tr := p.tenantFor(sess.Tenant)

	roomsMu := sess.RoomsMutex()
	roomsMu.Lock()
	alreadyJoined := sess.HasJoinedLocked(roomID)
	joinedCount := sess.JoinedRoomCountLocked()
	roomsMu.Unlock()
	if alreadyJoined {
		return nil
	}
	if maxRoomsPerUser > 0 && joinedCount >= maxRoomsPerUser {
		return ErrUserRoomCapacity
	}

	// tr.mu stays held until rm.mu is acquired so a concurrent Leave can't
	// delete roomID out from under tr.rooms between the lookup/insert
	// above and the membership write below (deleteRoomIfEmpty takes the
	// same tr.mu-then-rm.mu order).
	tr.mu.Lock()
	rm, existed := tr.rooms[roomID]
	if !existed {
		if maxRoomsTotal > 0 && len(tr.rooms) >= maxRoomsTotal {
			tr.mu.Unlock()
			return ErrTenantRoomCapacity
		}
		rm = &room{members: make(map[wire.SessionId]*session.Session)}
		tr.rooms[roomID] = rm
	}
	rm.mu.Lock()
	tr.mu.Unlock()
	defer rm.mu.Unlock()
	if maxUsersPerRoom > 0 && len(rm.members) >= maxUsersPerRoom {
		return ErrRoomCapacity
	}
	rm.members[sess.ID] = sess

	roomsMu.Lock()
	sess.AddJoinedRoomLocked(roomID)
	roomsMu.Unlock()
	return nil
}

// Leave removes sess from room. Deletes the room if it becomes empty.
func (p *Presence) Leave(sess *session.Session, roomID wire.RoomId) {
	tr := p.tenantFor(sess.Tenant)

	tr.mu.Lock()
	rm, ok := tr.rooms[roomID]
	tr.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, sess.ID)
	empty := len(rm.members) == 0
	roomsMu := sess.RoomsMutex()
	roomsMu.Lock()
	sess.RemoveJoinedRoomLocked(roomID)
	roomsMu.Unlock()
	rm.mu.Unlock()

	sess.ClearActiveRoomIfEqual(roomID)

	if empty {
		p.deleteRoomIfEmpty(tr, roomID, rm)
	}
}

func (p *Presence) deleteRoomIfEmpty(tr *tenantRooms, roomID wire.RoomId, rm *room) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rm.mu.Lock()
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty && tr.rooms[roomID] == rm {
		delete(tr.rooms, roomID)
	}
}

// LeaveAll removes sess from every room it has joined, called once on
// ConnectionLoop teardown (spec §4.5).
func (p *Presence) LeaveAll(sess *session.Session) {
	for _, roomID := range sess.JoinedRooms() {
		p.Leave(sess, roomID)
	}
}

// SetActiveRoom sets sess's active room for Hot-lane routing. Per spec
// §4.5/§9, it does not implicitly join: the caller must already hold
// membership via Join. If sess has not joined roomID, the active room is
// left unchanged and ErrUserRoomCapacity is returned.
func (p *Presence) SetActiveRoom(sess *session.Session, roomID wire.RoomId) error {
	roomsMu := sess.RoomsMutex()
	roomsMu.Lock()
	joined := sess.HasJoinedLocked(roomID)
	roomsMu.Unlock()
	if !joined {
		return ErrUserRoomCapacity
	}
	sess.SetActiveRoom(roomID)
	return nil
}

// MembersOf returns a snapshot of sessions currently in room.
func (p *Presence) MembersOf(tenant wire.TenantId, roomID wire.RoomId) []*session.Session {
	tr := p.tenantFor(tenant)
	tr.mu.Lock()
	rm, ok := tr.rooms[roomID]
	tr.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*session.Session, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

// Broadcast offers item to every member of room except excludeSelf (if
// set), taking a membership snapshot under the room lock then releasing it
// before offering to queues, so one slow consumer cannot stall delivery to
// the rest of the room (spec §4.5).
func (p *Presence) Broadcast(tenant wire.TenantId, roomID wire.RoomId, item outbound.Item, excludeSelf *wire.SessionId) {
	members := p.MembersOf(tenant, roomID)
	for _, s := range members {
		if excludeSelf != nil && s.ID == *excludeSelf {
			continue
		}
		s.Outbound.Offer(item)
	}
}

// RoomCount returns the number of live rooms for tenant.
func (p *Presence) RoomCount(tenant wire.TenantId) int {
	tr := p.tenantFor(tenant)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.rooms)
}
