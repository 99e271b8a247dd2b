// Package session defines the Session type shared by SessionRegistry and
// RoomPresence (spec §3): the unit of addressable, per-connection state
// that both indexes reference (by pointer, keyed by id) rather than own.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/ratelimit"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// Session represents one authenticated WebSocket connection. It is owned
// by the ConnectionLoop that created it and referenced (a pointer keyed by
// id) from SessionRegistry and RoomPresence — neither index holds the only
// reference, so a Session's lifetime is exactly its ConnectionLoop's.
type Session struct {
	ID         wire.SessionId
	User       wire.UserId
	Tenant     wire.TenantId
	RemoteAddr string
	CreatedAt  time.Time

	Outbound   *outbound.Queue
	ConnBucket *ratelimit.TokenBucket // nil if connection-scope rate limiting is disabled

	lastRxNano atomic.Int64
	activeRoom atomic.Pointer[wire.RoomId]

	roomsMu     sync.Mutex
	joinedRooms map[wire.RoomId]struct{}

	closeOnce   sync.Once
	closeCh     chan struct{}
	closeReason atomic.Pointer[wire.ErrorKind]
}

// New creates a Session with no joined rooms and no active room, with
// last_rx_at set to now.
func New(id wire.SessionId, user wire.UserId, tenant wire.TenantId, remoteAddr string, now time.Time, q *outbound.Queue) *Session {
	s := &Session{
		ID:          id,
		User:        user,
		Tenant:      tenant,
		RemoteAddr:  remoteAddr,
		CreatedAt:   now,
		Outbound:    q,
		joinedRooms: make(map[wire.RoomId]struct{}),
		closeCh:     make(chan struct{}),
	}
	s.lastRxNano.Store(now.UnixNano())
	return s
}

// Touch records inbound activity, resetting the idle timer.
func (s *Session) Touch(now time.Time) {
	s.lastRxNano.Store(now.UnixNano())
}

// LastRxAt returns the last time a frame was received from the client.
func (s *Session) LastRxAt() time.Time {
	return time.Unix(0, s.lastRxNano.Load())
}

// ActiveRoom returns the session's active room for Hot-lane routing, if any.
func (s *Session) ActiveRoom() (wire.RoomId, bool) {
	p := s.activeRoom.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// SetActiveRoom sets the room used for implicit Hot-lane routing. Per spec
// §4.5, this never implicitly joins — callers must already hold
// membership via RoomPresence.Join.
func (s *Session) SetActiveRoom(room wire.RoomId) {
	r := room
	s.activeRoom.Store(&r)
}

// ClearActiveRoom unsets the active room (e.g. on leave).
func (s *Session) ClearActiveRoom() {
	s.activeRoom.Store(nil)
}

// ClearActiveRoomIfEqual unsets the active room only if it currently
// equals room, so leaving a room the session isn't actively in doesn't
// race-clear an unrelated concurrent SetActiveRoom.
func (s *Session) ClearActiveRoomIfEqual(room wire.RoomId) {
	for {
		p := s.activeRoom.Load()
		if p == nil || *p != room {
			return
		}
		if s.activeRoom.CompareAndSwap(p, nil) {
			return
		}
	}
}

// RoomsMutex exposes the session's joined-room lock so RoomPresence can
// update this session's joined-rooms set while holding the room's own
// lock, so the two membership sets change together, per spec §4.5/§5.
func (s *Session) RoomsMutex() *sync.Mutex { return &s.roomsMu }

// AddJoinedRoomLocked records room membership. Callers must hold the lock
// returned by RoomsMutex (normally RoomPresence, while also holding the
// room's own lock).
func (s *Session) AddJoinedRoomLocked(room wire.RoomId) {
	s.joinedRooms[room] = struct{}{}
}

// RemoveJoinedRoomLocked removes room membership. See AddJoinedRoomLocked.
func (s *Session) RemoveJoinedRoomLocked(room wire.RoomId) {
	delete(s.joinedRooms, room)
}

// HasJoinedLocked reports whether the session has joined room. See
// AddJoinedRoomLocked.
func (s *Session) HasJoinedLocked(room wire.RoomId) bool {
	_, ok := s.joinedRooms[room]
	return ok
}

// JoinedRoomCountLocked returns the number of rooms currently joined. See
// AddJoinedRoomLocked.
func (s *Session) JoinedRoomCountLocked() int {
	return len(s.joinedRooms)
}

// JoinedRooms returns a snapshot of currently joined rooms.
func (s *Session) JoinedRooms() []wire.RoomId {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	rooms := make([]wire.RoomId, 0, len(s.joinedRooms))
	for r := range s.joinedRooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// RequestClose asks the owning ConnectionLoop to terminate with reason,
// idempotently. It does not itself close the socket — the ConnectionLoop
// observes CloseRequested and performs the actual teardown, so cleanup
// always happens on the same goroutine that owns the connection.
func (s *Session) RequestClose(reason wire.ErrorKind) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(&reason)
		close(s.closeCh)
	})
}

// CloseRequested returns a channel that's closed once RequestClose has
// been called.
func (s *Session) CloseRequested() <-chan struct{} {
	return s.closeCh
}

// CloseReason returns the reason passed to RequestClose, if any.
func (s *Session) CloseReason() (wire.ErrorKind, bool) {
	p := s.closeReason.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}
