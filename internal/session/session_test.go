package session

import (
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/wire"
)

func newTestSession() *Session {
	return New(wire.NewSessionId(), "u1", "acme", "127.0.0.1:1234", time.Now(), outbound.New(outbound.Caps{}, nil))
}

func TestTouchUpdatesLastRxAt(t *testing.T) {
	s := newTestSession()
	first := s.LastRxAt()

	later := first.Add(5 * time.Second)
	s.Touch(later)
	if !s.LastRxAt().Equal(later) {
		t.Fatalf("expected LastRxAt %v, got %v", later, s.LastRxAt())
	}
}

func TestActiveRoomSetClearAndClearIfEqual(t *testing.T) {
	s := newTestSession()
	if _, ok := s.ActiveRoom(); ok {
		t.Fatal("expected no active room initially")
	}

	s.SetActiveRoom("r1")
	got, ok := s.ActiveRoom()
	if !ok || got != "r1" {
		t.Fatalf("expected active room r1, got %v ok=%v", got, ok)
	}

	s.ClearActiveRoomIfEqual("r2") // different room: no-op
	if got, ok := s.ActiveRoom(); !ok || got != "r1" {
		t.Fatalf("expected active room unchanged, got %v ok=%v", got, ok)
	}

	s.ClearActiveRoomIfEqual("r1")
	if _, ok := s.ActiveRoom(); ok {
		t.Fatal("expected active room cleared")
	}

	s.SetActiveRoom("r3")
	s.ClearActiveRoom()
	if _, ok := s.ActiveRoom(); ok {
		t.Fatal("expected active room cleared unconditionally")
	}
}

func TestJoinedRoomsLockedHelpers(t *testing.T) {
	s := newTestSession()
	mu := s.RoomsMutex()

	mu.Lock()
	s.AddJoinedRoomLocked("r1")
	s.AddJoinedRoomLocked("r2")
	count := s.JoinedRoomCountLocked()
	hasR1 := s.HasJoinedLocked("r1")
	mu.Unlock()

	if count != 2 {
		t.Fatalf("expected 2 joined rooms, got %d", count)
	}
	if !hasR1 {
		t.Fatal("expected r1 joined")
	}

	rooms := s.JoinedRooms()
	if len(rooms) != 2 {
		t.Fatalf("expected snapshot of 2 rooms, got %v", rooms)
	}

	mu.Lock()
	s.RemoveJoinedRoomLocked("r1")
	remaining := s.JoinedRoomCountLocked()
	mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected 1 room remaining, got %d", remaining)
	}
}

func TestRequestCloseIsIdempotentAndSignalOnly(t *testing.T) {
	s := newTestSession()

	select {
	case <-s.CloseRequested():
		t.Fatal("expected close not yet requested")
	default:
	}

	s.RequestClose(wire.ErrorIdleTimeout)
	s.RequestClose(wire.ErrorSlowConsumer) // second call must not panic or change reason

	select {
	case <-s.CloseRequested():
	default:
		t.Fatal("expected close requested channel closed")
	}

	reason, ok := s.CloseReason()
	if !ok || reason != wire.ErrorIdleTimeout {
		t.Fatalf("expected first reason to stick, got %v ok=%v", reason, ok)
	}
}
