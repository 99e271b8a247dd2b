package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

func newSession(tenant wire.TenantId, user wire.UserId) *session.Session {
	return session.New(wire.NewSessionId(), user, tenant, "127.0.0.1:1234", time.Now(), outbound.New(outbound.Caps{}, nil))
}

func TestJoinAndLeaveRoundTrip(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")

	if err := p.Join(s, "lobby", 0, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	members := p.MembersOf("acme", "lobby")
	if len(members) != 1 || members[0] != s {
		t.Fatalf("expected session in lobby, got %v", members)
	}
	rooms := s.JoinedRooms()
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("expected session to record joined room, got %v", rooms)
	}

	p.Leave(s, "lobby")
	if members := p.MembersOf("acme", "lobby"); len(members) != 0 {
		t.Fatalf("expected empty room after leave, got %v", members)
	}
	if p.RoomCount("acme") != 0 {
		t.Fatalf("expected room deleted after last member left, got count %d", p.RoomCount("acme"))
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")
	if err := p.Join(s, "lobby", 0, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Join(s, "lobby", 0, 0, 0); err != nil {
		t.Fatalf("unexpected error on re-join: %v", err)
	}
	if len(p.MembersOf("acme", "lobby")) != 1 {
		t.Fatal("expected idempotent join to not duplicate membership")
	}
}

func TestJoinEnforcesRoomCapacity(t *testing.T) {
	p := New()
	s1 := newSession("acme", "u1")
	s2 := newSession("acme", "u2")

	if err := p.Join(s1, "lobby", 0, 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Join(s2, "lobby", 0, 1, 0); err != ErrRoomCapacity {
		t.Fatalf("expected ErrRoomCapacity, got %v", err)
	}
}

func TestJoinEnforcesTenantRoomCapacity(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")

	if err := p.Join(s, "room1", 1, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Join(s, "room2", 1, 0, 0); err != ErrTenantRoomCapacity {
		t.Fatalf("expected ErrTenantRoomCapacity, got %v", err)
	}
}

func TestJoinEnforcesPerUserRoomCapacity(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")

	if err := p.Join(s, "room1", 0, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Join(s, "room2", 0, 0, 1); err != ErrUserRoomCapacity {
		t.Fatalf("expected ErrUserRoomCapacity, got %v", err)
	}
}

func TestSetActiveRoomRequiresJoin(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")

	if err := p.SetActiveRoom(s, "lobby"); err == nil {
		t.Fatal("expected error setting active room without join")
	}
	p.Join(s, "lobby", 0, 0, 0)
	if err := p.SetActiveRoom(s, "lobby"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := s.ActiveRoom()
	if !ok || got != "lobby" {
		t.Fatalf("expected active room lobby, got %v ok=%v", got, ok)
	}
}

func TestLeaveAllClearsActiveRoomAndMembership(t *testing.T) {
	p := New()
	s := newSession("acme", "u1")
	p.Join(s, "r1", 0, 0, 0)
	p.Join(s, "r2", 0, 0, 0)
	p.SetActiveRoom(s, "r1")

	p.LeaveAll(s)

	if rooms := s.JoinedRooms(); len(rooms) != 0 {
		t.Fatalf("expected no joined rooms after leave_all, got %v", rooms)
	}
	if _, ok := s.ActiveRoom(); ok {
		t.Fatal("expected active room cleared after leave_all")
	}
	if p.RoomCount("acme") != 0 {
		t.Fatalf("expected both rooms deleted, got count %d", p.RoomCount("acme"))
	}
}

func TestBroadcastExcludesSelfAndSkipsOtherTenants(t *testing.T) {
	p := New()
	s1 := newSession("acme", "u1")
	s2 := newSession("acme", "u2")
	p.Join(s1, "lobby", 0, 0, 0)
	p.Join(s2, "lobby", 0, 0, 0)

	item := outbound.Item{Priority: outbound.Lossy, Frame: wire.TextFrame([]byte("hi"))}
	excl := s1.ID
	p.Broadcast("acme", "lobby", item, &excl)

	if s1.Outbound.Len(outbound.Lossy) != 0 {
		t.Fatal("expected sender excluded from broadcast")
	}
	if s2.Outbound.Len(outbound.Lossy) != 1 {
		t.Fatal("expected other member to receive broadcast")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newSession("acme", "u")
			p.Join(s, "lobby", 0, 0, 0)
			p.Leave(s, "lobby")
		}()
	}
	wg.Wait()
	if p.RoomCount("acme") != 0 {
		t.Fatalf("expected room cleaned up, got count %d", p.RoomCount("acme"))
	}
}
