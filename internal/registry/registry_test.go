package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

func newSession(tenant wire.TenantId, user wire.UserId) *session.Session {
	return session.New(wire.NewSessionId(), user, tenant, "127.0.0.1:1234", time.Now(), outbound.New(outbound.Caps{}, nil))
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	s := newSession("acme", "u1")

	evicted, err := r.Register(s, config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 5, OnExceed: config.OnExceedDeny}, 0)
	if err != nil || len(evicted) != 0 {
		t.Fatalf("unexpected register result: evicted=%v err=%v", evicted, err)
	}

	got, ok := r.Lookup(s.ID)
	if !ok || got != s {
		t.Fatalf("expected to find registered session")
	}
	if r.TenantSessionCount("acme") != 1 {
		t.Fatalf("expected tenant count 1, got %d", r.TenantSessionCount("acme"))
	}
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	r := New()
	s := newSession("acme", "u1")
	r.Register(s, config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 5}, 0)
	r.Unregister(s.ID)

	if _, ok := r.Lookup(s.ID); ok {
		t.Fatal("expected session gone from by_id index")
	}
	if users := r.IterUser("acme", "u1"); len(users) != 0 {
		t.Fatalf("expected empty user index, got %d", len(users))
	}
	if r.TenantSessionCount("acme") != 0 {
		t.Fatalf("expected tenant count 0, got %d", r.TenantSessionCount("acme"))
	}
}

func TestSingleModeDenyRejectsSecondSession(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeSingle, OnExceed: config.OnExceedDeny}

	s1 := newSession("acme", "u1")
	if _, err := r.Register(s1, policy, 0); err != nil {
		t.Fatalf("unexpected error on first register: %v", err)
	}

	s2 := newSession("acme", "u1")
	_, err := r.Register(s2, policy, 0)
	if err != ErrUserSessionDenied {
		t.Fatalf("expected ErrUserSessionDenied, got %v", err)
	}
}

func TestSingleModeKickOldestEvictsPrevious(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeSingle, OnExceed: config.OnExceedKickOldest}

	s1 := newSession("acme", "u1")
	r.Register(s1, policy, 0)

	s2 := newSession("acme", "u1")
	evicted, err := r.Register(s2, policy, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Session != s1 {
		t.Fatalf("expected s1 evicted, got %+v", evicted)
	}

	if _, ok := r.Lookup(s1.ID); ok {
		t.Fatal("expected evicted session removed from registry")
	}
	got, ok := r.Lookup(s2.ID)
	if !ok || got != s2 {
		t.Fatal("expected new session registered")
	}
	if r.TenantSessionCount("acme") != 1 {
		t.Fatalf("expected tenant count 1 after kick+register, got %d", r.TenantSessionCount("acme"))
	}
}

func TestMultiModeKickOldestOnOverflow(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 2, OnExceed: config.OnExceedKickOldest}

	s1 := newSession("acme", "u1")
	r.Register(s1, policy, 0)
	s2 := newSession("acme", "u1")
	r.Register(s2, policy, 0)

	s3 := newSession("acme", "u1")
	evicted, err := r.Register(s3, policy, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Session != s1 {
		t.Fatalf("expected oldest session s1 evicted, got %+v", evicted)
	}

	users := r.IterUser("acme", "u1")
	if len(users) != 2 {
		t.Fatalf("expected 2 remaining sessions, got %d", len(users))
	}
}

func TestTenantSessionLimitDenies(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 10, OnExceed: config.OnExceedDeny}

	s1 := newSession("acme", "u1")
	if _, err := r.Register(s1, policy, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s2 := newSession("acme", "u2")
	_, err := r.Register(s2, policy, 1)
	if err != ErrTenantSessionLimit {
		t.Fatalf("expected ErrTenantSessionLimit, got %v", err)
	}
}

func TestIterTenant(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 10}
	s1 := newSession("acme", "u1")
	s2 := newSession("acme", "u2")
	s3 := newSession("globex", "u3")
	r.Register(s1, policy, 0)
	r.Register(s2, policy, 0)
	r.Register(s3, policy, 0)

	acme := r.IterTenant("acme")
	if len(acme) != 2 {
		t.Fatalf("expected 2 acme sessions, got %d", len(acme))
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	policy := config.SessionPolicy{Mode: config.SessionModeMulti, MaxSessionsPerUser: 1000, OnExceed: config.OnExceedDeny}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := newSession("acme", wire.UserId("u"))
			r.Register(s, policy, 0)
			r.Unregister(s.ID)
		}(i)
	}
	wg.Wait()

	if r.TenantSessionCount("acme") != 0 {
		t.Fatalf("expected tenant count back to 0, got %d", r.TenantSessionCount("acme"))
	}
}
