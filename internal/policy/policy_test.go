package policy

import (
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/allowlist"
	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/ratelimit"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

func newTenantPolicy(t *testing.T) *TenantPolicy {
	ext, err := allowlist.CompileExt([]string{"chat:send"})
	if err != nil {
		t.Fatal(err)
	}
	hot, err := allowlist.CompileHot([]string{"1:1"})
	if err != nil {
		t.Fatal(err)
	}
	return &TenantPolicy{
		Limits:       config.Limits{MaxFrameBytes: 1024},
		RateScope:    config.RateLimitScopeConnection,
		HotErrorMode: config.HotErrorModeSysError,
		ExtAllow:     ext,
		HotAllow:     hot,
		Counters:     &Counters{},
	}
}

func newSessionWithBucket() *session.Session {
	s := session.New(wire.NewSessionId(), "u1", "acme", "127.0.0.1:1", time.Now(), outbound.New(outbound.Caps{}, nil))
	s.ConnBucket = ratelimit.New(1000, 1000, nil)
	return s
}

func TestCheckFrameSizeRejectsOversized(t *testing.T) {
	tp := newTenantPolicy(t)
	if r := CheckFrameSize(tp, 2048); r.Verdict != RejectFatal || r.Kind != wire.ErrorFrameTooLarge {
		t.Fatalf("expected RejectFatal/frame_too_large, got %+v", r)
	}
	if r := CheckFrameSize(tp, 100); r.Verdict != Admit {
		t.Fatalf("expected Admit for frame within limit, got %+v", r)
	}
}

func TestEvaluateExtDeniesNukeLikeSpecS2(t *testing.T) {
	tp := newTenantPolicy(t)
	sess := newSessionWithBucket()

	if r := EvaluateExt(tp, sess, "chat", "nuke"); r.Verdict != RejectLocal || r.Kind != wire.ErrorPolicyDenied {
		t.Fatalf("expected policy_denied for chat:nuke, got %+v", r)
	}
	if r := EvaluateExt(tp, sess, "chat", "send"); r.Verdict != Admit {
		t.Fatalf("expected admit for allowlisted chat:send, got %+v", r)
	}
}

func TestEvaluateHotDeniesUnknownOpcode(t *testing.T) {
	tp := newTenantPolicy(t)
	sess := newSessionWithBucket()

	if r := EvaluateHot(tp, sess, 1, 2); r.Verdict != RejectLocal || r.Kind != wire.ErrorPolicyDenied {
		t.Fatalf("expected policy_denied, got %+v", r)
	}
}

func TestEvaluateHotSilentModeSuppressesReport(t *testing.T) {
	tp := newTenantPolicy(t)
	tp.HotErrorMode = config.HotErrorModeSilent
	sess := newSessionWithBucket()

	r := EvaluateHot(tp, sess, 1, 2)
	if r.Verdict != RejectLocal || r.Report {
		t.Fatalf("expected unreported rejection in silent mode, got %+v", r)
	}
}

func TestCheckRateLimitConnectionScope(t *testing.T) {
	tp := newTenantPolicy(t)
	sess := newSessionWithBucket()
	sess.ConnBucket = ratelimit.New(1, 1, nil)

	if r := CheckRateLimit(tp, sess, false); r.Verdict != Admit {
		t.Fatalf("expected first take admitted, got %+v", r)
	}
	if r := CheckRateLimit(tp, sess, false); r.Verdict != RejectLocal || r.Kind != wire.ErrorRateLimited {
		t.Fatalf("expected rate_limited on burst exhaustion, got %+v", r)
	}
}

func TestCheckRateLimitBothScopeRequiresBothBuckets(t *testing.T) {
	tp := newTenantPolicy(t)
	tp.RateScope = config.RateLimitScopeBoth
	tp.TenantBucket = ratelimit.New(1000, 1000, nil)
	sess := newSessionWithBucket()
	sess.ConnBucket = ratelimit.New(1, 1, nil)

	CheckRateLimit(tp, sess, false) // consume the only connection token
	if r := CheckRateLimit(tp, sess, false); r.Verdict != RejectLocal {
		t.Fatalf("expected rejection when connection bucket is exhausted even though tenant bucket has room, got %+v", r)
	}
}

func TestCheckHotActiveRoomGate(t *testing.T) {
	tp := newTenantPolicy(t)
	tp.HotRequiresActiveRoom = true
	sess := newSessionWithBucket()

	if r := CheckHotActiveRoom(tp, sess); r.Verdict != RejectLocal || r.Kind != wire.ErrorHotNoActiveRoom {
		t.Fatalf("expected hot_no_active_room, got %+v", r)
	}

	sess.SetActiveRoom("lobby")
	if r := CheckHotActiveRoom(tp, sess); r.Verdict != Admit {
		t.Fatalf("expected admit once active room is set, got %+v", r)
	}
}
