// Package policy implements PolicyPipeline (spec §4.7): the ordered
// per-frame admission checks a decoded frame must clear before reaching
// the Dispatcher — frame size, lane classification, decode, allowlist,
// rate limit, and the Hot-lane active-room gate.
package policy

import (
	"sync/atomic"

	"github.com/asyncnomad/wsprism/internal/allowlist"
	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/ratelimit"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// Verdict is the outcome of running a frame through the pipeline.
type Verdict int

const (
	// Admit means the frame may proceed to the Dispatcher.
	Admit Verdict = iota
	// RejectLocal means the frame is refused, delivered to the offending
	// session per the lane's error-delivery rule, and dropped; the
	// connection stays open.
	RejectLocal
	// RejectFatal means the connection must be closed after an attempt to
	// flush a final sys/error.
	RejectFatal
)

// Result carries the verdict and, for rejections, the error kind and
// whether it should be reported to the client at all (hot_error_mode may
// be silent).
type Result struct {
	Verdict Verdict
	Kind    wire.ErrorKind
	Report  bool
}

func admit() Result { return Result{Verdict: Admit} }

func rejectLocal(kind wire.ErrorKind, report bool) Result {
	return Result{Verdict: RejectLocal, Kind: kind, Report: report}
}

func rejectFatal(kind wire.ErrorKind) Result {
	return Result{Verdict: RejectFatal, Kind: kind, Report: true}
}

// Counters tracks per-tenant admission outcomes for observability. All
// fields are safe for concurrent use.
type Counters struct {
	FrameTooLarge   atomic.Uint64
	DecodeErrors    atomic.Uint64
	PolicyDenied    atomic.Uint64
	RateLimited     atomic.Uint64
	HotNoActiveRoom atomic.Uint64
}

// TenantPolicy bundles the compiled, per-tenant policy state the pipeline
// checks a frame against.
type TenantPolicy struct {
	Limits       config.Limits
	RateScope    config.RateLimitScope
	HotErrorMode config.HotErrorMode
	HotRequiresActiveRoom bool
	ExtAllow     *allowlist.Ext
	HotAllow     *allowlist.Hot
	TenantBucket *ratelimit.TokenBucket // nil disables tenant-scope limiting
	Counters     *Counters
}

// CheckFrameSize is step 1: reject oversized frames. A violation is
// connection-fatal per spec §4.7 (frame_too_large closes the connection).
func CheckFrameSize(tp *TenantPolicy, frameLen int) Result {
	if tp.Limits.MaxFrameBytes > 0 && frameLen > tp.Limits.MaxFrameBytes {
		tp.Counters.FrameTooLarge.Add(1)
		return rejectFatal(wire.ErrorFrameTooLarge)
	}
	return admit()
}

// CheckExtAllowlist is step 4 for the Ext lane.
func CheckExtAllowlist(tp *TenantPolicy, svc, typ string) Result {
	if !tp.ExtAllow.AdmitExt(svc, typ) {
		tp.Counters.PolicyDenied.Add(1)
		return rejectLocal(wire.ErrorPolicyDenied, true)
	}
	return admit()
}

// CheckHotAllowlist is step 4 for the Hot lane. Whether a denial is
// reported to the client depends on hot_error_mode.
func CheckHotAllowlist(tp *TenantPolicy, svcID, opcode uint8) Result {
	if !tp.HotAllow.AdmitHot(svcID, opcode) {
		tp.Counters.PolicyDenied.Add(1)
		return rejectLocal(wire.ErrorPolicyDenied, tp.HotErrorMode == config.HotErrorModeSysError)
	}
	return admit()
}

// CheckRateLimit is step 5: take one token from whichever buckets
// rate_limit_scope names. isHot controls how a failure is reported.
func CheckRateLimit(tp *TenantPolicy, sess *session.Session, isHot bool) Result {
	ok := true
	switch tp.RateScope {
	case config.RateLimitScopeTenant:
		ok = tp.TenantBucket == nil || tp.TenantBucket.TryTake(1)
	case config.RateLimitScopeConnection:
		ok = sess.ConnBucket == nil || sess.ConnBucket.TryTake(1)
	case config.RateLimitScopeBoth:
		tenantOK := tp.TenantBucket == nil || tp.TenantBucket.TryTake(1)
		connOK := sess.ConnBucket == nil || sess.ConnBucket.TryTake(1)
		ok = tenantOK && connOK
	}
	if !ok {
		tp.Counters.RateLimited.Add(1)
		report := true
		if isHot {
			report = tp.HotErrorMode == config.HotErrorModeSysError
		}
		return rejectLocal(wire.ErrorRateLimited, report)
	}
	return admit()
}

// CheckHotActiveRoom is step 6, Hot lane only: if the tenant requires an
// active room for implicit routing and the session has none, reject.
func CheckHotActiveRoom(tp *TenantPolicy, sess *session.Session) Result {
	if !tp.HotRequiresActiveRoom {
		return admit()
	}
	if _, ok := sess.ActiveRoom(); !ok {
		tp.Counters.HotNoActiveRoom.Add(1)
		report := tp.HotErrorMode == config.HotErrorModeSysError
		return rejectLocal(wire.ErrorHotNoActiveRoom, report)
	}
	return admit()
}

// RejectDecodeError is used when step 3 (decode) fails; a malformed frame
// is connection-fatal on both lanes, regardless of hot_error_mode (spec
// §4.7 names decode_error among the connection-fatal reasons), rather than
// silently discarding a frame whose boundaries couldn't be parsed.
func RejectDecodeError() Result {
	return rejectFatal(wire.ErrorDecode)
}

// RejectBadVersion is used when the envelope/header version field doesn't
// match the lane's supported version.
func RejectBadVersion() Result {
	return rejectFatal(wire.ErrorBadVersion)
}

// EvaluateExt runs the full Ext-lane pipeline (steps 4-5; frame size and
// decode are checked by the caller before svc/type are known).
func EvaluateExt(tp *TenantPolicy, sess *session.Session, svc, typ string) Result {
	if r := CheckExtAllowlist(tp, svc, typ); r.Verdict != Admit {
		return r
	}
	return CheckRateLimit(tp, sess, false)
}

// EvaluateHot runs the full Hot-lane pipeline (steps 4-6).
func EvaluateHot(tp *TenantPolicy, sess *session.Session, svcID, opcode uint8) Result {
	if r := CheckHotAllowlist(tp, svcID, opcode); r.Verdict != Admit {
		return r
	}
	if r := CheckRateLimit(tp, sess, true); r.Verdict != Admit {
		return r
	}
	return CheckHotActiveRoom(tp, sess)
}
