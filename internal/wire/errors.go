package wire

import (
	"errors"

	"github.com/samber/oops"
)

// ErrorKind is a stable, user-visible error vocabulary (spec §7). Only
// these values are ever serialized into a sys/error frame or surfaced as
// an HTTP status; anything else is folded into ErrorInternal.
type ErrorKind string

const (
	ErrorAuthFailed           ErrorKind = "auth_failed"
	ErrorTenantUnknown        ErrorKind = "tenant_unknown"
	ErrorHandshakeRateLimited ErrorKind = "handshake_rate_limited"
	ErrorPolicyDenied         ErrorKind = "policy_denied"
	ErrorRateLimited          ErrorKind = "rate_limited"
	ErrorFrameTooLarge        ErrorKind = "frame_too_large"
	ErrorDecode               ErrorKind = "decode_error"
	ErrorBadVersion            ErrorKind = "bad_version"
	ErrorHotNoActiveRoom      ErrorKind = "hot_no_active_room"
	ErrorSessionReplaced      ErrorKind = "session_replaced"
	ErrorPolicyShutdown       ErrorKind = "policy_shutdown"
	ErrorIdleTimeout          ErrorKind = "idle_timeout"
	ErrorSlowConsumer         ErrorKind = "slow_consumer"
	ErrorInternal             ErrorKind = "internal_error"
)

// GatewayError is the structured error carried across core package
// boundaries. It wraps samber/oops so callers get rich context (session,
// tenant, frame size, ...) in logs while only ErrorKind ever reaches a
// client.
type GatewayError struct {
	Kind ErrorKind
	err  error
}

// NewGatewayError builds a GatewayError of the given kind with structured
// context fields, in the style of holomush's oops.Code(...).With(...).
func NewGatewayError(kind ErrorKind, msg string, fields ...any) *GatewayError {
	b := oops.Code(string(kind))
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		b = b.With(key, fields[i+1])
	}
	return &GatewayError{Kind: kind, err: b.Errorf("%s", msg)}
}

func (e *GatewayError) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return e.err.Error()
}

func (e *GatewayError) Unwrap() error { return e.err }

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *GatewayError, otherwise returns ErrorInternal.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ErrorInternal
}
