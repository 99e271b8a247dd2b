// Package dispatch implements the Dispatcher (spec §4.8): it decodes a
// frame's envelope/header (decoding itself happens in the gateway's read
// loop via wire.DecodeExtEnvelope/DecodeHotFrame), routes svc=sys frames
// to the gateway's own room join/leave/echo behavior, routes everything
// else to the ServiceRegistry, and turns a Handler's Action into outbound
// queue effects.
package dispatch

import (
	"log/slog"

	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/presence"
	"github.com/asyncnomad/wsprism/internal/service"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// sysTypeRoomJoin/RoomLeave/SetActiveRoom/Ping are the sys-service type names the
// dispatcher itself handles (spec §4.8: "sys handles room:join,
// room:leave, and control echoes").
const (
	sysTypeRoomJoin       = "room:join"
	sysTypeRoomLeave      = "room:leave"
	sysTypeSetActiveRoom  = "room:set_active"
	sysTypePing           = "ping"
)

// RoomLimits bundles the per-tenant capacity numbers Join needs, so the
// dispatcher doesn't import the config package directly.
type RoomLimits struct {
	MaxRoomsTotal   int
	MaxUsersPerRoom int
	MaxRoomsPerUser int
}

// Dispatcher routes decoded frames to the sys service or the
// ServiceRegistry and translates the resulting Action into outbound
// queue effects.
type Dispatcher struct {
	services *service.Registry
	presence *presence.Presence
}

// New creates a Dispatcher over the given ServiceRegistry and
// RoomPresence index.
func New(services *service.Registry, pres *presence.Presence) *Dispatcher {
	return &Dispatcher{services: services, presence: pres}
}

// DispatchExt routes one decoded Ext envelope. limits is only consulted
// for sys room:join.
func (d *Dispatcher) DispatchExt(sess *session.Session, env wire.ExtEnvelope, limits RoomLimits) {
	if env.Svc == wire.ServiceSys {
		d.dispatchSys(sess, env, limits)
		return
	}

	handler, ok := d.services.LookupExt(env.Svc)
	if !ok {
		d.enqueueError(sess, wire.ErrorPolicyDenied)
		return
	}

	action := d.invokeExt(handler, service.ExtRequest{Session: sess, Envelope: env})
	d.applyAction(sess, action)
}

// DispatchHot routes one decoded Hot frame.
func (d *Dispatcher) DispatchHot(sess *session.Session, hdr wire.HotHeader, payload []byte) {
	handler, ok := d.services.LookupHot(hdr.SvcID)
	if !ok {
		d.enqueueError(sess, wire.ErrorPolicyDenied)
		return
	}

	action := d.invokeHot(handler, service.HotRequest{Session: sess, Header: hdr, Payload: payload})
	d.applyAction(sess, action)
}

// invokeExt calls the handler, recovering from a panic into an
// internal_error Action (spec §4.8/§7: "Panics in handlers are caught at
// the dispatch boundary").
func (d *Dispatcher) invokeExt(h service.Handler, req service.ExtRequest) (action service.Action) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic recovered", "svc", req.Envelope.Svc, "panic", r)
			action = service.Error(wire.ErrorInternal)
		}
	}()
	return h.HandleExt(req)
}

func (d *Dispatcher) invokeHot(h service.Handler, req service.HotRequest) (action service.Action) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic recovered", "svc_id", req.Header.SvcID, "panic", r)
			action = service.Error(wire.ErrorInternal)
		}
	}()
	return h.HandleHot(req)
}

func (d *Dispatcher) applyAction(sess *session.Session, action service.Action) {
	switch action.Kind {
	case service.ActionNoop:
		return
	case service.ActionAck:
		raw, err := wire.SysEnvelope("ack", action.AckData)
		if err != nil {
			slog.Warn("failed to encode ack", "error", err)
			return
		}
		sess.Outbound.Offer(outbound.Item{Priority: outbound.Reliable, Frame: wire.TextFrame(raw)})
	case service.ActionForward:
		sess.Outbound.Offer(action.Item)
	case service.ActionBroadcast:
		var exclude *wire.SessionId
		if action.ExcludeSelf {
			id := sess.ID
			exclude = &id
		}
		d.presence.Broadcast(sess.Tenant, action.Room, action.Item, exclude)
	case service.ActionError:
		d.enqueueError(sess, action.Err)
	}
}

func (d *Dispatcher) enqueueError(sess *session.Session, kind wire.ErrorKind) {
	raw, err := wire.SysErrorEnvelope(kind, string(kind))
	if err != nil {
		slog.Warn("failed to encode sys error", "error", err)
		return
	}
	sess.Outbound.Offer(outbound.Item{Priority: outbound.Reliable, Frame: wire.TextFrame(raw)})
}

func (d *Dispatcher) dispatchSys(sess *session.Session, env wire.ExtEnvelope, limits RoomLimits) {
	switch env.Type {
	case sysTypeRoomJoin:
		room := roomFromEnvelope(env)
		if room == "" {
			d.enqueueError(sess, wire.ErrorDecode)
			return
		}
		if err := d.presence.Join(sess, room, limits.MaxRoomsTotal, limits.MaxUsersPerRoom, limits.MaxRoomsPerUser); err != nil {
			d.enqueueError(sess, wire.ErrorPolicyDenied)
			return
		}
		d.ackSys(sess, "room:joined", room)
	case sysTypeRoomLeave:
		room := roomFromEnvelope(env)
		if room == "" {
			d.enqueueError(sess, wire.ErrorDecode)
			return
		}
		d.presence.Leave(sess, room)
		d.ackSys(sess, "room:left", room)
	case sysTypeSetActiveRoom:
		room := roomFromEnvelope(env)
		if room == "" {
			d.enqueueError(sess, wire.ErrorDecode)
			return
		}
		if err := d.presence.SetActiveRoom(sess, room); err != nil {
			d.enqueueError(sess, wire.ErrorPolicyDenied)
			return
		}
		d.ackSys(sess, "room:active_set", room)
	case sysTypePing:
		raw, err := wire.SysEnvelope("pong", nil)
		if err != nil {
			return
		}
		sess.Outbound.Offer(outbound.Item{Priority: outbound.Control, Frame: wire.TextFrame(raw)})
	default:
		d.enqueueError(sess, wire.ErrorPolicyDenied)
	}
}

func (d *Dispatcher) ackSys(sess *session.Session, typ string, room wire.RoomId) {
	raw, err := wire.SysEnvelope(typ, map[string]string{"room": string(room)})
	if err != nil {
		return
	}
	sess.Outbound.Offer(outbound.Item{Priority: outbound.Reliable, Frame: wire.TextFrame(raw)})
}

func roomFromEnvelope(env wire.ExtEnvelope) wire.RoomId {
	if env.Room == nil {
		return ""
	}
	return wire.RoomId(*env.Room)
}
