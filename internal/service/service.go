// Package service defines the Dispatcher's handler contract (spec §4.8):
// the ServiceRegistry maps a service name or numeric id to a Handler,
// which must return an Action without blocking.
package service

import (
	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// ActionKind discriminates the variants of Action.
type ActionKind int

const (
	ActionNoop ActionKind = iota
	ActionAck
	ActionForward
	ActionBroadcast
	ActionError
)

// Action is the result a Handler returns for one inbound frame (spec
// §4.8). Exactly one of the payload fields is meaningful, selected by
// Kind.
type Action struct {
	Kind ActionKind

	// ActionAck: AckData is serialized into the ack envelope's data field
	// by the Dispatcher (nil means an empty ack).
	AckData any

	// ActionForward: Item is offered to the calling session's own
	// OutboundQueue (e.g. a synchronous reply on a different priority
	// tier than the default ack).
	Item outbound.Item

	// ActionBroadcast: the item is offered to every member of Room via
	// RoomPresence.Broadcast.
	Room        wire.RoomId
	ExcludeSelf bool

	// ActionError: the error delivered to the caller per the active
	// lane's error-delivery rule (spec §7).
	Err wire.ErrorKind
}

// Ack returns an Action that acknowledges the frame, optionally carrying
// data.
func Ack(data any) Action { return Action{Kind: ActionAck, AckData: data} }

// Forward returns an Action that enqueues item onto the caller's own
// outbound queue.
func Forward(item outbound.Item) Action { return Action{Kind: ActionForward, Item: item} }

// Broadcast returns an Action that fans item out to every member of room.
func Broadcast(room wire.RoomId, item outbound.Item, excludeSelf bool) Action {
	return Action{Kind: ActionBroadcast, Room: room, Item: item, ExcludeSelf: excludeSelf}
}

// Noop returns an Action with no effect.
func Noop() Action { return Action{Kind: ActionNoop} }

// Error returns an Action reporting kind as a per-frame local error.
func Error(kind wire.ErrorKind) Action { return Action{Kind: ActionError, Err: kind} }

// ExtRequest is the input to an Ext-lane Handler.
type ExtRequest struct {
	Session *session.Session
	Envelope wire.ExtEnvelope
}

// HotRequest is the input to a Hot-lane Handler. Payload is a borrowed
// slice valid only for the duration of the call (spec §4.8); a Handler
// that needs to retain it must copy.
type HotRequest struct {
	Session *session.Session
	Header  wire.HotHeader
	Payload []byte
}

// Handler is a business-service callback invoked by the Dispatcher. It
// must not block; long-running work must be offloaded and its reply
// re-enqueued later via the session's OutboundQueue directly.
type Handler interface {
	HandleExt(req ExtRequest) Action
	HandleHot(req HotRequest) Action
}

// Registry maps a service name (Ext lane) or numeric id (Hot lane) to its
// Handler.
type Registry struct {
	byName map[string]Handler
	byID   map[uint8]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Handler), byID: make(map[uint8]Handler)}
}

// RegisterExt binds svc to handler for the Ext lane.
func (r *Registry) RegisterExt(svc string, handler Handler) {
	r.byName[svc] = handler
}

// RegisterHot binds svcID to handler for the Hot lane.
func (r *Registry) RegisterHot(svcID uint8, handler Handler) {
	r.byID[svcID] = handler
}

// LookupExt returns the handler registered for svc, if any.
func (r *Registry) LookupExt(svc string) (Handler, bool) {
	h, ok := r.byName[svc]
	return h, ok
}

// LookupHot returns the handler registered for svcID, if any.
func (r *Registry) LookupHot(svcID uint8) (Handler, bool) {
	h, ok := r.byID[svcID]
	return h, ok
}
