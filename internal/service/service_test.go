package service

import (
	"testing"

	"github.com/asyncnomad/wsprism/internal/wire"
)

type stubHandler struct {
	extAction Action
	hotAction Action
}

func (s stubHandler) HandleExt(ExtRequest) Action { return s.extAction }
func (s stubHandler) HandleHot(HotRequest) Action { return s.hotAction }

func TestRegistryRegisterAndLookupExt(t *testing.T) {
	r := NewRegistry()
	h := stubHandler{extAction: Ack("pong")}
	r.RegisterExt("chat", h)

	got, ok := r.LookupExt("chat")
	if !ok {
		t.Fatal("expected handler registered for chat")
	}
	action := got.HandleExt(ExtRequest{})
	if action.Kind != ActionAck || action.AckData != "pong" {
		t.Fatalf("unexpected action: %+v", action)
	}

	if _, ok := r.LookupExt("unknown"); ok {
		t.Fatal("expected no handler for unregistered service")
	}
}

func TestRegistryRegisterAndLookupHot(t *testing.T) {
	r := NewRegistry()
	h := stubHandler{hotAction: Noop()}
	r.RegisterHot(7, h)

	got, ok := r.LookupHot(7)
	if !ok {
		t.Fatal("expected handler registered for svc id 7")
	}
	if action := got.HandleHot(HotRequest{}); action.Kind != ActionNoop {
		t.Fatalf("unexpected action: %+v", action)
	}

	if _, ok := r.LookupHot(8); ok {
		t.Fatal("expected no handler for unregistered svc id")
	}
}

func TestActionConstructors(t *testing.T) {
	if a := Ack(nil); a.Kind != ActionAck {
		t.Fatalf("expected ActionAck, got %v", a.Kind)
	}
	if a := Noop(); a.Kind != ActionNoop {
		t.Fatalf("expected ActionNoop, got %v", a.Kind)
	}
	if a := Error(wire.ErrorInternal); a.Kind != ActionError || a.Err != wire.ErrorInternal {
		t.Fatalf("unexpected error action: %+v", a)
	}
	if a := Broadcast("lobby", Action{}.Item, true); a.Kind != ActionBroadcast || a.Room != "lobby" || !a.ExcludeSelf {
		t.Fatalf("unexpected broadcast action: %+v", a)
	}
}
