package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/wire"
)

func TestDisabledLoggerDropsEverything(t *testing.T) {
	l := Disabled()
	l.Record(Event{Kind: EventAuthed})
	events, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent on disabled logger: %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events from a disabled logger, got %d", len(events))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on disabled logger: %v", err)
	}
}

func TestOpenRecordsAndReadsBack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	sess := wire.NewSessionId()
	l.Record(Event{At: time.Now(), Session: sess, Tenant: "acme", Remote: "1.2.3.4:5", Kind: EventAuthed})
	l.Record(Event{At: time.Now(), Session: sess, Tenant: "acme", Remote: "1.2.3.4:5", Kind: EventClosed, Reason: "idle_timeout"})

	deadline := time.Now().Add(2 * time.Second)
	var events []Event
	for time.Now().Before(deadline) {
		events, err = l.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(events) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events written through the async buffer, got %d", len(events))
	}
	if events[0].Kind != EventClosed || events[0].Reason != "idle_timeout" {
		t.Fatalf("expected newest-first ordering with closed event on top, got %+v", events[0])
	}
	if events[0].Session != sess {
		t.Fatalf("expected session id to round-trip, got %v want %v", events[0].Session, sess)
	}
}

func TestRecordNeverBlocksWhenBufferIsFull(t *testing.T) {
	l := &Logger{events: make(chan Event), enabled: true} // unbuffered, nothing draining it
	done := make(chan struct{})
	go func() {
		l.Record(Event{Kind: EventAuthed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer instead of dropping")
	}
}
