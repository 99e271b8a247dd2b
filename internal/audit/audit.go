// Package audit implements an optional, off-by-default append-only log of
// connection lifecycle transitions (handshake outcome, authed, closed with
// reason) for operators. It is backed by SQLite and never sits on the
// per-frame hot path: ConnectionLoop hands it an Event over a buffered
// channel and moves on, so a slow or unavailable database cannot back up
// a connection's read/write loop. It records lifecycle events only, never
// frame contents, so it does not reintroduce the message-durability the
// gateway core otherwise has no concept of.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asyncnomad/wsprism/internal/shared"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// writeRetries bounds how many write attempts (the first one included) are
// made on a single-writer SQLITE_BUSY/locked error before the event is
// dropped; a single-writer database
// under a background goroutine should rarely contend, but WAL checkpoints
// can stall a write momentarily.
const writeRetries = 3

// EventKind names the lifecycle transition an Event records.
type EventKind string

const (
	EventHandshakeRejected EventKind = "handshake_rejected"
	EventAuthed            EventKind = "authed"
	EventClosed            EventKind = "closed"
)

// Event is one lifecycle transition for one connection.
type Event struct {
	At      time.Time
	Session wire.SessionId
	Tenant  wire.TenantId
	Remote  string
	Kind    EventKind
	Reason  string
}

// Logger records Events to SQLite. The zero value (via Disabled) accepts
// and silently drops every Record call, so call sites don't need a nil
// check when auditing isn't configured.
type Logger struct {
	db      *sql.DB
	events  chan Event
	wg      sync.WaitGroup
	enabled bool
}

// Disabled returns a Logger that drops every event. Used when the
// operator hasn't configured an audit database path.
func Disabled() *Logger {
	return &Logger{enabled: false}
}

// Open creates or opens a SQLite database at path and starts the
// background writer goroutine. Mirrors the teacher's NewSQLite: WAL mode,
// a bounded busy timeout, directory creation.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create database directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; lifecycle events are low-volume

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			tenant     TEXT NOT NULL,
			remote     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			reason     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_events_tenant ON lifecycle_events(tenant, at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	l := &Logger{db: db, events: make(chan Event, 256), enabled: true}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for ev := range l.events {
		l.writeWithRetry(ev)
	}
}

// writeWithRetry inserts ev, retrying a few times on SQLITE_BUSY/locked
// (the single writer can still collide momentarily with a WAL
// checkpoint); a non-conflict error is logged and dropped immediately.
func (l *Logger) writeWithRetry(ev Event) {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		_, err = l.db.Exec(
			`INSERT INTO lifecycle_events (at, session_id, tenant, remote, kind, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.At.Unix(), ev.Session.String(), string(ev.Tenant), ev.Remote, string(ev.Kind), ev.Reason,
		)
		if err == nil {
			return
		}
		if !shared.IsSQLiteConflictError(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	slog.Warn("audit: failed to write lifecycle event", "kind", ev.Kind, "error", err)
}

// Record enqueues an event for asynchronous persistence. If the internal
// buffer is full the event is dropped and logged at Debug — a lagging
// audit log must never apply backpressure to a live connection.
func (l *Logger) Record(ev Event) {
	if !l.enabled {
		return
	}
	select {
	case l.events <- ev:
	default:
		slog.Debug("audit: event buffer full, dropping event", "kind", ev.Kind, "session", ev.Session.String())
	}
}

// Close stops accepting new events, drains the buffer, and closes the
// database. Safe to call on a Disabled Logger.
func (l *Logger) Close() error {
	if !l.enabled {
		return nil
	}
	close(l.events)
	l.wg.Wait()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("audit: close database: %w", err)
	}
	return nil
}

// Recent returns the most recent n lifecycle events across all tenants,
// newest first, for operator diagnostics (e.g. a future `wsprism audit`
// subcommand). Returns an empty slice on a Disabled Logger.
func (l *Logger) Recent(ctx context.Context, n int) ([]Event, error) {
	if !l.enabled {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT at, session_id, tenant, remote, kind, reason FROM lifecycle_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("audit: failed to close recent events rows", "error", closeErr)
		}
	}()

	var out []Event
	for rows.Next() {
		var at int64
		var sessionID, tenant, remote, kind, reason string
		if err := rows.Scan(&at, &sessionID, &tenant, &remote, &kind, &reason); err != nil {
			return nil, fmt.Errorf("audit: scan event row: %w", err)
		}
		sid, err := wire.ParseSessionId(sessionID)
		if err != nil {
			slog.Warn("audit: skipping event with unparsable session id", "error", err)
			continue
		}
		out = append(out, Event{
			At:      time.Unix(at, 0),
			Session: sid,
			Tenant:  wire.TenantId(tenant),
			Remote:  remote,
			Kind:    EventKind(kind),
			Reason:  reason,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate event rows: %w", err)
	}
	return out, nil
}
