// Package wire holds the identifiers, envelopes, and error vocabulary
// shared across wsPrism's core packages: SessionId/UserId/TenantId/RoomId,
// the Ext-lane JSON envelope, the Hot-lane binary header, and the stable
// error kinds described in the gateway's error handling design.
package wire

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// SessionId is an opaque 128-bit identifier, unique for the process
// lifetime. It is a ULID rather than a UUID so that SessionRegistry's
// per-user ordered set can sort by creation time using the identifier
// itself, with no separate sequence counter.
type SessionId ulid.ULID

var (
	entropySource = ulid.Monotonic(rand.Reader, 0)
	entropyMu     sync.Mutex
)

// NewSessionId generates a new time-sortable SessionId.
func NewSessionId() SessionId {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return SessionId(ulid.MustNew(ulid.Now(), entropySource))
}

// String returns the canonical ULID text form.
func (id SessionId) String() string {
	return ulid.ULID(id).String()
}

// Less reports whether id was created before other; used to keep a user's
// session set ordered for deterministic kick-oldest eviction.
func (id SessionId) Less(other SessionId) bool {
	return ulid.ULID(id).Compare(ulid.ULID(other)) < 0
}

// IsZero reports whether id is the zero value.
func (id SessionId) IsZero() bool {
	return id == SessionId{}
}

// ParseSessionId parses the canonical text form of a SessionId.
func ParseSessionId(s string) (SessionId, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return SessionId{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionId(id), nil
}

// UserId is an opaque string supplied at handshake via an authenticated
// ticket. Its structure is defined by the collaborator that issues
// tickets; the core treats it as an opaque comparable key.
type UserId string

// TenantId is an opaque string matching a loaded tenant configuration.
type TenantId string

// RoomId is a tenant-scoped room name.
type RoomId string
