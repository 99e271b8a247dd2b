// Package auth provides the gateway's default Authenticator: the
// handshake ticket scheme itself is explicitly out of scope (spec §1,
// "authentication scheme" is an external collaborator), so this is the
// CLI's pluggable stand-in, not a requirement of the core. A deployment
// with its own ticket-issuing service supplies a different
// gateway.Authenticator and never imports this package.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/samber/oops"

	"github.com/asyncnomad/wsprism/internal/wire"
)

// TicketAuthenticator verifies tickets of the form "<user_id>.<hex hmac>",
// where the signature is HMAC-SHA256 over "<tenant>:<user_id>" keyed by a
// shared secret. It is deliberately minimal: real deployments typically
// front the gateway with their own ticket-issuing service.
type TicketAuthenticator struct {
	secret []byte
}

// NewTicketAuthenticator builds a TicketAuthenticator from a shared
// secret. The secret must match whatever issued the ticket.
func NewTicketAuthenticator(secret []byte) *TicketAuthenticator {
	return &TicketAuthenticator{secret: secret}
}

// Sign produces a valid ticket for userID under tenant, for use by tools
// or tests that need to mint one without a separate ticket service.
func (a *TicketAuthenticator) Sign(tenant wire.TenantId, userID wire.UserId) string {
	return string(userID) + "." + hex.EncodeToString(a.mac(tenant, userID))
}

// Authenticate verifies ticket's signature and returns the embedded user
// id. It never trusts the tenant or user id without checking the MAC.
func (a *TicketAuthenticator) Authenticate(_ context.Context, tenant wire.TenantId, ticket string) (wire.UserId, error) {
	userPart, sigPart, ok := strings.Cut(ticket, ".")
	if !ok || userPart == "" || sigPart == "" {
		return "", oops.Code("TICKET_MALFORMED").Errorf("ticket must be \"<user_id>.<signature>\"")
	}

	given, err := hex.DecodeString(sigPart)
	if err != nil {
		return "", oops.Code("TICKET_MALFORMED").Wrap(err)
	}

	userID := wire.UserId(userPart)
	want := a.mac(tenant, userID)
	if !hmac.Equal(given, want) {
		return "", oops.Code("TICKET_INVALID").With("tenant", tenant).Errorf("ticket signature mismatch")
	}
	return userID, nil
}

func (a *TicketAuthenticator) mac(tenant wire.TenantId, userID wire.UserId) []byte {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(string(tenant) + ":" + string(userID)))
	return h.Sum(nil)
}
