// Package allowlist implements the deny-by-default pattern matcher
// described in spec §4.2: precompiled hash lookups over "<a>:<b>" pattern
// strings for the Ext lane, and over numeric (svc_id, opcode) pairs for
// the Hot lane.
package allowlist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/asyncnomad/wsprism/internal/wire"
)

// pairKey is an (a, b) exact-match key.
type pairKey struct {
	a, b string
}

// Ext is a compiled allowlist for the Ext lane, matching (service, type)
// pairs. An empty Ext admits nothing (deny-by-default).
type Ext struct {
	exact     map[pairKey]struct{}
	wildcards map[string]struct{} // service names admitted for any type
}

// CompileExt compiles a list of "<service>:<type>" patterns, where <type>
// may be "*" to admit every type for that service.
func CompileExt(patterns []string) (*Ext, error) {
	e := &Ext{
		exact:     make(map[pairKey]struct{}),
		wildcards: make(map[string]struct{}),
	}
	for _, p := range patterns {
		svc, typ, err := splitPattern(p)
		if err != nil {
			return nil, err
		}
		if typ == "*" {
			e.wildcards[svc] = struct{}{}
			continue
		}
		e.exact[pairKey{svc, typ}] = struct{}{}
	}
	return e, nil
}

// AdmitExt reports whether (svc, typ) is allowed: exact match first, then
// service-level wildcard.
func (e *Ext) AdmitExt(svc, typ string) bool {
	if e == nil {
		return false
	}
	if _, ok := e.exact[pairKey{svc, typ}]; ok {
		return true
	}
	_, ok := e.wildcards[svc]
	return ok
}

// Hot is a compiled allowlist for the Hot lane, matching (svc_id, opcode)
// numeric pairs. An empty Hot admits nothing (deny-by-default).
type Hot struct {
	exact     map[uint16]struct{}
	wildcards map[uint8]struct{} // svc_id admitted for any opcode
}

// CompileHot compiles a list of "<svc_id>:<opcode>" patterns, where
// <opcode> may be "*".
func CompileHot(patterns []string) (*Hot, error) {
	h := &Hot{
		exact:     make(map[uint16]struct{}),
		wildcards: make(map[uint8]struct{}),
	}
	for _, p := range patterns {
		svcStr, opStr, err := splitPattern(p)
		if err != nil {
			return nil, err
		}
		svcID, err := parseByte(svcStr)
		if err != nil {
			return nil, fmt.Errorf("invalid hot allowlist entry %q: %w", p, err)
		}
		if opStr == "*" {
			h.wildcards[svcID] = struct{}{}
			continue
		}
		opcode, err := parseByte(opStr)
		if err != nil {
			return nil, fmt.Errorf("invalid hot allowlist entry %q: %w", p, err)
		}
		h.exact[wire.HotOpcodeKey(svcID, opcode)] = struct{}{}
	}
	return h, nil
}

// AdmitHot reports whether (svcID, opcode) is allowed.
func (h *Hot) AdmitHot(svcID, opcode uint8) bool {
	if h == nil {
		return false
	}
	if _, ok := h.exact[wire.HotOpcodeKey(svcID, opcode)]; ok {
		return true
	}
	_, ok := h.wildcards[svcID]
	return ok
}

func splitPattern(p string) (a, b string, err error) {
	parts := strings.SplitN(p, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid allowlist pattern %q: want <a>:<b>", p)
	}
	return parts[0], parts[1], nil
}

func parseByte(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}
