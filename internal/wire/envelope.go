package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ExtFlag bits set on an Ext-lane envelope (spec §4.8).
type ExtFlag uint32

const (
	ExtFlagSeqPresent   ExtFlag = 0x01
	ExtFlagRoomPresent  ExtFlag = 0x02
	ExtFlagAckRequested ExtFlag = 0x04
)

// ExtEnvelopeVersion is the only version of the Ext envelope the dispatcher
// accepts; anything else is ErrorBadVersion.
const ExtEnvelopeVersion = 1

// ServiceSys is the reserved service name handled by the gateway itself
// (room:join, room:leave, control echoes) rather than dispatched to the
// ServiceRegistry.
const ServiceSys = "sys"

// ExtEnvelope is the wire shape of a text (JSON) frame on the Ext lane.
type ExtEnvelope struct {
	V     uint32          `json:"v"`
	Svc   string          `json:"svc"`
	Type  string          `json:"type"`
	Flags ExtFlag         `json:"flags"`
	Seq   *uint32         `json:"seq,omitempty"`
	Room  *string         `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Has reports whether flag is set.
func (f ExtFlag) Has(flag ExtFlag) bool { return f&flag != 0 }

// DecodeExtEnvelope parses a text frame into an ExtEnvelope and validates
// its version field. Malformed JSON or a version mismatch surfaces as a
// *GatewayError so PolicyPipeline can route it per §7.
func DecodeExtEnvelope(raw []byte) (ExtEnvelope, error) {
	var env ExtEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ExtEnvelope{}, NewGatewayError(ErrorDecode, "malformed ext envelope", "parse_error", err.Error())
	}
	if env.V != ExtEnvelopeVersion {
		return ExtEnvelope{}, NewGatewayError(ErrorBadVersion, "unsupported ext envelope version", "version", env.V)
	}
	if env.Svc == "" || env.Type == "" {
		return ExtEnvelope{}, NewGatewayError(ErrorDecode, "ext envelope missing svc/type")
	}
	return env, nil
}

// EncodeExtEnvelope marshals an envelope back to wire bytes, for
// system-initiated frames (authed, error, shutdown, rate_limited, ...).
func EncodeExtEnvelope(env ExtEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// SysEnvelope builds a svc=sys system frame carrying an arbitrary payload.
func SysEnvelope(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal sys %s payload: %w", typ, err)
	}
	return EncodeExtEnvelope(ExtEnvelope{
		V:    ExtEnvelopeVersion,
		Svc:  ServiceSys,
		Type: typ,
		Data: raw,
	})
}

// SysErrorPayload is the body of a svc=sys/type=error frame.
type SysErrorPayload struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

// SysErrorEnvelope builds a sys/error frame for the given error kind.
func SysErrorEnvelope(kind ErrorKind, message string) ([]byte, error) {
	return SysEnvelope("error", SysErrorPayload{Code: kind, Message: message})
}

// HotFlag bits set in a Hot-lane binary frame header (spec §4.8).
type HotFlag uint8

const (
	HotFlagSeqPresent   HotFlag = 0x01
	HotFlagAckRequested HotFlag = 0x02
)

// HotFrameVersion is the only version of the Hot binary header accepted.
const HotFrameVersion = 1

// hotHeaderMinLen is v,svc_id,opcode,flags with no seq.
const hotHeaderMinLen = 4

// HotHeader is the decoded fixed header of a Hot-lane binary frame.
type HotHeader struct {
	V      uint8
	SvcID  uint8
	Opcode uint8
	Flags  HotFlag
	Seq    uint32
}

// Has reports whether flag is set.
func (f HotFlag) Has(flag HotFlag) bool { return f&flag != 0 }

// DecodeHotFrame parses the little-endian Hot-lane header from buf and
// returns the header plus a borrowed slice into buf for the payload — no
// allocation, per spec §9 "Hot Lane zero-allocation". Callers that need to
// retain the payload past the handler call must copy it themselves.
func DecodeHotFrame(buf []byte) (HotHeader, []byte, error) {
	if len(buf) < hotHeaderMinLen {
		return HotHeader{}, nil, NewGatewayError(ErrorDecode, "hot frame shorter than header", "len", len(buf))
	}
	hdr := HotHeader{
		V:      buf[0],
		SvcID:  buf[1],
		Opcode: buf[2],
		Flags:  HotFlag(buf[3]),
	}
	if hdr.V != HotFrameVersion {
		return HotHeader{}, nil, NewGatewayError(ErrorBadVersion, "unsupported hot frame version", "version", hdr.V)
	}
	rest := buf[hotHeaderMinLen:]
	if hdr.Flags.Has(HotFlagSeqPresent) {
		if len(rest) < 4 {
			return HotHeader{}, nil, NewGatewayError(ErrorDecode, "hot frame truncated seq")
		}
		hdr.Seq = binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return hdr, rest, nil
}

// EncodeHotFrame serializes a header and payload back into wire bytes.
func EncodeHotFrame(hdr HotHeader, payload []byte) []byte {
	size := hotHeaderMinLen
	if hdr.Flags.Has(HotFlagSeqPresent) {
		size += 4
	}
	buf := make([]byte, size, size+len(payload))
	buf[0] = hdr.V
	buf[1] = hdr.SvcID
	buf[2] = hdr.Opcode
	buf[3] = byte(hdr.Flags)
	if hdr.Flags.Has(HotFlagSeqPresent) {
		binary.LittleEndian.PutUint32(buf[hotHeaderMinLen:], hdr.Seq)
	}
	return append(buf, payload...)
}

// HotOpcodeKey packs (svc_id, opcode) into a single integer for allowlist
// lookup, per spec §4.2 ("numeric pairs encoded as integers").
func HotOpcodeKey(svcID, opcode uint8) uint16 {
	return uint16(svcID)<<8 | uint16(opcode)
}
