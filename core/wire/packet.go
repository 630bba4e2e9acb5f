// Package wire defines the on-the-wire Packet value type and its binary
// codec: a fixed, little-endian header followed by a variable-length
// payload, checksummed with CRC-32.
package wire

import (
	"time"
)

// PermissionLevel is the ordered set of access levels a Connection may hold.
type PermissionLevel uint8

const (
	Guest PermissionLevel = iota
	User
	Admin
	Owner
)

func (p PermissionLevel) String() string {
	switch p {
	case Guest:
		return "Guest"
	case User:
		return "User"
	case Admin:
		return "Admin"
	case Owner:
		return "Owner"
	default:
		return "Unknown"
	}
}

// Priority is the ordered set of queue priorities, lowest first.
type Priority uint8

const (
	Low Priority = iota
	Medium
	High
	Urgent
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = int(Urgent) + 1

func (p Priority) String() string {
	switch p {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Urgent:
		return "Urgent"
	default:
		return "Unknown"
	}
}

// PayloadType tags how a Packet's payload should be interpreted.
type PayloadType uint8

const (
	TypeNone PayloadType = iota
	TypeBinary
	TypeString
	TypeJSON // realized on the wire as CBOR, see core/wire/json.go
)

// Flag is a bitset of per-packet modifiers.
type Flag uint8

const (
	FlagEncrypted Flag = 1 << iota
	FlagCompressed
	FlagSigned
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }
func (f Flag) Set(bit Flag) Flag { return f | bit }
func (f Flag) Clear(bit Flag) Flag { return f &^ bit }

// Code is the status/result code carried by a Packet.
type Code uint16

const (
	Success Code = iota
	BadRequest
	InvalidPayload
	PacketType
	Forbidden
	RateLimited
	Conflict
	Timeout
	UnknownError
	ServerError
	Accepted
)

// HeaderSize is the fixed size, in bytes, of a Packet's on-wire header.
//
// Field order: length(2) id(2) code(2) number(1) type(1) flags(1)
// priority(1) timestamp(8) checksum(4) = 22 bytes. See DESIGN.md for why
// this field order (and resulting size) was chosen over a strictly literal
// reading of every clause in the spec prose.
const HeaderSize = 22

// MaxPayloadSize is the largest payload a Packet may carry: the total frame
// size is bounded by a u16 length field.
const MaxPayloadSize = 0xFFFF - HeaderSize

// Epoch is the fixed reference point for Packet.Timestamp, matching the
// teacher's own epochtime package convention of a fixed program epoch rather
// than the Unix epoch.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// NowMicros returns microseconds elapsed since Epoch.
func NowMicros() uint64 {
	return uint64(time.Since(Epoch).Microseconds())
}

// Packet is an immutable wire protocol value. Construct with New; mutate by
// building a new Packet (e.g. via WithCode, WithFlags).
type Packet struct {
	ID        uint16
	Code      Code
	Number    uint8
	Type      PayloadType
	Flags     Flag
	Priority  Priority
	Timestamp uint64
	Checksum  uint32
	Payload   []byte
}

// Length returns the total on-wire size of the packet.
func (p *Packet) Length() int {
	return HeaderSize + len(p.Payload)
}

// New constructs a Packet, computing Timestamp and Checksum from the given
// fields. The returned Packet satisfies the codec round-trip invariant.
func New(id uint16, code Code, number uint8, typ PayloadType, flags Flag, priority Priority, payload []byte) *Packet {
	return &Packet{
		ID:        id,
		Code:      code,
		Number:    number,
		Type:      typ,
		Flags:     flags,
		Priority:  priority,
		Timestamp: NowMicros(),
		Checksum:  CRC32(payload),
		Payload:   payload,
	}
}

// WithPayload returns a copy of p with a new payload and recomputed
// checksum, preserving every other field (including Timestamp).
func (p *Packet) WithPayload(payload []byte) *Packet {
	cp := *p
	cp.Payload = payload
	cp.Checksum = CRC32(payload)
	return &cp
}

// WithCode returns a copy of p with a new status code, leaving the payload
// and checksum untouched.
func (p *Packet) WithCode(code Code) *Packet {
	cp := *p
	cp.Code = code
	return &cp
}

// IsExpired reports whether the packet was constructed more than timeout ago.
func (p *Packet) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	now := NowMicros()
	if now < p.Timestamp {
		return false
	}
	return time.Duration(now-p.Timestamp)*time.Microsecond > timeout
}

// VerifyChecksum reports whether Checksum matches CRC32(Payload).
func (p *Packet) VerifyChecksum() bool {
	return p.Checksum == CRC32(p.Payload)
}

// Equal reports field-wise equality, used by the codec round-trip tests.
func (p *Packet) Equal(o *Packet) bool {
	if o == nil {
		return false
	}
	if p.ID != o.ID || p.Code != o.Code || p.Number != o.Number || p.Type != o.Type ||
		p.Flags != o.Flags || p.Priority != o.Priority || p.Timestamp != o.Timestamp ||
		p.Checksum != o.Checksum || len(p.Payload) != len(o.Payload) {
		return false
	}
	for i := range p.Payload {
		if p.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}
