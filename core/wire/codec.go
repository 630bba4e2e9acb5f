package wire

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"hash/crc32"

	"github.com/swiftgate/swiftgate/core/pool"
)

// inlineThreshold is the total frame size below which Serialize writes into
// a freshly allocated slice rather than renting from a pool; above it,
// Serialize rents from bufPool.
const inlineThreshold = 1024

// CRC32 computes the checksum used by Packet.Checksum: CRC-32/ISO-HDLC
// (poly 0xEDB88320 reflected, init/final XOR 0xFFFFFFFF) over payload — the
// exact parameterization of Go's stdlib hash/crc32 IEEE table, so no
// third-party CRC implementation is required here.
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// putHeader writes p's header into dst[0:HeaderSize], little-endian, in the
// field order length,id,code,number,type,flags,priority,timestamp,checksum.
func putHeader(dst []byte, p *Packet) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(p.Length()))
	binary.LittleEndian.PutUint16(dst[2:4], p.ID)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(p.Code))
	dst[6] = p.Number
	dst[7] = byte(p.Type)
	dst[8] = byte(p.Flags)
	dst[9] = byte(p.Priority)
	binary.LittleEndian.PutUint64(dst[10:18], p.Timestamp)
	binary.LittleEndian.PutUint32(dst[18:22], p.Checksum)
}

func parseHeader(src []byte) (length int, p Packet) {
	length = int(binary.LittleEndian.Uint16(src[0:2]))
	p.ID = binary.LittleEndian.Uint16(src[2:4])
	p.Code = Code(binary.LittleEndian.Uint16(src[4:6]))
	p.Number = src[6]
	p.Type = PayloadType(src[7])
	p.Flags = Flag(src[8])
	p.Priority = Priority(src[9])
	p.Timestamp = binary.LittleEndian.Uint64(src[10:18])
	p.Checksum = binary.LittleEndian.Uint32(src[18:22])
	return length, p
}

// Serialize encodes p to a newly-sized byte slice: an inline allocation for
// small frames, or a buffer rented from bufPool for frames at or above
// inlineThreshold. bufPool may be nil, in which case Serialize always
// allocates directly.
func Serialize(p *Packet, bufPool *pool.Pool) ([]byte, error) {
	total := p.Length()
	if len(p.Payload) > MaxPayloadSize {
		return nil, newCodecError(Oversize, "payload exceeds maximum frame size")
	}

	var dst []byte
	if bufPool != nil && total >= inlineThreshold {
		dst = bufPool.Rent(total)[:total]
	} else {
		dst = make([]byte, total)
	}

	putHeader(dst, p)
	copy(dst[HeaderSize:], p.Payload)
	return dst, nil
}

// TrySerialize writes p into dst in place, returning the number of bytes
// written. It returns (0, false) if dst is too small or p is oversize,
// rather than allocating or erroring.
func TrySerialize(p *Packet, dst []byte) (int, bool) {
	total := p.Length()
	if len(p.Payload) > MaxPayloadSize {
		return 0, false
	}
	if len(dst) < total {
		return 0, false
	}
	putHeader(dst, p)
	copy(dst[HeaderSize:total], p.Payload)
	return total, true
}

// Deserialize parses a single frame out of src. src must contain at least
// one full frame; bytes beyond the parsed length are ignored (callers doing
// stream framing slice src to exactly one frame before calling this).
//
// When the payload is small (<= 4096 bytes) and bufPool is non-nil, the
// returned Packet's Payload is rented from bufPool; callers that no longer
// need the Packet should release it with ReleasePayload.
func Deserialize(src []byte, bufPool *pool.Pool) (*Packet, error) {
	if len(src) < HeaderSize {
		return nil, newCodecError(ShortBuffer, "buffer shorter than header size")
	}
	length, hdr := parseHeader(src)
	if length < HeaderSize {
		return nil, newCodecError(BadLength, "length field smaller than header size")
	}
	if length > len(src) {
		return nil, newCodecError(BadLength, "length field exceeds buffer size")
	}

	payloadLen := length - HeaderSize
	var payload []byte
	if bufPool != nil && payloadLen > 0 && payloadLen <= 4096 {
		payload = bufPool.Rent(payloadLen)[:payloadLen]
	} else {
		payload = make([]byte, payloadLen)
	}
	copy(payload, src[HeaderSize:length])
	hdr.Payload = payload

	if hdr.Checksum != CRC32(payload) {
		return nil, newCodecError(BadChecksum, "checksum does not match payload")
	}
	return &hdr, nil
}

// TryDeserialize is the non-error, boolean-returning form of Deserialize.
func TryDeserialize(src []byte, bufPool *pool.Pool) (*Packet, bool) {
	p, err := Deserialize(src, bufPool)
	if err != nil {
		return nil, false
	}
	return p, true
}

// ReleasePayload returns p's payload buffer to bufPool, clearing it first
// when clear is true (callers should pass true for decrypted/key-bearing
// payloads).
func ReleasePayload(p *Packet, bufPool *pool.Pool, clear bool) {
	if bufPool == nil || p == nil || p.Payload == nil {
		return
	}
	bufPool.Return(p.Payload, clear)
}

// signatureHeaderBytes renders the header used as SHA-256 input for both
// signing and verification: the Signed bit forced to 1, Checksum set to
// CRC32 of the unsigned body (never the final payload-with-signature, which
// does not exist yet at signing time), and Length reflecting the final
// frame size (header + body + 32-byte signature).
func signatureHeaderBytes(p *Packet, body []byte) []byte {
	tmp := *p
	tmp.Flags = tmp.Flags.Set(FlagSigned)
	tmp.Checksum = CRC32(body)
	tmp.Payload = make([]byte, len(body)+sha256.Size)
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, &tmp)
	return hdr
}

// Sign returns a new Packet whose payload is body‖SHA256(header‖body), with
// the Signed flag set and Checksum recomputed over the full signed payload
// (preserving the Checksum==CRC32(Payload) invariant for every Packet,
// signed or not).
func Sign(p *Packet) *Packet {
	body := p.Payload
	hdr := signatureHeaderBytes(p, body)

	h := sha256.New()
	h.Write(hdr)
	h.Write(body)
	sig := h.Sum(nil)

	final := make([]byte, 0, len(body)+sha256.Size)
	final = append(final, body...)
	final = append(final, sig...)

	result := p.WithPayload(final)
	result.Flags = result.Flags.Set(FlagSigned)
	return result
}

// VerifySignature reports whether p carries a valid trailing SHA-256
// signature, per the Signed flag's wire semantics.
func VerifySignature(p *Packet) bool {
	if !p.Flags.Has(FlagSigned) || len(p.Payload) < sha256.Size {
		return false
	}
	body := p.Payload[:len(p.Payload)-sha256.Size]
	gotSig := p.Payload[len(p.Payload)-sha256.Size:]
	hdr := signatureHeaderBytes(p, body)

	h := sha256.New()
	h.Write(hdr)
	h.Write(body)
	wantSig := h.Sum(nil)

	return len(gotSig) == len(wantSig) && subtle.ConstantTimeCompare(gotSig, wantSig) == 1
}

// StripSignature removes the trailing 32-byte signature and clears the
// Signed flag, returning the underlying unsigned Packet.
func StripSignature(p *Packet) *Packet {
	if !p.Flags.Has(FlagSigned) || len(p.Payload) < sha256.Size {
		return p
	}
	body := p.Payload[:len(p.Payload)-sha256.Size]
	result := p.WithPayload(body)
	result.Flags = result.Flags.Clear(FlagSigned)
	return result
}
