package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swiftgate/swiftgate/core/pool"
)

func TestCodecRoundTrip(t *testing.T) {
	p := New(0x0100, Success, 7, TypeBinary, 0, High, []byte("ping"))

	frame, err := Serialize(p, nil)
	require.NoError(t, err)
	require.Equal(t, p.Length(), len(frame))
	require.Equal(t, uint16(p.Length()), uint16(frame[0])|uint16(frame[1])<<8)

	got, err := Deserialize(frame, nil)
	require.NoError(t, err)
	require.True(t, p.Equal(got))
}

func TestCodecRoundTripWithPool(t *testing.T) {
	bp := pool.NewDefault()
	p := New(0x0200, Success, 1, TypeBinary, 0, Low, make([]byte, 2000))

	frame, err := Serialize(p, bp)
	require.NoError(t, err)

	got, err := Deserialize(frame, bp)
	require.NoError(t, err)
	require.True(t, p.Equal(got))
}

func TestChecksumIntegrity(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("hello world"))
	require.True(t, p.VerifyChecksum())

	p.Payload[0] ^= 0xFF
	require.False(t, p.VerifyChecksum())
}

func TestLengthFieldIsFirstTwoBytes(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("abc"))
	frame, err := Serialize(p, nil)
	require.NoError(t, err)

	length := int(frame[0]) | int(frame[1])<<8
	require.Equal(t, HeaderSize+len(p.Payload), length)
}

func TestOversizePayloadRejectedOnSerialize(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, make([]byte, MaxPayloadSize+1))
	_, err := Serialize(p, nil)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, Oversize, ce.Kind)
}

func TestDeserializeShortBuffer(t *testing.T) {
	_, err := Deserialize(make([]byte, HeaderSize-1), nil)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ShortBuffer, ce.Kind)
}

func TestDeserializeBadLength(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("abc"))
	frame, err := Serialize(p, nil)
	require.NoError(t, err)

	_, err = Deserialize(frame[:len(frame)-1], nil)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, BadLength, ce.Kind)
}

func TestDeserializeBadChecksum(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("abc"))
	frame, err := Serialize(p, nil)
	require.NoError(t, err)

	frame[HeaderSize] ^= 0xFF // corrupt payload after checksum was computed
	_, err = Deserialize(frame, nil)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, BadChecksum, ce.Kind)
}

func TestTrySerializeShortBufferReturnsFalse(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("hello"))
	n, ok := TrySerialize(p, make([]byte, 4))
	require.False(t, ok)
	require.Zero(t, n)
}

func TestSignAndVerify(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("hello"))
	signed := Sign(p)

	require.True(t, signed.Flags.Has(FlagSigned))
	require.True(t, signed.VerifyChecksum())
	require.True(t, VerifySignature(signed))

	stripped := StripSignature(signed)
	require.False(t, stripped.Flags.Has(FlagSigned))
	require.Equal(t, p.Payload, stripped.Payload)
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("hello"))
	signed := Sign(p)
	signed.Payload[0] ^= 0xFF
	require.False(t, VerifySignature(signed))
}

func TestIsExpired(t *testing.T) {
	p := New(1, Success, 0, TypeBinary, 0, Low, []byte("x"))
	require.False(t, p.IsExpired(0))
	require.False(t, p.IsExpired(time.Hour))
}
