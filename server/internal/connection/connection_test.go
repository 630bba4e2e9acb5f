package connection

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/server/internal/transport"
)

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	conn := New(1, serverConn, "127.0.0.1:9999", Config{
		Transport: transport.Config{
			BufPool:       pool.NewDefault(),
			MaxBufferSize: 65536,
		},
	})
	t.Cleanup(func() { conn.Close() })
	return conn, clientConn
}

func TestNewConnectionStartsConnected(t *testing.T) {
	conn, _ := newTestConnection(t)
	require.Equal(t, StateConnected, conn.State())
	require.Equal(t, wire.Guest, conn.Permission())
}

func TestAuthenticateTransitionsState(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.Authenticate(nil)
	require.Equal(t, StateAuthenticated, conn.State())
}

func TestOnFrameBuffersAndFiresCallback(t *testing.T) {
	conn, client := newTestConnection(t)

	fired := make(chan struct{}, 1)
	conn.SetOnPacketReady(func(*Connection) { fired <- struct{}{} })

	frame := make([]byte, 2+5)
	binary.LittleEndian.PutUint16(frame[:2], uint16(len(frame)))
	copy(frame[2:], "hello")
	go func() { _, _ = client.Write(frame) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("on_packet_ready never fired")
	}

	got, ok := conn.NextFrame()
	require.True(t, ok)
	require.Equal(t, frame, got)
}

func TestOnClosedFiresOnce(t *testing.T) {
	conn, _ := newTestConnection(t)

	var calls int
	conn.SetOnClosed(func(*Connection, error) { calls++ })

	conn.OnClosed(nil)
	conn.OnClosed(nil)

	require.Equal(t, 1, calls)
	require.Equal(t, StateDisconnected, conn.State())
}

func TestRecordCryptoFailureCrossesThreshold(t *testing.T) {
	conn, _ := newTestConnection(t)

	require.False(t, conn.RecordCryptoFailure())
	require.False(t, conn.RecordCryptoFailure())
	require.True(t, conn.RecordCryptoFailure())
}

func TestResetCryptoFailures(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.RecordCryptoFailure()
	conn.RecordCryptoFailure()
	conn.ResetCryptoFailures()
	require.False(t, conn.RecordCryptoFailure())
}

func TestMetadataRoundTrip(t *testing.T) {
	conn, _ := newTestConnection(t)
	conn.SetMetadata("X25519_PrivateKey", []byte{1, 2, 3})

	v, ok := conn.Metadata("X25519_PrivateKey")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, v)

	_, ok = conn.Metadata("missing")
	require.False(t, ok)
}
