package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/server/internal/connection"
	"github.com/swiftgate/swiftgate/server/internal/ratelimit"
	"github.com/swiftgate/swiftgate/server/internal/transport"
)

func newTestConnection(t *testing.T) (*connection.Connection, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	p := pool.NewDefault()
	conn := connection.New(1, serverConn, "127.0.0.1:1234", connection.Config{
		Transport: transport.Config{BufPool: p, MaxBufferSize: 65536},
	})
	t.Cleanup(func() { conn.Close() })
	return conn, clientConn
}

func readFrame(t *testing.T, c net.Conn) *wire.Packet {
	t.Helper()
	var lenBuf [2]byte
	_, err := c.Read(lenBuf[:])
	require.NoError(t, err)
	length := binary.LittleEndian.Uint16(lenBuf[:])

	rest := make([]byte, length)
	copy(rest[:2], lenBuf[:])
	n, err := c.Read(rest[2:])
	require.NoError(t, err)
	require.Equal(t, int(length)-2, n)

	pkt, err := wire.Deserialize(rest, nil)
	require.NoError(t, err)
	return pkt
}

func newDispatcherForTest() (*Dispatcher, *Registry) {
	registry := NewRegistry()
	d := New(registry, ratelimit.New(), pool.NewDefault(), Config{DefaultTimeoutMs: 1000}, nil)
	return d, registry
}

func TestHandleFrameInvokesRegisteredHandler(t *testing.T) {
	d, registry := newDispatcherForTest()
	registry.Handle(0x0100, Options{RequiredPermission: wire.Guest}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		return pkt.WithPayload(pkt.Payload), nil
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0100, wire.Success, 7, wire.TypeBinary, 0, wire.Low, []byte("ping"))
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	resp := readFrame(t, client)
	require.Equal(t, wire.Success, resp.Code)
	require.Equal(t, uint8(7), resp.Number)
	require.Equal(t, []byte("ping"), resp.Payload)
}

func TestHandleFrameUnknownCommandDropsSilently(t *testing.T) {
	d, _ := newDispatcherForTest()
	conn, client := newTestConnection(t)

	req := wire.New(0xDEAD, wire.Success, 1, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = client.Read(make([]byte, 2))
	require.Error(t, err)
}

func TestHandleFramePermissionDenied(t *testing.T) {
	d, registry := newDispatcherForTest()
	called := false
	registry.Handle(0x0200, Options{RequiredPermission: wire.Admin}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		called = true
		return nil, nil
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0200, wire.Success, 3, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	resp := readFrame(t, client)
	require.Equal(t, wire.Forbidden, resp.Code)
	require.False(t, called)
}

func TestHandleFrameEncryptionRequiredRejectsUnauthenticated(t *testing.T) {
	d, registry := newDispatcherForTest()
	registry.Handle(0x0300, Options{EncryptionRequired: true}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		return nil, nil
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0300, wire.Success, 1, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	resp := readFrame(t, client)
	require.Equal(t, wire.Forbidden, resp.Code)
}

func TestHandleFrameRateLimited(t *testing.T) {
	d, registry := newDispatcherForTest()
	registry.Handle(0x0400, Options{RateGroup: "ping", RateLimit: ratelimit.Rule{MaxRequests: 1, Window: time.Second}}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		return pkt.WithPayload(nil), nil
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0400, wire.Success, 1, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)
	first := readFrame(t, client)
	require.Equal(t, wire.Success, first.Code)

	d.HandleFrame(context.Background(), conn, frame)
	second := readFrame(t, client)
	require.Equal(t, wire.RateLimited, second.Code)
}

func TestHandleFrameHandlerPanicBecomesServerError(t *testing.T) {
	d, registry := newDispatcherForTest()
	registry.Handle(0x0500, Options{}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		panic("boom")
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0500, wire.Success, 9, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	resp := readFrame(t, client)
	require.Equal(t, wire.ServerError, resp.Code)
	require.Equal(t, uint8(9), resp.Number)
}

func TestHandleFrameHandlerTimeout(t *testing.T) {
	d, registry := newDispatcherForTest()
	registry.Handle(0x0600, Options{TimeoutMs: 20}, func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		<-ctx.Done()
		return nil, errors.New("cancelled")
	})

	conn, client := newTestConnection(t)
	req := wire.New(0x0600, wire.Success, 1, wire.TypeBinary, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), conn, frame)

	resp := readFrame(t, client)
	require.Equal(t, wire.Timeout, resp.Code)
}

func TestHandleFrameMalformedFrameReportsPacketType(t *testing.T) {
	d, _ := newDispatcherForTest()
	conn, client := newTestConnection(t)

	garbage := make([]byte, 4)
	binary.LittleEndian.PutUint16(garbage[:2], 30) // declares a length longer than supplied
	d.HandleFrame(context.Background(), conn, garbage)

	resp := readFrame(t, client)
	require.Equal(t, wire.PacketType, resp.Code)
}

func TestRegistryHandleDuplicateCommandPanics(t *testing.T) {
	registry := NewRegistry()
	noop := func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
		return nil, nil
	}
	registry.Handle(0x0700, Options{}, noop)
	require.Panics(t, func() {
		registry.Handle(0x0700, Options{}, noop)
	})
}
