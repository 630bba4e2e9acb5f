package controllers

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/server/internal/connection"
	"github.com/swiftgate/swiftgate/server/internal/dispatch"
	"github.com/swiftgate/swiftgate/server/internal/ratelimit"
	"github.com/swiftgate/swiftgate/server/internal/transport"
)

func newHarness(t *testing.T) (*dispatch.Dispatcher, *connection.Connection, net.Conn) {
	t.Helper()
	registry := dispatch.NewRegistry()
	Register(registry)
	d := dispatch.New(registry, ratelimit.New(), pool.NewDefault(), dispatch.Config{DefaultTimeoutMs: 1000}, nil)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	conn := connection.New(1, serverConn, "127.0.0.1:4321", connection.Config{
		Transport: transport.Config{BufPool: pool.NewDefault(), MaxBufferSize: 65536},
	})
	t.Cleanup(func() { conn.Close() })

	return d, conn, clientConn
}

func sendAndRead(t *testing.T, d *dispatch.Dispatcher, conn *connection.Connection, client net.Conn, req *wire.Packet) *wire.Packet {
	t.Helper()
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)
	d.HandleFrame(context.Background(), conn, frame)

	var lenBuf [2]byte
	_, err = client.Read(lenBuf[:])
	require.NoError(t, err)
	length := binary.LittleEndian.Uint16(lenBuf[:])

	rest := make([]byte, length)
	copy(rest[:2], lenBuf[:])
	n, err := client.Read(rest[2:])
	require.NoError(t, err)
	require.Equal(t, int(length)-2, n)

	pkt, err := wire.Deserialize(rest, nil)
	require.NoError(t, err)
	return pkt
}

func ephemeralKeypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub
}

func TestStartHandshakeEstablishesSessionWithoutAuthenticating(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	req := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])

	resp := sendAndRead(t, d, conn, client, req)
	require.Equal(t, wire.Success, resp.Code)
	require.Len(t, resp.Payload, 32)

	// StartHandshake upgrades permission immediately, but the state
	// transition to Authenticated and cipher installation wait for a
	// successful CompleteHandshake.
	require.Equal(t, connection.StateConnected, conn.State())
	require.Equal(t, wire.User, conn.Permission())
	require.Nil(t, conn.Cipher())
}

func TestStartHandshakeRejectsWrongPayloadLength(t *testing.T) {
	d, conn, client := newHarness(t)

	req := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, []byte("too short"))
	resp := sendAndRead(t, d, conn, client, req)

	require.Equal(t, wire.BadRequest, resp.Code)
	require.NotEqual(t, connection.StateAuthenticated, conn.State())
}

func TestStartHandshakeRateLimitsRapidRetry(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	req := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])

	first := sendAndRead(t, d, conn, client, req)
	require.Equal(t, wire.Success, first.Code)

	second := sendAndRead(t, d, conn, client, req)
	require.Equal(t, wire.RateLimited, second.Code)
}

func TestCompleteHandshakeRequiresPriorStart(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	req := wire.New(CmdCompleteHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])
	resp := sendAndRead(t, d, conn, client, req)

	require.Equal(t, wire.Conflict, resp.Code)
	require.NotEqual(t, connection.StateAuthenticated, conn.State())
}

func TestCompleteHandshakeRejectsWrongPayloadLength(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	start := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])
	sendAndRead(t, d, conn, client, start)

	complete := wire.New(CmdCompleteHandshake, wire.Success, 2, wire.TypeBinary, 0, wire.Low, []byte("short"))
	resp := sendAndRead(t, d, conn, client, complete)

	require.Equal(t, wire.BadRequest, resp.Code)
}

func TestCompleteHandshakeAuthenticatesConnection(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	start := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])
	sendAndRead(t, d, conn, client, start)

	complete := wire.New(CmdCompleteHandshake, wire.Success, 2, wire.TypeBinary, 0, wire.Low, clientPub[:])
	resp := sendAndRead(t, d, conn, client, complete)

	require.Equal(t, wire.Success, resp.Code)
	require.Equal(t, connection.StateAuthenticated, conn.State())
	require.Equal(t, wire.User, conn.Permission())
	require.NotNil(t, conn.Cipher())
}

func TestCompleteHandshakeRejectsMismatchedKey(t *testing.T) {
	d, conn, client := newHarness(t)

	_, clientPub := ephemeralKeypair(t)
	start := wire.New(CmdStartHandshake, wire.Success, 1, wire.TypeBinary, 0, wire.Low, clientPub[:])
	sendAndRead(t, d, conn, client, start)

	_, otherPub := ephemeralKeypair(t)
	complete := wire.New(CmdCompleteHandshake, wire.Success, 2, wire.TypeBinary, 0, wire.Low, otherPub[:])
	resp := sendAndRead(t, d, conn, client, complete)

	require.Equal(t, wire.Conflict, resp.Code)
	require.NotEqual(t, connection.StateAuthenticated, conn.State())
}

func TestConnectionStatusReportsModes(t *testing.T) {
	d, conn, client := newHarness(t)
	conn.SetCompressionMode(connection.CompressionFlate)

	req := wire.New(CmdConnectionStatus, wire.Success, 1, wire.TypeNone, 0, wire.Low, nil)
	resp := sendAndRead(t, d, conn, client, req)

	require.Equal(t, wire.Success, resp.Code)
	var status connectionStatus
	require.NoError(t, wire.DecodeStructured(resp.Payload, &status))
	require.Equal(t, uint8(connection.CompressionFlate), status.CompressionMode)
}

func TestSetCompressionModeValidatesValue(t *testing.T) {
	d, conn, client := newHarness(t)

	bad := wire.New(CmdSetCompressionMode, wire.Success, 1, wire.TypeBinary, 0, wire.Low, []byte{99})
	resp := sendAndRead(t, d, conn, client, bad)
	require.Equal(t, wire.BadRequest, resp.Code)

	good := wire.New(CmdSetCompressionMode, wire.Success, 2, wire.TypeBinary, 0, wire.Low, []byte{byte(connection.CompressionFlate)})
	resp = sendAndRead(t, d, conn, client, good)
	require.Equal(t, wire.Success, resp.Code)
	require.Equal(t, connection.CompressionFlate, conn.CompressionMode())
}

func TestSetEncryptionModeValidatesValue(t *testing.T) {
	d, conn, client := newHarness(t)

	bad := wire.New(CmdSetEncryptionMode, wire.Success, 1, wire.TypeBinary, 0, wire.Low, []byte{7})
	resp := sendAndRead(t, d, conn, client, bad)
	require.Equal(t, wire.BadRequest, resp.Code)
}

func TestPingRespondsPong(t *testing.T) {
	d, conn, client := newHarness(t)

	req := wire.New(CmdPing, wire.Success, 1, wire.TypeNone, 0, wire.Low, nil)
	resp := sendAndRead(t, d, conn, client, req)

	require.Equal(t, wire.Success, resp.Code)
	require.Equal(t, []byte("pong"), resp.Payload)
}

func TestDisconnectClosesConnection(t *testing.T) {
	d, conn, client := newHarness(t)

	req := wire.New(CmdDisconnect, wire.Success, 1, wire.TypeNone, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)
	d.HandleFrame(context.Background(), conn, frame)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = client.Read(make([]byte, 2))
	require.Error(t, err)
}
