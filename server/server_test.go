package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/server/config"
	"github.com/swiftgate/swiftgate/server/internal/controllers"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Listener.Endpoint = "127.0.0.1:0"

	s, err := New(cfg, nil)
	require.NoError(t, err)
	s.Serve()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerRoundTripsPing(t *testing.T) {
	s := newTestServer(t)

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.New(controllers.CmdPing, wire.Success, 1, wire.TypeNone, 0, wire.Low, nil)
	frame, err := wire.Serialize(req, nil)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [2]byte
	_, err = conn.Read(lenBuf[:])
	require.NoError(t, err)
	length := binary.LittleEndian.Uint16(lenBuf[:])

	rest := make([]byte, length)
	copy(rest[:2], lenBuf[:])
	_, err = conn.Read(rest[2:])
	require.NoError(t, err)

	resp, err := wire.Deserialize(rest, nil)
	require.NoError(t, err)
	require.Equal(t, wire.Success, resp.Code)
	require.Equal(t, []byte("pong"), resp.Payload)
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Listener.Endpoint = ""
	_, err := New(cfg, nil)
	require.Error(t, err)
}
