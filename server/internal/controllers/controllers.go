// Package controllers implements the built-in command handlers (component
// I): key-exchange, session/keep-alive, and mode negotiation. All live in
// the reserved 0xFF00-0xFFFF command id range and are registered once, at
// startup, against a dispatch.Registry — the same explicit up-front
// registration style used throughout this repo rather than a reflection
// scan.
package controllers

import (
	"context"
	"time"

	"github.com/swiftgate/swiftgate/core/crypto"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/core/xerrors"
	"github.com/swiftgate/swiftgate/server/internal/connection"
	"github.com/swiftgate/swiftgate/server/internal/dispatch"
)

// Command ids for the built-in controllers, all within the reserved range.
const (
	CmdStartHandshake     uint16 = 0xFF00
	CmdCompleteHandshake  uint16 = 0xFF01
	CmdDisconnect         uint16 = 0xFF10
	CmdConnectionStatus   uint16 = 0xFF11
	CmdPingTime           uint16 = 0xFF12
	CmdPing               uint16 = 0xFF13
	CmdPong               uint16 = 0xFF14
	CmdSetCompressionMode uint16 = 0xFF20
	CmdSetEncryptionMode  uint16 = 0xFF21
)

const handshakeStartedAtKey = "X25519_StartedAt"
const handshakePrivateKeyKey = "X25519_PrivateKey"
const handshakeSessionKeyKey = "X25519_SessionKey"
const handshakeReplayWindow = 10 * time.Second

// connectionStatus is the CBOR payload returned by ConnectionStatus.
type connectionStatus struct {
	EncryptionMode  uint8 `cbor:"encryption_mode"`
	CompressionMode uint8 `cbor:"compression_mode"`
}

// Register installs every built-in controller handler into registry.
func Register(registry *dispatch.Registry) {
	registry.Handle(CmdStartHandshake, dispatch.Options{RequiredPermission: wire.Guest}, startHandshake)
	registry.Handle(CmdCompleteHandshake, dispatch.Options{RequiredPermission: wire.Guest}, completeHandshake)

	registry.Handle(CmdDisconnect, dispatch.Options{RequiredPermission: wire.Guest}, disconnect)
	registry.Handle(CmdConnectionStatus, dispatch.Options{RequiredPermission: wire.Guest}, connectionStatusHandler)
	registry.Handle(CmdPingTime, dispatch.Options{RequiredPermission: wire.Guest}, pingTime)
	registry.Handle(CmdPing, dispatch.Options{RequiredPermission: wire.Guest}, ping)
	registry.Handle(CmdPong, dispatch.Options{RequiredPermission: wire.Guest}, pong)

	registry.Handle(CmdSetCompressionMode, dispatch.Options{RequiredPermission: wire.Guest}, setCompressionMode)
	registry.Handle(CmdSetEncryptionMode, dispatch.Options{RequiredPermission: wire.Guest}, setEncryptionMode)
}

// startHandshake consumes the client's ephemeral X25519 public key, derives
// the shared session key, and replies with the server's own ephemeral
// public key. It stashes the server's private key and the derived session
// key in connection metadata and upgrades permission to User, but does not
// yet install the cipher: the state transition Connected -> Authenticated
// only happens on a successful CompleteHandshake. A connection that retries
// within handshakeReplayWindow of its previous attempt is rate limited
// rather than allowed to spin up a fresh keypair on every retry.
func startHandshake(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	if len(pkt.Payload) != crypto.KeySize {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}

	if prev, ok := conn.Metadata(handshakeStartedAtKey); ok {
		if startedAt, ok := prev.(time.Time); ok && time.Since(startedAt) < handshakeReplayWindow {
			return pkt.WithPayload(nil).WithCode(wire.RateLimited), nil
		}
	}
	conn.SetMetadata(handshakeStartedAtKey, time.Now())

	hs, serverPub, err := crypto.StartHandshake()
	if err != nil {
		return nil, xerrors.NewInternalError("start handshake: %w", err)
	}

	var clientPub [crypto.KeySize]byte
	copy(clientPub[:], pkt.Payload)
	if err := hs.CompleteHandshake(clientPub); err != nil {
		return pkt.WithPayload(nil).WithCode(wire.Conflict), nil
	}

	sessionKey, err := hs.SessionKey()
	if err != nil {
		return nil, xerrors.NewInternalError("derive session key: %w", err)
	}

	conn.SetMetadata(handshakePrivateKeyKey, hs.PrivateKey())
	conn.SetMetadata(handshakeSessionKeyKey, sessionKey)
	conn.SetPermission(wire.User)

	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeBinary, 0, wire.Low, serverPub[:]), nil
}

// completeHandshake carries the client's X25519 public key again, the same
// one sent to StartHandshake. It re-derives the session key from the
// private key stashed by startHandshake and compares it against the key
// derived there; only on a match does the connection install the session
// cipher and transition Connected -> Authenticated. A mismatch (tampered or
// stale payload) is reported as Conflict and leaves the connection
// unauthenticated.
func completeHandshake(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	if len(pkt.Payload) != crypto.KeySize {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}

	privAny, ok := conn.Metadata(handshakePrivateKeyKey)
	if !ok {
		return pkt.WithPayload(nil).WithCode(wire.Conflict), nil
	}
	expectedAny, ok := conn.Metadata(handshakeSessionKeyKey)
	if !ok {
		return pkt.WithPayload(nil).WithCode(wire.Conflict), nil
	}
	priv := privAny.([crypto.KeySize]byte)
	expected := expectedAny.([crypto.KeySize]byte)

	var clientPub [crypto.KeySize]byte
	copy(clientPub[:], pkt.Payload)

	hs := crypto.ResumeHandshake(priv)
	if err := hs.CompleteHandshake(clientPub); err != nil {
		return pkt.WithPayload(nil).WithCode(wire.Conflict), nil
	}
	sessionKey, err := hs.SessionKey()
	if err != nil {
		return nil, xerrors.NewInternalError("derive session key: %w", err)
	}

	if !crypto.ConstantTimeEqual(sessionKey[:], expected[:]) {
		return pkt.WithPayload(nil).WithCode(wire.Conflict), nil
	}

	cipher, err := crypto.NewCipher(sessionKey)
	if err != nil {
		return nil, xerrors.NewInternalError("construct session cipher: %w", err)
	}
	conn.Authenticate(cipher)

	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeNone, 0, wire.Low, nil), nil
}

func disconnect(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	_ = conn.Close()
	return nil, nil
}

func connectionStatusHandler(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	status := connectionStatus{
		EncryptionMode:  uint8(conn.EncryptionMode()),
		CompressionMode: uint8(conn.CompressionMode()),
	}
	payload, err := wire.EncodeStructured(status)
	if err != nil {
		return nil, xerrors.NewInternalError("encode connection status: %w", err)
	}
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeJSON, 0, wire.Low, payload), nil
}

func pingTime(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	rtt := conn.PingTime()
	payload := make([]byte, 8)
	putUint64(payload, uint64(rtt))
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeBinary, 0, wire.Low, payload), nil
}

func ping(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	conn.RecordPing(0)
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeString, 0, wire.Low, []byte("pong")), nil
}

func pong(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeString, 0, wire.Low, []byte("ping")), nil
}

func setCompressionMode(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	if len(pkt.Payload) != 1 {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}
	mode := connection.CompressionMode(pkt.Payload[0])
	if mode != connection.CompressionNone && mode != connection.CompressionFlate {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}
	conn.SetCompressionMode(mode)
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeNone, 0, wire.Low, nil), nil
}

func setEncryptionMode(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error) {
	if len(pkt.Payload) != 1 {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}
	mode := connection.EncryptionMode(pkt.Payload[0])
	if mode != connection.EncryptionNone && mode != connection.EncryptionChaCha20Poly1305 {
		return pkt.WithPayload(nil).WithCode(wire.BadRequest), nil
	}
	conn.SetEncryptionMode(mode)
	return wire.New(pkt.ID, wire.Success, pkt.Number, wire.TypeNone, 0, wire.Low, nil), nil
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * uint(i)))
	}
}
