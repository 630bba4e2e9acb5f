// Package connection implements the per-socket state machine (component E):
// permission level, encryption/compression mode, handshake bookkeeping, and
// event fan-out (on_packet_ready, on_closed, on_post_send). Connection
// implements transport.Listener so the transport never holds a pointer back
// to it — the same cyclic-reference break the teacher uses for
// client2.Client's cfg.OnConnFn/cfg.OnMessageFn callbacks.
package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/swiftgate/swiftgate/core/cache"
	swcrypto "github.com/swiftgate/swiftgate/core/crypto"
	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/core/worker"
	"github.com/swiftgate/swiftgate/server/internal/transport"
)

// State is a Connection's position in its lifecycle.
type State uint8

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// EncryptionMode selects the connection's symmetric transport cipher.
type EncryptionMode uint8

const (
	EncryptionNone EncryptionMode = iota
	EncryptionChaCha20Poly1305
)

// CompressionMode selects the connection's payload compression.
type CompressionMode uint8

const (
	CompressionNone CompressionMode = iota
	CompressionFlate
)

// defaultCryptoFailureThreshold is how many consecutive decrypt/decompress
// failures a connection tolerates before the dispatcher disconnects it.
const defaultCryptoFailureThreshold = 3

// Config configures a Connection.
type Config struct {
	Transport             transport.Config
	CryptoFailureThreshold int
	IncomingCapacity      int
	Logger                *charmlog.Logger
}

// Connection is the per-socket state machine described by the spec.
type Connection struct {
	worker.Worker

	id         uint32
	identity   uuid.UUID
	remoteAddr string
	transport  *transport.Transport
	log        *charmlog.Logger

	mu              sync.RWMutex
	permission      wire.PermissionLevel
	encryptionMode  EncryptionMode
	compressionMode CompressionMode
	cipher          *swcrypto.Cipher
	state           State
	metadata        map[string]interface{}

	cryptoFailures  int32
	failureThreshold int32
	lastPingTicks   int64 // unix nanos, atomic
	lastRTT         int64 // nanoseconds, atomic

	incoming *cache.FifoCache[[]byte]

	closeOnce sync.Once
	onPacketReady func(*Connection)
	onClosed      func(*Connection, error)
	onPostSend    func(*Connection)
}

// New constructs a Connection around an accepted socket, starting its
// transport's receive loop immediately. State begins Connected.
func New(id uint32, conn net.Conn, remoteAddr string, cfg Config) *Connection {
	threshold := cfg.CryptoFailureThreshold
	if threshold <= 0 {
		threshold = defaultCryptoFailureThreshold
	}
	capacity := cfg.IncomingCapacity
	if capacity <= 0 {
		capacity = 256
	}

	c := &Connection{
		id:               id,
		identity:         uuid.New(),
		remoteAddr:       remoteAddr,
		log:              cfg.Logger,
		permission:       wire.Guest,
		state:            StateConnected,
		metadata:         make(map[string]interface{}),
		failureThreshold: int32(threshold),
		incoming:         cache.NewFifoCache[[]byte](capacity),
	}
	c.transport = transport.New(conn, cfg.Transport, c, cfg.Logger)
	c.transport.Start()
	return c
}

// ID returns the connection's monotonic identity.
func (c *Connection) ID() uint32 { return c.id }

// UUID returns the connection's presentable diagnostic identity.
func (c *Connection) UUID() uuid.UUID { return c.identity }

// RemoteAddr returns the peer's address string.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Permission returns the connection's current permission level.
func (c *Connection) Permission() wire.PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetPermission updates the connection's permission level.
func (c *Connection) SetPermission(level wire.PermissionLevel) {
	c.mu.Lock()
	c.permission = level
	c.mu.Unlock()
}

// CompressionMode returns the connection's current compression mode.
func (c *Connection) CompressionMode() CompressionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compressionMode
}

// SetCompressionMode updates the connection's compression mode.
func (c *Connection) SetCompressionMode(mode CompressionMode) {
	c.mu.Lock()
	c.compressionMode = mode
	c.mu.Unlock()
}

// EncryptionMode returns the connection's current encryption mode.
func (c *Connection) EncryptionMode() EncryptionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encryptionMode
}

// SetEncryptionMode updates the connection's encryption mode.
func (c *Connection) SetEncryptionMode(mode EncryptionMode) {
	c.mu.Lock()
	c.encryptionMode = mode
	c.mu.Unlock()
}

// Authenticate installs the negotiated session cipher and transitions the
// connection Connected -> Authenticated. It is a no-op transition guard: it
// always sets the cipher, but only advances state from Connected.
func (c *Connection) Authenticate(cipher *swcrypto.Cipher) {
	c.mu.Lock()
	c.cipher = cipher
	c.encryptionMode = EncryptionChaCha20Poly1305
	if c.state == StateConnected {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
}

// Cipher returns the connection's negotiated session cipher, or nil before
// a handshake has completed.
func (c *Connection) Cipher() *swcrypto.Cipher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cipher
}

// SetMetadata stores an arbitrary value under key in the connection's
// scoped metadata map (used by the handshake controller to stash the
// ephemeral private key and its timestamp).
func (c *Connection) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// Metadata retrieves a previously stored value.
func (c *Connection) Metadata(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// RecordPing updates the last-ping timestamp and observed round-trip time.
func (c *Connection) RecordPing(rtt time.Duration) {
	atomic.StoreInt64(&c.lastPingTicks, time.Now().UnixNano())
	atomic.StoreInt64(&c.lastRTT, int64(rtt))
}

// LastPingTicks returns the unix-nanosecond timestamp of the last recorded
// ping.
func (c *Connection) LastPingTicks() int64 {
	return atomic.LoadInt64(&c.lastPingTicks)
}

// PingTime returns the last observed round-trip time.
func (c *Connection) PingTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.lastRTT))
}

// RecordCryptoFailure increments the connection's consecutive crypto/decode
// failure counter and reports whether the disconnect threshold has now been
// crossed.
func (c *Connection) RecordCryptoFailure() bool {
	n := atomic.AddInt32(&c.cryptoFailures, 1)
	return n >= c.failureThreshold
}

// ResetCryptoFailures clears the consecutive-failure counter after a
// successful decrypt/decode.
func (c *Connection) ResetCryptoFailures() {
	atomic.StoreInt32(&c.cryptoFailures, 0)
}

// SetOnPacketReady registers the callback fired after a complete frame has
// been buffered into the incoming queue.
func (c *Connection) SetOnPacketReady(fn func(*Connection)) { c.onPacketReady = fn }

// SetOnClosed registers the callback fired exactly once when the connection
// closes; subscribers must be idempotent.
func (c *Connection) SetOnClosed(fn func(*Connection, error)) { c.onClosed = fn }

// SetOnPostSend registers the callback fired after a successful send.
func (c *Connection) SetOnPostSend(fn func(*Connection)) { c.onPostSend = fn }

// OnFrame implements transport.Listener: it buffers the raw frame and fires
// on_packet_ready. Deserialization happens later, in the dispatcher.
func (c *Connection) OnFrame(frame []byte) {
	c.incoming.Add(frame)
	if c.onPacketReady != nil {
		c.onPacketReady(c)
	}
}

// OnClosed implements transport.Listener: it marks the connection
// Disconnected and fires the registered on_closed callback exactly once.
func (c *Connection) OnClosed(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if c.log != nil {
			c.log.Debugf("connection %d closed: %v", c.id, err)
		}
		if c.onClosed != nil {
			c.onClosed(c, err)
		}
	})
}

// NextFrame pops the oldest buffered raw frame, if any.
func (c *Connection) NextFrame() ([]byte, bool) {
	return c.incoming.TryGet()
}

// Send writes a fully-prepared frame (already encrypted/compressed as
// required) to the transport and fires on_post_send.
func (c *Connection) Send(frame []byte) error {
	if err := c.transport.Send(frame); err != nil {
		return err
	}
	if c.onPostSend != nil {
		c.onPostSend(c)
	}
	return nil
}

// BufPool exposes the transport's buffer pool so callers can release frame
// buffers once decoded.
func (c *Connection) BufPool() *pool.Pool {
	return c.transport.BufPool()
}

// LastActivity reports the time of the most recently received or sent
// frame, used by the listener's inactivity janitor.
func (c *Connection) LastActivity() time.Time {
	return c.transport.LastActivity()
}

// Close disconnects the connection, tearing down its transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}
