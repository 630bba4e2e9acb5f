// Package transport implements the length-prefixed framed I/O layer over a
// connected stream socket (component D). It owns the receive loop and the
// serialized send path; it never parses a frame's header itself — it emits
// raw frames (length field inclusive) to a Listener, the same
// break-the-cycle-with-a-callback shape the teacher uses for
// client2.Client's cfg.OnConnFn/cfg.OnMessageFn, so the transport never
// holds a pointer back to its owning connection.
package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/swiftgate/swiftgate/core/cache"
	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/worker"
	"github.com/swiftgate/swiftgate/core/xerrors"
)

// lengthPrefixSize is the width of the frame's leading length field, the
// same field wire.HeaderSize's first two bytes occupy.
const lengthPrefixSize = 2

// maxViolationsBeforeClose is how many oversize-length frames a connection
// may declare before the transport closes it outright.
const maxViolationsBeforeClose = 3

// Listener receives framing events from a Transport. Implemented by
// server/internal/connection.Connection. OnFrame takes ownership of frame;
// if the transport was built with a buffer pool, the receiver should return
// it via Transport.BufPool().Return once done decoding.
type Listener interface {
	OnFrame(frame []byte)
	OnClosed(err error)
}

// Transport wraps a net.Conn with length-prefixed framing, a dedup-key
// outgoing cache, and a core/worker.Worker-based cancellation token for its
// receive loop.
type Transport struct {
	worker.Worker

	conn          net.Conn
	bufPool       *pool.Pool
	maxBufferSize int
	dedup         *cache.BinaryCache
	dedupEnabled  bool
	log           *charmlog.Logger

	sendMu sync.Mutex

	mu             sync.Mutex
	listener       Listener
	lastActivityAt time.Time
	violations     int
	closeOnce      sync.Once
}

// Config configures a Transport.
type Config struct {
	BufPool       *pool.Pool
	MaxBufferSize int
	// DedupEnabled turns on outgoing dedup-key bookkeeping against an
	// internal BinaryCache; disabled by default per the spec ("deduplication
	// policy is implementation-decided and must be disabled by default").
	DedupEnabled   bool
	DedupCacheSize int
}

// New constructs a Transport around an already-connected socket.
func New(conn net.Conn, cfg Config, listener Listener, logger *charmlog.Logger) *Transport {
	t := &Transport{
		conn:           conn,
		bufPool:        cfg.BufPool,
		maxBufferSize:  cfg.MaxBufferSize,
		dedupEnabled:   cfg.DedupEnabled,
		listener:       listener,
		log:            logger,
		lastActivityAt: time.Now(),
	}
	if cfg.DedupEnabled {
		size := cfg.DedupCacheSize
		if size <= 0 {
			size = 256
		}
		t.dedup = cache.NewBinaryCache(size)
	}
	return t
}

// Start launches the receive loop on its own goroutine.
func (t *Transport) Start() {
	t.Go(t.receiveLoop)
}

func (t *Transport) receiveLoop() {
	var lenBuf [lengthPrefixSize]byte
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}

		if err := t.readFull(lenBuf[:]); err != nil {
			t.closeWith(err)
			return
		}
		length := binary.LittleEndian.Uint16(lenBuf[:])

		if int(length) > t.maxBufferSize {
			t.recordViolation(int(length))
			if t.tooManyViolations() {
				t.closeWith(xerrors.NewProtocolError("frame length %d exceeds max buffer size %d, closing after repeated violations", length, t.maxBufferSize))
				return
			}
			// Drain and discard the declared remainder so framing stays in
			// sync with the peer even though this frame is rejected.
			if length > lengthPrefixSize {
				if err := t.discard(int(length) - lengthPrefixSize); err != nil {
					t.closeWith(err)
					return
				}
			}
			continue
		}
		if int(length) < lengthPrefixSize {
			t.closeWith(xerrors.NewProtocolError("frame length %d shorter than the length prefix itself", length))
			return
		}

		frame := t.rent(int(length))
		copy(frame[:lengthPrefixSize], lenBuf[:])
		if length > lengthPrefixSize {
			if err := t.readFull(frame[lengthPrefixSize:length]); err != nil {
				t.closeWith(err)
				return
			}
		}

		t.touch()
		t.listener.OnFrame(frame[:length])
	}
}

func (t *Transport) rent(size int) []byte {
	if t.bufPool != nil {
		return t.bufPool.Rent(size)
	}
	return make([]byte, size)
}

func (t *Transport) readFull(dst []byte) error {
	_, err := io.ReadFull(t.conn, dst)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return xerrors.NewTransportError("connection closed by peer: %w", err)
		}
		return xerrors.NewTransportError("read failed: %w", err)
	}
	return nil
}

func (t *Transport) discard(n int) error {
	_, err := io.CopyN(io.Discard, t.conn, int64(n))
	if err != nil {
		return xerrors.NewTransportError("discard failed: %w", err)
	}
	return nil
}

func (t *Transport) recordViolation(length int) {
	t.mu.Lock()
	t.violations++
	if t.log != nil {
		t.log.Warnf("oversize frame declared (length=%d, max=%d, violation=%d)", length, t.maxBufferSize, t.violations)
	}
	t.mu.Unlock()
}

func (t *Transport) tooManyViolations() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violations >= maxViolationsBeforeClose
}

func (t *Transport) touch() {
	t.mu.Lock()
	t.lastActivityAt = time.Now()
	t.mu.Unlock()
}

// LastActivity reports the time of the most recently received or sent
// frame, used by the listener's inactivity janitor.
func (t *Transport) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivityAt
}

// BufPool returns the buffer pool frames were rented from, or nil.
func (t *Transport) BufPool() *pool.Pool {
	return t.bufPool
}

// Send writes frame to the socket synchronously, serialized against
// concurrent sends by an internal mutex so frames from different goroutines
// never interleave on the wire.
func (t *Transport) Send(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.dedupEnabled {
		key := dedupKey(frame)
		t.dedup.Put(key, frame)
	}

	if _, err := t.conn.Write(frame); err != nil {
		return xerrors.NewTransportError("write failed: %w", err)
	}
	t.touch()
	return nil
}

// SendAsync fires Send on a worker-tracked goroutine and reports the result
// on the returned channel, which has capacity 1 so the goroutine never
// blocks on a caller that stops listening.
func (t *Transport) SendAsync(frame []byte) <-chan error {
	result := make(chan error, 1)
	t.Go(func() {
		result <- t.Send(frame)
	})
	return result
}

// Close halts the receive loop and closes the underlying socket.
func (t *Transport) Close() error {
	t.closeWith(nil)
	return nil
}

func (t *Transport) closeWith(err error) {
	t.closeOnce.Do(func() {
		t.Halt()
		_ = t.conn.Close()
		if t.listener != nil {
			t.listener.OnClosed(err)
		}
	})
}

// dedupKey computes the short outgoing dedup key: first 4 bytes concatenated
// with the last 5 bytes, or the whole frame when shorter than 9 bytes.
func dedupKey(frame []byte) []byte {
	if len(frame) < 9 {
		key := make([]byte, len(frame))
		copy(key, frame)
		return key
	}
	key := make([]byte, 9)
	copy(key[:4], frame[:4])
	copy(key[4:], frame[len(frame)-5:])
	return key
}
