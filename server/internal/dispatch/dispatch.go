// Package dispatch implements the command dispatcher (component H):
// explicit builder-style handler registration, and the eleven-step
// per-frame pipeline described in the spec (deserialize, lookup, permission
// gate, rate limit, encryption gate, decompress, decrypt, invoke with
// timeout and panic recovery, encrypt-then-compress the response, send).
//
// Registration mirrors the teacher's own explicit-registration idiom for
// CBOR tags (TagSet.Add(...) in server/cborplugin/client.go) rather than a
// reflection-based scan, since Go has no attribute/annotation system.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/swiftgate/swiftgate/core/compress"
	swcrypto "github.com/swiftgate/swiftgate/core/crypto"
	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/queue"
	"github.com/swiftgate/swiftgate/core/wire"
	"github.com/swiftgate/swiftgate/core/xerrors"
	"github.com/swiftgate/swiftgate/server/internal/connection"
	"github.com/swiftgate/swiftgate/server/internal/instrument"
	"github.com/swiftgate/swiftgate/server/internal/ratelimit"
)

// HandlerFunc is the handler contract: given the deserialized, decrypted
// request packet and the connection it arrived on, it optionally returns a
// response packet. A nil response means no reply is sent.
type HandlerFunc func(ctx context.Context, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, error)

// Options is a handler's registration-time descriptor.
type Options struct {
	RequiredPermission wire.PermissionLevel
	TimeoutMs          uint32
	EncryptionRequired bool
	RateGroup          string
	RateLimit          ratelimit.Rule
}

type descriptor struct {
	commandID uint16
	opts      Options
	fn        HandlerFunc
}

// Registry holds every registered handler, indexed by command id for O(1)
// lookup. Registration happens once at startup; Handle panics on a
// duplicate command id, since a routing conflict is a programming error,
// never a runtime condition.
type Registry struct {
	mu         sync.RWMutex
	descriptors [65536]*descriptor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Handle registers fn for id with the given options. It panics if id is
// already registered.
func (r *Registry) Handle(id uint16, opts Options, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.descriptors[id] != nil {
		panic(fmt.Sprintf("dispatch: command id 0x%04X already registered", id))
	}
	r.descriptors[id] = &descriptor{commandID: id, opts: opts, fn: fn}
}

func (r *Registry) lookup(id uint16) (*descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.descriptors[id]
	return d, d != nil
}

// Config configures a Dispatcher.
type Config struct {
	DefaultTimeoutMs         uint32
	MaxHandlerFailuresPerConn int
}

// Dispatcher runs the per-frame pipeline against a Registry.
type Dispatcher struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	bufPool  *pool.Pool
	cfg      Config
	log      *charmlog.Logger

	mu       sync.Mutex
	failures map[uint32]int
}

// New constructs a Dispatcher.
func New(registry *Registry, limiter *ratelimit.Limiter, bufPool *pool.Pool, cfg Config, logger *charmlog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limiter:  limiter,
		bufPool:  bufPool,
		cfg:      cfg,
		log:      logger,
		failures: make(map[uint32]int),
	}
}

// HandleFrame deserializes one raw frame already pulled off conn's incoming
// buffer and runs it through the full pipeline synchronously. Callers that
// want frames ordered by wire.Priority before dispatch should use
// EnqueueFrame/DrainQueue instead.
func (d *Dispatcher) HandleFrame(ctx context.Context, conn *connection.Connection, frame []byte) {
	pkt, ok := d.deserialize(conn, frame)
	if !ok {
		return
	}
	d.HandlePacket(ctx, conn, pkt)
}

// EnqueueFrame deserializes frame and pushes it onto q instead of dispatching
// it immediately, so a connection's pending work is ordered by wire.Priority
// (component G) before DrainQueue hands it to HandlePacket. A malformed
// frame or a full queue is rejected the same way HandleFrame would reject
// it.
func (d *Dispatcher) EnqueueFrame(conn *connection.Connection, q *queue.Queue, frame []byte) {
	pkt, ok := d.deserialize(conn, frame)
	if !ok {
		return
	}
	if !q.Enqueue(pkt) {
		instrument.FrameDropped("queue_full")
		d.sendCode(conn, pkt.Number, wire.ServerError, "queue full")
		return
	}
	d.reportQueueDepth(q)
}

// DrainQueue dequeues every packet currently queued for conn, highest
// priority first, and runs each through HandlePacket.
func (d *Dispatcher) DrainQueue(ctx context.Context, conn *connection.Connection, q *queue.Queue) {
	for {
		pkt, ok := q.Dequeue()
		if !ok {
			return
		}
		d.reportQueueDepth(q)
		d.HandlePacket(ctx, conn, pkt)
	}
}

func (d *Dispatcher) reportQueueDepth(q *queue.Queue) {
	sizes := q.PerPrioritySizes()
	for pr, size := range sizes {
		instrument.QueueDepth(wire.Priority(pr).String(), size)
	}
}

func (d *Dispatcher) deserialize(conn *connection.Connection, frame []byte) (*wire.Packet, bool) {
	pkt, err := wire.Deserialize(frame, d.bufPool)
	if err != nil {
		instrument.FrameDropped("bad_frame")
		d.sendCode(conn, 0, wire.PacketType, "malformed frame")
		return nil, false
	}
	return pkt, true
}

// HandlePacket runs the permission/rate-limit/crypto/invoke/response pipeline
// for an already-deserialized packet.
func (d *Dispatcher) HandlePacket(ctx context.Context, conn *connection.Connection, pkt *wire.Packet) {
	desc, ok := d.registry.lookup(pkt.ID)
	if !ok {
		instrument.FrameDropped("unknown_command")
		if d.log != nil {
			d.log.Debugf("connection %d: no handler for command 0x%04X", conn.ID(), pkt.ID)
		}
		return
	}

	if conn.Permission() < desc.opts.RequiredPermission {
		d.sendCode(conn, pkt.Number, wire.Forbidden, "")
		return
	}

	if desc.opts.RateGroup != "" {
		d.limiter.SetRule(desc.opts.RateGroup, desc.opts.RateLimit)
		if !d.limiter.Allow(conn.ID(), desc.opts.RateGroup) {
			instrument.RateLimited(desc.opts.RateGroup)
			d.recordStrike(conn.ID())
			d.sendCode(conn, pkt.Number, wire.RateLimited, "")
			return
		}
	}

	if desc.opts.EncryptionRequired && conn.State() != connection.StateAuthenticated {
		d.sendCode(conn, pkt.Number, wire.Forbidden, "")
		return
	}

	working := pkt
	if working.Flags.Has(wire.FlagCompressed) {
		plain, err := compress.Decompress(working.Payload)
		if err != nil {
			d.handleCryptoFailure(conn, pkt.Number)
			return
		}
		working = working.WithPayload(plain)
		working.Flags = working.Flags.Clear(wire.FlagCompressed)
	}
	if working.Flags.Has(wire.FlagEncrypted) {
		cipher := conn.Cipher()
		if cipher == nil {
			d.handleCryptoFailure(conn, pkt.Number)
			return
		}
		plain, err := cipher.Open(working.Payload)
		if err != nil {
			d.handleCryptoFailure(conn, pkt.Number)
			return
		}
		working = working.WithPayload(plain)
		working.Flags = working.Flags.Clear(wire.FlagEncrypted)
	}
	conn.ResetCryptoFailures()

	resp, code := d.invoke(ctx, desc, working, conn)
	if resp == nil && code == wire.Success {
		return
	}
	if resp == nil {
		d.sendCode(conn, pkt.Number, code, "")
		return
	}

	out := resp
	if conn.EncryptionMode() != connection.EncryptionNone && conn.Cipher() != nil {
		sealed, err := conn.Cipher().Seal(out.Payload)
		if err != nil {
			d.sendCode(conn, pkt.Number, wire.ServerError, "")
			return
		}
		out = out.WithPayload(sealed)
		out.Flags = out.Flags.Set(wire.FlagEncrypted)
	}
	if conn.CompressionMode() != connection.CompressionNone {
		packed, err := compress.Compress(out.Payload)
		if err != nil {
			d.sendCode(conn, pkt.Number, wire.ServerError, "")
			return
		}
		out = out.WithPayload(packed)
		out.Flags = out.Flags.Set(wire.FlagCompressed)
	}

	d.send(conn, out)
}

// invoke runs desc.fn under a timeout and panic-recovery guard. It returns
// the handler's response (nil if none) and, when no response is produced
// because of a dispatcher-level failure, the status code to report.
func (d *Dispatcher) invoke(ctx context.Context, desc *descriptor, pkt *wire.Packet, conn *connection.Connection) (*wire.Packet, wire.Code) {
	timeout := desc.opts.TimeoutMs
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeoutMs
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	commandID := fmt.Sprintf("0x%04X", desc.commandID)
	started := time.Now()

	type result struct {
		pkt *wire.Packet
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: xerrors.NewInternalError("handler panic: %v", r)}
			}
		}()
		resp, err := desc.fn(runCtx, pkt, conn)
		done <- result{pkt: resp, err: err}
	}()

	select {
	case r := <-done:
		instrument.HandlerDuration(commandID, time.Since(started).Seconds())
		if r.err != nil {
			if d.log != nil {
				d.log.Errorf("handler 0x%04X error for connection %d: %v", desc.commandID, conn.ID(), r.err)
			}
			return nil, wire.ServerError
		}
		if r.pkt == nil {
			return nil, wire.Success
		}
		resp := r.pkt.WithPayload(r.pkt.Payload)
		resp.Number = pkt.Number
		return resp, wire.Success
	case <-runCtx.Done():
		instrument.HandlerDuration(commandID, time.Since(started).Seconds())
		if d.log != nil {
			d.log.Debugf("handler 0x%04X timed out for connection %d", desc.commandID, conn.ID())
		}
		return nil, wire.Timeout
	}
}

func (d *Dispatcher) handleCryptoFailure(conn *connection.Connection, number uint8) {
	instrument.CryptoFailure()
	disconnect := conn.RecordCryptoFailure()
	d.sendCode(conn, number, wire.InvalidPayload, "")
	if disconnect {
		_ = conn.Close()
	}
}

func (d *Dispatcher) recordStrike(connID uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[connID]++
	return d.failures[connID]
}

// ReleaseConnection drops a disconnected connection's strike bookkeeping.
func (d *Dispatcher) ReleaseConnection(connID uint32) {
	d.mu.Lock()
	delete(d.failures, connID)
	d.mu.Unlock()
}

func (d *Dispatcher) sendCode(conn *connection.Connection, number uint8, code wire.Code, message string) {
	var payload []byte
	if message != "" {
		payload = []byte(message)
	}
	resp := wire.New(0, code, number, wire.TypeString, 0, wire.Low, payload)
	d.send(conn, resp)
}

func (d *Dispatcher) send(conn *connection.Connection, pkt *wire.Packet) {
	frame, err := wire.Serialize(pkt, d.bufPool)
	if err != nil {
		if d.log != nil {
			d.log.Errorf("serialize response for connection %d: %v", conn.ID(), err)
		}
		return
	}
	if err := conn.Send(frame); err != nil {
		if d.log != nil {
			d.log.Debugf("send response to connection %d: %v", conn.ID(), err)
		}
	}
}
