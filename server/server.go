// Package server wires every component (buffer pool, priority queue,
// dispatcher, rate limiter, listener) into a single runnable framework
// instance, the same top-level assembly role mailproxy.Proxy plays for the
// teacher's client-side stack.
package server

import (
	"context"
	"fmt"
	"io"

	charmlog "github.com/charmbracelet/log"

	corelog "github.com/swiftgate/swiftgate/core/log"
	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/queue"
	"github.com/swiftgate/swiftgate/server/config"
	"github.com/swiftgate/swiftgate/server/internal/connection"
	"github.com/swiftgate/swiftgate/server/internal/controllers"
	"github.com/swiftgate/swiftgate/server/internal/dispatch"
	"github.com/swiftgate/swiftgate/server/internal/glue"
	"github.com/swiftgate/swiftgate/server/internal/instrument"
	"github.com/swiftgate/swiftgate/server/internal/listener"
	"github.com/swiftgate/swiftgate/server/internal/ratelimit"
	"github.com/swiftgate/swiftgate/server/internal/transport"
)

// queueMetadataKey stores each connection's own *queue.Queue in its generic
// metadata map. Packets carry no connection identity, so a shared queue
// would risk dispatching connection A's packet against connection B; every
// connection instead gets a fresh queue from glue.NewQueue on accept.
const queueMetadataKey = "dispatch_queue"

// Server is a fully wired instance of the framework: a listening socket,
// its accept loop and inactivity janitor, a dispatcher running the
// registered command handlers, and every collaborator they share.
type Server struct {
	cfg        *config.Config
	log        *charmlog.Logger
	glue       glue.Glue
	dispatcher *dispatch.Dispatcher
	listener   *listener.Listener
}

// New constructs a Server from cfg but does not start accepting
// connections; call Serve for that. Callers that need to register their
// own handlers before serving should do so against Registry() first.
func New(cfg *config.Config, logOut io.Writer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseLog := corelog.New(logOut)

	bufPool := pool.New(cfg.BufferPool.Buckets(), cfg.BufferPool.MaxBufferSize)
	queueCfg := queue.Config{
		MaxTotal:          cfg.Queue.MaxTotal,
		PerItemTimeout:    cfg.Queue.PerPacketTimeout(),
		ValidateOnDequeue: cfg.Queue.ValidateOnDequeue,
		ThreadSafe:        cfg.Queue.ThreadSafe,
		CollectStatistics: cfg.Queue.CollectStatistics,
	}

	registry := dispatch.NewRegistry()
	controllers.Register(registry)

	limiter := ratelimit.New()

	g := glue.New(bufPool, queueCfg, registry, limiter, baseLog)

	d := dispatch.New(registry, limiter, bufPool, dispatch.Config{
		DefaultTimeoutMs:          cfg.Dispatcher.DefaultTimeoutMs,
		MaxHandlerFailuresPerConn: cfg.Dispatcher.MaxHandlerFailuresPerConn,
	}, baseLog.WithPrefix("dispatch"))

	s := &Server{cfg: cfg, log: baseLog, glue: g, dispatcher: d}

	ln, err := listener.New(listener.Config{
		Endpoint:            cfg.Listener.Endpoint,
		Backlog:             cfg.Listener.Backlog,
		TCPNoDelay:          cfg.Listener.TCPNoDelay,
		Keepalive:           cfg.Listener.Keepalive(),
		MaxConnectionsPerIP: cfg.ConnectionLimiter.MaxPerIP,
		InactivityThreshold: cfg.ConnectionLimiter.InactivityThreshold(),
		CleanupInterval:     cfg.ConnectionLimiter.CleanupInterval(),
		Connection: connection.Config{
			Transport: transport.Config{
				BufPool:       bufPool,
				MaxBufferSize: cfg.BufferPool.MaxBufferSize,
			},
			Logger: baseLog.WithPrefix("connection"),
		},
	}, s.onAccept, baseLog.WithPrefix("listener"))
	if err != nil {
		return nil, fmt.Errorf("server: bind listener: %w", err)
	}
	s.listener = ln

	return s, nil
}

// Glue exposes the shared dependency bag, mainly so a caller can register
// additional command handlers against Registry() before Serve runs.
func (s *Server) Glue() glue.Glue { return s.glue }

// Addr returns the bound listening address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve starts the accept loop and inactivity janitor. It does not block.
func (s *Server) Serve() {
	s.log.Infof("listening on %s", s.Addr())
	s.listener.Serve()
}

// Close stops accepting connections and releases every goroutine-owning
// component.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) onAccept(c *connection.Connection) {
	s.log.Debugf("accepted connection %d from %s", c.ID(), c.RemoteAddr())
	c.SetMetadata(queueMetadataKey, s.glue.NewQueue())
	instrument.ConnectionOpened()
	c.SetOnPacketReady(s.drainConnection)
	c.SetOnClosed(func(conn *connection.Connection, err error) {
		s.dispatcher.ReleaseConnection(conn.ID())
		instrument.ConnectionClosed()
		s.log.Debugf("connection %d closed: %v", conn.ID(), err)
	})
}

// connectionQueue returns c's own priority queue, stashed in its metadata by
// onAccept.
func (s *Server) connectionQueue(c *connection.Connection) *queue.Queue {
	q, _ := c.Metadata(queueMetadataKey)
	return q.(*queue.Queue)
}

// drainConnection pulls every buffered raw frame off c, enqueues each by
// priority, and then drains the queue into the dispatcher. It is invoked on
// the transport's own receive goroutine via the on_packet_ready callback;
// buffering by priority here means a backlog of frames is dispatched
// highest-priority-first rather than strictly in arrival order.
func (s *Server) drainConnection(c *connection.Connection) {
	q := s.connectionQueue(c)
	for {
		frame, ok := c.NextFrame()
		if !ok {
			break
		}
		s.dispatcher.EnqueueFrame(c, q, frame)
	}
	s.dispatcher.DrainQueue(context.Background(), c, q)
}
