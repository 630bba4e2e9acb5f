// Package glue defines the shared dependency bag passed to every
// long-lived server component, the same shape the teacher uses for its own
// glue.Glue interface (Config(), Connector(), LogBackend(), ...) in
// server/internal/decoy/decoy.go — a single narrow interface instead of
// passing half a dozen individual constructor arguments around.
package glue

import (
	charmlog "github.com/charmbracelet/log"

	"github.com/swiftgate/swiftgate/core/pool"
	"github.com/swiftgate/swiftgate/core/queue"
	"github.com/swiftgate/swiftgate/server/internal/dispatch"
	"github.com/swiftgate/swiftgate/server/internal/ratelimit"
)

// Glue bundles the process-wide collaborators every component needs: the
// buffer pool, a priority-queue factory, the handler registry, the rate
// limiter, and a logger factory. It is constructed once in cmd/swiftgated
// and passed down.
type Glue interface {
	BufPool() *pool.Pool
	// NewQueue builds a fresh priority queue from the server's configured
	// queue.Config. Each connection owns one independent queue instance
	// (packets carry no connection identity of their own, so a single
	// queue cannot safely be shared across connections); this is the
	// factory server.Server calls on every accepted connection.
	NewQueue() *queue.Queue
	Registry() *dispatch.Registry
	Limiter() *ratelimit.Limiter
	Logger(component string) *charmlog.Logger
}

type glue struct {
	bufPool  *pool.Pool
	queueCfg queue.Config
	registry *dispatch.Registry
	limiter  *ratelimit.Limiter
	baseLog  *charmlog.Logger
}

// New constructs the default Glue implementation.
func New(bufPool *pool.Pool, queueCfg queue.Config, registry *dispatch.Registry, limiter *ratelimit.Limiter, baseLog *charmlog.Logger) Glue {
	return &glue{bufPool: bufPool, queueCfg: queueCfg, registry: registry, limiter: limiter, baseLog: baseLog}
}

func (g *glue) BufPool() *pool.Pool { return g.bufPool }

func (g *glue) NewQueue() *queue.Queue {
	return queue.New(g.queueCfg, g.Logger("queue"))
}

func (g *glue) Registry() *dispatch.Registry { return g.registry }
func (g *glue) Limiter() *ratelimit.Limiter  { return g.limiter }

func (g *glue) Logger(component string) *charmlog.Logger {
	if g.baseLog == nil {
		return nil
	}
	return g.baseLog.WithPrefix(component)
}
