// Package listener implements the accept loop (component F): socket option
// tuning on each accepted connection, a per-remote-IP connection cap, and a
// background janitor that closes connections idle past a configured
// threshold. It wires a core/worker.Worker the same way
// server/internal/transport and server/internal/connection do, so shutdown
// composes the same way across every goroutine-owning type in this repo.
package listener

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/swiftgate/swiftgate/core/worker"
	"github.com/swiftgate/swiftgate/server/internal/connection"
)

// acceptBackoffMin/Max bound the retry delay after a temporary Accept
// error, the same "sleep a little, try again" shape used around the
// accept loops in the wider example pack rather than spinning.
const (
	acceptBackoffMin = 50 * time.Millisecond
	acceptBackoffMax = 100 * time.Millisecond
)

// Config configures a Listener.
type Config struct {
	Endpoint string
	// Backlog is recorded but not wired: the standard library's net
	// package exposes no portable way to set the listen(2) backlog, so
	// the OS default applies regardless of this value. Kept as a config
	// field so the TOML schema round-trips the same shape the spec names.
	Backlog             int
	TCPNoDelay          bool
	Keepalive           time.Duration
	MaxConnectionsPerIP int
	InactivityThreshold time.Duration
	CleanupInterval     time.Duration
	Connection          connection.Config
}

// Handler is invoked with every accepted, configured Connection.
type Handler func(conn *connection.Connection)

// Listener owns the listening socket and the inactivity janitor.
type Listener struct {
	worker.Worker

	cfg     Config
	ln      net.Listener
	log     *charmlog.Logger
	onAccept Handler

	nextID uint32 // atomic

	mu          sync.Mutex
	connsByIP   map[string]int
	tracked     map[uint32]*connection.Connection
	closeOnce   sync.Once
}

// New constructs a Listener bound to cfg.Endpoint. The socket is opened
// immediately so callers can detect a bind failure before calling Serve.
func New(cfg Config, onAccept Handler, logger *charmlog.Logger) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	return &Listener{
		cfg:       cfg,
		ln:        ln,
		log:       logger,
		onAccept:  onAccept,
		connsByIP: make(map[string]int),
		tracked:   make(map[uint32]*connection.Connection),
	}, nil
}

// Addr returns the bound listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop and the inactivity janitor until Close is
// called. It blocks the calling goroutine; start it with go l.Serve().
func (l *Listener) Serve() {
	l.Go(l.acceptLoop)
	l.Go(l.janitorLoop)
}

func (l *Listener) acceptLoop() {
	backoff := acceptBackoffMin
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			if l.log != nil {
				l.log.Warnf("accept failed, retrying in %s: %v", backoff, err)
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			continue
		}
		backoff = acceptBackoffMin

		remoteAddr := conn.RemoteAddr().String()
		if !l.admit(remoteAddr) {
			if l.log != nil {
				l.log.Debugf("rejecting connection from %s: per-ip limit reached", remoteAddr)
			}
			_ = conn.Close()
			continue
		}

		l.tune(conn)

		id := atomic.AddUint32(&l.nextID, 1)
		c := connection.New(id, conn, remoteAddr, l.cfg.Connection)
		c.SetOnClosed(func(_ *connection.Connection, _ error) {
			l.release(id, remoteAddr)
		})

		l.mu.Lock()
		l.tracked[id] = c
		l.mu.Unlock()

		if l.onAccept != nil {
			l.onAccept(c)
		}
	}
}

func (l *Listener) tune(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(l.cfg.TCPNoDelay)
	if l.cfg.Keepalive > 0 {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(l.cfg.Keepalive)
	}
}

func (l *Listener) admit(remoteAddr string) bool {
	if l.cfg.MaxConnectionsPerIP <= 0 {
		return true
	}
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connsByIP[host] >= l.cfg.MaxConnectionsPerIP {
		return false
	}
	l.connsByIP[host]++
	return true
}

func (l *Listener) release(id uint32, remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	delete(l.tracked, id)
	if l.connsByIP[host] > 0 {
		l.connsByIP[host]--
		if l.connsByIP[host] == 0 {
			delete(l.connsByIP, host)
		}
	}
	l.mu.Unlock()
}

// janitorLoop periodically closes connections idle past InactivityThreshold.
// A zero threshold or interval disables the janitor entirely.
func (l *Listener) janitorLoop() {
	if l.cfg.InactivityThreshold <= 0 || l.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.HaltCh():
			return
		case <-ticker.C:
			l.sweepIdle()
		}
	}
}

func (l *Listener) sweepIdle() {
	l.mu.Lock()
	stale := make([]*connection.Connection, 0)
	for _, c := range l.tracked {
		if time.Since(c.LastActivity()) > l.cfg.InactivityThreshold {
			stale = append(stale, c)
		}
	}
	l.mu.Unlock()

	for _, c := range stale {
		if l.log != nil {
			l.log.Debugf("closing connection %d: idle past inactivity threshold", c.ID())
		}
		_ = c.Close()
	}
}

// Close stops accepting new connections, halts the janitor, and closes the
// listening socket. In-flight connections are left to drain on their own.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.Halt()
		err = l.ln.Close()
	})
	return err
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
