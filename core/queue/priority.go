// Package queue implements the priority packet queue: four FIFO
// sub-queues, one per wire.Priority, with an aggregate capacity, optional
// per-item expiration, an optional dequeue-time validity check, and
// statistics. A runtime flag selects a lock-based or single-threaded
// variant with an identical contract.
//
// The expiration side-index is an AVL tree ordered by deadline, the same
// structure the teacher uses in server/internal/decoy ("surbETAs
// *avl.Tree") to track the next-to-expire entry in O(log n) without
// scanning every outstanding item.
package queue

import (
	"sync"
	"time"
	"unsafe"

	"gitlab.com/yawning/avl.git"

	charmlog "github.com/charmbracelet/log"

	"github.com/swiftgate/swiftgate/core/wire"
)

// locker is satisfied by both *sync.Mutex and noopLocker, letting Queue
// select its concurrency mode at construction without branching on every
// call.
type locker interface {
	Lock()
	Unlock()
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Validator reports whether a dequeued packet is still fit to dispatch; it
// is consulted when Config.ValidateOnDequeue is true.
type Validator func(*wire.Packet) bool

// Config configures a Queue.
type Config struct {
	// MaxTotal bounds the aggregate size across all priorities; 0 means
	// unbounded.
	MaxTotal int

	// PerItemTimeout is the max age, computed from wire.Packet.Timestamp,
	// before an item is dropped instead of dequeued. Zero disables
	// expiration.
	PerItemTimeout time.Duration

	// ValidateOnDequeue, when true, calls Validator on every candidate
	// before returning it from Dequeue; invalid items are dropped and
	// counted.
	ValidateOnDequeue bool
	Validator         Validator

	// ThreadSafe selects the lock-based variant (true, the default for any
	// queue shared across goroutines) or the single-threaded variant
	// (false, for a queue only ever touched by one goroutine).
	ThreadSafe bool

	// CollectStatistics enables the Stats() counters and mean-latency
	// tracking; disabling it avoids the bookkeeping overhead entirely.
	CollectStatistics bool
}

type item struct {
	packet   *wire.Packet
	deadline time.Time
	hasEta   bool
	etaNode  *avl.Node
}

// Stats is a point-in-time snapshot of queue statistics.
type Stats struct {
	Enqueued           [wire.NumPriorities]uint64
	Dequeued           [wire.NumPriorities]uint64
	Expired            [wire.NumPriorities]uint64
	Invalid            [wire.NumPriorities]uint64
	MeanDequeueLatency time.Duration
	Uptime             time.Duration
}

type statCounters struct {
	enqueued [wire.NumPriorities]uint64
	dequeued [wire.NumPriorities]uint64
	expired  [wire.NumPriorities]uint64
	invalid  [wire.NumPriorities]uint64

	totalLatency time.Duration
	latencyCount uint64
	startedAt    time.Time
}

// Queue is the priority packet queue described in the spec.
type Queue struct {
	cfg Config
	mu  locker
	log *charmlog.Logger

	subs  [wire.NumPriorities][]*item
	total int

	etaIndex *avl.Tree

	stats statCounters
}

func etaCompare(a, b interface{}) int {
	ia, ib := a.(*item), b.(*item)
	switch {
	case ia.deadline.Before(ib.deadline):
		return -1
	case ia.deadline.After(ib.deadline):
		return 1
	case ia == ib:
		return 0
	default:
		// Break ties between equal deadlines by pointer identity so the
		// AVL tree's strict ordering never collapses two distinct items.
		return comparePointers(ia, ib)
	}
}

// New constructs a Queue. logger may be nil.
func New(cfg Config, logger *charmlog.Logger) *Queue {
	q := &Queue{
		cfg:      cfg,
		log:      logger,
		etaIndex: avl.New(etaCompare),
	}
	if cfg.ThreadSafe {
		q.mu = &sync.Mutex{}
	} else {
		q.mu = noopLocker{}
	}
	q.stats.startedAt = time.Now()
	return q
}

// Enqueue adds p to its priority's sub-queue, returning false if the queue
// is at MaxTotal capacity.
func (q *Queue) Enqueue(p *wire.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxTotal > 0 && q.total >= q.cfg.MaxTotal {
		return false
	}

	it := &item{packet: p}
	if q.cfg.PerItemTimeout > 0 {
		it.deadline = wire.Epoch.Add(time.Duration(p.Timestamp) * time.Microsecond).Add(q.cfg.PerItemTimeout)
		it.hasEta = true
		it.etaNode = q.etaIndex.Insert(it)
	}

	pr := clampPriority(p.Priority)
	q.subs[pr] = append(q.subs[pr], it)
	q.total++

	if q.cfg.CollectStatistics {
		q.stats.enqueued[pr]++
	}
	return true
}

// Dequeue scans from Urgent down to Low, returning the first item that is
// neither expired nor (if enabled) invalid. Expired/invalid items
// encountered along the way are dropped and counted.
func (q *Queue) Dequeue() (*wire.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := time.Now()
	for pr := wire.NumPriorities - 1; pr >= 0; pr-- {
		for len(q.subs[pr]) > 0 {
			it := q.subs[pr][0]
			q.subs[pr] = q.subs[pr][1:]
			q.total--
			q.removeFromEtaIndex(it)

			if q.isExpired(it) {
				if q.cfg.CollectStatistics {
					q.stats.expired[pr]++
				}
				continue
			}
			if q.cfg.ValidateOnDequeue && q.cfg.Validator != nil && !q.cfg.Validator(it.packet) {
				if q.cfg.CollectStatistics {
					q.stats.invalid[pr]++
				}
				continue
			}

			if q.cfg.CollectStatistics {
				q.stats.dequeued[pr]++
				q.stats.totalLatency += time.Since(start)
				q.stats.latencyCount++
			}
			return it.packet, true
		}
	}
	return nil, false
}

// DequeueBatch dequeues up to n packets, stopping early if the queue goes
// empty.
func (q *Queue) DequeueBatch(n int) []*wire.Packet {
	out := make([]*wire.Packet, 0, n)
	for i := 0; i < n; i++ {
		p, ok := q.Dequeue()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

// PerPrioritySizes returns the current length of each priority sub-queue.
func (q *Queue) PerPrioritySizes() [wire.NumPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var sizes [wire.NumPriorities]int
	for i := range q.subs {
		sizes[i] = len(q.subs[i])
	}
	return sizes
}

// Stats returns a snapshot of the queue's statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued: q.stats.enqueued,
		Dequeued: q.stats.dequeued,
		Expired:  q.stats.expired,
		Invalid:  q.stats.invalid,
		Uptime:   time.Since(q.stats.startedAt),
	}
	if q.stats.latencyCount > 0 {
		s.MeanDequeueLatency = q.stats.totalLatency / time.Duration(q.stats.latencyCount)
	}
	return s
}

// SweepExpired proactively drops items past their deadline without waiting
// for a Dequeue call to reach them, using the AVL expiration index for
// O(log n) access to the next-to-expire item — mirroring the teacher's own
// decoy.sweepSURBCtxs, which walks surbETAs the same way.
func (q *Queue) SweepExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.etaIndex.Len() == 0 {
		return 0
	}

	now := time.Now()
	swept := 0
	iter := q.etaIndex.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		it := node.Value.(*item)
		if it.deadline.After(now) {
			break
		}
		q.etaIndex.Remove(node)
		it.etaNode = nil
		q.dropFromSubqueue(it)
		swept++
	}
	return swept
}

func (q *Queue) dropFromSubqueue(target *item) {
	pr := clampPriority(target.packet.Priority)
	sub := q.subs[pr]
	for i, it := range sub {
		if it == target {
			q.subs[pr] = append(sub[:i], sub[i+1:]...)
			q.total--
			if q.cfg.CollectStatistics {
				q.stats.expired[pr]++
			}
			return
		}
	}
}

func (q *Queue) removeFromEtaIndex(it *item) {
	if it.hasEta && it.etaNode != nil {
		q.etaIndex.Remove(it.etaNode)
		it.etaNode = nil
	}
}

func (q *Queue) isExpired(it *item) bool {
	return it.hasEta && !it.deadline.After(time.Now())
}

func clampPriority(p wire.Priority) int {
	if int(p) < 0 {
		return 0
	}
	if int(p) >= wire.NumPriorities {
		return wire.NumPriorities - 1
	}
	return int(p)
}

func comparePointers(a, b *item) int {
	pa, pb := uintptr(unsafe.Pointer(a)), uintptr(unsafe.Pointer(b))
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}
