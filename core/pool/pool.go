// Package pool implements a size-bucketed buffer pool: Rent returns a byte
// slice from the smallest bucket that can satisfy the request, Return hands
// it back. Oversize requests bypass the buckets entirely and allocate
// directly, so callers never block waiting on pool capacity.
package pool

import "sync"

// Bucket describes one size class: every slice in the bucket has length
// exactly Size, and the bucket holds at most Count of them at rest (a soft
// cap — Return beyond Count simply drops the slice for the GC to reclaim).
type Bucket struct {
	Size  int
	Count int
}

// DefaultBuckets is a reasonable power-of-two bucket ladder from 256B to
// 64KiB, matching the range named in the spec.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Size: 256, Count: 256},
		{Size: 512, Count: 256},
		{Size: 1024, Count: 256},
		{Size: 2048, Count: 128},
		{Size: 4096, Count: 128},
		{Size: 8192, Count: 64},
		{Size: 16384, Count: 32},
		{Size: 32768, Count: 16},
		{Size: 65536, Count: 16},
	}
}

type bucket struct {
	size     int
	softCap  int
	mu       sync.Mutex
	freeList [][]byte
}

func (b *bucket) rent() []byte {
	b.mu.Lock()
	n := len(b.freeList)
	if n == 0 {
		b.mu.Unlock()
		return make([]byte, b.size)
	}
	buf := b.freeList[n-1]
	b.freeList = b.freeList[:n-1]
	b.mu.Unlock()
	return buf
}

func (b *bucket) put(buf []byte) {
	b.mu.Lock()
	if len(b.freeList) < b.softCap {
		b.freeList = append(b.freeList, buf)
	}
	b.mu.Unlock()
}

// Pool is a thread-safe, size-bucketed free-list of byte buffers.
type Pool struct {
	buckets       []*bucket
	maxBufferSize int
}

// New constructs a Pool from an explicit bucket ladder. maxBufferSize bounds
// the largest frame the transport will accept; it need not equal the
// largest bucket's size (requests above it are refused by callers, not by
// the pool itself).
func New(buckets []Bucket, maxBufferSize int) *Pool {
	p := &Pool{maxBufferSize: maxBufferSize}
	for _, b := range buckets {
		p.buckets = append(p.buckets, &bucket{size: b.Size, softCap: b.Count})
	}
	return p
}

// NewDefault constructs a Pool with DefaultBuckets and a 64KiB max buffer.
func NewDefault() *Pool {
	return New(DefaultBuckets(), 65536)
}

// MaxBufferSize returns the configured maximum buffer size, used by the
// transport to refuse oversized frames before ever touching the pool.
func (p *Pool) MaxBufferSize() int {
	return p.maxBufferSize
}

// Rent returns a buffer of length equal to the smallest bucket size >=
// minSize. If minSize exceeds every bucket, a fresh unpooled slice of
// exactly minSize is allocated and returned directly.
func (p *Pool) Rent(minSize int) []byte {
	for _, b := range p.buckets {
		if b.size >= minSize {
			return b.rent()[:b.size]
		}
	}
	return make([]byte, minSize)
}

// Return releases buf back to its bucket, if one exists for its exact
// length. Buffers that don't match any bucket size exactly (including every
// oversize allocation) are simply dropped. Return does not clear buf unless
// clear is true; callers releasing key material or other sensitive payload
// must pass clear=true.
func (p *Pool) Return(buf []byte, clear bool) {
	if clear {
		for i := range buf {
			buf[i] = 0
		}
	}
	for _, b := range p.buckets {
		if b.size == len(buf) {
			b.put(buf)
			return
		}
	}
}
