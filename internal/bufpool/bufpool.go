// Package bufpool provides a pool of pre-allocated fixed-size byte buffers,
// avoiding per-request allocation churn on hot paths.
package bufpool

import (
	"sync/atomic"
)

// Pool hands out fixed-size buffers from a pre-allocated free list. When the
// list is empty a fresh buffer is allocated; buffers of the wrong capacity
// are discarded on return.
type Pool struct {
	size int
	free chan []byte

	hits     atomic.Int64
	misses   atomic.Int64
	discards atomic.Int64
}

// Stats is a point-in-time snapshot of pool behaviour.
type Stats struct {
	Hits     int64
	Misses   int64
	Discards int64
	Free     int
	Capacity int
	Size     int
}

// New pre-allocates count buffers of size bytes each.
func New(size, count int) *Pool {
	if size <= 0 {
		size = 64 << 10
	}
	if count <= 0 {
		count = 64
	}
	p := &Pool{
		size: size,
		free: make(chan []byte, count),
	}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

// Get returns a buffer of exactly the pool's configured size.
func (p *Pool) Get() []byte {
	select {
	case b := <-p.free:
		p.hits.Add(1)
		return b[:p.size]
	default:
		p.misses.Add(1)
		return make([]byte, p.size)
	}
}

// Put returns a buffer to the pool. Buffers with a foreign capacity, or
// arriving when the free list is full, are dropped.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		p.discards.Add(1)
		return
	}
	select {
	case p.free <- b[:p.size]:
	default:
		p.discards.Add(1)
	}
}

// BufferSize reports the fixed size of pooled buffers.
func (p *Pool) BufferSize() int { return p.size }

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
		Discards: p.discards.Load(),
		Free:     len(p.free),
		Capacity: cap(p.free),
		Size:     p.size,
	}
}
