package memory

import (
	"sync"
)

// Buckets sized for query messages: small utility commands up to large
// serialized plans. Larger requests fall through to plain allocation.
var defaultBufferSizes = []uint64{512, 4096, 32768, 262144, 1048576}

// BufferPool hands out byte slices from size-bucketed sync.Pools.
type BufferPool struct {
	pools []*sync.Pool
	sizes []uint64
}

func NewBufferPool(sizes []uint64) *BufferPool {
	if len(sizes) == 0 {
		sizes = defaultBufferSizes
	}

	pool := &BufferPool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: make([]uint64, len(sizes)),
	}

	for i, size := range sizes {
		pool.sizes[i] = size
		pool.pools[i] = &sync.Pool{
			New: func() any {
				return make([]byte, size)
			},
		}
	}

	return pool
}

// Get returns a slice of length size. Its contents are not zeroed.
func (p *BufferPool) Get(size uint64) []byte {
	idx := p.findBucket(size)
	if idx >= 0 {
		buf := p.pools[idx].Get().([]byte)
		return buf[:size]
	}
	return make([]byte, size)
}

// Put returns buf to its bucket. Slices not obtained from Get are dropped.
func (p *BufferPool) Put(buf []byte) {
	capacity := uint64(cap(buf))
	idx := p.findBucket(capacity)
	if idx >= 0 && capacity == p.sizes[idx] {
		p.pools[idx].Put(buf[:capacity])
	}
}

func (p *BufferPool) findBucket(size uint64) int {
	for i, bucketSize := range p.sizes {
		if size <= bucketSize {
			return i
		}
	}
	return -1
}

func (p *BufferPool) Sizes() []uint64 {
	return p.sizes
}
