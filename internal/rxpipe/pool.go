package rxpipe

import (
	"fmt"
	"sync"
)

// bufferAlign pads pool buffers to cache-line multiples so a DMA write
// into one buffer never shares a line with its neighbor.
const bufferAlign = 64

func alignUp(n int) int {
	return (n + bufferAlign - 1) &^ (bufferAlign - 1)
}

// CopyBreakPool is the fixed set of small buffers serving frames at or
// below the copy-break threshold. Buffers are reused round-robin with no
// ownership tracking: the data is copied out upstream before the pool can
// wrap back around.
type CopyBreakPool struct {
	slab []byte
	size int
	n    int
	next int
}

// NewCopyBreakPool carves count buffers of size bytes from one padded slab.
func NewCopyBreakPool(count, size int) (*CopyBreakPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("rxpipe: copy-break pool %dx%d", count, size)
	}
	stride := alignUp(size)
	return &CopyBreakPool{
		slab: make([]byte, count*stride),
		size: stride,
		n:    count,
	}, nil
}

// Next returns the next buffer in rotation, full-size.
func (p *CopyBreakPool) Next() []byte {
	buf := p.slab[p.next*p.size : p.next*p.size+p.size]
	p.next = (p.next + 1) % p.n
	return buf
}

// Count returns the number of buffers in rotation.
func (p *CopyBreakPool) Count() int { return p.n }

// BufferSize returns the padded per-buffer size.
func (p *CopyBreakPool) BufferSize() int { return p.size }

// BufferPool hands out full-size frame buffers for descriptor refill, the
// PIO large path, and transmit staging. Exhaustion is a counted condition,
// not an error: a receive path that cannot refill drops the frame and
// recycles the old buffer instead of stalling the ring.
type BufferPool struct {
	mu       sync.Mutex
	free     [][]byte
	size     int
	total    int
	failures uint64
}

// NewBufferPool allocates count buffers of size bytes.
func NewBufferPool(count, size int) (*BufferPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("rxpipe: buffer pool %dx%d", count, size)
	}
	p := &BufferPool{size: alignUp(size), total: count}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, p.size))
	}
	return p, nil
}

// Get returns a buffer or nil when the pool is exhausted.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		p.failures++
		return nil
	}
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return buf
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf[:cap(buf)])
}

// Free reports the buffers currently available.
func (p *BufferPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Failures reports how many Gets found the pool empty.
func (p *BufferPool) Failures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// BufferSize returns the padded per-buffer size.
func (p *BufferPool) BufferSize() int { return p.size }
