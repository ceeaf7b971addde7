package vds

import (
	"fmt"
	"sync"
)

// Double is an in-process Service used by tests and the bench tools. It
// hands out fake physical addresses and tracks outstanding locks so a test
// can assert the lock/unlock discipline balanced out.
type Double struct {
	Hint CacheHint

	mu     sync.Mutex
	nextID uint64
	locked map[uint64]int // id -> length
}

// NewDouble returns an available service reporting hint.
func NewDouble(hint CacheHint) *Double {
	return &Double{Hint: hint, locked: make(map[uint64]int)}
}

func (d *Double) IsAvailable() bool          { return true }
func (d *Double) CachePolicyHint() CacheHint { return d.Hint }

func (d *Double) LockBufferForDMA(buf []byte) (BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.locked[d.nextID] = len(buf)
	return BufferHandle{
		PhysicalAddress: 0x100000 + d.nextID<<12,
		Length:          len(buf),
		id:              d.nextID,
	}, nil
}

func (d *Double) UnlockBuffer(h BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.locked[h.id]; !ok {
		return fmt.Errorf("vds: unlock of unknown handle %d", h.id)
	}
	delete(d.locked, h.id)
	return nil
}

// Outstanding returns the number of buffers still locked.
func (d *Double) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locked)
}
