package nic

import "fmt"

// Descriptor status word. Ownership alternates strictly: while DescOwned is
// set the device may write and the driver must not read the buffer; once
// the device clears it and sets DescComplete, the driver may read and must
// refill before the descriptor can serve again.
const (
	DescOwned    uint32 = 1 << 31
	DescComplete uint32 = 1 << 15
	DescError    uint32 = 1 << 14
	DescLenMask  uint32 = 0x1fff
)

// Descriptor is one slot of the upload ring.
type Descriptor struct {
	Status uint32
	Buffer []byte
}

// DeviceOwned reports whether the device may still write this slot.
func (d *Descriptor) DeviceOwned() bool { return d.Status&DescOwned != 0 }

// Completed reports whether the device finished a frame into this slot.
func (d *Descriptor) Completed() bool {
	return d.Status&DescOwned == 0 && d.Status&DescComplete != 0
}

// FrameLen returns the completed frame length.
func (d *Descriptor) FrameLen() int { return int(d.Status & DescLenMask) }

// HardwareError reports the device-side error bit.
func (d *Descriptor) HardwareError() bool { return d.Status&DescError != 0 }

// Complete is the device-side write: frame of n bytes landed, ownership
// returns to the driver.
func (d *Descriptor) Complete(n int, hwerr bool) {
	status := DescComplete | uint32(n)&DescLenMask
	if hwerr {
		status |= DescError
	}
	d.Status = status
}

// Refill rearms the slot with a fresh buffer and returns it to the device.
func (d *Descriptor) Refill(buf []byte) {
	d.Buffer = buf
	d.Status = DescOwned
}

// Ring is the fixed circular descriptor array shared with a busmaster
// device. The descriptor at head is always the next one the driver expects
// the device to have completed.
type Ring struct {
	descs []Descriptor
	head  int
}

// NewRing builds a ring of size slots, drawing initial buffers from alloc.
// Every slot starts device-owned.
func NewRing(size int, alloc func() []byte) (*Ring, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nic: ring size %d", size)
	}
	r := &Ring{descs: make([]Descriptor, size)}
	for i := range r.descs {
		buf := alloc()
		if buf == nil {
			return nil, fmt.Errorf("nic: ring buffer pool exhausted at slot %d", i)
		}
		r.descs[i].Refill(buf)
	}
	return r, nil
}

// Size returns the slot count.
func (r *Ring) Size() int { return len(r.descs) }

// Head returns the descriptor the driver expects completed next.
func (r *Ring) Head() *Descriptor { return &r.descs[r.head] }

// HeadIndex returns head's position, for diagnostics.
func (r *Ring) HeadIndex() int { return r.head }

// AdvanceHead moves past a consumed descriptor, wrapping modulo ring size.
// The caller must already have refilled it; advancing an un-refilled slot
// stalls the ring at the device.
func (r *Ring) AdvanceHead() {
	r.head = (r.head + 1) % len(r.descs)
}

// Slot returns descriptor i. Device-side emulations walk the ring with it.
func (r *Ring) Slot(i int) *Descriptor { return &r.descs[i%len(r.descs)] }
