// Package workq carries minimal per-interrupt facts from handler context to
// the idle processing context. The queue is a bounded single-producer,
// single-consumer ring: the handler is the only producer, the idle loop the
// only consumer, and neither ever blocks. A full queue sheds load by
// rejecting the item and counting the rejection; the handler then falls back
// to abbreviated inline processing rather than losing the event.
package workq

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Item is one deferred unit of work, immutable once enqueued.
type Item struct {
	Device   int       // adapter index
	Status   uint16    // status bits as read in the handler
	IOBase   uint16    // the adapter's register window
	Enqueued time.Time // when the handler queued it
}

// Queue is the bounded SPSC ring. Indices run free and are masked on
// access; capacity is a power of two so the mask is a single AND.
//
// head is advanced only by the consumer, tail only by the producer. The
// index store is the last effect of each operation, so the consumer can
// never observe a slot as filled before the item write that fills it.
type Queue struct {
	items []Item
	mask  uint32

	tail      atomic.Uint32 // producer position
	head      atomic.Uint32 // consumer position
	overflows atomic.Uint64
}

// New returns a queue holding capacity items. capacity must be a power of
// two.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("workq: capacity %d is not a power of two", capacity)
	}
	return &Queue{
		items: make([]Item, capacity),
		mask:  uint32(capacity - 1),
	}, nil
}

// TryEnqueue publishes item. Producer (handler context) only. Returns false
// and counts an overflow when the ring is full; it never overwrites.
func (q *Queue) TryEnqueue(item Item) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() > q.mask {
		q.overflows.Add(1)
		return false
	}
	q.items[tail&q.mask] = item
	q.tail.Store(tail + 1)
	return true
}

// TryDequeue removes the oldest item. Consumer (idle context) only.
func (q *Queue) TryDequeue() (Item, bool) {
	head := q.head.Load()
	if q.tail.Load() == head {
		return Item{}, false
	}
	item := q.items[head&q.mask]
	q.head.Store(head + 1)
	return item, true
}

// Drain dequeues up to max items, applying fn to each, and returns the
// count. Bounding max keeps the caller's loop slice short so the idle
// context stays responsive to new work.
func (q *Queue) Drain(max int, fn func(Item)) int {
	n := 0
	for n < max {
		item, ok := q.TryDequeue()
		if !ok {
			break
		}
		fn(item)
		n++
	}
	return n
}

// Len reports the number of queued items. Approximate if both contexts are
// live.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.items) }

// Overflows returns the cumulative count of rejected items.
func (q *Queue) Overflows() uint64 { return q.overflows.Load() }
