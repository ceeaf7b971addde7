// Package stats holds the process-wide driver counters. There is exactly one
// Driver value per loaded driver, created at load time and shared by handle
// with every component; fields follow a single-writer discipline (interrupt
// context owns the acknowledgment counters, the idle context owns the
// payload counters) so no counter is ever written from both contexts.
package stats

import "sync/atomic"

// Driver is the cumulative counter block surfaced to the diagnostics
// interface.
//
// The single-word counters are owned by interrupt context and updated with
// one atomic add each. The per-class byte/packet blocks are multi-word and
// owned by the idle context; they are published under a seqlock so the
// diagnostics reader can take a torn-free snapshot without ever blocking
// the writer.
type Driver struct {
	Interrupts      atomic.Uint64 // handler invocations that found real work
	Spurious        atomic.Uint64 // controller signals with no confirmed source
	DeviceSpurious  atomic.Uint64 // line asserted but device claimed no event
	QueueOverflows  atomic.Uint64 // deferred work items rejected
	InlineFallbacks atomic.Uint64 // events processed inline after a rejection
	StackOverflows  atomic.Uint64 // guard canary corruptions detected
	BatchLimitHits  atomic.Uint64 // handler invocations stopped by the cap
	AdapterFailures atomic.Uint64 // adapter-malfunction status events

	seq atomic.Uint32
	rx  ClassCounters
	tx  ClassCounters
}

// ClassCounters is one direction's payload accounting.
type ClassCounters struct {
	Packets   uint64
	Bytes     uint64
	CopyBreak uint64 // frames that took the small-buffer copy path
	ZeroCopy  uint64 // frames handed off without a copy
	Oversize  uint64
	Undersize uint64
	Framing   uint64
	Discards  uint64
}

// Errors returns the sum of the error subtypes.
func (c ClassCounters) Errors() uint64 {
	return c.Oversize + c.Undersize + c.Framing
}

// Snapshot is a consistent copy of every counter.
type Snapshot struct {
	Interrupts      uint64
	Spurious        uint64
	DeviceSpurious  uint64
	QueueOverflows  uint64
	InlineFallbacks uint64
	StackOverflows  uint64
	BatchLimitHits  uint64
	AdapterFailures uint64

	Rx ClassCounters
	Tx ClassCounters
}

// UpdateRx applies fn to the receive counters. Idle context only.
func (d *Driver) UpdateRx(fn func(*ClassCounters)) {
	d.seq.Add(1)
	fn(&d.rx)
	d.seq.Add(1)
}

// UpdateTx applies fn to the transmit counters. Idle context only.
func (d *Driver) UpdateTx(fn func(*ClassCounters)) {
	d.seq.Add(1)
	fn(&d.tx)
	d.seq.Add(1)
}

// Snapshot retries until it observes the payload counters between writer
// sections, then folds in the single-word counters.
func (d *Driver) Snapshot() Snapshot {
	var rx, tx ClassCounters
	for {
		s1 := d.seq.Load()
		if s1&1 != 0 {
			continue
		}
		rx = d.rx
		tx = d.tx
		if d.seq.Load() == s1 {
			break
		}
	}
	return Snapshot{
		Interrupts:      d.Interrupts.Load(),
		Spurious:        d.Spurious.Load(),
		DeviceSpurious:  d.DeviceSpurious.Load(),
		QueueOverflows:  d.QueueOverflows.Load(),
		InlineFallbacks: d.InlineFallbacks.Load(),
		StackOverflows:  d.StackOverflows.Load(),
		BatchLimitHits:  d.BatchLimitHits.Load(),
		AdapterFailures: d.AdapterFailures.Load(),
		Rx:              rx,
		Tx:              tx,
	}
}
