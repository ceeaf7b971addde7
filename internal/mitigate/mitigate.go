// Package mitigate is the handler body: it drains and acknowledges a
// bounded batch of device events per interrupt, then defers the real work.
// Batching absorbs interrupt storms; the cap keeps one busy adapter from
// starving every other interrupt source. Within the handler only the
// minimal per-event acknowledgment happens, a read-to-clear or a status
// write-back; packet processing waits for the idle context.
package mitigate

import (
	"time"

	"github.com/el3go/elcore/internal/irqstack"
	"github.com/el3go/elcore/internal/nic"
	"github.com/el3go/elcore/internal/stats"
	"github.com/el3go/elcore/internal/workq"
)

// DefaultBatchLimit caps the events acknowledged per handler invocation.
const DefaultBatchLimit = 10

// eventPriority orders classification within one batch: receive work
// first, then transmit completion, then housekeeping.
var eventPriority = []uint16{
	nic.StatusRxComplete,
	nic.StatusUpComplete,
	nic.StatusTxComplete,
	nic.StatusDownComplete,
	nic.StatusAdapterFailure,
	nic.StatusStatsFull,
	nic.StatusRxEarly,
	nic.StatusTxAvailable,
}

// Scheduler is the external deferred-work scheduler. QueueDeferredWork
// returning false means the handler must fall back to an immediate,
// abbreviated processing call rather than lose the event.
type Scheduler interface {
	QueueDeferredWork(fn func()) bool
}

// DeviceState is one adapter's handler-side state: the device, its private
// stack, and the batching bookkeeping the diagnostics interface reports.
type DeviceState struct {
	Dev   nic.Device
	Stack *irqstack.Stack

	// wake is handed to the scheduler to run the idle drain.
	wake func()

	fullBatches            uint64
	consecutiveFullBatches int
}

// FullBatches returns how many invocations hit the batch cap.
func (d *DeviceState) FullBatches() uint64 { return d.fullBatches }

// ConsecutiveFullBatches returns the current run of capped invocations.
func (d *DeviceState) ConsecutiveFullBatches() int { return d.consecutiveFullBatches }

// Handler executes the interrupt-context half of the driver for every
// registered device.
type Handler struct {
	queue *workq.Queue
	st    *stats.Driver
	limit int

	sched  Scheduler
	inline func(workq.Item)

	now func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithBatchLimit overrides the per-invocation event cap.
func WithBatchLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.limit = n
		}
	}
}

// WithScheduler installs the external deferred-work scheduler.
func WithScheduler(s Scheduler) Option {
	return func(h *Handler) { h.sched = s }
}

// WithInlineFallback installs the abbreviated processing call used when
// deferral is rejected.
func WithInlineFallback(fn func(workq.Item)) Option {
	return func(h *Handler) { h.inline = fn }
}

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler builds the handler over the deferred work queue.
func NewHandler(queue *workq.Queue, st *stats.Driver, opts ...Option) *Handler {
	h := &Handler{
		queue: queue,
		st:    st,
		limit: DefaultBatchLimit,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewDeviceState registers a device with its private stack. wake is what
// the scheduler runs to kick the idle drain; it may be nil.
func NewDeviceState(dev nic.Device, stack *irqstack.Stack, wake func()) *DeviceState {
	return &DeviceState{Dev: dev, Stack: stack, wake: wake}
}

// HandleInterrupt is the handler body for one device. It returns whether
// the device actually had pending work; false means the signal was not this
// device's and nothing may be acknowledged at the controller level for it.
func (h *Handler) HandleInterrupt(d *DeviceState) bool {
	frame := d.Stack.Enter()
	defer frame.Leave()

	var (
		seen  uint16
		batch int
	)
	for batch < h.limit {
		events := d.Dev.ReadStatus() & nic.StatusEventMask
		if events == 0 {
			break
		}
		bit := classify(events)
		// Minimal acknowledgment only; the idle context does the rest.
		d.Dev.AckStatus(bit)
		seen |= bit
		batch++

		if bit == nic.StatusAdapterFailure {
			h.st.AdapterFailures.Add(1)
		}
	}

	if seen == 0 {
		// Signal present but this device claims no pending condition.
		h.st.DeviceSpurious.Add(1)
		return false
	}
	h.st.Interrupts.Add(1)

	capped := batch == h.limit && d.Dev.ReadStatus()&nic.StatusEventMask != 0
	if capped {
		h.st.BatchLimitHits.Add(1)
		d.fullBatches++
		d.consecutiveFullBatches++
	} else {
		d.consecutiveFullBatches = 0
	}

	item := workq.Item{
		Device:   d.Dev.Index(),
		Status:   seen,
		IOBase:   d.Dev.IOBase(),
		Enqueued: h.now(),
	}
	if !h.queue.TryEnqueue(item) {
		// Full queue: shed load but never lose the event silently.
		h.st.QueueOverflows.Add(1)
		h.fallback(item)
		return true
	}

	if h.sched != nil && d.wake != nil && !h.sched.QueueDeferredWork(d.wake) {
		h.fallback(item)
	}
	return true
}

func (h *Handler) fallback(item workq.Item) {
	if h.inline == nil {
		return
	}
	h.st.InlineFallbacks.Add(1)
	h.inline(item)
}

// classify picks the highest-priority pending condition.
func classify(events uint16) uint16 {
	for _, bit := range eventPriority {
		if events&bit != 0 {
			return bit
		}
	}
	// Unreachable while eventPriority covers StatusEventMask.
	return events & (^events + 1)
}
