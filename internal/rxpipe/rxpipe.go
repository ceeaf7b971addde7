// Package rxpipe is the idle-context half of the receive path: it drains
// frames out of the adapters the handler flagged, decides copy versus
// zero-copy per frame, keeps the busmaster ring armed, and feeds delivered
// frames upstream. Everything here runs after the handler has already
// acknowledged the event bits; the pipeline never touches the status
// register.
package rxpipe

import (
	"fmt"
	"log/slog"

	"github.com/el3go/elcore/internal/cachepol"
	"github.com/el3go/elcore/internal/nic"
	"github.com/el3go/elcore/internal/stats"
	"github.com/el3go/elcore/internal/vds"
	"github.com/el3go/elcore/internal/workq"
)

const (
	// DefaultCopyBreak is the largest frame that still takes the copy
	// path. Frames this size and below are copied into a small pooled
	// buffer; anything larger is handed off zero-copy.
	DefaultCopyBreak = 256

	// DefaultMaxFrame is the largest frame the pipeline accepts,
	// Ethernet payload plus headers with slack for a VLAN tag.
	DefaultMaxFrame = 1536

	// DefaultMinFrame is the header floor; anything shorter cannot carry
	// an Ethernet header and is malformed by definition.
	DefaultMinFrame = 14

	// DefaultRxBudget bounds the frames drained per event so one busy
	// adapter cannot monopolize the idle loop.
	DefaultRxBudget = 32

	// inlineBudget is the abbreviated allowance used when an event is
	// processed inline after a queue rejection.
	inlineBudget = 1
)

// Deliver receives every accepted frame. The callee must finish with the
// buffer before returning: copy-path buffers are reused round-robin and
// zero-copy buffers go back to the pool once tx of the slot's replacement
// is armed.
type Deliver func(device int, frame []byte) error

// State is a device's position in the drain cycle.
type State int

const (
	StateIdle State = iota
	StateDraining
)

func (s State) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "idle"
}

// Config carries the pipeline's tunables. Zero fields take defaults.
type Config struct {
	CopyBreak int
	MaxFrame  int
	MinFrame  int
	RxBudget  int
}

func (c *Config) fill() {
	if c.CopyBreak == 0 {
		c.CopyBreak = DefaultCopyBreak
	}
	if c.MaxFrame == 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	if c.MinFrame == 0 {
		c.MinFrame = DefaultMinFrame
	}
	if c.RxBudget == 0 {
		c.RxBudget = DefaultRxBudget
	}
}

type txInflight struct {
	buf []byte
	n   int
}

// devState is the pipeline's per-adapter bookkeeping.
type devState struct {
	dev   nic.Device
	state State

	// exactly one of pio/dma is set, matching the adapter's transfer mode
	pio nic.PIODevice
	dma nic.DMADevice

	ring    *nic.Ring
	handles []vds.BufferHandle // lock handle per ring slot, when pinned

	tx       nic.Transmitter
	inflight []txInflight
}

// Pipeline owns the receive and tx-completion machinery for every attached
// adapter. All methods run from the idle context except ProcessInline,
// which is the sanctioned abbreviated path for queue-rejection fallback.
type Pipeline struct {
	cfg     Config
	st      *stats.Driver
	policy  cachepol.Policy
	pool    *BufferPool
	small   *CopyBreakPool
	coh     *vds.Manager
	deliver Deliver

	devs map[int]*devState
}

// New builds a pipeline. The coherency manager may cover no service;
// buffer pinning is then skipped entirely.
func New(cfg Config, st *stats.Driver, policy cachepol.Policy, pool *BufferPool, small *CopyBreakPool, coh *vds.Manager, deliver Deliver) (*Pipeline, error) {
	cfg.fill()
	if cfg.CopyBreak > pool.BufferSize() || cfg.CopyBreak > small.BufferSize() {
		return nil, fmt.Errorf("rxpipe: copy-break %d exceeds buffer size", cfg.CopyBreak)
	}
	if deliver == nil {
		return nil, fmt.Errorf("rxpipe: nil deliver callback")
	}
	return &Pipeline{
		cfg:     cfg,
		st:      st,
		policy:  policy,
		pool:    pool,
		small:   small,
		coh:     coh,
		deliver: deliver,
		devs:    map[int]*devState{},
	}, nil
}

// AttachPIO registers a programmed-I/O adapter.
func (p *Pipeline) AttachPIO(dev nic.PIODevice) error {
	return p.attach(&devState{dev: dev, pio: dev})
}

// AttachDMA registers a busmaster adapter, builds its upload ring from the
// buffer pool, pins every ring buffer when a coherency service is present,
// and programs the ring base.
func (p *Pipeline) AttachDMA(dev nic.DMADevice, ringSize int) error {
	if !p.policy.AllowsDMA() {
		return fmt.Errorf("rxpipe: cache policy %s forbids busmaster operation", p.policy.Tier())
	}
	ring, err := nic.NewRing(ringSize, p.pool.Get)
	if err != nil {
		return err
	}
	ds := &devState{dev: dev, dma: dev, ring: ring}
	if p.coh.Available() {
		ds.handles = make([]vds.BufferHandle, ringSize)
		for i := 0; i < ringSize; i++ {
			h, err := p.coh.Lock(ring.Slot(i).Buffer)
			if err != nil {
				return fmt.Errorf("rxpipe: pinning ring slot %d: %w", i, err)
			}
			ds.handles[i] = h
		}
	}
	if err := p.attach(ds); err != nil {
		return err
	}
	dev.AttachRing(ring)
	return nil
}

func (p *Pipeline) attach(ds *devState) error {
	idx := ds.dev.Index()
	if _, ok := p.devs[idx]; ok {
		return fmt.Errorf("rxpipe: device %d already attached", idx)
	}
	if tx, ok := ds.dev.(nic.Transmitter); ok {
		ds.tx = tx
	}
	p.devs[idx] = ds
	return nil
}

// DeviceState reports the drain state of device idx, for diagnostics.
func (p *Pipeline) DeviceState(idx int) State {
	if ds, ok := p.devs[idx]; ok {
		return ds.state
	}
	return StateIdle
}

// Process consumes one deferred work item: receive events drain frames,
// transmit events collect completions, failures are surfaced to the log.
// This is the idle loop's entry point.
func (p *Pipeline) Process(item workq.Item) {
	p.process(item, p.cfg.RxBudget)
}

// ProcessInline is the abbreviated fallback used when the deferred queue
// rejected the item: same dispatch, minimal budget, so interrupt context
// is held only as long as one frame takes.
func (p *Pipeline) ProcessInline(item workq.Item) {
	p.process(item, inlineBudget)
}

func (p *Pipeline) process(item workq.Item, budget int) {
	ds, ok := p.devs[item.Device]
	if !ok {
		slog.Warn("rxpipe: work item for unattached device", "device", item.Device)
		return
	}
	if item.Status&nic.StatusAdapterFailure != 0 {
		slog.Error("rxpipe: adapter failure",
			"device", item.Device, "name", ds.dev.Name(), "iobase", fmt.Sprintf("%#04x", item.IOBase))
	}
	if item.Status&(nic.StatusRxComplete|nic.StatusRxEarly|nic.StatusUpComplete) != 0 {
		p.drain(ds, budget)
	}
	if item.Status&(nic.StatusTxComplete|nic.StatusDownComplete) != 0 {
		p.collectTx(ds)
	}
}

// drain pulls up to budget completed frames off the adapter. Reentry while
// a drain is already running (possible through the inline fallback) is a
// no-op; the running drain will pick the frames up.
func (p *Pipeline) drain(ds *devState, budget int) int {
	if ds.state == StateDraining {
		return 0
	}
	ds.state = StateDraining
	defer func() { ds.state = StateIdle }()

	delivered := 0
	for delivered < budget {
		var took bool
		if ds.dma != nil {
			took = p.drainDMA(ds)
		} else {
			took = p.drainPIO(ds)
		}
		if !took {
			break
		}
		delivered++
	}
	return delivered
}

// drainPIO handles one FIFO frame. Returns false when the FIFO is empty.
func (p *Pipeline) drainPIO(ds *devState) bool {
	length, ready := ds.pio.RxStatus()
	if !ready {
		return false
	}
	if bad := p.classify(length, false); bad != nil {
		p.st.UpdateRx(bad)
		ds.pio.DiscardFrame()
		return true
	}
	if length <= p.cfg.CopyBreak {
		buf := p.small.Next()
		n := ds.pio.CopyFrame(buf[:length])
		ds.pio.DiscardFrame()
		p.sendUp(ds, buf[:n], true)
		return true
	}
	buf := p.pool.Get()
	if buf == nil {
		p.st.UpdateRx(func(c *stats.ClassCounters) { c.Discards++ })
		ds.pio.DiscardFrame()
		return true
	}
	n := ds.pio.CopyFrame(buf[:length])
	ds.pio.DiscardFrame()
	p.sendUp(ds, buf[:n], false)
	p.pool.Put(buf)
	return true
}

// drainDMA handles one completed descriptor. The slot is always rearmed
// and device-owned again before this returns; an un-refilled slot would
// stall the upload engine.
func (p *Pipeline) drainDMA(ds *devState) bool {
	desc := ds.ring.Head()
	if !desc.Completed() {
		return false
	}
	slot := ds.ring.HeadIndex()
	length := desc.FrameLen()

	// The device wrote this buffer behind the CPU's back; make the
	// cached view current before any byte is read.
	p.policy.ApplyAfterDMA(desc.Buffer)

	if bad := p.classify(length, desc.HardwareError()); bad != nil {
		p.st.UpdateRx(bad)
		ds.dma.DiscardFrame()
		desc.Refill(desc.Buffer)
		ds.ring.AdvanceHead()
		return true
	}

	if length <= p.cfg.CopyBreak {
		buf := p.small.Next()
		copy(buf[:length], desc.Buffer[:length])
		desc.Refill(desc.Buffer)
		ds.ring.AdvanceHead()
		p.sendUp(ds, buf[:length], true)
		return true
	}

	fresh := p.pool.Get()
	if fresh == nil {
		// No replacement buffer means the frame cannot leave the
		// ring; recycle the slot and count the loss.
		p.st.UpdateRx(func(c *stats.ClassCounters) { c.Discards++ })
		desc.Refill(desc.Buffer)
		ds.ring.AdvanceHead()
		return true
	}

	frame := desc.Buffer
	desc.Refill(fresh)
	if ds.handles != nil {
		old := ds.handles[slot]
		h, err := p.coh.Lock(fresh)
		if err != nil {
			slog.Warn("rxpipe: pinning replacement buffer", "device", ds.dev.Index(), "error", err)
		}
		ds.handles[slot] = h
		p.coh.DeferUnlock(old)
	}
	ds.ring.AdvanceHead()
	p.sendUp(ds, frame[:length], false)
	p.pool.Put(frame)
	return true
}

// classify returns a counter update for a malformed frame, or nil for a
// good one.
func (p *Pipeline) classify(length int, hwerr bool) func(*stats.ClassCounters) {
	switch {
	case hwerr || length < 0:
		return func(c *stats.ClassCounters) { c.Framing++; c.Discards++ }
	case length < p.cfg.MinFrame:
		return func(c *stats.ClassCounters) { c.Undersize++; c.Discards++ }
	case length > p.cfg.MaxFrame:
		return func(c *stats.ClassCounters) { c.Oversize++; c.Discards++ }
	}
	return nil
}

func (p *Pipeline) sendUp(ds *devState, frame []byte, copied bool) {
	if err := p.deliver(ds.dev.Index(), frame); err != nil {
		slog.Warn("rxpipe: upstream rejected frame", "device", ds.dev.Index(), "error", err)
		p.st.UpdateRx(func(c *stats.ClassCounters) { c.Discards++ })
		return
	}
	n := uint64(len(frame))
	p.st.UpdateRx(func(c *stats.ClassCounters) {
		c.Packets++
		c.Bytes += n
		if copied {
			c.CopyBreak++
		} else {
			c.ZeroCopy++
		}
	})
}

// Transmit stages frame into a pooled buffer and hands it to device idx.
// False means no room, either in the pool or at the adapter; the caller
// retries after a tx-available event.
func (p *Pipeline) Transmit(idx int, frame []byte) bool {
	ds, ok := p.devs[idx]
	if !ok || ds.tx == nil {
		return false
	}
	if len(frame) > p.cfg.MaxFrame {
		p.st.UpdateTx(func(c *stats.ClassCounters) { c.Oversize++; c.Discards++ })
		return false
	}
	buf := p.pool.Get()
	if buf == nil {
		return false
	}
	n := copy(buf, frame)
	if !ds.tx.StartTransmit(buf[:n]) {
		p.pool.Put(buf)
		return false
	}
	ds.inflight = append(ds.inflight, txInflight{buf: buf, n: n})
	return true
}

// collectTx retires completed transmissions in submission order, returning
// their staging buffers to the pool.
func (p *Pipeline) collectTx(ds *devState) {
	done := ds.dev.CollectTxDone()
	if done > len(ds.inflight) {
		done = len(ds.inflight)
	}
	for i := 0; i < done; i++ {
		fl := ds.inflight[i]
		p.pool.Put(fl.buf)
		p.st.UpdateTx(func(c *stats.ClassCounters) {
			c.Packets++
			c.Bytes += uint64(fl.n)
		})
	}
	ds.inflight = append(ds.inflight[:0], ds.inflight[done:]...)
}

// InflightTx reports outstanding transmissions on device idx.
func (p *Pipeline) InflightTx(idx int) int {
	if ds, ok := p.devs[idx]; ok {
		return len(ds.inflight)
	}
	return 0
}
