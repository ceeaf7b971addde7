// Package elcore is the interrupt-driven I/O core of an EtherLink-class
// network driver: interrupt delivery and acknowledgment against a cascaded
// pair of 8259-style controllers, private per-adapter interrupt stacks,
// deferred event processing over a bounded queue, and a DMA/PIO receive
// pipeline with copy-break. A Driver is assembled from a Config, a port
// bus, and an upstream endpoint; adapters attach afterwards.
package elcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/el3go/elcore/internal/cachepol"
	"github.com/el3go/elcore/internal/config"
	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/irqstack"
	"github.com/el3go/elcore/internal/mitigate"
	"github.com/el3go/elcore/internal/nic"
	"github.com/el3go/elcore/internal/pic"
	"github.com/el3go/elcore/internal/rxpipe"
	"github.com/el3go/elcore/internal/stats"
	"github.com/el3go/elcore/internal/upstream"
	"github.com/el3go/elcore/internal/vds"
	"github.com/el3go/elcore/internal/workq"
)

// idleTick bounds how long deferred work can sit when no wake arrives; it
// also paces the canary sweep and the deferred-unlock flush.
const idleTick = 10 * time.Millisecond

// attached is one adapter and everything the driver built around it.
type attached struct {
	dev   nic.Device
	cfg   config.Device
	state *mitigate.DeviceState
	stack *irqstack.Stack
}

// Driver is the assembled core. HandleIRQ is its interrupt-context entry;
// everything else runs from the idle context or from callers outside the
// interrupt path.
type Driver struct {
	cfg    *config.Config
	st     *stats.Driver
	ctl    *pic.Controller
	coh    *vds.Manager
	policy cachepol.Policy
	queue  *workq.Queue
	hand   *mitigate.Handler
	pipe   *rxpipe.Pipeline
	stacks *irqstack.Manager
	up     upstream.Endpoint

	mu      sync.Mutex
	devices []*attached
	byIRQ   map[uint8][]*attached
	lines   map[uint8]*pic.Line

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

var tierByName = map[string]cachepol.Tier{
	"coherent":         cachepol.Coherent,
	"selective-flush":  cachepol.SelectiveFlush,
	"full-flush":       cachepol.FullFlush,
	"software-barrier": cachepol.SoftwareBarrier,
	"no-dma":           cachepol.NoDma,
}

// New assembles a driver. bus carries the controller's register accesses;
// svc may be nil when the platform has no coherency service; up receives
// every accepted frame.
func New(cfg *config.Config, bus hwio.Bus, svc vds.Service, up upstream.Endpoint) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := &stats.Driver{}
	coh := vds.NewManager(svc)

	dmaInUse := false
	ringSlots := 0
	for _, dev := range cfg.Devices {
		if dev.Mode == "busmaster" {
			dmaInUse = true
			ringSlots += dev.RingSize
		}
	}

	var policy cachepol.Policy
	if cfg.ForceTier != "" {
		tier, ok := tierByName[cfg.ForceTier]
		if !ok {
			return nil, fmt.Errorf("elcore: unknown tier %q", cfg.ForceTier)
		}
		policy = cachepol.ForTier(tier)
	} else {
		policy = cachepol.Install(cachepol.Inputs{
			DMAInUse:    dmaInUse,
			Service:     coh,
			Flush:       cachepol.DetectFlushCapability(),
			Virtualized: cfg.Virtualized,
		})
	}
	if dmaInUse && !policy.AllowsDMA() {
		slog.Warn("elcore: cache policy forbids bus mastering, busmaster adapters will not attach",
			"tier", policy.Tier().String())
	}

	queue, err := workq.New(cfg.QueueDepth)
	if err != nil {
		return nil, err
	}

	// Pool sizing: one buffer per ring slot plus working headroom for
	// zero-copy handoffs and transmit staging.
	pool, err := rxpipe.NewBufferPool(ringSlots+2*cfg.RxBudget, rxpipe.DefaultMaxFrame)
	if err != nil {
		return nil, err
	}
	small, err := rxpipe.NewCopyBreakPool(8, cfg.CopyBreak)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		st:     st,
		ctl:    pic.NewController(bus, st),
		coh:    coh,
		policy: policy,
		queue:  queue,
		up:     up,
		byIRQ:  map[uint8][]*attached{},
		lines:  map[uint8]*pic.Line{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	d.pipe, err = rxpipe.New(rxpipe.Config{
		CopyBreak: cfg.CopyBreak,
		RxBudget:  cfg.RxBudget,
	}, st, policy, pool, small, coh, func(device int, frame []byte) error {
		return up.DeliverInbound(device, frame)
	})
	if err != nil {
		return nil, err
	}

	d.hand = mitigate.NewHandler(queue, st,
		mitigate.WithBatchLimit(cfg.BatchLimit),
		mitigate.WithScheduler(wakeScheduler{}),
		mitigate.WithInlineFallback(d.pipe.ProcessInline),
	)
	d.stacks = irqstack.NewManager(st, uint64(cfg.CorruptionCeiling), d.maskAll)
	return d, nil
}

// wakeScheduler defers work by nudging the idle loop; the queue already
// holds the item, so the closure itself never needs to travel.
type wakeScheduler struct{}

func (s wakeScheduler) QueueDeferredWork(fn func()) bool {
	fn()
	return true
}

// Attach brings one adapter under the driver: a private stack, a handler
// registration, the transfer path matching its configuration, and an
// unmasked controller line. The device must appear in the configuration by
// name.
func (d *Driver) Attach(dev nic.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var devCfg *config.Device
	for i := range d.cfg.Devices {
		if d.cfg.Devices[i].Name == dev.Name() {
			devCfg = &d.cfg.Devices[i]
			break
		}
	}
	if devCfg == nil {
		return fmt.Errorf("elcore: device %q not configured", dev.Name())
	}
	if devCfg.IRQ != dev.IRQ() {
		return fmt.Errorf("elcore: device %q reports irq %d, configured %d", dev.Name(), dev.IRQ(), devCfg.IRQ)
	}

	switch devCfg.Mode {
	case "busmaster":
		dma, ok := dev.(nic.DMADevice)
		if !ok {
			return fmt.Errorf("elcore: device %q configured busmaster without a DMA engine", dev.Name())
		}
		if err := d.pipe.AttachDMA(dma, devCfg.RingSize); err != nil {
			return err
		}
	default:
		pio, ok := dev.(nic.PIODevice)
		if !ok {
			return fmt.Errorf("elcore: device %q has no PIO path", dev.Name())
		}
		if err := d.pipe.AttachPIO(pio); err != nil {
			return err
		}
	}

	stack, err := irqstack.New(dev.Name(), d.cfg.StackSize)
	if err != nil {
		return err
	}

	line, ok := d.lines[dev.IRQ()]
	if !ok {
		line, err = d.ctl.InstallLine(dev.IRQ())
		if err != nil {
			return err
		}
		d.lines[dev.IRQ()] = line
	}
	d.stacks.Register(stack, line)

	a := &attached{
		dev:   dev,
		cfg:   *devCfg,
		state: mitigate.NewDeviceState(dev, stack, d.Wake),
		stack: stack,
	}
	d.devices = append(d.devices, a)
	d.byIRQ[dev.IRQ()] = append(d.byIRQ[dev.IRQ()], a)

	slog.Info("elcore: adapter attached",
		"name", dev.Name(), "irq", dev.IRQ(),
		"iobase", fmt.Sprintf("%#04x", dev.IOBase()), "mode", devCfg.Mode)
	return nil
}

// HandleIRQ is the interrupt-context entry, invoked with the hardware line
// number. It polls every adapter sharing the line; any real work ends in a
// controller EOI, a signal no adapter claims is confirmed against the
// in-service register before being written off as spurious.
func (d *Driver) HandleIRQ(irq uint8) bool {
	if d.stacks.Halted() {
		return false
	}
	handled := false
	for _, a := range d.byIRQ[irq] {
		if d.hand.HandleInterrupt(a.state) {
			handled = true
		}
	}
	if handled {
		d.ctl.SendEOI(irq)
		d.Wake()
		return true
	}
	if !d.ctl.IsLineTrulyActive(irq) {
		d.ctl.AcknowledgeSpurious(irq)
		return false
	}
	// A real assertion nobody claimed: some other device on a shared
	// line. Its own handler owes the EOI; acknowledging here would eat
	// its interrupt.
	return false
}

// HandleVector maps an interrupt vector to its line and dispatches. Vector
// bases follow the conventional real-mode remap: primary at 0x08,
// secondary at 0x70.
func (d *Driver) HandleVector(vector uint8) bool {
	switch {
	case vector >= 0x08 && vector < 0x10:
		return d.HandleIRQ(vector - 0x08)
	case vector >= 0x70 && vector < 0x78:
		return d.HandleIRQ(vector - 0x70 + 8)
	}
	return false
}

// Wake nudges the idle loop.
func (d *Driver) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run is the idle loop: it drains deferred work as it arrives and uses the
// quiet gaps for the canary sweep and the deferred-unlock flush. It blocks
// until ctx is done.
func (d *Driver) Run(ctx context.Context) {
	tick := time.NewTicker(idleTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.ServiceOnce()
		case <-tick.C:
			d.ServiceOnce()
		}
	}
}

// Start runs the idle loop on its own goroutine; Close stops it.
func (d *Driver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		d.Run(ctx)
	}()
}

// ServiceOnce performs one idle-context pass: drain the deferred queue,
// flush parked unlocks, sweep the stack guards. Deterministic tests call
// it directly instead of racing the loop.
func (d *Driver) ServiceOnce() int {
	processed := d.queue.Drain(d.queue.Cap(), d.pipe.Process)
	d.coh.FlushDeferred()
	d.stacks.Check()
	return processed
}

// Transmit hands a frame to adapter idx.
func (d *Driver) Transmit(idx int, frame []byte) bool {
	return d.pipe.Transmit(idx, frame)
}

// Stats returns a consistent snapshot of the driver counters.
func (d *Driver) Stats() stats.Snapshot {
	return d.st.Snapshot()
}

// Policy reports the installed cache-coherency policy.
func (d *Driver) Policy() cachepol.Policy { return d.policy }

// Halted reports whether repeated guard corruption stopped interrupt
// service.
func (d *Driver) Halted() bool { return d.stacks.Halted() }

// QueueDepth reports deferred items waiting, for diagnostics.
func (d *Driver) QueueDepth() int { return d.queue.Len() }

// maskAll is the corruption-ceiling action: every installed line is masked
// so the hardware cannot reach the corrupted stacks again.
func (d *Driver) maskAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range d.lines {
		line.Mask()
	}
	slog.Error("elcore: interrupt service halted, all lines masked")
}

// Close masks and uninstalls every line, stops the idle loop after a final
// drain, and releases the coherency backlog.
func (d *Driver) Close() error {
	d.mu.Lock()
	for _, line := range d.lines {
		line.Uninstall()
	}
	d.lines = map[uint8]*pic.Line{}
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.ServiceOnce()
	return nil
}
