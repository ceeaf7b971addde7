// Package el3emu emulates an EtherLink-class adapter: a register window on
// the port map, an interrupt line, and either a PIO FIFO or a busmaster
// upload engine. The benches and integration tests drive the whole core
// against it, interrupt delivery included, without hardware.
package el3emu

import (
	"fmt"
	"sync"

	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/nic"
)

// Mode selects the transfer path the emulated adapter exposes.
type Mode int

const (
	ModePIO Mode = iota
	ModeBusmaster
)

func (m Mode) String() string {
	if m == ModeBusmaster {
		return "busmaster"
	}
	return "pio"
}

const (
	defaultFIFODepth  = 16
	defaultTxCapacity = 8
)

type rxFrame struct {
	data  []byte
	hwerr bool
}

// Adapter is one emulated NIC. It implements the port window, the line
// side, and the driver-facing transfer contracts; which of PIODevice or
// DMADevice applies follows the configured mode.
type Adapter struct {
	index  int
	name   string
	irq    uint8
	iobase uint16
	mode   Mode

	mu      sync.Mutex
	pending uint16
	line    func(bool)
	failed  bool

	// PIO side
	fifo      []rxFrame
	fifoDepth int
	rdOff     int

	// busmaster side
	ring    *nic.Ring
	devHead int

	// transmit engine, shared by both modes
	txBacklog []int
	txDone    int
	txCap     int

	// drops the adapter itself had to make
	overruns uint64
}

var (
	_ nic.PIODevice   = (*Adapter)(nil)
	_ nic.DMADevice   = (*Adapter)(nil)
	_ nic.Transmitter = (*Adapter)(nil)
	_ hwio.PortDevice = (*Adapter)(nil)
)

// New builds an adapter at iobase driving irq.
func New(index int, name string, irq uint8, iobase uint16, mode Mode) *Adapter {
	return &Adapter{
		index:     index,
		name:      name,
		irq:       irq,
		iobase:    iobase,
		mode:      mode,
		fifoDepth: defaultFIFODepth,
		txCap:     defaultTxCapacity,
	}
}

// SetLine wires the adapter's interrupt output. The callback fires with
// the line level on every change, under the adapter lock.
func (a *Adapter) SetLine(fn func(asserted bool)) {
	a.mu.Lock()
	a.line = fn
	a.mu.Unlock()
}

func (a *Adapter) Index() int     { return a.index }
func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) IRQ() uint8     { return a.irq }
func (a *Adapter) IOBase() uint16 { return a.iobase }
func (a *Adapter) Mode() Mode     { return a.mode }

// Overruns reports frames the adapter dropped for want of FIFO or ring
// space.
func (a *Adapter) Overruns() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overruns
}

// raise sets event bits and updates the line. Caller holds the lock.
func (a *Adapter) raise(bits uint16) {
	a.pending |= bits
	a.updateLine()
}

func (a *Adapter) updateLine() {
	asserted := a.pending&nic.StatusEventMask != 0
	if asserted {
		a.pending |= nic.StatusInterruptLatch
	} else {
		a.pending &^= nic.StatusInterruptLatch
	}
	if a.line != nil {
		a.line(asserted)
	}
}

// Inject delivers a frame from the emulated wire.
func (a *Adapter) Inject(frame []byte) error {
	return a.inject(frame, false)
}

// InjectBad delivers a frame the adapter flags with its error bit.
func (a *Adapter) InjectBad(frame []byte) error {
	return a.inject(frame, true)
}

func (a *Adapter) inject(frame []byte, hwerr bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed {
		return fmt.Errorf("el3emu: %s: adapter is failed", a.name)
	}
	if a.mode == ModeBusmaster {
		if a.ring == nil {
			return fmt.Errorf("el3emu: %s: no upload ring attached", a.name)
		}
		slot := a.ring.Slot(a.devHead)
		if !slot.DeviceOwned() {
			a.overruns++
			return nil
		}
		copy(slot.Buffer, frame)
		slot.Complete(len(frame), hwerr)
		a.devHead++
		a.raise(nic.StatusUpComplete)
		return nil
	}
	if len(a.fifo) >= a.fifoDepth {
		a.overruns++
		return nil
	}
	a.fifo = append(a.fifo, rxFrame{data: append([]byte(nil), frame...), hwerr: hwerr})
	a.raise(nic.StatusRxComplete)
	return nil
}

// Fail flips the adapter into its failure state, the condition the core
// reports and stops servicing.
func (a *Adapter) Fail() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = true
	a.raise(nic.StatusAdapterFailure)
}

// ReadStatus is the handler's status read.
func (a *Adapter) ReadStatus() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// AckStatus clears the given event bits; the line drops when nothing is
// left pending.
func (a *Adapter) AckStatus(bits uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending &^= bits & nic.StatusEventMask
	a.updateLine()
}

// RxStatus reports the FIFO head frame.
func (a *Adapter) RxStatus() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fifo) == 0 {
		return 0, false
	}
	if a.fifo[0].hwerr {
		return -1, true
	}
	return len(a.fifo[0].data), true
}

// CopyFrame copies the FIFO head into dst.
func (a *Adapter) CopyFrame(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fifo) == 0 {
		return 0
	}
	return copy(dst, a.fifo[0].data)
}

// DiscardFrame advances past the head frame. In busmaster mode it is the
// descriptor-recycle acknowledgment and touches no state here.
func (a *Adapter) DiscardFrame() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discardLocked()
}

func (a *Adapter) discardLocked() {
	if a.mode == ModeBusmaster {
		return
	}
	if len(a.fifo) > 0 {
		a.fifo = a.fifo[1:]
		a.rdOff = 0
	}
	if len(a.fifo) > 0 {
		a.raise(nic.StatusRxComplete)
	}
}

// AttachRing programs the upload engine.
func (a *Adapter) AttachRing(r *nic.Ring) {
	a.mu.Lock()
	a.ring = r
	a.devHead = 0
	a.mu.Unlock()
}

// StartTransmit queues a frame on the transmit engine.
func (a *Adapter) StartTransmit(frame []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueTxLocked(len(frame))
}

func (a *Adapter) queueTxLocked(length int) bool {
	if a.failed || len(a.txBacklog) >= a.txCap {
		return false
	}
	a.txBacklog = append(a.txBacklog, length)
	return true
}

// CompleteTx retires up to n queued transmissions and raises the matching
// completion event. The benches call it to emulate the wire draining.
func (a *Adapter) CompleteTx(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.txBacklog) {
		n = len(a.txBacklog)
	}
	if n == 0 {
		return 0
	}
	a.txBacklog = a.txBacklog[n:]
	a.txDone += n
	if a.mode == ModeBusmaster {
		a.raise(nic.StatusDownComplete)
	} else {
		a.raise(nic.StatusTxComplete)
	}
	return n
}

// CollectTxDone is read-to-clear.
func (a *Adapter) CollectTxDone() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.txDone
	a.txDone = 0
	return n
}

// IOPorts claims the adapter's register window.
func (a *Adapter) IOPorts() []uint16 {
	ports := make([]uint16, nic.WindowSize)
	for i := range ports {
		ports[i] = a.iobase + uint16(i)
	}
	return ports
}

// ReadIOPort serves the register window. The status and rx-status reads
// mirror exactly what the driver-facing methods report, so a monitor
// peeking at the ports sees the same adapter the core does.
func (a *Adapter) ReadIOPort(port uint16, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var value uint16
	switch port - a.iobase {
	case nic.RegIntStatus:
		value = a.pending
	case nic.RegRxStatus:
		if len(a.fifo) > 0 {
			head := a.fifo[0]
			if head.hwerr {
				value = nic.RxStatusReady | nic.RxStatusError
			} else {
				value = nic.RxStatusReady | uint16(len(head.data))&nic.RxStatusLen
			}
		}
	case nic.RegTxFree:
		if !a.failed {
			value = uint16(a.txCap - len(a.txBacklog))
		}
	case nic.RegTxDone:
		value = uint16(a.txDone)
		a.txDone = 0
	case nic.RegRxFIFO:
		value = a.popFIFOWord()
	default:
		return fmt.Errorf("el3emu: %s: read of unmapped offset %#x", a.name, port-a.iobase)
	}
	data[0] = byte(value)
	if len(data) > 1 {
		data[1] = byte(value >> 8)
	}
	return nil
}

// popFIFOWord streams the head frame out 16 bits at a time, the PIO data
// path a driver's string-read would use. Caller holds the lock.
func (a *Adapter) popFIFOWord() uint16 {
	if len(a.fifo) == 0 {
		return 0xffff
	}
	data := a.fifo[0].data
	var w uint16
	if a.rdOff < len(data) {
		w = uint16(data[a.rdOff])
	}
	if a.rdOff+1 < len(data) {
		w |= uint16(data[a.rdOff+1]) << 8
	}
	a.rdOff += 2
	return w
}

// WriteIOPort serves register writes; a status-register write acknowledges
// the bits it carries.
func (a *Adapter) WriteIOPort(port uint16, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	value := uint16(data[0])
	if len(data) > 1 {
		value |= uint16(data[1]) << 8
	}
	switch port - a.iobase {
	case nic.RegIntStatus:
		a.pending &^= value & nic.StatusEventMask
		a.updateLine()
		return nil
	case nic.RegRxStatus:
		// Any write is the discard command.
		a.discardLocked()
		return nil
	case nic.RegTxFIFO:
		// Transmit data lands in the FIFO; the frame boundary comes from
		// the tx-start write, so the data words themselves need no modeling.
		return nil
	case nic.RegTxStart:
		// The driver checks RegTxFree before committing, so a full backlog
		// here is a protocol violation and the frame is dropped.
		if !a.queueTxLocked(int(value)) {
			a.overruns++
		}
		return nil
	}
	return fmt.Errorf("el3emu: %s: write of unmapped offset %#x", a.name, port-a.iobase)
}
