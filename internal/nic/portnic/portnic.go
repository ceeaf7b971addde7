// Package portnic is the port-driven adapter front-end: a nic.Device that
// talks to an EtherLink-class register window over hwio, nothing held in
// host memory beyond the window base. It is the PIO-mode counterpart of
// attaching a busmaster engine directly; the interrupt core drives both
// through the same contracts.
package portnic

import (
	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/nic"
)

// Frontend drives one adapter through its register window.
type Frontend struct {
	index  int
	name   string
	irq    uint8
	region hwio.Region
}

var (
	_ nic.PIODevice   = (*Frontend)(nil)
	_ nic.Transmitter = (*Frontend)(nil)
)

// New returns a front-end for the adapter at iobase on bus.
func New(index int, name string, irq uint8, bus hwio.Bus, iobase uint16) *Frontend {
	return &Frontend{
		index:  index,
		name:   name,
		irq:    irq,
		region: hwio.NewRegion(bus, iobase),
	}
}

func (f *Frontend) Index() int     { return f.index }
func (f *Frontend) Name() string   { return f.name }
func (f *Frontend) IRQ() uint8     { return f.irq }
func (f *Frontend) IOBase() uint16 { return f.region.Base() }

// ReadStatus reads the pending condition bits from the window.
func (f *Frontend) ReadStatus() uint16 {
	return f.region.In16(nic.RegIntStatus)
}

// AckStatus writes the condition bits back, the minimal acknowledgment.
func (f *Frontend) AckStatus(bits uint16) {
	f.region.Out16(nic.RegIntStatus, bits)
}

// RxStatus decodes the head-frame register.
func (f *Frontend) RxStatus() (int, bool) {
	w := f.region.In16(nic.RegRxStatus)
	if w&nic.RxStatusReady == 0 {
		return 0, false
	}
	if w&nic.RxStatusError != 0 {
		return -1, true
	}
	return int(w & nic.RxStatusLen), true
}

// CopyFrame streams the head frame out of the data FIFO word by word. An
// odd trailing byte still costs a full word read; the high byte is FIFO
// padding and is dropped rather than written past dst.
func (f *Frontend) CopyFrame(dst []byte) int {
	length, ready := f.RxStatus()
	if !ready || length <= 0 {
		return 0
	}
	if length > len(dst) {
		length = len(dst)
	}
	words := length / 2
	f.region.In16String(nic.RegRxFIFO, dst, words)
	if length%2 != 0 {
		dst[length-1] = byte(f.region.In16(nic.RegRxFIFO))
	}
	return length
}

// DiscardFrame issues the discard command.
func (f *Frontend) DiscardFrame() {
	f.region.Out16(nic.RegRxStatus, 0)
}

// StartTransmit pushes the frame into the transmit FIFO and commits it
// with a length write. A full adapter refuses the frame before any data
// moves.
func (f *Frontend) StartTransmit(frame []byte) bool {
	if f.region.In16(nic.RegTxFree) == 0 {
		return false
	}
	words := len(frame) / 2
	f.region.Out16String(nic.RegTxFIFO, frame, words)
	if len(frame)%2 != 0 {
		f.region.Out16(nic.RegTxFIFO, uint16(frame[len(frame)-1]))
	}
	f.region.Out16(nic.RegTxStart, uint16(len(frame)))
	return true
}

// CollectTxDone reads the read-to-clear completion count.
func (f *Frontend) CollectTxDone() int {
	return int(f.region.In16(nic.RegTxDone))
}
