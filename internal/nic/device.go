// Package nic defines the steady-state register protocol between the
// interrupt core and an adapter: the status/acknowledge contract every
// handler invocation uses, the programmed-I/O receive contract, and the
// busmaster descriptor ring shared with DMA-capable hardware.
//
// Bring-up and reset sequencing are one-shot configuration and live outside
// this module; a Device arrives here already initialized.
package nic

// Status bits, as read from the interrupt status register. The layout
// follows the EtherLink-class adapters the original driver served: one
// read covers every pending condition, and each condition is acknowledged
// by writing its bit back.
const (
	StatusInterruptLatch uint16 = 1 << 0 // adapter is driving the line
	StatusAdapterFailure uint16 = 1 << 1
	StatusTxComplete     uint16 = 1 << 2
	StatusTxAvailable    uint16 = 1 << 3
	StatusRxComplete     uint16 = 1 << 4
	StatusRxEarly        uint16 = 1 << 5
	StatusIntRequested   uint16 = 1 << 6
	StatusStatsFull      uint16 = 1 << 7
	StatusUpComplete     uint16 = 1 << 8 // busmaster receive DMA finished
	StatusDownComplete   uint16 = 1 << 9 // busmaster transmit DMA finished

	// StatusEventMask covers every condition the handler acknowledges.
	StatusEventMask = StatusAdapterFailure | StatusTxComplete | StatusTxAvailable |
		StatusRxComplete | StatusRxEarly | StatusStatsFull |
		StatusUpComplete | StatusDownComplete
)

// Device is one adapter as seen from the interrupt core.
//
// Register discipline: ReadStatus/AckStatus are the only operations legal
// from interrupt context; everything else runs from the idle context after
// the handler has already drained status for the event.
type Device interface {
	// Index is the adapter's slot in the driver's small fixed set.
	Index() int
	Name() string
	IRQ() uint8
	IOBase() uint16

	// ReadStatus returns the pending condition bits.
	ReadStatus() uint16

	// AckStatus performs the minimal acknowledgment for the given
	// condition bits: a write-back, nothing more. Full processing is the
	// idle context's job.
	AckStatus(bits uint16)

	// CollectTxDone returns the number of transmissions completed since
	// the last call (read-to-clear).
	CollectTxDone() int
}

// PIODevice moves frames through a FIFO with programmed I/O.
type PIODevice interface {
	Device

	// RxStatus reports the next completed frame: its length and whether
	// one is ready at all. A negative length is possible on hardware
	// error and must be treated as malformed.
	RxStatus() (length int, ready bool)

	// CopyFrame copies the frame at the head of the FIFO into dst and
	// returns the byte count. The frame remains until discarded.
	CopyFrame(dst []byte) int

	// DiscardFrame issues the discard command, advancing the FIFO.
	DiscardFrame()
}

// DMADevice owns a busmaster upload engine fed by a driver-allocated
// descriptor ring.
type DMADevice interface {
	Device

	// AttachRing programs the upload ring base register. Called once from
	// the idle context before the first receive.
	AttachRing(r *Ring)

	// DiscardFrame for a busmaster device is a descriptor recycle; the
	// method exists so malformed-frame handling reads the same on both
	// transfer paths.
	DiscardFrame()
}

// Transmitter is the outbound half used by the tx-completion counterpart.
type Transmitter interface {
	// StartTransmit hands a frame to the adapter. False means the tx path
	// has no room; the caller may retry after a tx-available event.
	StartTransmit(frame []byte) bool
}
