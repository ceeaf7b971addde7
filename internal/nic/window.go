package nic

// Register window layout for EtherLink-class adapters, offsets from the
// adapter's I/O base. The window is 16 bytes with the interrupt status
// register at the top. Both the port-driven driver front-end and the
// adapter emulation are written against this map.
const (
	RegRxFIFO    uint16 = 0x00 // 16-bit reads pop receive data (PIO mode)
	RegTxFIFO    uint16 = 0x02 // 16-bit writes push transmit data (PIO mode)
	RegTxStart   uint16 = 0x04 // write: frame length, commits the pushed data
	RegTxDone    uint16 = 0x06 // read-to-clear count of completed transmissions
	RegRxStatus  uint16 = 0x08 // read: head frame status; write: discard head
	RegTxFree    uint16 = 0x0c // transmit slots free
	RegIntStatus uint16 = 0x0e // read: pending events; write: acknowledge bits

	WindowSize = 0x10

	// RxStatus register bits.
	RxStatusReady uint16 = 1 << 15
	RxStatusError uint16 = 1 << 14
	RxStatusLen   uint16 = 0x1fff
)
