// Package hwio provides the port I/O primitives that every register
// protocol in this module runs over. Drivers never touch ports directly;
// they are handed a Bus at attach time. On real hardware the Bus is backed
// by in/out instructions, in tests and in the bench tools it is backed by
// emulated devices.
package hwio

// Bus is byte/word port I/O as seen by a device driver.
type Bus interface {
	In8(port uint16) uint8
	Out8(port uint16, value uint8)
	In16(port uint16) uint16
	Out16(port uint16, value uint16)
}

// Region is a window of I/O ports at a fixed base, the usual shape of an
// ISA adapter's register file.
type Region struct {
	bus  Bus
	base uint16
}

// NewRegion returns a Region addressing bus ports relative to base.
func NewRegion(bus Bus, base uint16) Region {
	return Region{bus: bus, base: base}
}

// Base returns the absolute port of the region's first register.
func (r Region) Base() uint16 { return r.base }

func (r Region) In8(off uint16) uint8           { return r.bus.In8(r.base + off) }
func (r Region) Out8(off uint16, value uint8)   { r.bus.Out8(r.base+off, value) }
func (r Region) In16(off uint16) uint16         { return r.bus.In16(r.base + off) }
func (r Region) Out16(off uint16, value uint16) { r.bus.Out16(r.base+off, value) }

// In16String reads n words from a single port into dst, the programmed-I/O
// FIFO access pattern (rep insw). dst must hold 2*n bytes.
func (r Region) In16String(off uint16, dst []byte, n int) {
	for i := 0; i < n; i++ {
		w := r.bus.In16(r.base + off)
		dst[2*i] = byte(w)
		dst[2*i+1] = byte(w >> 8)
	}
}

// Out16String writes n words from src to a single port (rep outsw).
func (r Region) Out16String(off uint16, src []byte, n int) {
	for i := 0; i < n; i++ {
		w := uint16(src[2*i]) | uint16(src[2*i+1])<<8
		r.bus.Out16(r.base+off, w)
	}
}

// Serialize is an explicit ordering point. The legacy driver used a short
// dummy I/O loop here; the requirement is ordering relative to device
// writes, not elapsed time, so this is a named no-op the compiler cannot
// reorder I/O calls across.
//
//go:noinline
func Serialize() {}
