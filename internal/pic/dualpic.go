package pic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/el3go/elcore/internal/hwio"
)

// DualPIC emulates the cascaded 8259A pair well enough to stand in for the
// real controller under the driver protocol: ICW initialization, IMR
// masking, specific and non-specific EOI, OCW3 in-service reads, and the
// spurious top-line vector when a request is withdrawn before acknowledge.
// Tests and the bench tools register it on a hwio.PortMap.
type DualPIC struct {
	mu sync.Mutex

	// output mirrors the INT pin to the CPU.
	output func(level bool)

	chips [2]*chip
}

func NewDualPIC() *DualPIC {
	return &DualPIC{
		output: func(bool) {},
		chips: [2]*chip{
			newChip(true),
			newChip(false),
		},
	}
}

// SetOutput installs the INT pin observer. Called before any IRQ activity.
func (p *DualPIC) SetOutput(fn func(level bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn == nil {
		fn = func(bool) {}
	}
	p.output = fn
	p.syncOutputLocked()
}

// SetIRQ drives one of the 16 request lines. Lowering a line withdraws any
// unacknowledged request, which is exactly the condition that later produces
// a spurious top-line acknowledge.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= NumLines {
		return
	}
	if line >= 8 {
		p.chips[1].setIRQ(line-8, level)
	} else {
		p.chips[0].setIRQ(line, level)
	}
	p.syncOutputLocked()
}

// Acknowledge runs an INTA cycle: the pending request moves to in-service
// and its vector is returned. With no confirmed request the controller
// reports the stage's top-line vector and requested=false.
func (p *DualPIC) Acknowledge() (requested bool, vector uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vector = p.chips[0].acknowledge()
	if requested && vector&0x07 == cascadeIRQ {
		requested, vector = p.chips[1].acknowledge()
	}
	p.syncOutputLocked()
	return requested, vector
}

func (p *DualPIC) syncOutputLocked() {
	p.chips[0].setCascade(p.chips[1].pending())
	p.output(p.chips[0].pending())
}

func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{
		primaryCommandPort,
		primaryDataPort,
		secondaryCommandPort,
		secondaryDataPort,
	}
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch port {
	case primaryCommandPort:
		data[0] = p.chips[0].readCommand()
	case primaryDataPort:
		data[0] = p.chips[0].imr
	case secondaryCommandPort:
		data[0] = p.chips[1].readCommand()
	case secondaryDataPort:
		data[0] = p.chips[1].imr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch port {
	case primaryCommandPort:
		p.chips[0].writeCommand(data[0])
	case primaryDataPort:
		p.chips[0].writeData(data[0])
	case secondaryCommandPort:
		p.chips[1].writeCommand(data[0])
	case secondaryDataPort:
		p.chips[1].writeData(data[0])
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	p.syncOutputLocked()
	return nil
}

// chip models a single edge-triggered 8259A.
type chip struct {
	primary bool

	initStage initStage
	base      byte // ICW2 vector base
	imr       byte
	isr       byte
	latched   byte // edge-latched requests (IRR)
	lines     byte // raw line levels
	readISR   bool // OCW3 read selector: ISR vs IRR
}

func newChip(primary bool) *chip {
	// Come up with the conventional DOS bases so the driver protocol works
	// against an unprogrammed emulation.
	base := byte(0x08)
	if !primary {
		base = 0x70
	}
	return &chip{
		primary:   primary,
		initStage: initInitialized,
		base:      base,
	}
}

func (c *chip) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	wasHigh := c.lines&bit != 0
	if high {
		c.lines |= bit
		if !wasHigh {
			c.latched |= bit
		}
	} else {
		c.lines &^= bit
		// Withdrawn before acknowledge: the request vanishes.
		c.latched &^= bit
	}
}

// setCascade drives the primary's cascade input. Unlike a device line, a
// request already handed up by the secondary cannot be withdrawn: the latch
// survives until the next INTA polls the secondary, which is what turns a
// withdrawn secondary request into the secondary's spurious vector rather
// than the primary's.
func (c *chip) setCascade(high bool) {
	bit := byte(1 << cascadeIRQ)
	wasHigh := c.lines&bit != 0
	if high {
		c.lines |= bit
		if !wasHigh {
			c.latched |= bit
		}
		return
	}
	c.lines &^= bit
}

func (c *chip) readyVec() byte {
	inService := lowestSetBit(c.isr)
	higherPriority := inService - 1 // wraps to 0xff when nothing is in service
	return (c.latched &^ c.imr) & higherPriority
}

func (c *chip) pending() bool {
	return c.readyVec() != 0
}

func (c *chip) acknowledge() (bool, uint8) {
	if vec := c.readyVec(); vec != 0 {
		line := byte(bits.TrailingZeros8(vec))
		bit := byte(1 << line)
		c.latched &^= bit
		c.isr |= bit
		return true, c.base | line
	}
	return false, c.base | ambiguousLine
}

func (c *chip) eoi(specific *byte) {
	var mask byte
	if specific != nil {
		mask = 1 << *specific
	} else {
		mask = lowestSetBit(c.isr)
	}
	c.isr &^= mask
}

func (c *chip) readCommand() byte {
	if c.readISR {
		return c.isr
	}
	return c.latched
}

func (c *chip) writeCommand(value byte) {
	const (
		initBit = 0x10
		ocw3Bit = 0x08
	)

	if value&initBit != 0 {
		*c = chip{primary: c.primary, initStage: initExpectICW2}
		return
	}

	if value&ocw3Bit != 0 {
		if value&0x02 != 0 {
			c.readISR = value&0x01 != 0
		}
		return
	}

	ocw := ocw2(value)
	switch {
	case ocw.eoi() && ocw.specific():
		level := ocw.level()
		c.eoi(&level)
	case ocw.eoi():
		c.eoi(nil)
	}
}

func (c *chip) writeData(value byte) {
	switch c.initStage {
	case initInitialized:
		c.imr = value
	case initExpectICW2:
		c.base = value &^ 0x07
		c.initStage = initExpectICW3
	case initExpectICW3:
		if c.primary {
			if value != 1<<cascadeIRQ {
				return
			}
		} else if value != cascadeIRQ {
			return
		}
		c.initStage = initExpectICW4
	case initExpectICW4:
		c.initStage = initInitialized
	}
}

type initStage int

const (
	initInitialized initStage = iota
	initExpectICW2
	initExpectICW3
	initExpectICW4
)

type ocw2 byte

func (o ocw2) level() byte    { return byte(o) & 0x07 }
func (o ocw2) specific() bool { return byte(o)&0x40 != 0 }
func (o ocw2) eoi() bool      { return byte(o)&0x20 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}

var _ hwio.PortDevice = (*DualPIC)(nil)
