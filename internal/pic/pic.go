// Package pic implements the driver's side of the cascaded 8259A interrupt
// controller pair: end-of-interrupt sequencing, line masking, and the
// in-service confirmation that separates real interrupts from spurious ones.
//
// All operations are register writes with no failure return; correctness
// lives entirely in ordering. The one hazard worth spelling out: for a line
// on the secondary controller, EOI must reach the secondary stage before the
// primary's cascade line, otherwise the secondary can never raise another
// interrupt.
package pic

import (
	"fmt"

	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/stats"
)

const (
	primaryCommandPort   uint16 = 0x20
	primaryDataPort      uint16 = 0x21
	secondaryCommandPort uint16 = 0xa0
	secondaryDataPort    uint16 = 0xa1

	cascadeIRQ = 2 // secondary INT output arrives on primary line 2

	ocw2SpecificEOI    = 0x60
	ocw2NonSpecificEOI = 0x20
	ocw3ReadISR        = 0x0b

	// The top line of each stage floats when a shared edge is withdrawn
	// before acknowledge; the controller reports it with no in-service bit.
	ambiguousLine = 7

	// NumLines is the number of lines across both stages.
	NumLines = 16
)

// Controller drives the 8259A pair through a port I/O bus.
type Controller struct {
	bus   hwio.Bus
	stats *stats.Driver
}

// NewController returns a Controller over bus. Counters land in st.
func NewController(bus hwio.Bus, st *stats.Driver) *Controller {
	return &Controller{bus: bus, stats: st}
}

func stageFor(irq uint8) (cmd, data uint16, level uint8) {
	if irq >= 8 {
		return secondaryCommandPort, secondaryDataPort, irq - 8
	}
	return primaryCommandPort, primaryDataPort, irq
}

// SendEOI re-arms irq at the controller. For secondary-stage lines the
// secondary stage is acknowledged first, then the primary cascade line.
// Device-level acknowledgment must already have happened; an early EOI lets
// the controller re-deliver the same unacknowledged condition.
func (c *Controller) SendEOI(irq uint8) {
	if irq >= 8 {
		c.bus.Out8(secondaryCommandPort, ocw2SpecificEOI|(irq-8)&0x07)
		c.bus.Out8(primaryCommandPort, ocw2SpecificEOI|cascadeIRQ)
		return
	}
	c.bus.Out8(primaryCommandPort, ocw2SpecificEOI|irq&0x07)
}

// Mask sets the IMR bit for irq, stopping delivery.
func (c *Controller) Mask(irq uint8) {
	_, data, level := stageFor(irq)
	c.bus.Out8(data, c.bus.In8(data)|1<<level)
}

// Unmask clears the IMR bit for irq. A secondary-stage unmask also clears
// the primary cascade bit; without it secondary interrupts never arrive.
func (c *Controller) Unmask(irq uint8) {
	_, data, level := stageFor(irq)
	c.bus.Out8(data, c.bus.In8(data)&^(1<<level))
	if irq >= 8 {
		c.bus.Out8(primaryDataPort, c.bus.In8(primaryDataPort)&^(1<<cascadeIRQ))
	}
}

// InService reads the owning stage's in-service register and reports whether
// irq's bit is set. The read-select command must be written before the
// read-back.
func (c *Controller) InService(irq uint8) bool {
	cmd, _, level := stageFor(irq)
	c.bus.Out8(cmd, ocw3ReadISR)
	return c.bus.In8(cmd)&(1<<level) != 0
}

// IsLineTrulyActive reports whether a signal on irq is backed by a real
// in-service condition. Only the edge-ambiguous top line of each stage needs
// the confirmation read; every other line cannot signal spuriously.
func (c *Controller) IsLineTrulyActive(irq uint8) bool {
	if irq&0x07 != ambiguousLine {
		return true
	}
	return c.InService(irq)
}

// AcknowledgeSpurious retires a withdrawn signal on irq. The spurious
// counter is bumped and the primary stage alone receives an EOI: for a
// spurious secondary signal the cascade line is genuinely in service on the
// primary, while the secondary stage has nothing in service and must not be
// acknowledged.
func (c *Controller) AcknowledgeSpurious(irq uint8) {
	c.stats.Spurious.Add(1)
	if irq >= 8 {
		c.bus.Out8(primaryCommandPort, ocw2SpecificEOI|cascadeIRQ)
		return
	}
	c.bus.Out8(primaryCommandPort, ocw2NonSpecificEOI)
}

// Line is one installed interrupt line. Enabled state is owned by
// Install/Uninstall; the handler itself never toggles it.
type Line struct {
	ctl     *Controller
	irq     uint8
	enabled bool

	// IMR bit as found at install time, restored at uninstall so driver
	// unload leaves the controller the way the previous owner had it.
	wasMasked bool
}

// InstallLine unmasks irq and returns its handle.
func (c *Controller) InstallLine(irq uint8) (*Line, error) {
	if irq >= NumLines {
		return nil, fmt.Errorf("pic: line %d out of range", irq)
	}
	if irq == cascadeIRQ {
		return nil, fmt.Errorf("pic: line %d is the cascade line", irq)
	}
	_, data, level := stageFor(irq)
	l := &Line{
		ctl:       c,
		irq:       irq,
		wasMasked: c.bus.In8(data)&(1<<level) != 0,
	}
	c.Unmask(irq)
	l.enabled = true
	return l, nil
}

// Uninstall restores the line's pre-install mask state.
func (l *Line) Uninstall() {
	if !l.enabled {
		return
	}
	if l.wasMasked {
		l.ctl.Mask(l.irq)
	}
	l.enabled = false
}

// IRQ returns the line number across both stages (0-15).
func (l *Line) IRQ() uint8 { return l.irq }

// Enabled reports whether the line is currently installed.
func (l *Line) Enabled() bool { return l.enabled }

// Mask stops delivery on the line without uninstalling it. Used by the
// canary sweep to quarantine a device whose stack has been corrupted.
func (l *Line) Mask() { l.ctl.Mask(l.irq) }

// Unmask resumes delivery.
func (l *Line) Unmask() { l.ctl.Unmask(l.irq) }
