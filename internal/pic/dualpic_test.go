package pic

import (
	"testing"

	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/stats"
)

type testRig struct {
	pic *DualPIC
	ctl *Controller
	st  *stats.Driver
	// intLevel mirrors the emulated INT pin.
	intLevel bool
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{pic: NewDualPIC(), st: &stats.Driver{}}
	rig.pic.SetOutput(func(level bool) { rig.intLevel = level })

	pm := hwio.NewPortMap()
	if err := pm.Register(rig.pic); err != nil {
		t.Fatalf("register pic: %v", err)
	}
	rig.ctl = NewController(pm, rig.st)
	programDualPIC(t, rig.pic)
	return rig
}

// programDualPIC runs the conventional DOS initialization sequence.
func programDualPIC(t *testing.T, p *DualPIC) {
	t.Helper()
	writes := []portWrite{
		{primaryCommandPort, 0x11},
		{primaryDataPort, 0x08},
		{primaryDataPort, 0x04},
		{primaryDataPort, 0x01},
		{secondaryCommandPort, 0x11},
		{secondaryDataPort, 0x70},
		{secondaryDataPort, 0x02},
		{secondaryDataPort, 0x01},
	}
	for _, w := range writes {
		if err := p.WriteIOPort(w.port, []byte{w.value}); err != nil {
			t.Fatalf("write 0x%02x to 0x%04x: %v", w.value, w.port, err)
		}
	}
}

func TestDualPICPrimaryDelivery(t *testing.T) {
	rig := newTestRig(t)

	rig.pic.SetIRQ(3, true)
	if !rig.intLevel {
		t.Fatalf("INT not asserted for primary request")
	}

	requested, vec := rig.pic.Acknowledge()
	if !requested || vec != 0x08|3 {
		t.Fatalf("acknowledge = (%v, 0x%02x), want (true, 0x0b)", requested, vec)
	}
	if !rig.ctl.InService(3) {
		t.Fatalf("line 3 not in service after acknowledge")
	}

	rig.pic.SetIRQ(3, false)
	rig.ctl.SendEOI(3)
	if rig.ctl.InService(3) {
		t.Fatalf("line 3 still in service after EOI")
	}
}

func TestDualPICSecondaryDelivery(t *testing.T) {
	rig := newTestRig(t)

	rig.pic.SetIRQ(10, true)
	if !rig.intLevel {
		t.Fatalf("INT not asserted for secondary request")
	}

	requested, vec := rig.pic.Acknowledge()
	if !requested || vec != 0x70|2 {
		t.Fatalf("acknowledge = (%v, 0x%02x), want (true, 0x72)", requested, vec)
	}
	if !rig.ctl.InService(10) {
		t.Fatalf("secondary line not in service")
	}
	if !rig.ctl.InService(cascadeIRQ) {
		t.Fatalf("primary cascade not in service")
	}

	rig.pic.SetIRQ(10, false)
	rig.ctl.SendEOI(10)
	if rig.ctl.InService(10) || rig.ctl.InService(cascadeIRQ) {
		t.Fatalf("in-service bits survive EOI sequence")
	}
}

func TestDualPICWithdrawnRequestIsSpurious(t *testing.T) {
	rig := newTestRig(t)

	// Raise and withdraw before the INTA cycle.
	rig.pic.SetIRQ(15, true)
	rig.pic.SetIRQ(15, false)

	requested, vec := rig.pic.Acknowledge()
	if requested {
		t.Fatalf("withdrawn request acknowledged as real (vec 0x%02x)", vec)
	}
	if vec != 0x70|ambiguousLine {
		t.Fatalf("spurious vector = 0x%02x, want 0x77", vec)
	}
	if rig.ctl.IsLineTrulyActive(15) {
		t.Fatalf("withdrawn line 15 reported truly active")
	}

	// The cascade was genuinely serviced on the primary, so the spurious
	// acknowledgment must clear it there and only there.
	if !rig.ctl.InService(cascadeIRQ) {
		t.Fatalf("primary cascade not in service during spurious secondary signal")
	}
	rig.ctl.AcknowledgeSpurious(15)
	if rig.ctl.InService(cascadeIRQ) {
		t.Fatalf("primary cascade still in service after spurious acknowledgment")
	}
	if got := rig.st.Spurious.Load(); got != 1 {
		t.Fatalf("spurious counter = %d, want 1", got)
	}
}

func TestDualPICMaskBlocksDelivery(t *testing.T) {
	rig := newTestRig(t)

	rig.ctl.Mask(3)
	rig.pic.SetIRQ(3, true)
	if rig.intLevel {
		t.Fatalf("INT asserted for masked line")
	}

	rig.ctl.Unmask(3)
	if !rig.intLevel {
		t.Fatalf("INT not asserted after unmask")
	}
}
