package el3emu

import (
	"bytes"
	"testing"

	"github.com/el3go/elcore/internal/nic"
)

func TestPIOInjectRaisesLineUntilAcked(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	var level bool
	a.SetLine(func(asserted bool) { level = asserted })

	if err := a.Inject([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !level {
		t.Fatalf("line not asserted after inject")
	}
	status := a.ReadStatus()
	if status&nic.StatusRxComplete == 0 || status&nic.StatusInterruptLatch == 0 {
		t.Fatalf("status %#04x missing rx-complete or latch", status)
	}

	a.AckStatus(nic.StatusRxComplete)
	if level {
		t.Errorf("line still asserted after acknowledging the only event")
	}
	if a.ReadStatus()&nic.StatusInterruptLatch != 0 {
		t.Errorf("latch still set with nothing pending")
	}
}

func TestPIOFrameReadAndDiscard(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	frame := []byte{0xde, 0xad, 0xbe, 0xef, 0x55}
	if err := a.Inject(frame); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	n, ready := a.RxStatus()
	if !ready || n != len(frame) {
		t.Fatalf("RxStatus = (%d, %v), want (%d, true)", n, ready, len(frame))
	}
	dst := make([]byte, n)
	if got := a.CopyFrame(dst); got != n {
		t.Fatalf("CopyFrame = %d, want %d", got, n)
	}
	if !bytes.Equal(dst, frame) {
		t.Errorf("frame corrupted: %x", dst)
	}
	a.DiscardFrame()
	if _, ready := a.RxStatus(); ready {
		t.Errorf("frame still ready after discard")
	}
}

func TestBadFrameReportsNegativeLength(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	if err := a.InjectBad([]byte{1, 2, 3}); err != nil {
		t.Fatalf("InjectBad: %v", err)
	}
	n, ready := a.RxStatus()
	if !ready || n >= 0 {
		t.Errorf("RxStatus = (%d, %v), want negative length and ready", n, ready)
	}
}

func TestBusmasterInjectCompletesDescriptor(t *testing.T) {
	a := New(0, "eth0", 11, 0x300, ModeBusmaster)
	ring, err := nic.NewRing(4, func() []byte { return make([]byte, 1536) })
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	a.AttachRing(ring)

	frame := []byte{9, 8, 7, 6, 5}
	if err := a.Inject(frame); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	desc := ring.Slot(0)
	if !desc.Completed() {
		t.Fatalf("slot 0 not completed")
	}
	if desc.FrameLen() != len(frame) {
		t.Errorf("frame len %d, want %d", desc.FrameLen(), len(frame))
	}
	if !bytes.Equal(desc.Buffer[:len(frame)], frame) {
		t.Errorf("buffer contents wrong")
	}
	if a.ReadStatus()&nic.StatusUpComplete == 0 {
		t.Errorf("up-complete not raised")
	}
}

func TestBusmasterOverrunWhenRingFull(t *testing.T) {
	a := New(0, "eth0", 11, 0x300, ModeBusmaster)
	ring, err := nic.NewRing(2, func() []byte { return make([]byte, 1536) })
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	a.AttachRing(ring)

	for i := 0; i < 3; i++ {
		if err := a.Inject([]byte{byte(i)}); err != nil {
			t.Fatalf("Inject %d: %v", i, err)
		}
	}
	if a.Overruns() != 1 {
		t.Errorf("overruns = %d, want 1", a.Overruns())
	}
}

func TestTransmitEngine(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	if !a.StartTransmit([]byte{1, 2, 3}) || !a.StartTransmit([]byte{4, 5}) {
		t.Fatalf("StartTransmit refused with room available")
	}
	if n := a.CompleteTx(2); n != 2 {
		t.Fatalf("CompleteTx = %d, want 2", n)
	}
	if a.ReadStatus()&nic.StatusTxComplete == 0 {
		t.Errorf("tx-complete not raised")
	}
	if n := a.CollectTxDone(); n != 2 {
		t.Errorf("CollectTxDone = %d, want 2", n)
	}
	if n := a.CollectTxDone(); n != 0 {
		t.Errorf("CollectTxDone not read-to-clear, second read %d", n)
	}
}

func TestFailedAdapterRefusesTraffic(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	a.Fail()
	if a.ReadStatus()&nic.StatusAdapterFailure == 0 {
		t.Fatalf("failure bit not set")
	}
	if err := a.Inject([]byte{1}); err == nil {
		t.Errorf("Inject succeeded on a failed adapter")
	}
	if a.StartTransmit([]byte{1}) {
		t.Errorf("StartTransmit succeeded on a failed adapter")
	}
}

func TestRegisterWindowMirrorsStatus(t *testing.T) {
	a := New(0, "eth0", 10, 0x300, ModePIO)
	if err := a.Inject([]byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	var data [2]byte
	if err := a.ReadIOPort(0x300+nic.RegIntStatus, data[:]); err != nil {
		t.Fatalf("ReadIOPort status: %v", err)
	}
	status := uint16(data[0]) | uint16(data[1])<<8
	if status != a.ReadStatus() {
		t.Errorf("port status %#04x != driver status %#04x", status, a.ReadStatus())
	}

	if err := a.ReadIOPort(0x300+nic.RegRxStatus, data[:]); err != nil {
		t.Fatalf("ReadIOPort rx-status: %v", err)
	}
	rxs := uint16(data[0]) | uint16(data[1])<<8
	if rxs&nic.RxStatusReady == 0 || rxs&nic.RxStatusLen != 6 {
		t.Errorf("rx-status %#04x, want ready with length 6", rxs)
	}

	// Acknowledge through the window, the way a monitor-driven poke would.
	ack := [2]byte{byte(nic.StatusRxComplete), byte(nic.StatusRxComplete >> 8)}
	if err := a.WriteIOPort(0x300+nic.RegIntStatus, ack[:]); err != nil {
		t.Fatalf("WriteIOPort: %v", err)
	}
	if a.ReadStatus()&nic.StatusRxComplete != 0 {
		t.Errorf("window acknowledge did not clear the bit")
	}
}
