package rxpipe

import (
	"bytes"
	"testing"

	"github.com/el3go/elcore/internal/cachepol"
	"github.com/el3go/elcore/internal/nic"
	"github.com/el3go/elcore/internal/stats"
	"github.com/el3go/elcore/internal/vds"
	"github.com/el3go/elcore/internal/workq"
)

// fakeDMA is a busmaster adapter double. Completions are injected by the
// test walking the ring the way the upload engine would.
type fakeDMA struct {
	idx      int
	ring     *nic.Ring
	devHead  int
	discards int

	txRoom  bool
	txQueue int
	txDone  int
}

func (d *fakeDMA) Index() int          { return d.idx }
func (d *fakeDMA) Name() string        { return "dma-double" }
func (d *fakeDMA) IRQ() uint8          { return 11 }
func (d *fakeDMA) IOBase() uint16      { return 0x300 }
func (d *fakeDMA) ReadStatus() uint16  { return 0 }
func (d *fakeDMA) AckStatus(uint16)    {}
func (d *fakeDMA) DiscardFrame()       { d.discards++ }
func (d *fakeDMA) AttachRing(r *nic.Ring) { d.ring = r }

func (d *fakeDMA) CollectTxDone() int {
	n := d.txDone
	d.txDone = 0
	return n
}

func (d *fakeDMA) StartTransmit(frame []byte) bool {
	if !d.txRoom {
		return false
	}
	d.txQueue++
	return true
}

// completeTx retires n queued transmissions.
func (d *fakeDMA) completeTx(n int) {
	if n > d.txQueue {
		n = d.txQueue
	}
	d.txQueue -= n
	d.txDone += n
}

// inject writes frame into the next device-owned slot and completes it.
func (d *fakeDMA) inject(frame []byte, hwerr bool) bool {
	slot := d.ring.Slot(d.devHead)
	if !slot.DeviceOwned() {
		return false
	}
	copy(slot.Buffer, frame)
	slot.Complete(len(frame), hwerr)
	d.devHead++
	return true
}

// injectLen completes the next slot claiming n bytes without writing them;
// used for malformed-length cases.
func (d *fakeDMA) injectLen(n int, hwerr bool) bool {
	slot := d.ring.Slot(d.devHead)
	if !slot.DeviceOwned() {
		return false
	}
	slot.Complete(n, hwerr)
	d.devHead++
	return true
}

// fakePIO is a FIFO adapter double.
type fakePIO struct {
	idx    int
	frames [][]byte
	badLen []int // parallel; nonzero overrides the reported length
}

func (d *fakePIO) Index() int         { return d.idx }
func (d *fakePIO) Name() string       { return "pio-double" }
func (d *fakePIO) IRQ() uint8         { return 10 }
func (d *fakePIO) IOBase() uint16     { return 0x280 }
func (d *fakePIO) ReadStatus() uint16 { return 0 }
func (d *fakePIO) AckStatus(uint16)   {}
func (d *fakePIO) CollectTxDone() int { return 0 }

func (d *fakePIO) RxStatus() (int, bool) {
	if len(d.frames) == 0 {
		return 0, false
	}
	if d.badLen[0] != 0 {
		return d.badLen[0], true
	}
	return len(d.frames[0]), true
}

func (d *fakePIO) CopyFrame(dst []byte) int {
	return copy(dst, d.frames[0])
}

func (d *fakePIO) DiscardFrame() {
	d.frames = d.frames[1:]
	d.badLen = d.badLen[1:]
}

func (d *fakePIO) push(frame []byte) {
	d.frames = append(d.frames, frame)
	d.badLen = append(d.badLen, 0)
}

type capture struct {
	frames [][]byte
}

func (c *capture) deliver(device int, frame []byte) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func newTestPipeline(t *testing.T, cfg Config, poolCount int, coh *vds.Manager) (*Pipeline, *stats.Driver, *capture) {
	t.Helper()
	st := &stats.Driver{}
	pool, err := NewBufferPool(poolCount, DefaultMaxFrame)
	if err != nil {
		t.Fatalf("NewBufferPool: %v", err)
	}
	small, err := NewCopyBreakPool(8, DefaultCopyBreak)
	if err != nil {
		t.Fatalf("NewCopyBreakPool: %v", err)
	}
	if coh == nil {
		coh = vds.NewManager(nil)
	}
	sink := &capture{}
	p, err := New(cfg, st, cachepol.ForTier(cachepol.Coherent), pool, small, coh, sink.deliver)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st, sink
}

func rxItem(dev *fakeDMA) workq.Item {
	return workq.Item{Device: dev.idx, Status: nic.StatusUpComplete, IOBase: dev.IOBase()}
}

func TestCopyBreakBoundary(t *testing.T) {
	p, st, sink := newTestPipeline(t, Config{}, 16, nil)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}

	atThreshold := pattern(DefaultCopyBreak, 0x11)
	overThreshold := pattern(DefaultCopyBreak+1, 0x22)
	dev.inject(atThreshold, false)
	dev.inject(overThreshold, false)

	p.Process(rxItem(dev))

	if len(sink.frames) != 2 {
		t.Fatalf("delivered %d frames, want 2", len(sink.frames))
	}
	if !bytes.Equal(sink.frames[0], atThreshold) {
		t.Errorf("threshold frame corrupted in copy path")
	}
	if !bytes.Equal(sink.frames[1], overThreshold) {
		t.Errorf("threshold+1 frame corrupted in zero-copy path")
	}
	snap := st.Snapshot()
	if snap.Rx.CopyBreak != 1 || snap.Rx.ZeroCopy != 1 {
		t.Errorf("copybreak=%d zerocopy=%d, want 1 and 1", snap.Rx.CopyBreak, snap.Rx.ZeroCopy)
	}
	if snap.Rx.Packets != 2 || snap.Rx.Bytes != uint64(2*DefaultCopyBreak+1) {
		t.Errorf("packets=%d bytes=%d", snap.Rx.Packets, snap.Rx.Bytes)
	}
}

func TestZeroCopySlotRearmedBeforeReturn(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{}, 16, nil)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	original := dev.ring.Slot(0).Buffer
	dev.inject(pattern(512, 0x33), false)

	p.Process(rxItem(dev))

	slot := dev.ring.Slot(0)
	if !slot.DeviceOwned() {
		t.Fatalf("slot 0 not device-owned after zero-copy handoff")
	}
	if slot.Buffer == nil {
		t.Fatalf("slot 0 rearmed with nil buffer")
	}
	if &slot.Buffer[0] == &original[0] {
		t.Errorf("zero-copy path reused the handed-off buffer for refill")
	}
	if dev.ring.HeadIndex() != 1 {
		t.Errorf("head=%d, want 1", dev.ring.HeadIndex())
	}
}

func TestMalformedFramesCountedPerSubtype(t *testing.T) {
	p, st, sink := newTestPipeline(t, Config{}, 16, nil)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 8); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	dev.injectLen(300, true)              // device error bit
	dev.injectLen(8, false)               // below header floor
	dev.injectLen(DefaultMaxFrame+64, false) // above ceiling
	dev.inject(pattern(100, 0x44), false) // good, proves the drain continued

	p.Process(rxItem(dev))

	if len(sink.frames) != 1 {
		t.Fatalf("delivered %d frames, want 1", len(sink.frames))
	}
	snap := st.Snapshot()
	if snap.Rx.Framing != 1 || snap.Rx.Undersize != 1 || snap.Rx.Oversize != 1 {
		t.Errorf("framing=%d undersize=%d oversize=%d, want 1 each",
			snap.Rx.Framing, snap.Rx.Undersize, snap.Rx.Oversize)
	}
	if snap.Rx.Discards != 3 {
		t.Errorf("discards=%d, want 3", snap.Rx.Discards)
	}
	if dev.discards != 3 {
		t.Errorf("device discard commands=%d, want 3", dev.discards)
	}
	for i := 0; i < 3; i++ {
		if !dev.ring.Slot(i).DeviceOwned() {
			t.Errorf("slot %d not rearmed after malformed frame", i)
		}
	}
}

func TestPoolExhaustionRecyclesSlot(t *testing.T) {
	// Pool holds exactly the ring's buffers; the zero-copy path finds no
	// replacement and must drop the frame rather than stall the ring.
	p, st, sink := newTestPipeline(t, Config{}, 4, nil)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	original := dev.ring.Slot(0).Buffer
	dev.inject(pattern(512, 0x55), false)

	p.Process(rxItem(dev))

	if len(sink.frames) != 0 {
		t.Fatalf("delivered %d frames from an exhausted pool", len(sink.frames))
	}
	snap := st.Snapshot()
	if snap.Rx.Discards != 1 {
		t.Errorf("discards=%d, want 1", snap.Rx.Discards)
	}
	slot := dev.ring.Slot(0)
	if !slot.DeviceOwned() || &slot.Buffer[0] != &original[0] {
		t.Errorf("slot not recycled with its own buffer")
	}
}

func TestPIOPaths(t *testing.T) {
	p, st, sink := newTestPipeline(t, Config{}, 8, nil)
	dev := &fakePIO{idx: 0}
	if err := p.AttachPIO(dev); err != nil {
		t.Fatalf("AttachPIO: %v", err)
	}
	smallFrame := pattern(100, 0x66)
	largeFrame := pattern(600, 0x77)
	dev.push(smallFrame)
	dev.push(largeFrame)
	dev.frames = append(dev.frames, nil) // negative length from RxStatus
	dev.badLen = append(dev.badLen, -1)

	p.Process(workq.Item{Device: 0, Status: nic.StatusRxComplete})

	if len(sink.frames) != 2 {
		t.Fatalf("delivered %d frames, want 2", len(sink.frames))
	}
	if !bytes.Equal(sink.frames[0], smallFrame) || !bytes.Equal(sink.frames[1], largeFrame) {
		t.Errorf("frame payloads corrupted")
	}
	snap := st.Snapshot()
	if snap.Rx.CopyBreak != 1 || snap.Rx.ZeroCopy != 1 {
		t.Errorf("copybreak=%d zerocopy=%d", snap.Rx.CopyBreak, snap.Rx.ZeroCopy)
	}
	if snap.Rx.Framing != 1 {
		t.Errorf("framing=%d, want 1 for the negative-length frame", snap.Rx.Framing)
	}
	if len(dev.frames) != 0 {
		t.Errorf("%d frames left in FIFO", len(dev.frames))
	}
}

func TestTransmitCompletionReturnsBuffers(t *testing.T) {
	p, st, _ := newTestPipeline(t, Config{}, 8, nil)
	dev := &fakeDMA{idx: 0, txRoom: true}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	free := p.pool.Free()

	if !p.Transmit(0, pattern(64, 0x01)) || !p.Transmit(0, pattern(128, 0x02)) {
		t.Fatalf("Transmit refused with room available")
	}
	if p.InflightTx(0) != 2 {
		t.Fatalf("inflight=%d, want 2", p.InflightTx(0))
	}
	dev.completeTx(2)
	p.Process(workq.Item{Device: 0, Status: nic.StatusDownComplete})

	if p.InflightTx(0) != 0 {
		t.Errorf("inflight=%d after completion", p.InflightTx(0))
	}
	if p.pool.Free() != free {
		t.Errorf("pool free=%d, want %d (staging buffers not returned)", p.pool.Free(), free)
	}
	snap := st.Snapshot()
	if snap.Tx.Packets != 2 || snap.Tx.Bytes != 192 {
		t.Errorf("tx packets=%d bytes=%d, want 2 and 192", snap.Tx.Packets, snap.Tx.Bytes)
	}
}

func TestTransmitRefusals(t *testing.T) {
	p, st, _ := newTestPipeline(t, Config{}, 8, nil)
	dev := &fakeDMA{idx: 0, txRoom: false}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	free := p.pool.Free()
	if p.Transmit(0, pattern(64, 0x01)) {
		t.Fatalf("Transmit succeeded with no adapter room")
	}
	if p.pool.Free() != free {
		t.Errorf("staging buffer leaked on adapter refusal")
	}
	if p.Transmit(0, pattern(DefaultMaxFrame+1, 0x02)) {
		t.Fatalf("Transmit accepted an oversize frame")
	}
	if got := st.Snapshot().Tx.Oversize; got != 1 {
		t.Errorf("tx oversize=%d, want 1", got)
	}
}

func TestZeroCopyDefersOldBufferUnlock(t *testing.T) {
	svc := vds.NewDouble(vds.HintNeedsManagement)
	coh := vds.NewManager(svc)
	p, _, _ := newTestPipeline(t, Config{}, 16, coh)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 4); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	if svc.Outstanding() != 4 {
		t.Fatalf("outstanding=%d after attach, want 4 ring buffers", svc.Outstanding())
	}
	dev.inject(pattern(512, 0x33), false)

	p.Process(rxItem(dev))

	// The replacement is pinned immediately; the handed-off buffer's
	// unlock waits for the next safe call point.
	if svc.Outstanding() != 5 {
		t.Errorf("outstanding=%d, want 5 before flush", svc.Outstanding())
	}
	if coh.PendingUnlocks() != 1 {
		t.Errorf("pending unlocks=%d, want 1", coh.PendingUnlocks())
	}
	coh.FlushDeferred()
	if svc.Outstanding() != 4 {
		t.Errorf("outstanding=%d after flush, want 4", svc.Outstanding())
	}
}

func TestInlineProcessingIsAbbreviated(t *testing.T) {
	p, _, sink := newTestPipeline(t, Config{}, 32, nil)
	dev := &fakeDMA{idx: 0}
	if err := p.AttachDMA(dev, 8); err != nil {
		t.Fatalf("AttachDMA: %v", err)
	}
	for i := 0; i < 5; i++ {
		dev.inject(pattern(100, byte(i)), false)
	}

	p.ProcessInline(rxItem(dev))
	if len(sink.frames) != 1 {
		t.Fatalf("inline pass delivered %d frames, want 1", len(sink.frames))
	}
	p.Process(rxItem(dev))
	if len(sink.frames) != 5 {
		t.Errorf("delivered %d frames total, want 5", len(sink.frames))
	}
}

func TestAttachDMARejectedUnderNoDmaPolicy(t *testing.T) {
	st := &stats.Driver{}
	pool, _ := NewBufferPool(4, DefaultMaxFrame)
	small, _ := NewCopyBreakPool(4, DefaultCopyBreak)
	sink := &capture{}
	p, err := New(Config{}, st, cachepol.ForTier(cachepol.NoDma), pool, small, vds.NewManager(nil), sink.deliver)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.AttachDMA(&fakeDMA{idx: 0}, 4); err == nil {
		t.Fatalf("AttachDMA succeeded under a no-DMA policy")
	}
	if err := p.AttachPIO(&fakePIO{idx: 1}); err != nil {
		t.Errorf("AttachPIO refused: %v", err)
	}
}
