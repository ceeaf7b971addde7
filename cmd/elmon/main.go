// elmon runs the emulated driver under a steady traffic mix and renders a
// live counter dashboard. On a terminal it redraws in place; otherwise it
// prints one snapshot line per interval, which is what you want when
// teeing to a file.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"golang.org/x/term"

	elcore "github.com/el3go/elcore"
	"github.com/el3go/elcore/internal/config"
	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/nic"
	"github.com/el3go/elcore/internal/nic/el3emu"
	"github.com/el3go/elcore/internal/nic/portnic"
	"github.com/el3go/elcore/internal/pic"
	"github.com/el3go/elcore/internal/upstream"
)

func main() {
	interval := flag.Duration("interval", time.Second, "refresh interval")
	duration := flag.Duration("duration", 0, "stop after this long, 0 to run until interrupted")
	rate := flag.Int("rate", 2000, "injected frames per second")
	cfgPath := flag.String("config", "", "driver config file, defaults when empty")
	flag.Parse()

	if err := run(*interval, *duration, *rate, *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(interval, duration time.Duration, rate int, cfgPath string) error {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
		cfg.ForceTier = "coherent"
	}

	bus := hwio.NewPortMap()
	dp := pic.NewDualPIC()
	if err := bus.Register(dp); err != nil {
		return err
	}
	var intLevel bool
	dp.SetOutput(func(level bool) { intLevel = level })
	for _, w := range []struct {
		port  uint16
		value uint8
	}{
		{0x20, 0x11}, {0x21, 0x08}, {0x21, 0x04}, {0x21, 0x01},
		{0xa0, 0x11}, {0xa1, 0x70}, {0xa1, 0x02}, {0xa1, 0x01},
	} {
		bus.Out8(w.port, w.value)
	}

	drv, err := elcore.New(cfg, bus, nil, &upstream.Recorder{})
	if err != nil {
		return err
	}
	defer drv.Close()

	devCfg := cfg.Devices[0]
	emuMode := el3emu.ModePIO
	if devCfg.Mode == "busmaster" {
		emuMode = el3emu.ModeBusmaster
	}
	adapter := el3emu.New(0, devCfg.Name, devCfg.IRQ, devCfg.IOBase, emuMode)
	if err := bus.Register(adapter); err != nil {
		return err
	}
	adapter.SetLine(func(level bool) { dp.SetIRQ(devCfg.IRQ, level) })

	var dev nic.Device = adapter
	if emuMode == el3emu.ModePIO {
		dev = portnic.New(0, devCfg.Name, devCfg.IRQ, bus, devCfg.IOBase)
	}
	if err := drv.Attach(dev); err != nil {
		return err
	}

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	start := time.Now()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	frame := make([]byte, 1514)

	perTick := rate / 100
	if perTick < 1 {
		perTick = 1
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	render := time.NewTicker(interval)
	defer render.Stop()

	var stop <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		stop = t.C
	}

	for {
		select {
		case <-stop:
			fmt.Println()
			return nil
		case <-tick.C:
			for i := 0; i < perTick; i++ {
				sz := 64 + rng.Intn(400)
				if rng.Intn(5) == 0 {
					sz = 1514
				}
				_ = adapter.Inject(frame[:sz])
				for intLevel {
					_, vector := dp.Acknowledge()
					drv.HandleVector(vector)
				}
			}
			drv.ServiceOnce()
		case <-render.C:
			if isTTY {
				fmt.Print(ansi.SetCursorPosition(1, 1))
				fmt.Print(ansi.EraseDisplay(0))
				fmt.Print(dashboard(drv, devCfg, time.Since(start)))
			} else {
				snap := drv.Stats()
				fmt.Printf("rx=%d bytes=%d int=%d spurious=%d overflow=%d\n",
					snap.Rx.Packets, snap.Rx.Bytes, snap.Interrupts,
					snap.Spurious+snap.DeviceSpurious, snap.QueueOverflows)
			}
		}
	}
}

var (
	bold  = ansi.Style{}.Bold()
	faint = ansi.Style{}.Faint()
)

func dashboard(drv *elcore.Driver, dev config.Device, uptime time.Duration) string {
	snap := drv.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n",
		bold.Styled("elcore"),
		faint.Styled(fmt.Sprintf("%s irq %d iobase %#04x mode %s, policy %s, up %s",
			dev.Name, dev.IRQ, dev.IOBase, dev.Mode, drv.Policy().Tier(),
			durafmt.Parse(uptime.Round(time.Second)).LimitFirstN(2))))

	row := func(label, value string) {
		fmt.Fprintf(&b, "  %s %s\n", faint.Styled(fmt.Sprintf("%-22s", label)), value)
	}
	row("rx packets", fmt.Sprintf("%d (%s)", snap.Rx.Packets, humanize.IBytes(snap.Rx.Bytes)))
	row("rx copy / zero-copy", fmt.Sprintf("%d / %d", snap.Rx.CopyBreak, snap.Rx.ZeroCopy))
	row("rx errors", fmt.Sprintf("%d oversize, %d undersize, %d framing, %d discards",
		snap.Rx.Oversize, snap.Rx.Undersize, snap.Rx.Framing, snap.Rx.Discards))
	row("tx packets", fmt.Sprintf("%d (%s)", snap.Tx.Packets, humanize.IBytes(snap.Tx.Bytes)))
	row("interrupts", fmt.Sprintf("%d (batch-limit hits %d)", snap.Interrupts, snap.BatchLimitHits))
	row("spurious", fmt.Sprintf("%d controller, %d device", snap.Spurious, snap.DeviceSpurious))
	row("deferred queue", fmt.Sprintf("%d waiting, %d overflows, %d inline",
		drv.QueueDepth(), snap.QueueOverflows, snap.InlineFallbacks))
	row("stack guard", fmt.Sprintf("%d corruptions", snap.StackOverflows))
	if drv.Halted() {
		fmt.Fprintf(&b, "\n  %s\n", bold.Styled("INTERRUPT SERVICE HALTED"))
	}
	return b.String()
}
