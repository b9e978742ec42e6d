// Command vptdemo wires the virtual platform timer core to a toy
// two-vCPU machine and renders its delivered ticks live in a terminal.
// It is a demonstration harness, not part of the core's public
// surface: no file format or wire protocol is defined here, only a
// simulated vm-exit loop driving internal/vpt the way a real vCPU
// thread would.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"

	"go.opentelemetry.io/otel"

	"github.com/tinyrange/vpt/internal/devices/amd64/chipset"
	"github.com/tinyrange/vpt/internal/hostwheel"
	"github.com/tinyrange/vpt/internal/lapicview"
	"github.com/tinyrange/vpt/internal/platform"
	"github.com/tinyrange/vpt/internal/vpt"
)

const (
	numVCPUs = 2

	pitChannel0Port = 0x40
	pitControlPort  = 0x43
	cmosAddrPort    = 0x70
	cmosDataPort    = 0x71

	cmosRegStatusA = 0x0A
	cmosRegStatusB = 0x0B

	pitReloadCount = 1193 // ~1ms periods at the PIT's 1.193182MHz input
	cmosRateSelect = 6    // periodic-interrupt rate code, see MC146818 datasheet
)

// counters aggregates delivered-tick totals for the dashboard; updated
// from the simulated vCPU loops, the LAPIC sink and the scheduler's
// kick hook.
type counters struct {
	pit   int64
	cmos  int64
	lapic int64
	kicks int64
}

func main() {
	app := cli.NewApp()
	app.Name = "vptdemo"
	app.Usage = "drive a toy two-vCPU machine through the virtual platform timer core"
	app.Description = "Wires a PIT and CMOS RTC onto vCPU0 and a bare LAPIC timer onto vCPU1, " +
		"runs a simulated vm-exit loop against both, and renders live tick counts."
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "mode",
			Value: "default",
			Usage: "missed-tick delivery policy: default, delay_for_missed_ticks, no_missed_ticks_pending, one_missed_tick_pending",
		},
		cli.DurationFlag{
			Name:  "duration",
			Value: 5 * time.Second,
			Usage: "how long to run the simulated machine",
		},
		cli.BoolFlag{
			Name:  "trace",
			Usage: "install an OpenTelemetry stdout-less tracer provider so vpt spans are processed",
		},
	}
	app.Action = runDemo

	if err := app.Run(os.Args); err != nil {
		slog.Error("vptdemo failed", "error", err)
		os.Exit(1)
	}
}

func runDemo(c *cli.Context) error {
	mode := vpt.ParseMode(c.String("mode"))
	runFor := c.Duration("duration")

	if c.Bool("trace") {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	logger := slog.Default()

	wheel := hostwheel.New()
	defer wheel.Close()

	var cnt counters
	sched := platform.NewScheduler(func(vcpuID int) {
		atomic.AddInt64(&cnt.kicks, 1)
	})
	clock := platform.NewClock()

	pic := chipset.NewDualPIC()
	ioapic := chipset.NewIOAPIC(24)
	plat := platform.NewChipset(pic, ioapic, nil)

	modeFn := func() vpt.Mode { return mode }

	sets := make([]*vpt.VcpuTimerSet, numVCPUs)
	for i := 0; i < numVCPUs; i++ {
		sets[i] = vpt.NewVcpuTimerSet(i, i, platform.NewWheel(wheel), clock, sched, plat,
			1_000_000, modeFn, logger)
	}

	// vCPU0 carries the PIT and the CMOS periodic-interrupt tick, both
	// routed through the shared 8259 pair the way firmware expects.
	pit := chipset.NewPIT(chipset.IRQLineFunc(pic.SetIRQ), chipset.WithPITTimerSet(sets[0]))
	if err := pit.Init(nil); err != nil {
		return fmt.Errorf("init pit: %w", err)
	}
	cmos := chipset.NewCMOS(chipset.IRQLineFunc(pic.SetIRQ), chipset.WithCMOSTimerSet(sets[0]))
	if err := cmos.Init(nil); err != nil {
		return fmt.Errorf("init cmos: %w", err)
	}

	if err := programPIT(pit); err != nil {
		return fmt.Errorf("program pit: %w", err)
	}
	if err := programCMOS(cmos); err != nil {
		return fmt.Errorf("program cmos: %w", err)
	}

	// vCPU1 has no device model attached; it carries a bare LAPIC
	// timer entry created directly against the core, the way a guest's
	// own APIC timer calibration would.
	lapic1 := plat.LAPIC(1)
	lapic1.SetEnabled(true)
	lapic1.SetLVTTimer(0x40, false)
	lapic1.SetSink(lapicview.SinkFunc(func(vector uint8) {
		atomic.AddInt64(&cnt.lapic, 1)
	}))

	var lapicEntry vpt.TimerEntry
	sets[1].CreatePeriodicTime(&lapicEntry, 2*time.Millisecond, vpt.SourceLAPIC, 0x40, false,
		func(int, any) {}, nil)

	ackIRQ := func(vcpuID int, vector uint8, source vpt.AckRoute) {
		sets[vcpuID].UpdateIRQ()
		sets[vcpuID].IntrPost(vpt.IntAck{Vector: vector, Source: source})
	}

	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()

	done := make(chan struct{})
	go runVCPULoop(ctx, 0, pic, ioapic, &cnt, ackIRQ, done)
	go runVCPULoop(ctx, 1, pic, ioapic, &cnt, ackIRQ, done)

	renderDashboard(ctx, &cnt)

	<-done
	<-done
	return nil
}

// runVCPULoop simulates a vCPU thread's vm-exit cycle: poll for a
// pending IRQ, accept it as the guest's interrupt controller would,
// and post the acknowledgement to this vCPU's timer set. Every loop
// polls the same shared PIC.
func runVCPULoop(ctx context.Context, vcpuID int, pic *chipset.DualPIC, ioapic *chipset.IOAPIC,
	cnt *counters, ack func(vcpuID int, vector uint8, source vpt.AckRoute), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if requested, vec := pic.Acknowledge(); requested {
				ack(vcpuID, vec, vpt.AckRoutePIC)
				if vec == pic.IsaIRQVector(0) {
					atomic.AddInt64(&cnt.pit, 1)
				} else if vec == pic.IsaIRQVector(8) {
					atomic.AddInt64(&cnt.cmos, 1)
				}
			}
		}
	}
}

func programPIT(pit *chipset.PIT) error {
	// Channel 0, mode 3 (square wave), lobyte/hibyte access, binary.
	if err := pit.WriteIOPort(pitControlPort, []byte{0x36}); err != nil {
		return err
	}
	low := byte(pitReloadCount & 0xff)
	high := byte(pitReloadCount >> 8)
	if err := pit.WriteIOPort(pitChannel0Port, []byte{low}); err != nil {
		return err
	}
	return pit.WriteIOPort(pitChannel0Port, []byte{high})
}

func programCMOS(cmos *chipset.CMOS) error {
	if err := cmos.WriteIOPort(cmosAddrPort, []byte{cmosRegStatusA}); err != nil {
		return err
	}
	if err := cmos.WriteIOPort(cmosDataPort, []byte{0x20 | cmosRateSelect}); err != nil {
		return err
	}
	if err := cmos.WriteIOPort(cmosAddrPort, []byte{cmosRegStatusB}); err != nil {
		return err
	}
	const statusB24HourMode = 1 << 1
	const statusBPeriodicEnable = 1 << 6
	return cmos.WriteIOPort(cmosDataPort, []byte{statusB24HourMode | statusBPeriodicEnable})
}

func renderDashboard(ctx context.Context, cnt *counters) {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 60
	}

	const label = "vptdemo"
	barWidth := min(width-20-ansi.StringWidth(label), 40)

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWidth(barWidth),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Printf("pit=%d cmos=%d lapic=%d kicks=%d\n",
				atomic.LoadInt64(&cnt.pit), atomic.LoadInt64(&cnt.cmos),
				atomic.LoadInt64(&cnt.lapic), atomic.LoadInt64(&cnt.kicks))
			return
		case <-ticker.C:
			bar.Describe(fmt.Sprintf("pit=%d cmos=%d lapic=%d",
				atomic.LoadInt64(&cnt.pit), atomic.LoadInt64(&cnt.cmos), atomic.LoadInt64(&cnt.lapic)))
			_ = bar.Add(1)
		}
	}
}
