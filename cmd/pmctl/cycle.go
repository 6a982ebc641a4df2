package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/pwrctl/internal/config"
	"github.com/tinyrange/pwrctl/internal/devices/rkpmu"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

func runCycle(g *globals, args []string) error {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	n := fs.Int("n", 1, "number of suspend/resume cycles")
	collapse := fs.Bool("collapse", true, "reset every non always-on block while asleep")
	wake := fs.String("wake", "gpio", "wake source raised while asleep")
	gpioPin := fs.Uint("gpio-pin", 5, "GPIO0 pin reported as the wake pin when -wake=gpio")
	pending := fs.Bool("pending", false, "raise the wake source late in suspend so the cycle aborts")
	stuckADB := fs.Bool("stuck-adb", false, "hold the big cluster ADB400 acks low")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *n < 1 {
		return fmt.Errorf("cycle: -n must be at least 1")
	}

	b, err := g.board()
	if err != nil {
		return err
	}
	line, ok := wakeLine(*wake)
	if !ok {
		return fmt.Errorf("cycle: unknown wake source %q", *wake)
	}

	rec, closeTrace, err := g.recorder()
	if err != nil {
		return err
	}
	defer closeTrace()

	h, err := newHarness(g, b, rec)
	if err != nil {
		return err
	}
	if *stuckADB {
		h.board.PMU.Stick(soc.PMU_ADB400_ST, rkpmu.Stuck{Mask: soc.ADB400StatusCoreBMask})
	}

	var bar interface {
		Add(int) error
		Close() error
	}
	if g.tty && *n > 1 {
		bar = progressbar.Default(int64(*n), "suspend cycles")
	}

	core := h.plat.Core(b.BootCore)
	var aborted, woken int
	start := time.Now()
	for i := 0; i < *n; i++ {
		if *pending {
			h.board.ArmLateWake(1 << line)
		}

		if err := core.OnSystemPowerDomainSuspend(); err != nil {
			return cycleFailure(g, h.halter, i+1, err)
		}
		ctx := h.plat.Pending()

		if !ctx.Aborted {
			if *collapse {
				if err := h.board.Collapse(); err != nil {
					return err
				}
			}
			if line == soc.WakeGPIO {
				h.board.GPIO0.Store(soc.GPIO_INT_STATUS, 1<<*gpioPin)
			}
			h.board.WakeLine(uint8(line)).PulseInterrupt()
		}

		if err := core.OnSystemPowerDomainResume(); err != nil {
			return cycleFailure(g, h.halter, i+1, err)
		}
		if ctx.Aborted {
			aborted++
		} else if ctx.Wake.Status != 0 {
			woken++
		}
		if bar != nil {
			bar.Add(1)
		} else if *n == 1 {
			printCycle(g, ctx)
		}
	}
	if bar != nil {
		bar.Close()
		fmt.Println()
	}

	fmt.Printf("%s %d cycles in %s (%d woken, %d aborted), final PMU_PWRDN_ST=0x%08x\n",
		g.styled(styleOK, "ok"), *n, time.Since(start).Round(time.Millisecond),
		woken, aborted, h.plat.Registry().Bitmap())
	return nil
}

func wakeLine(name string) (uint, bool) {
	b := config.Default()
	b.Suspend.WakeSources = []string{name}
	mask := b.WakeSourceMask()
	for bit := uint(0); bit < 32; bit++ {
		if mask == 1<<bit {
			return bit, true
		}
	}
	return 0, false
}

func printCycle(g *globals, ctx *suspend.Context) {
	fmt.Println(g.styled(styleHead, fmt.Sprintf("cycle %d on core %d", ctx.Cycle, ctx.Core)))
	fmt.Printf("  %s 0x%08x\n", pad("domains before", 16), ctx.Bitmap)
	fmt.Printf("  %s %d domains\n", pad("qos saved", 16), len(ctx.QoSSaved))
	steps := ""
	for _, s := range ctx.Progress() {
		steps += " " + s.String()
	}
	fmt.Printf("  %s%s\n", pad("steps", 16), steps)
	if ctx.Aborted {
		fmt.Printf("  %s %s\n", pad("result", 16), g.styled(styleWarn, "aborted by pending wake"))
		return
	}
	fmt.Printf("  %s %s\n", pad("woken by", 16), ctx.Wake.String())
}

func cycleFailure(g *globals, halter *pmu.LogHalter, cycle int, err error) error {
	fmt.Fprintf(os.Stderr, "%s cycle %d: %v\n", g.styled(styleBad, "FAIL"), cycle, err)
	var fe *pmu.FatalError
	if errors.As(err, &fe) {
		fmt.Fprintf(os.Stderr, "  halted %d time(s); last: %s\n", halter.Count(), fe.Op)
		for _, r := range fe.Regs {
			fmt.Fprintf(os.Stderr, "  %s\n", r)
		}
	}
	return fmt.Errorf("cycle %d failed", cycle)
}
