package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/pwrctl/internal/cluster"
	"github.com/tinyrange/pwrctl/internal/platform"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// runHotplug brings every secondary core up and down repeatedly. The boot
// core issues the power-on requests while each secondary, running on its own
// goroutine, completes its warm boot and takes itself offline, so the
// transitions of different cores interleave on the cross-core lock.
func runHotplug(g *globals, args []string) error {
	fs := flag.NewFlagSet("hotplug", flag.ContinueOnError)
	rounds := fs.Int("rounds", 10, "power cycles per secondary core")
	entry := fs.Uint64("entry", 0x40000000, "hotplug entry address")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	b, err := g.board()
	if err != nil {
		return err
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

	boot := b.BootCore
	var secondaries []int
	for core := 0; core < soc.CoreCount; core++ {
		if core != boot {
			secondaries = append(secondaries, core)
		}
	}

	start := make(map[int]chan struct{}, len(secondaries))
	done := make(chan int, len(secondaries))
	for _, core := range secondaries {
		start[core] = make(chan struct{})
	}

	t0 := time.Now()
	eg, ctx := errgroup.WithContext(context.Background())

	eg.Go(func() error {
		defer func() {
			for _, ch := range start {
				close(ch)
			}
		}()
		bootCore := h.plat.Core(boot)
		for round := 0; round < *rounds; round++ {
			for _, core := range secondaries {
				if err := bootCore.OnCorePowerOn(uint64(soc.MPIDR(core)), *entry); err != nil {
					return fmt.Errorf("round %d: %w", round, err)
				}
				select {
				case start[core] <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			for range secondaries {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	})

	for _, core := range secondaries {
		eg.Go(func() error {
			self := h.plat.Core(core)
			for range start[core] {
				if err := secondaryCycle(h, self, core, *entry); err != nil {
					return err
				}
				done <- core
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("hotplug: %w", err)
	}

	fmt.Printf("%s %d rounds x %d cores in %s, final PMU_PWRDN_ST=0x%08x\n",
		g.styled(styleOK, "ok"), *rounds, len(secondaries),
		time.Since(t0).Round(time.Millisecond), h.plat.Registry().Bitmap())
	return nil
}

// secondaryCycle is what a freshly powered core does in one round: consume
// its warm boot marker, finish the power-on and go back down through WFI.
func secondaryCycle(h *harness, self platform.Handler, core int, want uint64) error {
	got, err := h.plat.CPUs().WarmBoot(core)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("core %d warm booted at 0x%x, want 0x%x", core, got, want)
	}
	if err := self.OnCorePowerOnFinish(platform.LevelCore, cluster.Run); err != nil {
		return err
	}
	if err := self.OnCorePowerOff(platform.LevelCore, cluster.PowerOff); err != nil {
		return err
	}
	h.board.EnterWFI(core)
	if h.board.CoreRunning(core) {
		return fmt.Errorf("core %d still running after WFI", core)
	}
	return nil
}
