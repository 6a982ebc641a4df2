package main

import (
	"fmt"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/config"
	"github.com/tinyrange/pwrctl/internal/platform"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/sim"
	"github.com/tinyrange/pwrctl/internal/suspend"
	"github.com/tinyrange/pwrctl/internal/trace"
)

// Placeholder images: the simulator never executes them, but staging them
// exercises the same copy and bounds checks as real firmware.
var simImages = aomem.Images{
	Stub:       []byte("pwrctl resume stub\x00"),
	DDRSuspend: []byte("pwrctl ddr suspend\x00"),
	DDRResume:  []byte("pwrctl ddr resume\x00"),
}

type harness struct {
	board  *sim.Board
	plat   *platform.Platform
	halter *pmu.LogHalter
	cache  *arch.CountingCache
}

func newHarness(g *globals, b *config.Board, rec *trace.Recorder) (*harness, error) {
	board, err := sim.New(sim.Config{Trace: rec, Logger: g.log})
	if err != nil {
		return nil, err
	}

	halter := &pmu.LogHalter{Logger: g.log}
	cache := &arch.CountingCache{}
	nop := suspend.Nop{Logger: g.log}
	plat := platform.New(platform.Config{
		Bus:          board.Bus(),
		Delay:        arch.NopDelay{},
		Cache:        cache,
		Images:       simImages,
		DRAM:         nop,
		Console:      nop,
		GIC:          nop,
		Firewall:     nop,
		PLLs:         nop,
		Halter:       halter,
		PMU:          b.PMUOptions(),
		Suspend:      b.SuspendOptions(),
		SuspendEntry: b.SuspendEntry,
		BootContext:  b.ResumeContext(),
		Logger:       g.log,
	})
	if err := plat.Init(b.BootCore); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return &harness{board: board, plat: plat, halter: halter, cache: cache}, nil
}
