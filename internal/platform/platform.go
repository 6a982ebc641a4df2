// Package platform assembles the power controller for one SoC instance and
// exposes it to the host firmware framework as a per-core callback table.
package platform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/cluster"
	"github.com/tinyrange/pwrctl/internal/cpupm"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

// Collaborators implemented outside the controller.
type (
	DRAM     = suspend.DRAM
	Console  = suspend.Console
	GIC      = suspend.GIC
	Firewall = suspend.Firewall
	PLLs     = suspend.PLLs
)

// Config wires a Platform.
type Config struct {
	Bus   mmio.Bus
	Delay arch.Delayer
	Cache arch.Cache

	// Relocator stages Images into always-on memory. Nil copies word by
	// word over Bus.
	Relocator aomem.Relocator
	Images    aomem.Images

	DRAM     DRAM
	Console  Console
	GIC      GIC
	Firewall Firewall
	PLLs     PLLs
	Halter   pmu.Halter

	PMU     pmu.Options
	Suspend suspend.Options

	// SuspendEntry is where a core continues after resuming from suspend.
	SuspendEntry uint64
	// BootContext supplies the stack and DRAM restore hooks handed to the
	// resume stub. DDRFlag and BootMPIDR are filled in by the platform.
	BootContext aomem.BootContext

	Logger *slog.Logger
}

// Platform owns every component of the controller.
type Platform struct {
	bus    mmio.Bus
	mem    *aomem.Memory
	reg    *pmu.Registry
	qos    *pmu.QoSCache
	cpus   *cpupm.Machine
	clus   *cluster.Controller
	orch   *suspend.Orchestrator
	halter pmu.Halter

	relocator aomem.Relocator
	images    aomem.Images
	boot      aomem.BootContext
	opts      suspend.Options
	log       *slog.Logger

	mu      sync.Mutex
	pending *suspend.Context
}

// New builds the controller. It touches no hardware; call Init on the boot
// core before installing the callbacks.
func New(cfg Config) *Platform {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Delay == nil {
		cfg.Delay = arch.SleepDelay{}
	}
	if cfg.Cache == nil {
		cfg.Cache = &arch.CountingCache{}
	}
	halter := cfg.Halter
	if halter == nil {
		halter = &pmu.LogHalter{Logger: log}
	}
	relocator := cfg.Relocator
	if relocator == nil {
		relocator = aomem.WordCopier{Bus: cfg.Bus}
	}

	popts := cfg.PMU
	popts.Delay = cfg.Delay
	if popts.Logger == nil {
		popts.Logger = log
	}

	mem := aomem.New(cfg.Bus, cfg.Cache)
	reg := pmu.NewRegistry(cfg.Bus, popts)
	qos := pmu.NewQoSCache(cfg.Bus, reg)
	lock := &pmu.Bakery{}

	cpus := cpupm.New(cpupm.Config{
		Bus:          cfg.Bus,
		Memory:       mem,
		Registry:     reg,
		Lock:         lock,
		Poller:       popts.HandshakePoller(),
		SuspendEntry: cfg.SuspendEntry,
		Logger:       log,
	})
	clus := cluster.New(cluster.Config{
		Bus:      cfg.Bus,
		Memory:   mem,
		Registry: reg,
		Poller:   popts.HandshakePoller(),
		Halter:   halter,
		Logger:   log,
	})

	boot := cfg.BootContext
	if cfg.Suspend.CenterPowerDown {
		boot.DDRFlag = 1
	} else {
		boot.DDRFlag = 0
	}

	orch := suspend.New(suspend.Config{
		Bus:         cfg.Bus,
		Registry:    reg,
		QoS:         qos,
		Cluster:     clus,
		Memory:      mem,
		Halter:      halter,
		DRAM:        cfg.DRAM,
		Console:     cfg.Console,
		GIC:         cfg.GIC,
		Firewall:    cfg.Firewall,
		PLLs:        cfg.PLLs,
		BootContext: boot,
		Options:     cfg.Suspend,
		Logger:      log,
	})

	return &Platform{
		bus:       cfg.Bus,
		mem:       mem,
		reg:       reg,
		qos:       qos,
		cpus:      cpus,
		clus:      clus,
		orch:      orch,
		halter:    halter,
		relocator: relocator,
		images:    cfg.Images,
		boot:      boot,
		opts:      cfg.Suspend,
		log:       log,
	}
}

// Registry returns the power domain registry.
func (p *Platform) Registry() *pmu.Registry { return p.reg }

// QoS returns the QoS snapshot cache.
func (p *Platform) QoS() *pmu.QoSCache { return p.qos }

// CPUs returns the CPU power state machine.
func (p *Platform) CPUs() *cpupm.Machine { return p.cpus }

// Cluster returns the cluster retention controller.
func (p *Platform) Cluster() *cluster.Controller { return p.clus }

// Orchestrator returns the system suspend orchestrator.
func (p *Platform) Orchestrator() *suspend.Orchestrator { return p.orch }

// Memory returns the always-on memory view.
func (p *Platform) Memory() *aomem.Memory { return p.mem }

// Init runs once on the boot core: it stages the resume code, publishes the
// bootstrap context, clears the per-core and per-cluster slots, points warm
// reset at the normal entry and takes every other core offline.
func (p *Platform) Init(bootCore int) error {
	if bootCore < 0 || bootCore >= soc.CoreCount {
		return fmt.Errorf("platform: boot core %d out of range", bootCore)
	}
	if p.opts.WarmBootAddr&(1<<soc.CPUBootAddrAlign-1) != 0 {
		return fmt.Errorf("platform: warm boot address 0x%x is not 64 KiB aligned", p.opts.WarmBootAddr)
	}

	if err := p.mem.Stage(p.relocator, p.images); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	p.mem.ResetSlots()

	boot := p.boot
	boot.BootMPIDR = soc.MPIDR(bootCore)
	p.mem.WriteBootContext(boot)

	p.bus.Write32(soc.SGRFBase+soc.SGRF_SOC_CON0_1(1),
		uint32(p.opts.WarmBootAddr>>soc.CPUBootAddrAlign)|soc.CPUBootAddrWMask)
	p.bus.Write32(soc.PMUBase+soc.PMU_NOC_AUTO_ENA, soc.NOCAutoEnable)

	if err := p.cpus.OffAllExcept(bootCore); err != nil {
		return fmt.Errorf("platform: %w", err)
	}

	p.log.Info("platform: initialised", "boot_core", bootCore,
		"pwrdn_st", fmt.Sprintf("0x%08x", p.reg.Bitmap()))
	return nil
}

// GlobalReset drops every PLL to slow mode and issues the first global soft
// reset. On hardware it does not return.
func (p *Platform) GlobalReset() {
	for pll := 0; pll < soc.PLLCount; pll++ {
		p.bus.Write32(soc.CRUBase+soc.CRU_PLL_CON(pll, 3), soc.PLLSlowModeWord)
	}
	p.mem.Barrier()
	p.log.Info("platform: global soft reset")
	p.bus.Write32(soc.CRUBase+soc.CRU_GLB_SRST_FST, soc.GlbSrstFstValue)
}

func (p *Platform) setPending(ctx *suspend.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = ctx
}

func (p *Platform) takePending() *suspend.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := p.pending
	p.pending = nil
	return ctx
}

// Pending returns the context of a suspend whose resume has not run.
func (p *Platform) Pending() *suspend.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
