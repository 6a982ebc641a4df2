// Package suspend sequences system suspend and resume: it snapshots and
// powers off peripheral domains, programs the PMU sleep mode, quiesces the
// big cluster, and on wake reverses every step that completed.
package suspend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/cluster"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// bigCluster is the cluster collapsed by system suspend; the little cluster
// hosts the core running the sequence.
const bigCluster = 1

// Config wires an Orchestrator.
type Config struct {
	Bus      mmio.Bus
	Registry *pmu.Registry
	QoS      *pmu.QoSCache
	Cluster  *cluster.Controller
	Memory   *aomem.Memory
	Halter   pmu.Halter

	DRAM     DRAM
	Console  Console
	GIC      GIC
	Firewall Firewall
	PLLs     PLLs

	// BootContext is refreshed into always-on memory on every suspend; its
	// BootMPIDR is replaced by the suspending core's.
	BootContext aomem.BootContext

	Options Options
	Logger  *slog.Logger
}

// Orchestrator runs the system suspend and resume sequences.
type Orchestrator struct {
	bus     mmio.Bus
	reg     *pmu.Registry
	qos     *pmu.QoSCache
	cluster *cluster.Controller
	mem     *aomem.Memory
	halter  pmu.Halter

	dram     DRAM
	console  Console
	gic      GIC
	firewall Firewall
	plls     PLLs

	boot aomem.BootContext
	opts Options
	log  *slog.Logger

	inProgress atomic.Bool
	cycles     atomic.Uint64
}

// New returns an orchestrator. Nil collaborators are replaced by Nop.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		bus:      cfg.Bus,
		reg:      cfg.Registry,
		qos:      cfg.QoS,
		cluster:  cfg.Cluster,
		mem:      cfg.Memory,
		halter:   cfg.Halter,
		dram:     cfg.DRAM,
		console:  cfg.Console,
		gic:      cfg.GIC,
		firewall: cfg.Firewall,
		plls:     cfg.PLLs,
		boot:     cfg.BootContext,
		opts:     cfg.Options,
		log:      cfg.Logger,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	nop := Nop{Logger: o.log}
	if o.dram == nil {
		o.dram = nop
	}
	if o.console == nil {
		o.console = nop
	}
	if o.gic == nil {
		o.gic = nop
	}
	if o.firewall == nil {
		o.firewall = nop
	}
	if o.plls == nil {
		o.plls = nop
	}
	if o.halter == nil {
		o.halter = &pmu.LogHalter{Logger: o.log}
	}
	return o
}

// Cycles returns how many suspends were started.
func (o *Orchestrator) Cycles() uint64 { return o.cycles.Load() }

// InProgress reports whether a suspend has started and its resume has not
// finished.
func (o *Orchestrator) InProgress() bool { return o.inProgress.Load() }

func (o *Orchestrator) fatal(op string, err error) error {
	fe := pmu.Fatal(op, err)
	o.halter.Halt(fe)
	return fe
}

// Suspend runs the suspend sequence on core, which must be the only core
// online and must sit in the little cluster. The returned context is required by Resume even when an error is
// returned after some steps completed, or when the suspend was aborted.
func (o *Orchestrator) Suspend(core int) (*Context, error) {
	if core < 0 || core >= soc.CoreCount {
		return nil, fmt.Errorf("suspend: core %d out of range", core)
	}
	if soc.ClusterOf(core) == bigCluster {
		return nil, fmt.Errorf("suspend: core %d is in the cluster being collapsed: %w", core, pmu.ErrInvalidTransition)
	}
	if !o.inProgress.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("suspend: core %d: another suspend is in progress: %w", core, pmu.ErrNotSoleCore)
	}
	if others := o.onlineCores(core); others != 0 {
		o.inProgress.Store(false)
		return nil, fmt.Errorf("suspend: core %d: cores 0x%02x still online: %w", core, others, pmu.ErrNotSoleCore)
	}

	ctx := &Context{Core: core, Cycle: o.cycles.Add(1)}

	ctx.WakeStatus = o.bus.Read32(soc.PMUBase + soc.PMU_WAKEUP_STATUS)
	o.bus.Write32(soc.PMUBase+soc.PMU_WAKEUP_STATUS, ctx.WakeStatus)

	// 1: peripheral domains.
	if err := o.suspendDomains(ctx); err != nil {
		return ctx, err
	}
	mmio.SetBits(o.bus, soc.PMUBase+soc.PMU_BUS_CLR, hwIdleBits)
	ctx.complete(StepDomains)

	// 2: DRAM controller state.
	if o.opts.CenterPowerDown {
		if err := o.dram.Save(); err != nil {
			return ctx, fmt.Errorf("suspend: dram save: %w", err)
		}
		ctx.complete(StepDRAMSave)
	}

	// 3: sleep mode.
	if o.opts.CenterPowerDown {
		o.plls.SetABPLL()
		if err := o.dram.EnterSelfRefresh(); err != nil {
			return ctx, fmt.Errorf("suspend: dram self-refresh: %w", err)
		}
	}
	o.programSleep(ctx)
	ctx.complete(StepSleepConfig)

	// 4: resume through the always-on stub.
	boot := o.boot
	boot.BootMPIDR = soc.MPIDR(core)
	o.mem.WriteBootContext(boot)
	o.writeWarmVector(aomem.StubAddr)
	ctx.complete(StepWarmVector)

	// 5-7: quiesce the big cluster. A failure here leaves the bus fabric in
	// an unknown state.
	if err := o.cluster.FlushL2(bigCluster); err != nil {
		return ctx, o.fatal("suspend l2 flush", err)
	}
	ctx.complete(StepL2Flush)
	if err := o.cluster.Inactivate(bigCluster); err != nil {
		return ctx, o.fatal("suspend inactivate", err)
	}
	ctx.complete(StepInactivate)
	if err := o.cluster.Isolate(bigCluster); err != nil {
		return ctx, o.fatal("suspend adb400 isolate", err)
	}
	ctx.complete(StepIsolate)

	// 8: let the hardware collapse the big SCU.
	o.cluster.EnableSCUPowerDown()
	ctx.complete(StepSCUPowerDown)
	o.log.Info("suspend: entering sleep", "cycle", ctx.Cycle, "core", core)

	// 9: regulators and PLLs.
	ctx.PWMIomux = o.bus.Read32(soc.PMUGRFBase + soc.PMUGRF_GPIO1C_IOMUX)
	o.bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO1C_IOMUX, soc.PWMRegulatorMux)
	if o.opts.PLLSuspend {
		o.plls.Suspend()
		ctx.PLLsSuspended = true
	}
	ctx.complete(StepRegulators)

	// 10: a wake already latched means the collapse would return at once.
	if o.opts.AbortOnPendingWake {
		if st := o.bus.Read32(soc.PMUBase + soc.PMU_WAKEUP_STATUS); st != 0 {
			ctx.Aborted = true
			o.log.Info("suspend: wake interrupt pending, not sleeping", "status", fmt.Sprintf("0x%08x", st))
		}
	}
	ctx.complete(StepWakeCheck)
	return ctx, nil
}

func (o *Orchestrator) onlineCores(self int) uint32 {
	st := o.reg.Bitmap()
	var online uint32
	for core := 0; core < soc.CoreCount; core++ {
		if core != self && st&pmu.CoreDomain(core).Bit() == 0 {
			online |= 1 << core
		}
	}
	return online
}

func (o *Orchestrator) writeWarmVector(addr uint64) {
	o.bus.Write32(soc.SGRFBase+soc.SGRF_SOC_CON0_1(1), uint32(addr>>soc.CPUBootAddrAlign)|soc.CPUBootAddrWMask)
}

func (o *Orchestrator) saveAndUngateClocks(gates *[soc.CRUClkGateCount]uint32) {
	for i := range gates {
		addr := soc.CRUBase + soc.CRU_CLKGATE_CON(i)
		gates[i] = o.bus.Read32(addr) & 0xffff
		o.bus.Write32(addr, fullMask)
	}
}

func (o *Orchestrator) restoreClocks(gates *[soc.CRUClkGateCount]uint32) {
	for i, v := range gates {
		o.bus.Write32(soc.CRUBase+soc.CRU_CLKGATE_CON(i), fullMask|v)
	}
}

func (o *Orchestrator) suspendDomains(ctx *Context) error {
	o.saveAndUngateClocks(&ctx.ClockGates)

	saved, err := o.qos.Save()
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	ctx.QoSSaved = saved
	ctx.Bitmap = o.reg.Bitmap()

	for _, d := range pmu.SuspendOrder {
		if err := o.reg.Set(d, pmu.Off); err != nil {
			return o.fatal(fmt.Sprintf("suspend domain %s", d), err)
		}
	}

	o.restoreClocks(&ctx.ClockGates)
	return nil
}

// Resume reverses every completed step of ctx. It is safe to call after an
// aborted suspend or one that failed part way.
func (o *Orchestrator) Resume(ctx *Context) error {
	if ctx == nil {
		return errors.New("suspend: resume without a suspend context")
	}
	defer o.inProgress.Store(false)

	var errs []error

	if ctx.Completed(StepRegulators) {
		o.bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO1C_IOMUX, soc.PWMRegulatorMux|ctx.PWMIomux)
		if ctx.PLLsSuspended {
			o.plls.Resume()
		}
	}

	o.console.Start()
	if ctx.Completed(StepSleepConfig) {
		o.unprogramSleep(ctx)
	}
	ctx.Wake = readWakeReport(o.bus)
	logWakeReport(o.log, ctx.Wake)
	o.console.Stop()

	if ctx.Completed(StepWarmVector) {
		o.writeWarmVector(o.opts.WarmBootAddr)
	}

	if ctx.Completed(StepSleepConfig) {
		o.bus.Write32(soc.PMUBase+soc.PMU_CCI500_CON, masksOnly(cci500Bits()))
		o.bus.Write32(soc.PMUBase+soc.PMU_ADB400_CON, masksOnly(littleADBClearBits()))
	}
	o.mem.Barrier()

	if ctx.Completed(StepSCUPowerDown) {
		o.cluster.DisableSCUPowerDown()
	}

	// Isolation may have been requested even if its acknowledgement never
	// arrived, so it is withdrawn once the L2 flush step has passed.
	if ctx.Completed(StepL2Flush) {
		if err := o.cluster.ClearIsolation(bigCluster); err != nil {
			return o.fatal("resume adb400 clear", err)
		}
		o.cluster.Reactivate(bigCluster)
	}

	if ctx.Completed(StepDomains) || ctx.Bitmap != 0 {
		if err := o.resumeDomains(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if ctx.Completed(StepDRAMSave) {
		o.plls.RestoreDPLL()
		if err := o.dram.Restore(); err != nil {
			errs = append(errs, fmt.Errorf("suspend: dram restore: %w", err))
		}
		if ctx.Completed(StepSleepConfig) {
			if err := o.dram.ExitSelfRefresh(); err != nil {
				errs = append(errs, fmt.Errorf("suspend: dram self-refresh exit: %w", err))
			}
		}
		o.plls.RestoreABPLL()
	}

	if ctx.Completed(StepDomains) {
		mmio.ClrBits(o.bus, soc.PMUBase+soc.PMU_BUS_CLR, hwIdleBits)
	}

	o.gic.EnableCPUInterface()
	o.firewall.Init()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	o.log.Info("suspend: resumed", "cycle", ctx.Cycle, "wake", ctx.Wake.String())
	return nil
}

func (o *Orchestrator) resumeDomains(ctx *Context) error {
	var current [soc.CRUClkGateCount]uint32
	o.saveAndUngateClocks(&current)

	var errs []error
	for i := len(pmu.SuspendOrder) - 1; i >= 0; i-- {
		d := pmu.SuspendOrder[i]
		if ctx.Bitmap&d.Bit() != 0 {
			continue
		}
		if err := o.reg.Set(d, pmu.On); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		if _, err := o.qos.Restore(); err != nil {
			errs = append(errs, err)
		}
	}

	o.restoreClocks(&ctx.ClockGates)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("suspend: restore domains: %w", err)
	}
	return nil
}
