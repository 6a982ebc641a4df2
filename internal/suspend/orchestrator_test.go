package suspend_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/cluster"
	"github.com/tinyrange/pwrctl/internal/devices/rkpmu"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/sim"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

const warmBoot = 0x40000

// calls records collaborator invocations in order.
type calls struct {
	mu  sync.Mutex
	log []string

	restoreErr error
}

func (c *calls) add(s string) {
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
}

func (c *calls) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.log
	c.log = nil
	return out
}

func (c *calls) Save() error             { c.add("dram.save"); return nil }
func (c *calls) EnterSelfRefresh() error { c.add("dram.sref.enter"); return nil }
func (c *calls) ExitSelfRefresh() error  { c.add("dram.sref.exit"); return nil }
func (c *calls) Restore() error          { c.add("dram.restore"); return c.restoreErr }
func (c *calls) Start()                  { c.add("console.start") }
func (c *calls) Stop()                   { c.add("console.stop") }
func (c *calls) EnableCPUInterface()     { c.add("gic.enable") }
func (c *calls) Init()                   { c.add("firewall.init") }
func (c *calls) SetABPLL()               { c.add("pll.abpll") }
func (c *calls) RestoreDPLL()            { c.add("pll.restore_dpll") }
func (c *calls) RestoreABPLL()           { c.add("pll.restore_abpll") }
func (c *calls) Suspend()                { c.add("pll.suspend") }
func (c *calls) Resume()                 { c.add("pll.resume") }

type fixture struct {
	board  *sim.Board
	reg    *pmu.Registry
	mem    *aomem.Memory
	halter *pmu.LogHalter
	calls  *calls
	orch   *suspend.Orchestrator
}

func newFixture(t *testing.T, mutate func(*suspend.Options)) *fixture {
	t.Helper()
	b, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("failed to build board: %v", err)
	}
	bus := b.Bus()
	popts := pmu.Options{SwitchAttempts: 20, HandshakeAttempts: 20, Delay: arch.NopDelay{}}
	reg := pmu.NewRegistry(bus, popts)
	mem := aomem.New(bus, &arch.CountingCache{})
	halter := &pmu.LogHalter{}
	c := &calls{}

	opts := suspend.DefaultOptions()
	opts.WarmBootAddr = warmBoot
	if mutate != nil {
		mutate(&opts)
	}

	orch := suspend.New(suspend.Config{
		Bus:      bus,
		Registry: reg,
		QoS:      pmu.NewQoSCache(bus, reg),
		Cluster: cluster.New(cluster.Config{
			Bus: bus, Memory: mem, Registry: reg, Poller: popts.HandshakePoller(), Halter: halter,
		}),
		Memory:   mem,
		Halter:   halter,
		DRAM:     c,
		Console:  c,
		GIC:      c,
		Firewall: c,
		PLLs:     c,
		BootContext: aomem.BootContext{
			SP:      soc.PMUSRAMBase + soc.PMUSRAMRetainedSize,
			DDRFunc: aomem.DDRResumeAddr,
			DDRFlag: 1,
		},
		Options: opts,
	})
	return &fixture{board: b, reg: reg, mem: mem, halter: halter, calls: c, orch: orch}
}

// soleCore takes every core but 0 offline.
func (f *fixture) soleCore(t *testing.T) {
	t.Helper()
	for core := 1; core < soc.CoreCount; core++ {
		if err := f.reg.ForceSwitch(pmu.CoreDomain(core), pmu.Off); err != nil {
			t.Fatalf("switch core %d off: %v", core, err)
		}
	}
}

func (f *fixture) wakeGPIO(pin uint) {
	f.board.GPIO0.Store(soc.GPIO_INT_STATUS, 1<<pin)
	f.board.WakeLine(soc.WakeGPIO).PulseInterrupt()
}

func qosPriority(f *fixture, d pmu.Domain) uint32 {
	return f.board.Bus().Read32(d.QoSMasters()[0].Base + pmu.QoSPriority)
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	for _, collapse := range []bool{false, true} {
		t.Run(fmt.Sprintf("collapse=%t", collapse), func(t *testing.T) {
			f := newFixture(t, nil)
			f.soleCore(t)

			bus := f.board.Bus()
			bus.Write32(soc.CRUBase+soc.CRU_CLKGATE_CON(3), 0xffff0000|0x00f0)
			bus.Write32(pmu.GPU.QoSMasters()[0].Base+pmu.QoSPriority, 0x303)
			bus.Write32(pmu.VO.QoSMasters()[0].Base+pmu.QoSPriority, 0x202)
			before := f.reg.Bitmap()

			ctx, err := f.orch.Suspend(0)
			if err != nil {
				t.Fatalf("suspend: %v", err)
			}
			if ctx.Aborted {
				t.Fatalf("expected no abort")
			}
			want := []suspend.Step{
				suspend.StepDomains, suspend.StepDRAMSave, suspend.StepSleepConfig,
				suspend.StepWarmVector, suspend.StepL2Flush, suspend.StepInactivate,
				suspend.StepIsolate, suspend.StepSCUPowerDown, suspend.StepRegulators,
				suspend.StepWakeCheck,
			}
			if diff := cmp.Diff(want, ctx.Progress()); diff != "" {
				t.Fatalf("progress mismatch (-want +got):\n%s", diff)
			}
			if ctx.Bitmap != before {
				t.Fatalf("expected saved bitmap 0x%08x, got 0x%08x", before, ctx.Bitmap)
			}
			for _, d := range pmu.SuspendOrder {
				if st, _ := f.reg.State(d); st != pmu.Off {
					t.Fatalf("expected %s off while suspended", d)
				}
			}
			if !f.orch.InProgress() {
				t.Fatalf("expected suspend in progress")
			}
			if got := f.board.SGRF.Load(soc.SGRF_SOC_CON0_1(1)) & 0xffff; got != uint32(aomem.StubAddr>>16) {
				t.Fatalf("expected warm vector at the resume stub, got 0x%x", got)
			}
			if got := f.mem.BootContext().BootMPIDR; got != soc.MPIDR(0) {
				t.Fatalf("expected boot mpidr of core 0, got 0x%x", got)
			}
			if got := f.board.PMU.Reg(soc.PMU_PWRDN_CON); got&pmu.SCUB.Bit() == 0 {
				t.Fatalf("expected SCU_B power-down armed")
			}
			if diff := cmp.Diff([]string{"dram.save", "pll.abpll", "dram.sref.enter"}, f.calls.take()); diff != "" {
				t.Fatalf("suspend calls mismatch (-want +got):\n%s", diff)
			}

			if collapse {
				if err := f.board.Collapse(); err != nil {
					t.Fatalf("collapse: %v", err)
				}
			}
			f.wakeGPIO(5)

			if err := f.orch.Resume(ctx); err != nil {
				t.Fatalf("resume: %v", err)
			}
			if got := f.reg.Bitmap(); got != before {
				t.Fatalf("expected bitmap 0x%08x after resume, got 0x%08x", before, got)
			}
			if got := f.board.CRU.Load(soc.CRU_CLKGATE_CON(3)) & 0xffff; got != 0x00f0 {
				t.Fatalf("expected clock gates restored to 0xf0, got 0x%x", got)
			}
			if got := qosPriority(f, pmu.GPU); got != 0x303 {
				t.Fatalf("expected GPU QoS restored, got 0x%x", got)
			}
			if got := qosPriority(f, pmu.VO); got != 0x202 {
				t.Fatalf("expected VO QoS restored, got 0x%x", got)
			}
			if got := f.board.SGRF.Load(soc.SGRF_SOC_CON0_1(1)) & 0xffff; got != warmBoot>>16 {
				t.Fatalf("expected warm vector restored, got 0x%x", got)
			}
			if got := f.board.PMU.Reg(soc.PMU_BUS_CLR); got != 0 {
				t.Fatalf("expected bus clear released, got 0x%x", got)
			}
			if got := f.board.PMU.Reg(soc.PMU_PWRDN_CON); got&pmu.SCUB.Bit() != 0 {
				t.Fatalf("expected SCU_B power-down disarmed")
			}
			if got := f.board.PMU.Reg(soc.PMU_ADB400_ST); got != 0 {
				t.Fatalf("expected ADB400 isolation withdrawn, got 0x%x", got)
			}
			if got := f.board.PMU.Reg(soc.PMU_WKUP_CFG4); got != 0 {
				t.Fatalf("expected wake sources disabled, got 0x%x", got)
			}

			if ctx.Wake.Status&(1<<soc.WakeGPIO) == 0 {
				t.Fatalf("expected gpio wake, got %s", ctx.Wake)
			}
			if ctx.Wake.GPIO0 != 1<<5 {
				t.Fatalf("expected gpio0 pin 5, got 0x%x", ctx.Wake.GPIO0)
			}
			wantResume := []string{
				"console.start", "console.stop",
				"pll.restore_dpll", "dram.restore", "dram.sref.exit", "pll.restore_abpll",
				"gic.enable", "firewall.init",
			}
			if diff := cmp.Diff(wantResume, f.calls.take()); diff != "" {
				t.Fatalf("resume calls mismatch (-want +got):\n%s", diff)
			}
			if f.orch.InProgress() {
				t.Fatalf("expected suspend finished")
			}
		})
	}
}

func TestSuspendWithoutCenterPowerDown(t *testing.T) {
	f := newFixture(t, func(o *suspend.Options) {
		o.CenterPowerDown = false
		o.PLLSuspend = true
	})
	f.soleCore(t)

	ctx, err := f.orch.Suspend(0)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if ctx.Completed(suspend.StepDRAMSave) {
		t.Fatalf("expected no dram save")
	}
	if !ctx.PLLsSuspended {
		t.Fatalf("expected PLLs suspended")
	}
	if got := f.board.PMU.Reg(soc.PMU_PWRMODE_CON); got&(1<<soc.CenterPdEn) != 0 {
		t.Fatalf("expected center power-down disabled, got 0x%x", got)
	}
	if diff := cmp.Diff([]string{"pll.suspend"}, f.calls.take()); diff != "" {
		t.Fatalf("suspend calls mismatch (-want +got):\n%s", diff)
	}

	f.wakeGPIO(1)
	if err := f.orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []string{"pll.resume", "console.start", "console.stop", "gic.enable", "firewall.init"}
	if diff := cmp.Diff(want, f.calls.take()); diff != "" {
		t.Fatalf("resume calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSuspendRequiresSoleCore(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Suspend(0)
	if !errors.Is(err, pmu.ErrNotSoleCore) {
		t.Fatalf("expected not sole core, got %v", err)
	}
	if f.orch.InProgress() {
		t.Fatalf("expected guard released after refusal")
	}

	f.soleCore(t)
	ctx, err := f.orch.Suspend(0)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := f.orch.Suspend(0); !errors.Is(err, pmu.ErrNotSoleCore) {
		t.Fatalf("expected second suspend refused, got %v", err)
	}
	if err := f.orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.orch.Cycles() != 1 {
		t.Fatalf("expected refused attempts not counted, got %d cycles", f.orch.Cycles())
	}
}

func TestSuspendRefusesBigClusterCore(t *testing.T) {
	f := newFixture(t, nil)
	for _, core := range []int{0, 1, 2, 3, 5} {
		if err := f.reg.ForceSwitch(pmu.CoreDomain(core), pmu.Off); err != nil {
			t.Fatalf("switch core %d off: %v", core, err)
		}
	}
	before := f.reg.Bitmap()

	ctx, err := f.orch.Suspend(4)
	if !errors.Is(err, pmu.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if ctx != nil {
		t.Fatalf("expected no context, got progress %v", ctx.Progress())
	}
	if got := f.reg.Bitmap(); got != before {
		t.Fatalf("expected PMU_PWRDN_ST unchanged 0x%08x, got 0x%08x", before, got)
	}
	if got := f.calls.take(); len(got) != 0 {
		t.Fatalf("expected no collaborator calls, got %v", got)
	}
	if f.halter.Count() != 0 || f.orch.InProgress() || f.orch.Cycles() != 0 {
		t.Fatalf("expected refusal without side effects, got halts=%d in-progress=%v cycles=%d",
			f.halter.Count(), f.orch.InProgress(), f.orch.Cycles())
	}

	if _, err := f.orch.Suspend(soc.CoreCount); err == nil {
		t.Fatalf("expected error for core %d", soc.CoreCount)
	}
}

func TestSuspendAbortsOnLateWake(t *testing.T) {
	f := newFixture(t, nil)
	f.soleCore(t)
	before := f.reg.Bitmap()

	// A wake latched before entry is cleared and does not abort.
	f.board.PMU.LatchWake(1 << soc.WakePWM)
	f.board.ArmLateWake(1 << soc.WakeGPIO)

	ctx, err := f.orch.Suspend(0)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if ctx.WakeStatus != 1<<soc.WakePWM {
		t.Fatalf("expected entry wake status 0x%x, got 0x%x", 1<<soc.WakePWM, ctx.WakeStatus)
	}
	if !ctx.Aborted {
		t.Fatalf("expected suspend aborted by the late wake")
	}

	if err := f.orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.reg.Bitmap(); got != before {
		t.Fatalf("expected bitmap 0x%08x after aborted cycle, got 0x%08x", before, got)
	}
	if ctx.Wake.Status != 1<<soc.WakeGPIO {
		t.Fatalf("expected gpio wake reported, got %s", ctx.Wake)
	}
}

func TestSuspendFatalOnStuckIsolation(t *testing.T) {
	f := newFixture(t, nil)
	f.soleCore(t)
	before := f.reg.Bitmap()
	f.board.PMU.Stick(soc.PMU_ADB400_ST, rkpmu.Stuck{Mask: soc.ADB400StatusCoreBMask})

	ctx, err := f.orch.Suspend(0)
	if !pmu.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !errors.Is(err, pmu.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if f.halter.Count() != 1 {
		t.Fatalf("expected one halt, got %d", f.halter.Count())
	}
	if !ctx.Completed(suspend.StepInactivate) || ctx.Completed(suspend.StepIsolate) {
		t.Fatalf("expected progress to stop at isolation, got %s", ctx)
	}

	if err := f.orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.reg.Bitmap(); got != before {
		t.Fatalf("expected bitmap 0x%08x after unwinding, got 0x%08x", before, got)
	}
	if got := f.board.PMU.Reg(soc.PMU_SFT_CON); got&(1<<soc.ACINACTMClusterBCfg) != 0 {
		t.Fatalf("expected ACINACTM released, got SFT_CON=0x%x", got)
	}
}

func TestSuspendKeepsDomainsAlreadyOff(t *testing.T) {
	f := newFixture(t, nil)
	f.soleCore(t)
	if err := f.reg.Set(pmu.ISP1, pmu.Off); err != nil {
		t.Fatalf("set ISP1 off: %v", err)
	}

	ctx, err := f.orch.Suspend(0)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	for _, d := range ctx.QoSSaved {
		if d == pmu.ISP1 {
			t.Fatalf("expected ISP1 QoS not saved while off")
		}
	}
	if err := f.orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if st, _ := f.reg.State(pmu.ISP1); st != pmu.Off {
		t.Fatalf("expected ISP1 to stay off")
	}
	if st, _ := f.reg.State(pmu.GPU); st != pmu.On {
		t.Fatalf("expected GPU back on")
	}
}

func TestResumeReportsDRAMFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.soleCore(t)
	f.calls.restoreErr = errors.New("training failed")

	ctx, err := f.orch.Suspend(0)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	err = f.orch.Resume(ctx)
	if err == nil || !errors.Is(err, f.calls.restoreErr) {
		t.Fatalf("expected dram restore error, got %v", err)
	}
	if f.orch.InProgress() {
		t.Fatalf("expected guard released after a failed resume")
	}
}

func TestDecodeWake(t *testing.T) {
	got := suspend.DecodeWake(1<<soc.WakeGPIO | 1<<soc.WakePWM)
	var names []string
	for _, w := range got {
		names = append(names, w.Name)
	}
	if diff := cmp.Diff([]string{"gpio interrupt", "pwm interrupt"}, names); diff != "" {
		t.Fatalf("decoded sources mismatch (-want +got):\n%s", diff)
	}
	if len(suspend.DecodeWake(0)) != 0 {
		t.Fatalf("expected no sources for zero status")
	}
}
