package rkpmu

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pwrctl/internal/soc"
)

func wr(t *testing.T, p *PMU, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := p.WriteMMIO(soc.PMUBase+off, buf[:]); err != nil {
		t.Fatalf("WriteMMIO(0x%x): %v", off, err)
	}
}

func rd(t *testing.T, p *PMU, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := p.ReadMMIO(soc.PMUBase+off, buf[:]); err != nil {
		t.Fatalf("ReadMMIO(0x%x): %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

type event struct {
	Domain uint
	On     bool
}

func TestPowerSwitch(t *testing.T) {
	p := New(soc.PMUBase)
	var events []event
	p.OnDomainChange(func(d uint, on bool) { events = append(events, event{d, on}) })

	if got := rd(t, p, soc.PMU_PWRDN_ST); got != 0 {
		t.Fatalf("expected every domain on at reset, got 0x%08x", got)
	}
	wr(t, p, soc.PMU_PWRDN_CON, 1<<15|1<<16)
	if got := rd(t, p, soc.PMU_PWRDN_ST); got != 1<<15|1<<16 {
		t.Fatalf("expected GPU and VCODEC off, got 0x%08x", got)
	}
	wr(t, p, soc.PMU_PWRDN_CON, 1<<16)
	// Status registers ignore writes.
	wr(t, p, soc.PMU_PWRDN_ST, 0)

	want := []event{{15, false}, {16, false}, {15, true}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("domain events mismatch (-want +got):\n%s", diff)
	}
	if got := rd(t, p, soc.PMU_PWRDN_ST); got != 1<<16 {
		t.Fatalf("expected only VCODEC off, got 0x%08x", got)
	}
}

func TestBusIdleAndADB400(t *testing.T) {
	p := New(soc.PMUBase)
	wr(t, p, soc.PMU_BUS_IDLE_REQ, 1<<3)
	if st, ack := rd(t, p, soc.PMU_BUS_IDLE_ST), rd(t, p, soc.PMU_BUS_IDLE_ACK); st != 1<<3 || ack != 1<<3 {
		t.Fatalf("expected bus 3 idle, got st=0x%x ack=0x%x", st, ack)
	}

	wr(t, p, soc.PMU_ADB400_CON, 0x00700070)
	wr(t, p, soc.PMU_ADB400_CON, 0x02000200)
	if got := rd(t, p, soc.PMU_ADB400_CON); got != 0x0270 {
		t.Fatalf("expected hi-word merged 0x0270, got 0x%x", got)
	}
	if got := rd(t, p, soc.PMU_ADB400_ST); got != 0x70 {
		t.Fatalf("expected ADB400 acks 0x70, got 0x%x", got)
	}
}

func TestWFIAutoPowerDown(t *testing.T) {
	p := New(soc.PMUBase)
	const core = 2

	p.EnterWFI(core)
	if rd(t, p, soc.PMU_PWRDN_ST)&(1<<core) != 0 {
		t.Fatalf("unarmed core lost power in WFI")
	}
	if got := rd(t, p, soc.PMU_CORE_PWR_ST); got&(soc.CheckWFEIMask<<(soc.ClusterLCPUWFE+core)) == 0 {
		t.Fatalf("expected core %d reported in WFI, got 0x%x", core, got)
	}

	// Arming while already halted cuts power at once.
	wr(t, p, soc.PMU_CORE_PM_CON(core), 1<<soc.CorePMEn|1<<soc.CorePMIntWakeupEn)
	if rd(t, p, soc.PMU_PWRDN_ST)&(1<<core) == 0 {
		t.Fatalf("expected core %d auto powered down", core)
	}

	p.CoreInterrupt(core)
	if rd(t, p, soc.PMU_PWRDN_ST)&(1<<core) != 0 {
		t.Fatalf("expected interrupt to wake core %d", core)
	}
	if p.InWFI(core) {
		t.Fatalf("expected core %d running after wake", core)
	}

	// Without interrupt wake only the soft wakeup brings it back.
	wr(t, p, soc.PMU_CORE_PM_CON(core), 1<<soc.CorePMEn)
	p.EnterWFI(core)
	p.CoreInterrupt(core)
	if rd(t, p, soc.PMU_PWRDN_ST)&(1<<core) == 0 {
		t.Fatalf("expected core %d to stay down on interrupt", core)
	}
	wr(t, p, soc.PMU_CORE_PM_CON(core), 1<<soc.CorePMSftWakeupEn)
	if rd(t, p, soc.PMU_PWRDN_ST)&(1<<core) != 0 {
		t.Fatalf("expected soft wakeup to power core %d", core)
	}
}

func TestClusterStandby(t *testing.T) {
	p := New(soc.PMUBase)
	wr(t, p, soc.PMU_SFT_CON, 1<<soc.L2FlushReqClusterB|1<<soc.ACINACTMClusterBCfg)
	st := rd(t, p, soc.PMU_CORE_PWR_ST)
	if st&(1<<soc.L2FlushDoneClusterB) == 0 {
		t.Fatalf("expected L2 flush done, got 0x%x", st)
	}
	if st&(1<<soc.StandbyByWFIL2ClusterB) != 0 {
		t.Fatalf("standby reported with big cores running")
	}
	p.EnterWFI(4)
	wr(t, p, soc.PMU_PWRDN_CON, 1<<5)
	if rd(t, p, soc.PMU_CORE_PWR_ST)&(1<<soc.StandbyByWFIL2ClusterB) == 0 {
		t.Fatalf("expected standby with core 4 in WFI and core 5 off")
	}
}

func TestWakeStatus(t *testing.T) {
	p := New(soc.PMUBase)
	p.SetIRQ(soc.WakeGPIO, true)
	if got := rd(t, p, soc.PMU_WAKEUP_STATUS); got != 0 {
		t.Fatalf("disabled source latched: 0x%x", got)
	}
	wr(t, p, soc.PMU_WKUP_CFG4, 1<<soc.WakeGPIO)
	p.SetIRQ(soc.WakeGPIO, true)
	p.LatchWake(1 << soc.WakePWM)
	if got := rd(t, p, soc.PMU_WAKEUP_STATUS); got != 1<<soc.WakeGPIO|1<<soc.WakePWM {
		t.Fatalf("expected gpio and pwm latched, got 0x%x", got)
	}
	wr(t, p, soc.PMU_WAKEUP_STATUS, 1<<soc.WakeGPIO)
	if got := rd(t, p, soc.PMU_WAKEUP_STATUS); got != 1<<soc.WakePWM {
		t.Fatalf("expected write-1-to-clear, got 0x%x", got)
	}
}

func TestFaultInjection(t *testing.T) {
	p := New(soc.PMUBase)
	p.Stick(soc.PMU_ADB400_ST, Stuck{Mask: soc.ADB400StatusCoreBMask})
	wr(t, p, soc.PMU_ADB400_CON, 0x00700070)
	if got := rd(t, p, soc.PMU_ADB400_ST); got != 0 {
		t.Fatalf("expected stuck acks, got 0x%x", got)
	}
	p.Stick(soc.PMU_ADB400_ST, Stuck{})
	if got := rd(t, p, soc.PMU_ADB400_ST); got != 0x70 {
		t.Fatalf("expected released acks, got 0x%x", got)
	}

	p.SetAckLatency(2)
	wr(t, p, soc.PMU_PWRDN_CON, 1<<15)
	for i := 0; i < 2; i++ {
		if got := rd(t, p, soc.PMU_PWRDN_ST); got != 0 {
			t.Fatalf("read %d: expected stale status, got 0x%x", i, got)
		}
	}
	if got := rd(t, p, soc.PMU_PWRDN_ST); got != 1<<15 {
		t.Fatalf("expected fresh status, got 0x%x", got)
	}
}

func TestResetKeepsHooks(t *testing.T) {
	p := New(soc.PMUBase)
	wr(t, p, soc.PMU_PWRDN_CON, 0xff)
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := p.Reg(soc.PMU_PWRDN_ST); got != 0 {
		t.Fatalf("expected reset state, got 0x%x", got)
	}
	if !p.RetainsState() {
		t.Fatalf("PMU must survive a collapse")
	}
}
