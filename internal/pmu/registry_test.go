package pmu_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/devices/rkpmu"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/sim"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// writeLog wraps a bus and remembers the address of every write.
type writeLog struct {
	mmio.Bus
	writes []uint64
}

func (w *writeLog) Write32(addr uint64, value uint32) {
	w.writes = append(w.writes, addr)
	w.Bus.Write32(addr, value)
}

func newBoard(t *testing.T) *sim.Board {
	t.Helper()
	b, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("failed to build board: %v", err)
	}
	return b
}

func fastOptions() pmu.Options {
	return pmu.Options{SwitchAttempts: 20, HandshakeAttempts: 20, Delay: arch.NopDelay{}}
}

func TestSetAlreadyInTargetWritesNothing(t *testing.T) {
	b := newBoard(t)
	bus := &writeLog{Bus: b.Bus()}
	reg := pmu.NewRegistry(bus, fastOptions())

	for _, d := range []pmu.Domain{pmu.GPU, pmu.VO, pmu.CENTER, pmu.TCPD0} {
		if err := reg.Set(d, pmu.On); err != nil {
			t.Fatalf("set %s on: %v", d, err)
		}
	}
	if len(bus.writes) != 0 {
		t.Fatalf("expected no writes for domains already on, got %d", len(bus.writes))
	}
}

func TestSetPostcondition(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())

	for _, d := range pmu.SuspendOrder {
		if err := reg.Set(d, pmu.Off); err != nil {
			t.Fatalf("set %s off: %v", d, err)
		}
		st, err := reg.State(d)
		if err != nil {
			t.Fatalf("state %s: %v", d, err)
		}
		if st != pmu.Off {
			t.Fatalf("expected %s off, got %s", d, st)
		}
		req := b.PMU.Reg(soc.PMU_BUS_IDLE_REQ)
		for _, bus := range d.Buses() {
			if req&bus.Bit() == 0 {
				t.Fatalf("expected bus %s idle while %s is off", bus, d)
			}
		}
	}

	for i := len(pmu.SuspendOrder) - 1; i >= 0; i-- {
		d := pmu.SuspendOrder[i]
		if err := reg.Set(d, pmu.On); err != nil {
			t.Fatalf("set %s on: %v", d, err)
		}
		if st, _ := reg.State(d); st != pmu.On {
			t.Fatalf("expected %s on, got %s", d, st)
		}
	}
	if got := reg.Bitmap() & pmu.GPU.Bit(); got != 0 {
		t.Fatalf("expected GPU on in bitmap, got 0x%x", reg.Bitmap())
	}
	if got := b.PMU.Reg(soc.PMU_BUS_IDLE_REQ); got != 0 {
		t.Fatalf("expected every bus active, got BUS_IDLE_REQ=0x%x", got)
	}
}

func TestSetUnknownDomain(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	if err := reg.Set(pmu.DomainCount, pmu.Off); err == nil {
		t.Fatalf("expected error for unknown domain")
	}
	if _, err := reg.State(pmu.Domain(40)); err == nil {
		t.Fatalf("expected error for unknown domain")
	}
}

func TestSetSwitchTimeout(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	b.PMU.Stick(soc.PMU_PWRDN_ST, rkpmu.Stuck{Mask: pmu.GPU.Bit(), Value: 0})

	err := reg.Set(pmu.GPU, pmu.Off)
	if !errors.Is(err, pmu.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	var te *pmu.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if te.Attempts != 20 {
		t.Fatalf("expected 20 attempts, got %d", te.Attempts)
	}
	want := []string{"PMU_PWRDN_ST"}
	var got []string
	for _, r := range te.Regs {
		got = append(got, r.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("diagnostic registers mismatch (-want +got):\n%s", diff)
	}
}

func TestSetBusIdleTimeout(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	b.PMU.Stick(soc.PMU_BUS_IDLE_ACK, rkpmu.Stuck{Mask: pmu.BusGMAC.Bit(), Value: 0})

	err := reg.Set(pmu.GMAC, pmu.Off)
	if !errors.Is(err, pmu.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if st, _ := reg.State(pmu.GMAC); st != pmu.On {
		t.Fatalf("expected GMAC left on after failed idle request, got %s", st)
	}
}

func TestSetOffFailureReleasesBuses(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	// VOPB idles, then VOPL never acknowledges.
	b.PMU.Stick(soc.PMU_BUS_IDLE_ACK, rkpmu.Stuck{Mask: pmu.BusVOPL.Bit(), Value: 0})

	if err := reg.Set(pmu.VO, pmu.Off); !errors.Is(err, pmu.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	mask := pmu.BusVOPB.Bit() | pmu.BusVOPL.Bit()
	if req := b.Bus().Read32(soc.PMUBase + soc.PMU_BUS_IDLE_REQ); req&mask != 0 {
		t.Fatalf("expected VO buses released after failed power-off, got PMU_BUS_IDLE_REQ=0x%08x", req)
	}
	if st := b.Bus().Read32(soc.PMUBase + soc.PMU_BUS_IDLE_ST); st&mask != 0 {
		t.Fatalf("expected VO buses active, got PMU_BUS_IDLE_ST=0x%08x", st)
	}

	b.PMU.Stick(soc.PMU_BUS_IDLE_ACK, rkpmu.Stuck{})
	if err := reg.Set(pmu.VO, pmu.Off); err != nil {
		t.Fatalf("set VO off after recovery: %v", err)
	}
	if err := reg.Set(pmu.VO, pmu.On); err != nil {
		t.Fatalf("set VO on: %v", err)
	}
	if req := b.Bus().Read32(soc.PMUBase + soc.PMU_BUS_IDLE_REQ); req != 0 {
		t.Fatalf("expected PMU_BUS_IDLE_REQ=0, got 0x%08x", req)
	}
}

func TestSetOffSwitchFailureReleasesBuses(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	b.PMU.Stick(soc.PMU_PWRDN_ST, rkpmu.Stuck{Mask: pmu.GMAC.Bit(), Value: 0})

	if err := reg.Set(pmu.GMAC, pmu.Off); !errors.Is(err, pmu.ErrHandshakeTimeout) {
		t.Fatalf("expected switch timeout, got %v", err)
	}
	if req := b.Bus().Read32(soc.PMUBase + soc.PMU_BUS_IDLE_REQ); req&pmu.BusGMAC.Bit() != 0 {
		t.Fatalf("expected GMAC bus released, got PMU_BUS_IDLE_REQ=0x%08x", req)
	}
}

func TestSetToleratesAckLatency(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())
	b.PMU.SetAckLatency(5)

	if err := reg.Set(pmu.ISP0, pmu.Off); err != nil {
		t.Fatalf("set ISP0 off: %v", err)
	}
	if err := reg.Set(pmu.ISP0, pmu.On); err != nil {
		t.Fatalf("set ISP0 on: %v", err)
	}
}

func TestSetPowerDownEnable(t *testing.T) {
	b := newBoard(t)
	reg := pmu.NewRegistry(b.Bus(), fastOptions())

	reg.SetPowerDownEnable(pmu.SCUPowerDownEnable, true)
	if got := b.PMU.Reg(soc.PMU_PWRDN_CON); got&pmu.SCUB.Bit() == 0 {
		t.Fatalf("expected SCUB enable bit set, got PWRDN_CON=0x%x", got)
	}
	reg.SetPowerDownEnable(pmu.SCUPowerDownEnable, false)
	if got := b.PMU.Reg(soc.PMU_PWRDN_CON); got&pmu.SCUB.Bit() != 0 {
		t.Fatalf("expected SCUB enable bit clear, got PWRDN_CON=0x%x", got)
	}
}

func TestParseDomain(t *testing.T) {
	for d := pmu.Domain(0); d < pmu.DomainCount; d++ {
		got, err := pmu.ParseDomain(d.String())
		if err != nil {
			t.Fatalf("parse %s: %v", d, err)
		}
		if got != d {
			t.Fatalf("expected %s, got %s", d, got)
		}
	}
	if _, err := pmu.ParseDomain("NPU"); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}
