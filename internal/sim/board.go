// Package sim assembles a simulated RK3399 board out of device models so the
// power controller can run end to end without hardware.
package sim

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pwrctl/internal/chipset"
	"github.com/tinyrange/pwrctl/internal/devices/regfile"
	"github.com/tinyrange/pwrctl/internal/devices/rkpmu"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/trace"
)

// Config configures a Board.
type Config struct {
	// Trace records every register access when non-nil.
	Trace  *trace.Recorder
	Logger *slog.Logger
}

// Board is a simulated SoC: a chipset with the PMU, the always-on SRAM and
// the register blocks the controller touches.
type Board struct {
	Chipset *chipset.Chipset

	PMU     *rkpmu.PMU
	SRAM    *regfile.File
	CRU     *regfile.File
	PMUCRU  *regfile.File
	SGRF    *regfile.File
	PMUGRF  *regfile.File
	GRF     *regfile.File
	NOC     *regfile.File
	GPIO0   *regfile.File
	GPIO1   *regfile.File
	devices []namedBlock

	lines *chipset.LineSet
	bus   mmio.Bus
	log   *slog.Logger
}

type namedBlock struct {
	name string
	base uint64
	size uint64
}

func cruDefaults() map[uint64]uint32 {
	d := make(map[uint64]uint32)
	for pll := 0; pll < soc.PLLCount; pll++ {
		d[soc.CRU_PLL_CON(pll, 3)] = soc.PLLNormal << soc.PLLModeShift
	}
	return d
}

func cruHiWord(off uint64) bool {
	switch {
	case off >= soc.CRU_PLL_CON(0, 3) && off < soc.CRU_PLL_CON(soc.PLLCount, 0):
		return off%0x20 == 0xc
	case off >= soc.CRUClkGateBase && off < soc.CRU_CLKGATE_CON(soc.CRUClkGateCount):
		return true
	case off == soc.CRU_GLB_SRST_FST:
		return false
	}
	return false
}

// New builds a board with every domain powered on. Only core 0 runs; the
// others wait in WFI as the boot ROM leaves them.
func New(cfg Config) (*Board, error) {
	b := &Board{log: cfg.Logger}
	if b.log == nil {
		b.log = slog.Default()
	}

	b.PMU = rkpmu.New(soc.PMUBase)
	b.SRAM = regfile.New(regfile.Config{Name: "pmusram", Base: soc.PMUSRAMBase, Size: soc.PMUSRAMSize, Retained: true})
	b.CRU = regfile.New(regfile.Config{Name: "cru", Base: soc.CRUBase, Size: soc.CRUSize, HiWord: cruHiWord, Defaults: cruDefaults()})
	b.PMUCRU = regfile.New(regfile.Config{Name: "pmucru", Base: soc.PMUCRUBase, Size: soc.PMUCRUSize, Retained: true, HiWord: regfile.HiWordRange(0x80, 0x120)})
	b.SGRF = regfile.New(regfile.Config{Name: "sgrf", Base: soc.SGRFBase, Size: soc.SGRFSize, HiWord: regfile.HiWordRange(soc.SGRF_SOC_CON0_1(0), soc.SGRF_SOC_CON0_1(32))})
	b.PMUGRF = regfile.New(regfile.Config{Name: "pmugrf", Base: soc.PMUGRFBase, Size: soc.PMUGRFSize, Retained: true, HiWord: regfile.HiWordRange(0, 0x300)})
	b.GRF = regfile.New(regfile.Config{Name: "grf", Base: soc.GRFBase, Size: soc.GRFSize, HiWord: regfile.HiWordAll})
	b.NOC = regfile.New(regfile.Config{Name: "noc", Base: soc.NOCBase, Size: soc.NOCSize})
	b.GPIO0 = regfile.New(regfile.Config{Name: "gpio0", Base: soc.GPIO0Base, Size: soc.GPIOSize, Retained: true})
	b.GPIO1 = regfile.New(regfile.Config{Name: "gpio1", Base: soc.GPIO1Base, Size: soc.GPIOSize})

	builder := chipset.NewBuilder()
	devs := []struct {
		name string
		dev  chipset.ChipsetDevice
		base uint64
		size uint64
	}{
		{"pmu", b.PMU, soc.PMUBase, soc.PMUSize},
		{"pmusram", b.SRAM, soc.PMUSRAMBase, soc.PMUSRAMSize},
		{"cru", b.CRU, soc.CRUBase, soc.CRUSize},
		{"pmucru", b.PMUCRU, soc.PMUCRUBase, soc.PMUCRUSize},
		{"sgrf", b.SGRF, soc.SGRFBase, soc.SGRFSize},
		{"pmugrf", b.PMUGRF, soc.PMUGRFBase, soc.PMUGRFSize},
		{"grf", b.GRF, soc.GRFBase, soc.GRFSize},
		{"noc", b.NOC, soc.NOCBase, soc.NOCSize},
		{"gpio0", b.GPIO0, soc.GPIO0Base, soc.GPIOSize},
		{"gpio1", b.GPIO1, soc.GPIO1Base, soc.GPIOSize},
	}
	for _, d := range devs {
		if err := builder.RegisterDevice(d.name, d.dev); err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
		b.devices = append(b.devices, namedBlock{name: d.name, base: d.base, size: d.size})
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	if err := cs.Start(); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	b.Chipset = cs
	b.lines = chipset.NewLineSet(b.PMU)

	// QoS generators sit inside the domains they serve and forget their
	// configuration when the domain powers off.
	b.PMU.OnDomainChange(func(domain uint, on bool) {
		if on {
			return
		}
		for _, m := range pmu.Domain(domain).QoSMasters() {
			b.NOC.ResetRange(m.Base-soc.NOCBase+pmu.QoSPriority, pmu.QoSRegCount*4)
		}
	})

	for core := 1; core < soc.CoreCount; core++ {
		b.PMU.EnterWFI(core)
	}

	var bus mmio.Bus = mmio.NewChipsetBus(cs)
	if cfg.Trace != nil {
		bus = mmio.NewTraced(bus, cfg.Trace, b.BlockName)
	}
	b.bus = bus
	return b, nil
}

// Bus returns the register bus of the board.
func (b *Board) Bus() mmio.Bus { return b.bus }

// BlockName returns the name of the register block containing addr.
func (b *Board) BlockName(addr uint64) string {
	for _, d := range b.devices {
		if addr >= d.base && addr < d.base+d.size {
			return d.name
		}
	}
	return "unmapped"
}

// WakeLine returns the interrupt line feeding a PMU wake source.
func (b *Board) WakeLine(source uint8) chipset.LineInterrupt {
	return b.lines.AllocateLine(source)
}

// EnterWFI halts a core. With auto power-down armed its domain turns off.
func (b *Board) EnterWFI(core int) {
	b.PMU.EnterWFI(core)
}

// CoreRunning reports whether a core has power and is executing.
func (b *Board) CoreRunning(core int) bool {
	st := b.PMU.Reg(soc.PMU_PWRDN_ST)
	return st&pmu.CoreDomain(core).Bit() == 0 && !b.PMU.InWFI(core)
}

// Collapse models the loss of main power: every block outside the always-on
// island returns to its reset state.
func (b *Board) Collapse() error {
	lost, err := b.Chipset.Collapse()
	if err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	b.log.Debug("sim: collapsed", "reset", lost)
	return nil
}

// ArmLateWake latches bits into PMU_WAKEUP_STATUS the next time the PWM
// regulator pin-mux is written, which a suspend does just before its final
// wake check.
func (b *Board) ArmLateWake(bits uint32) {
	b.PMUGRF.OnWrite(soc.PMUGRF_GPIO1C_IOMUX, func(uint32) {
		b.PMUGRF.OnWrite(soc.PMUGRF_GPIO1C_IOMUX, nil)
		b.PMU.LatchWake(bits)
	})
}
