package suspend

import (
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// Timings are the PMU sleep phase durations in milliseconds. They are
// programmed in ticks of the 32 kHz low-power clock.
type Timings struct {
	SCUPowerDown     uint32
	SCUPowerUp       uint32
	CenterPowerDown  uint32
	CenterPowerUp    uint32
	WakeupResetClear uint32
	OscStable        uint32
	DDRIOPowerOn     uint32
	PLLLock          uint32
	PLLReset         uint32
	Stable           uint32
}

// DefaultTimings are the phase durations used on the reference board.
var DefaultTimings = Timings{
	SCUPowerDown:     1,
	SCUPowerUp:       1,
	CenterPowerDown:  1,
	CenterPowerUp:    1,
	WakeupResetClear: 1,
	OscStable:        5,
	DDRIOPowerOn:     2,
	PLLLock:          1,
	PLLReset:         1,
	Stable:           4,
}

func (t Timings) counters() []struct {
	off uint64
	ms  uint32
} {
	return []struct {
		off uint64
		ms  uint32
	}{
		{soc.PMU_SCU_L_PWRDN_CNT, t.SCUPowerDown},
		{soc.PMU_SCU_L_PWRUP_CNT, t.SCUPowerUp},
		{soc.PMU_SCU_B_PWRDN_CNT, t.SCUPowerDown},
		{soc.PMU_SCU_B_PWRUP_CNT, t.SCUPowerUp},
		{soc.PMU_CENTER_PWRDN_CNT, t.CenterPowerDown},
		{soc.PMU_CENTER_PWRUP_CNT, t.CenterPowerUp},
		{soc.PMU_WAKEUP_RST_CLR_CNT, t.WakeupResetClear},
		{soc.PMU_OSC_CNT, t.OscStable},
		{soc.PMU_DDRIO_PWRON_CNT, t.DDRIOPowerOn},
		{soc.PMU_PLLLOCK_CNT, t.PLLLock},
		{soc.PMU_PLLRST_CNT, t.PLLReset},
		{soc.PMU_STABLE_CNT, t.Stable},
	}
}

// DefaultWakeSources enables PWM and GPIO wake-up.
const DefaultWakeSources = 1<<soc.WakePWM | 1<<soc.WakeGPIO

// Options are the board policy knobs of the suspend sequence.
type Options struct {
	// CenterPowerDown powers down the center domain, which requires the
	// DRAM controller state to be saved and DRAM put in self-refresh.
	CenterPowerDown bool
	// DebugIomux routes PMU debug signals to GPIO0A while asleep.
	DebugIomux bool
	// PLLSuspend powers down board PLLs as the last quiesce step.
	PLLSuspend bool
	// AbortOnPendingWake flags the suspend as aborted when a wake interrupt
	// is already latched before the final collapse.
	AbortOnPendingWake bool

	WakeSources uint32
	Timings     Timings

	// WarmBootAddr is the normal warm reset vector, restored on resume.
	// It must be 64 KiB aligned.
	WarmBootAddr uint64
}

// DefaultOptions mirror the reference board.
func DefaultOptions() Options {
	return Options{
		CenterPowerDown:    true,
		AbortOnPendingWake: true,
		WakeSources:        DefaultWakeSources,
		Timings:            DefaultTimings,
	}
}

func (o Options) powerMode() uint32 {
	bits := []uint{
		soc.PwrModeEn, soc.PowerOffReqCfg, soc.CPU0PdEn, soc.L2FlushEn,
		soc.L2IdleEn, soc.SCUPdEn, soc.CCIPdEn, soc.ClkCoreSrcGateEn,
		soc.AliveUseLF, soc.Sref0EnterEn, soc.Sref1EnterEn,
		soc.DDRC0GatingEn, soc.DDRC1GatingEn, soc.DDRIO0RetEn, soc.DDRIO1RetEn,
		soc.DDRIORetHwDeReq, soc.PLLPdEn, soc.ClkCenterSrcGateEn,
		soc.OscDis, soc.PMUUseLF,
	}
	if o.CenterPowerDown {
		bits = append(bits, soc.CenterPdEn)
	}
	var v uint32
	for _, b := range bits {
		v |= mmio.Bit(b)
	}
	return v
}

// hwIdleBits are the bus-clear requests held while the system sleeps.
const hwIdleBits = 1<<soc.ClrCenter1 | 1<<soc.ClrAlive | 1<<soc.ClrMSCH0 |
	1<<soc.ClrMSCH1 | 1<<soc.ClrCCIM0 | 1<<soc.ClrCCIM1 | 1<<soc.ClrCenter |
	1<<soc.ClrPerilp | 1<<soc.ClrPMU

// fullMask enables every bit of a hi-word write-mask register.
const fullMask = 0xffff0000

func cci500Bits() []uint {
	return []uint{soc.ClrPreqCCI500Hw, soc.ClrQreqCCI500Hw, soc.QgatingCCI500Cfg}
}

func littleADBClearBits() []uint {
	return []uint{soc.ClrCoreLHw, soc.ClrCoreL2GICHw, soc.ClrGIC2CoreLHw}
}

func withMasks(bits []uint) uint32 {
	var v uint32
	for _, b := range bits {
		v |= mmio.WithMask(b)
	}
	return v
}

func masksOnly(bits []uint) uint32 {
	var v uint32
	for _, b := range bits {
		v |= mmio.MaskOnly(b)
	}
	return v
}

// programSleep applies the global sleep mode configuration.
func (o *Orchestrator) programSleep(ctx *Context) {
	bus := o.bus

	ctx.DebugIomux = bus.Read32(soc.PMUGRFBase + soc.PMUGRF_GPIO0A_IOMUX)
	if o.opts.DebugIomux {
		bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO0A_IOMUX, soc.DebugIomuxValue)
		bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO0A_P, soc.DebugPullValue)
	}

	bus.Write32(soc.GRFBase+soc.GRF_CCI_FORCE_WAKEUP, mmio.MaskOnly(soc.CCIForceWakeupBit))
	bus.Write32(soc.PMUBase+soc.PMU_CCI500_CON, withMasks(cci500Bits()))
	bus.Write32(soc.PMUBase+soc.PMU_ADB400_CON, withMasks(littleADBClearBits()))
	bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO1A_IOMUX, mmio.WithMask(soc.APPwroffBit))

	mmio.SetBits(bus, soc.PMUBase+soc.PMU_WKUP_CFG4, o.opts.WakeSources)
	bus.Write32(soc.PMUBase+soc.PMU_PWRMODE_CON, o.opts.powerMode())

	for _, c := range o.opts.Timings.counters() {
		bus.Write32(soc.PMUBase+c.off, soc.Ticks32K(c.ms))
	}

	bus.Write32(soc.PMUBase+soc.PMU_PLL_CON, soc.PLLPdHw)
	bus.Write32(soc.PMUGRFBase+soc.PMUGRFPvtmCon, soc.PMUGRFPvtmConfig)
	bus.Write32(soc.PMUGRFBase+soc.PMUGRF_SOC_CON0, soc.External32K)
	bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO0A_IOMUX, soc.Iomux32KClk)
}

// unprogramSleep leaves sleep mode.
func (o *Orchestrator) unprogramSleep(ctx *Context) {
	o.bus.Write32(soc.PMUBase+soc.PMU_WKUP_CFG4, 0)
	o.bus.Write32(soc.PMUBase+soc.PMU_PWRMODE_CON, 0)
	// GPIO0A carried the 32k clock, and the debug mux when enabled.
	o.bus.Write32(soc.PMUGRFBase+soc.PMUGRF_GPIO0A_IOMUX, fullMask|ctx.DebugIomux&0xffff)
}
