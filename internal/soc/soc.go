// Package soc describes the RK3399 memory map and the register layout of the
// blocks the power controller touches.
package soc

// Block base addresses.
const (
	PMUBase     = 0xff310000
	PMUSize     = 0x10000
	PMUGRFBase  = 0xff320000
	PMUGRFSize  = 0x10000
	SGRFBase    = 0xff330000
	SGRFSize    = 0x10000
	PMUSRAMBase = 0xff3b0000
	PMUSRAMSize = 0x10000
	GPIO0Base   = 0xff720000
	GPIO1Base   = 0xff730000
	GPIOSize    = 0x10000
	PMUCRUBase  = 0xff750000
	PMUCRUSize  = 0x10000
	CRUBase     = 0xff760000
	CRUSize     = 0x10000
	GRFBase     = 0xff770000
	GRFSize     = 0x10000

	// Service NoC window holding every QoS generator.
	NOCBase = 0xffa50000
	NOCSize = 0x91000

	// Retained SRAM size usable for resume code and data.
	PMUSRAMRetainedSize = 0x2000
)

// PMU register offsets.
const (
	PMU_WKUP_CFG0          = 0x00
	PMU_WKUP_CFG4          = 0x10
	PMU_PWRDN_CON          = 0x14
	PMU_PWRDN_ST           = 0x18
	PMU_PLL_CON            = 0x1c
	PMU_PWRMODE_CON        = 0x20
	PMU_SFT_CON            = 0x24
	PMU_INT_CON            = 0x28
	PMU_INT_ST             = 0x2c
	PMU_WAKEUP_STATUS      = 0x5c
	PMU_BUS_CLR            = 0x60
	PMU_BUS_IDLE_REQ       = 0x64
	PMU_BUS_IDLE_ST        = 0x68
	PMU_BUS_IDLE_ACK       = 0x6c
	PMU_CCI500_CON         = 0x70
	PMU_ADB400_CON         = 0x74
	PMU_ADB400_ST          = 0x78
	PMU_POWER_ST           = 0x7c
	PMU_CORE_PWR_ST        = 0x80
	PMU_OSC_CNT            = 0x84
	PMU_PLLLOCK_CNT        = 0x88
	PMU_PLLRST_CNT         = 0x8c
	PMU_STABLE_CNT         = 0x90
	PMU_DDRIO_PWRON_CNT    = 0x94
	PMU_WAKEUP_RST_CLR_CNT = 0x98
	PMU_DDR_SREF_ST        = 0x9c
	PMU_SCU_L_PWRDN_CNT    = 0xa0
	PMU_SCU_L_PWRUP_CNT    = 0xa4
	PMU_SCU_B_PWRDN_CNT    = 0xa8
	PMU_SCU_B_PWRUP_CNT    = 0xac
	PMU_GPU_PWRDN_CNT      = 0xb0
	PMU_GPU_PWRUP_CNT      = 0xb4
	PMU_CENTER_PWRDN_CNT   = 0xb8
	PMU_CENTER_PWRUP_CNT   = 0xbc
	PMU_TIMEOUT_CNT        = 0xc0
	PMU_CPU0APM_CON        = 0xc4
	PMU_NOC_AUTO_ENA       = 0x138
)

// PMU_CORE_PM_CON returns the offset of the auto power-down control register
// of a core.
func PMU_CORE_PM_CON(core int) uint64 {
	return PMU_CPU0APM_CON + uint64(core)*4
}

// PMU_CORE_PM_CON bits.
const (
	CorePMEn          = 0
	CorePMIntWakeupEn = 1
	CorePMSftWakeupEn = 3

	CoresPMDisable = 0
)

// PMU_SFT_CON bits.
const (
	L2FlushReqClusterL  = 0
	L2FlushReqClusterB  = 1
	ACINACTMClusterLCfg = 2
	ACINACTMClusterBCfg = 3
)

// PMU_CORE_PWR_ST bits. Per-core WFE bits start at the cluster's WFE base;
// the matching WFI bit sits four positions higher.
const (
	L2FlushDoneClusterL    = 0
	StandbyByWFIL2ClusterL = 1
	ClusterLCPUWFE         = 2
	L2FlushDoneClusterB    = 10
	StandbyByWFIL2ClusterB = 11
	ClusterBCPUWFE         = 12

	CheckWFEIMask = 0x11
)

// PMU_ADB400_CON bits (hi-word write-mask register).
const (
	PwrdwnReqCXCSSw       = 0
	PwrdwnReqCoreLSw      = 1
	PwrdwnReqCoreL2GICSw  = 2
	PwrdwnReqGIC2CoreLSw  = 3
	PwrdwnReqCoreBSw      = 4
	PwrdwnReqCoreB2GICSw  = 5
	PwrdwnReqGIC2CoreBSw  = 6
	ClrCXCSHw             = 8
	ClrCoreLHw            = 9
	ClrCoreL2GICHw        = 10
	ClrGIC2CoreLHw        = 11
	ClrCoreBHw            = 12
	ClrCoreB2GICHw        = 13
	ClrGIC2CoreBHw        = 14
	ADB400RequestMask     = 0x7f
	ADB400StatusCoreBMask = 1<<PwrdwnReqCoreBSw | 1<<PwrdwnReqCoreB2GICSw | 1<<PwrdwnReqGIC2CoreBSw
)

// PMU_CCI500_CON bits (hi-word write-mask register).
const (
	ClrPreqCCI500Hw  = 0
	ClrQreqCCI500Hw  = 1
	QgatingCCI500Cfg = 2
)

// PMU_BUS_CLR bits.
const (
	ClrCenter1 = 0
	ClrAlive   = 1
	ClrMSCH0   = 2
	ClrMSCH1   = 3
	ClrCCIM0   = 4
	ClrCCIM1   = 5
	ClrCenter  = 6
	ClrPerilp  = 7
	ClrPMU     = 8
)

// PMU_PWRMODE_CON bits.
const (
	PwrModeEn          = 0
	WkupClrCfg         = 1
	L2FlushEn          = 2
	L2IdleEn           = 3
	SCUPdEn            = 4
	CCIPdEn            = 5
	GPUPdEn            = 6
	CenterPdEn         = 7
	CPU0PdEn           = 8
	ClkCoreSrcGateEn   = 9
	ClkCenterSrcGateEn = 10
	AliveUseLF         = 11
	PMUUseLF           = 12
	Sref0EnterEn       = 13
	Sref1EnterEn       = 14
	DDRC0GatingEn      = 15
	DDRC1GatingEn      = 16
	DDRIO0RetEn        = 17
	DDRIO1RetEn        = 18
	DDRIORetHwDeReq    = 19
	PLLPdEn            = 20
	OscDis             = 21
	PowerOffReqCfg     = 22
)

// PMU_WKUP_CFG4 enables and PMU_WAKEUP_STATUS bits share positions.
const (
	WakeClusterL = 0
	WakeClusterB = 1
	WakeGPIO     = 2
	WakeSDIO     = 3
	WakeSDMMC    = 4
	WakeTimer    = 6
	WakeUSBDev   = 7
	WakeM0Sft    = 8
	WakeM0WDT    = 9
	WakeTimeout  = 10
	WakePWM      = 11
	WakePCIe     = 13
)

// Misc PMU values.
const (
	PLLPdHw       = 0xff
	NOCAutoEnable = 0x3fffffff
)

// CRU layout.
const (
	CRU_GLB_SRST_FST = 0x500
	GlbSrstFstValue  = 0xfdb9

	CRUClkGateBase  = 0x300
	CRUClkGateCount = 35

	PLLModeShift = 8
	PLLModeMask  = 0x3
	PLLSlowMode  = 0
	PLLNormal    = 1
	PLLDeepSlow  = 2

	// Hi-word encoded writes of the PLL mode field.
	PLLNormalModeWord = PLLModeMask<<(PLLModeShift+16) | PLLNormal<<PLLModeShift
	PLLSlowModeWord   = PLLModeMask<<(PLLModeShift+16) | PLLSlowMode<<PLLModeShift
)

// PLL identifiers within the CRU.
const (
	ALPLL = iota
	ABPLL
	DPLL
	CPLL
	GPLL
	NPLL
	VPLL
	PLLCount
)

// CRU_PLL_CON returns the offset of control word n of a PLL.
func CRU_PLL_CON(pll, n int) uint64 {
	return uint64(pll)*0x20 + uint64(n)*4
}

// CRU_CLKGATE_CON returns the offset of clock gate register n.
func CRU_CLKGATE_CON(n int) uint64 {
	return CRUClkGateBase + uint64(n)*4
}

// SGRF layout.
const (
	CPUBootAddrAlign = 16
	CPUBootAddrWMask = 0xffff0000
)

// SGRF_SOC_CON0_1 returns the offset of secure SoC control word n.
func SGRF_SOC_CON0_1(n int) uint64 {
	return 0xc000 + uint64(n)*4
}

// PMUGRF layout.
const (
	PMUGRF_GPIO0A_IOMUX = 0x00
	PMUGRF_GPIO1A_IOMUX = 0x10
	PMUGRF_GPIO1C_IOMUX = 0x18
	PMUGRF_GPIO0A_P     = 0x40
	PMUGRF_SOC_CON0     = 0x180

	APPwroffBit      = 12
	PWMRegulatorMux  = 0x00c00000
	DebugIomuxValue  = 0xfff0aaa0
	DebugPullValue   = 0xfff00000
	External32K      = 0x00010001
	Iomux32KClk      = 0x00030002
	PMUGRFPvtmConfig = 0x00030001
	PMUGRFPvtmCon    = 0x120
)

// GRF layout.
const (
	GRF_CCI_FORCE_WAKEUP = 0xe210
	CCIForceWakeupBit    = 8
)

// GPIO interrupt status register offset.
const GPIO_INT_STATUS = 0x40

// Hotplug and retention markers stored in always-on memory.
const (
	CPUHotplugMarker   = 0xdeadbeaf
	CPUAutoPwrdnMarker = 0xabcdef12
	ClusterRetention   = 0xa5
)

// Topology.
const (
	CoreCount         = 6
	Cluster0CoreCount = 4
	Cluster1CoreCount = 2
	ClusterCount      = 2
)

// Ticks32K converts milliseconds to counts of the 32 kHz low-power clock.
func Ticks32K(ms uint32) uint32 {
	return ms * 32
}

// MPIDR returns the affinity value (Aff1 = cluster, Aff0 = core in cluster) of
// a linear core index.
func MPIDR(core int) uint32 {
	if core >= Cluster0CoreCount {
		return 1<<8 | uint32(core-Cluster0CoreCount)
	}
	return uint32(core)
}

// CoreFromMPIDR returns the linear core index of an affinity value, or -1 if
// it names no core.
func CoreFromMPIDR(mpidr uint64) int {
	cluster := int(mpidr>>8) & 0xff
	cpu := int(mpidr) & 0xff
	switch {
	case cluster == 0 && cpu < Cluster0CoreCount:
		return cpu
	case cluster == 1 && cpu < Cluster1CoreCount:
		return Cluster0CoreCount + cpu
	}
	return -1
}

// ClusterOf returns the cluster a core belongs to.
func ClusterOf(core int) int {
	if core >= Cluster0CoreCount {
		return 1
	}
	return 0
}
