package pmu

import (
	"fmt"

	"github.com/tinyrange/pwrctl/internal/soc"
)

// Domain identifies a power-gateable unit by its bit in PMU_PWRDN_CON and
// PMU_PWRDN_ST.
type Domain uint

const (
	CPUL0 Domain = iota
	CPUL1
	CPUL2
	CPUL3
	CPUB0
	CPUB1
	SCUL
	SCUB
	TCPD0
	TCPD1
	CCI
	PERILP
	PERIHP
	CENTER
	VIO
	GPU
	VCODEC
	VDU
	RGA
	IEP
	VO
	ISP0
	ISP1
	HDCP
	GMAC
	EMMC
	USB3
	EDP
	GIC
	SD
	SDIOAUDIO

	DomainCount
)

var domainNames = [DomainCount]string{
	"CPUL0", "CPUL1", "CPUL2", "CPUL3", "CPUB0", "CPUB1", "SCUL", "SCUB",
	"TCPD0", "TCPD1", "CCI", "PERILP", "PERIHP", "CENTER", "VIO", "GPU",
	"VCODEC", "VDU", "RGA", "IEP", "VO", "ISP0", "ISP1", "HDCP",
	"GMAC", "EMMC", "USB3", "EDP", "GIC", "SD", "SDIOAUDIO",
}

func (d Domain) String() string {
	if d < DomainCount {
		return domainNames[d]
	}
	return fmt.Sprintf("Domain(%d)", uint(d))
}

// Bit returns the domain's mask in the power-down registers.
func (d Domain) Bit() uint32 { return 1 << d }

// Valid reports whether d names a domain.
func (d Domain) Valid() bool { return d < DomainCount }

// ParseDomain returns the domain with the given name.
func ParseDomain(name string) (Domain, error) {
	for d, n := range domainNames {
		if n == name {
			return Domain(d), nil
		}
	}
	return 0, fmt.Errorf("pmu: unknown domain %q", name)
}

// CoreDomain returns the power domain of a CPU core.
func CoreDomain(core int) Domain {
	return CPUL0 + Domain(core)
}

// SCUPowerDownEnable is the PMU_PWRDN_CON bit that lets the hardware collapse
// the big cluster's SCU once its cores are off.
const SCUPowerDownEnable = SCUB

// State is the power state of a domain.
type State int

const (
	On State = iota
	Off
)

func (s State) String() string {
	if s == Off {
		return "off"
	}
	return "on"
}

// BusID identifies a bus master in the PMU_BUS_IDLE_* registers.
type BusID uint

const (
	BusGPU BusID = iota
	BusPERILP
	BusPERIHP
	BusVCODEC
	BusVDU
	BusRGA
	BusIEP
	BusVOPB
	BusVOPL
	BusISP0
	BusISP1
	BusHDCP
	BusUSB3
	BusVIO
	BusCCIM0
	BusCCIM1
	BusCENTER
	BusSDIOAUDIO
	BusGIC
	BusEDP
	BusGMAC
	BusSD
	BusEMMC
	BusALIVE
	BusPMU
	BusCENTER1
	BusMSCH0
	BusMSCH1
)

var busNames = map[BusID]string{
	BusGPU: "GPU", BusPERILP: "PERILP", BusPERIHP: "PERIHP", BusVCODEC: "VCODEC",
	BusVDU: "VDU", BusRGA: "RGA", BusIEP: "IEP", BusVOPB: "VOPB", BusVOPL: "VOPL",
	BusISP0: "ISP0", BusISP1: "ISP1", BusHDCP: "HDCP", BusUSB3: "USB3", BusVIO: "VIO",
	BusCCIM0: "CCIM0", BusCCIM1: "CCIM1", BusCENTER: "CENTER", BusSDIOAUDIO: "SDIOAUDIO",
	BusGIC: "GIC", BusEDP: "EDP", BusGMAC: "GMAC", BusSD: "SD", BusEMMC: "EMMC",
	BusALIVE: "ALIVE", BusPMU: "PMU", BusCENTER1: "CENTER1", BusMSCH0: "MSCH0", BusMSCH1: "MSCH1",
}

func (b BusID) String() string {
	if n, ok := busNames[b]; ok {
		return n
	}
	return fmt.Sprintf("Bus(%d)", uint(b))
}

// Bit returns the bus's mask in the PMU_BUS_IDLE_* registers.
func (b BusID) Bit() uint32 { return 1 << b }

// domainBuses lists the bus masters idled before a domain is switched off
// and reactivated after it is switched back on. Domains absent from the table
// have no master to quiesce.
var domainBuses = map[Domain][]BusID{
	GPU:       {BusGPU},
	VIO:       {BusVIO},
	ISP0:      {BusISP0},
	ISP1:      {BusISP1},
	VO:        {BusVOPB, BusVOPL},
	HDCP:      {BusHDCP},
	GMAC:      {BusGMAC},
	CCI:       {BusCCIM0, BusCCIM1},
	SD:        {BusSD},
	EMMC:      {BusEMMC},
	EDP:       {BusEDP},
	SDIOAUDIO: {BusSDIOAUDIO},
	GIC:       {BusGIC},
	RGA:       {BusRGA},
	VCODEC:    {BusVCODEC},
	VDU:       {BusVDU},
	IEP:       {BusIEP},
	USB3:      {BusUSB3},
	PERIHP:    {BusPERIHP},
}

// Buses returns the bus masters of a domain in handshake order.
func (d Domain) Buses() []BusID {
	return domainBuses[d]
}

// SuspendOrder is the order in which system suspend powers off peripheral
// domains. Resume walks it backwards.
var SuspendOrder = []Domain{
	GPU, TCPD0, TCPD1, VO, ISP0, ISP1, HDCP, SDIOAUDIO,
	GMAC, EDP, IEP, RGA, VCODEC, VDU,
}

// QoS generator register offsets relative to a master's base.
const (
	QoSPriority   = 0x08
	QoSMode       = 0x0c
	QoSBandwidth  = 0x10
	QoSSaturation = 0x14
	QoSExtControl = 0x18

	// QoSRegCount registers starting at QoSPriority make up a master's
	// configuration.
	QoSRegCount = 5
)

var qosRegOffsets = [QoSRegCount]uint64{QoSPriority, QoSMode, QoSBandwidth, QoSSaturation, QoSExtControl}

// QoSMaster is one QoS generator in the service NoC.
type QoSMaster struct {
	Name string
	Base uint64
}

// QoS generator bases.
const (
	qosCCIM0        = soc.NOCBase + 0x0000
	qosEMMC         = soc.NOCBase + 0x8000
	qosGMAC         = soc.NOCBase + 0xc000
	qosUSBHost0     = soc.NOCBase + 0x10100
	qosUSBHost1     = soc.NOCBase + 0x10180
	qosCrypto0      = soc.NOCBase + 0x14000
	qosCrypto1      = soc.NOCBase + 0x14080
	qosDCF          = soc.NOCBase + 0x14180
	qosDMAC0        = soc.NOCBase + 0x14200
	qosDMAC1        = soc.NOCBase + 0x14280
	qosPeriCM1      = soc.NOCBase + 0x14300
	qosUSBOTG0      = soc.NOCBase + 0x20000
	qosUSBOTG1      = soc.NOCBase + 0x20080
	qosSDMMC        = soc.NOCBase + 0x24000
	qosSDIO         = soc.NOCBase + 0x26000
	qosGIC          = soc.NOCBase + 0x28000
	qosHDCP         = soc.NOCBase + 0x40000
	qosIEP          = soc.NOCBase + 0x48000
	qosISP0M0       = soc.NOCBase + 0x50000
	qosISP0M1       = soc.NOCBase + 0x50080
	qosISP1M0       = soc.NOCBase + 0x58000
	qosISP1M1       = soc.NOCBase + 0x58080
	qosRGAR         = soc.NOCBase + 0x60000
	qosRGAW         = soc.NOCBase + 0x60080
	qosVideoM0      = soc.NOCBase + 0x68000
	qosVideoM1R     = soc.NOCBase + 0x70000
	qosVideoM1W     = soc.NOCBase + 0x70080
	qosVOPBigR      = soc.NOCBase + 0x78000
	qosVOPBigW      = soc.NOCBase + 0x78080
	qosVOPLittle    = soc.NOCBase + 0x80000
	qosCCIM1        = soc.NOCBase + 0x88000
	qosPeriHPNSP    = soc.NOCBase + 0x88080
	qosPeriLPSlvNSP = soc.NOCBase + 0x88100
	qosPeriLPNSP    = soc.NOCBase + 0x88180
	qosGPU          = soc.NOCBase + 0x90000
)

// qosMasters lists the QoS generators whose configuration is lost when a
// domain powers off.
var qosMasters = map[Domain][]QoSMaster{
	GPU:       {{"gpu", qosGPU}},
	ISP0:      {{"isp0_m0", qosISP0M0}, {"isp0_m1", qosISP0M1}},
	ISP1:      {{"isp1_m0", qosISP1M0}, {"isp1_m1", qosISP1M1}},
	VO:        {{"vop_big_r", qosVOPBigR}, {"vop_big_w", qosVOPBigW}, {"vop_little", qosVOPLittle}},
	HDCP:      {{"hdcp", qosHDCP}},
	GMAC:      {{"gmac", qosGMAC}},
	CCI:       {{"cci_m0", qosCCIM0}, {"cci_m1", qosCCIM1}},
	SD:        {{"sdmmc", qosSDMMC}},
	EMMC:      {{"emmc", qosEMMC}},
	SDIOAUDIO: {{"sdio", qosSDIO}},
	GIC:       {{"gic", qosGIC}},
	RGA:       {{"rga_r", qosRGAR}, {"rga_w", qosRGAW}},
	IEP:       {{"iep", qosIEP}},
	USB3:      {{"usb_otg0", qosUSBOTG0}, {"usb_otg1", qosUSBOTG1}},
	PERIHP:    {{"usb_host0", qosUSBHost0}, {"usb_host1", qosUSBHost1}, {"perihp_nsp", qosPeriHPNSP}},
	PERILP: {
		{"dmac0", qosDMAC0}, {"dmac1", qosDMAC1}, {"dcf", qosDCF},
		{"crypto0", qosCrypto0}, {"crypto1", qosCrypto1},
		{"perilp_nsp", qosPeriLPNSP}, {"perilpslv_nsp", qosPeriLPSlvNSP},
		{"peri_cm1", qosPeriCM1},
	},
	VDU:    {{"video_m0", qosVideoM0}},
	VCODEC: {{"video_m1_r", qosVideoM1R}, {"video_m1_w", qosVideoM1W}},
}

// QoSMasters returns the QoS generators hosted by a domain.
func (d Domain) QoSMasters() []QoSMaster {
	return qosMasters[d]
}

// QoSDomains returns every domain that hosts QoS generators, in enum order.
func QoSDomains() []Domain {
	var out []Domain
	for d := Domain(0); d < DomainCount; d++ {
		if len(qosMasters[d]) > 0 {
			out = append(out, d)
		}
	}
	return out
}
