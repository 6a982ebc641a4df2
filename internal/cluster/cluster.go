// Package cluster decides whether a CPU cluster may keep its PLL in
// retention while it is collapsed, and drives the cluster level handshakes
// that quiesce the big cluster before system sleep.
package cluster

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// LocalState is the low-power state requested for one affinity level.
type LocalState int

const (
	Run LocalState = iota
	Retention
	PowerOff
)

func (s LocalState) String() string {
	switch s {
	case Run:
		return "run"
	case Retention:
		return "retention"
	case PowerOff:
		return "off"
	default:
		return fmt.Sprintf("LocalState(%d)", int(s))
	}
}

// Decision is the outcome of a retention request.
type Decision int

const (
	// Committed means the cluster flag is set and the PLL stays in retention.
	Committed Decision = iota
	// NotApplicable means the cluster stays fully powered.
	NotApplicable
	// Raced means a sibling came back online after the flag was set; the
	// flag and PLL mode were rolled back.
	Raced
)

func (d Decision) String() string {
	switch d {
	case Committed:
		return "committed"
	case NotApplicable:
		return "not-applicable"
	case Raced:
		return "raced"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

type clusterInfo struct {
	pll       int
	firstCore int
	cores     int

	flushReq  uint
	flushDone uint
	acinactm  uint
	standby   uint
	adbReqs   []uint
}

var clusters = [soc.ClusterCount]clusterInfo{
	{
		pll: soc.ALPLL, firstCore: 0, cores: soc.Cluster0CoreCount,
		flushReq: soc.L2FlushReqClusterL, flushDone: soc.L2FlushDoneClusterL,
		acinactm: soc.ACINACTMClusterLCfg, standby: soc.StandbyByWFIL2ClusterL,
		adbReqs: []uint{soc.PwrdwnReqCoreLSw, soc.PwrdwnReqCoreL2GICSw, soc.PwrdwnReqGIC2CoreLSw},
	},
	{
		pll: soc.ABPLL, firstCore: soc.Cluster0CoreCount, cores: soc.Cluster1CoreCount,
		flushReq: soc.L2FlushReqClusterB, flushDone: soc.L2FlushDoneClusterB,
		acinactm: soc.ACINACTMClusterBCfg, standby: soc.StandbyByWFIL2ClusterB,
		adbReqs: []uint{soc.PwrdwnReqCoreB2GICSw, soc.PwrdwnReqCoreBSw, soc.PwrdwnReqGIC2CoreBSw},
	},
}

// coreMask returns the PMU_PWRDN_ST bits of a cluster's cores.
func (c clusterInfo) coreMask() uint32 {
	return (1<<c.cores - 1) << c.firstCore
}

func (c clusterInfo) adbMask() uint32 {
	var m uint32
	for _, b := range c.adbReqs {
		m |= mmio.Bit(b)
	}
	return m
}

// Controller owns the cluster retention flags and cluster handshakes.
type Controller struct {
	bus    mmio.Bus
	mem    *aomem.Memory
	reg    *pmu.Registry
	poll   pmu.Poller
	halter pmu.Halter
	log    *slog.Logger

	locks [soc.ClusterCount]pmu.Bakery
}

// Config wires a Controller.
type Config struct {
	Bus      mmio.Bus
	Memory   *aomem.Memory
	Registry *pmu.Registry
	Poller   pmu.Poller
	Halter   pmu.Halter
	Logger   *slog.Logger
}

// New returns a controller.
func New(cfg Config) *Controller {
	c := &Controller{
		bus:    cfg.Bus,
		mem:    cfg.Memory,
		reg:    cfg.Registry,
		poll:   cfg.Poller,
		halter: cfg.Halter,
		log:    cfg.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.halter == nil {
		c.halter = &pmu.LogHalter{Logger: c.log}
	}
	return c
}

// Retain is called by the last core of a cluster as it quiesces. It commits
// retention only if every sibling is off both before and after the flag is
// set; a sibling waking in between rolls the flag and PLL mode back.
func (c *Controller) Retain(core int, state LocalState) Decision {
	if state != Retention && state != PowerOff {
		return NotApplicable
	}
	id := soc.ClusterOf(core)
	info := clusters[id]

	c.locks[id].Lock(core)
	defer c.locks[id].Unlock(core)

	mask := info.coreMask()
	want := mask &^ (1 << core)

	if c.reg.Bitmap()&mask != want {
		return NotApplicable
	}

	c.mem.SetClusterFlag(id, aomem.ClusterRetention)

	st := c.reg.Bitmap()
	if st&mask == want {
		c.log.Debug("cluster: retention committed", "cluster", id, "core", core)
		return Committed
	}

	// A sibling came back; put the PLL back before anyone runs on it.
	c.bus.Write32(soc.CRUBase+soc.CRU_PLL_CON(info.pll, 3), soc.PLLNormalModeWord)
	c.mem.SetClusterFlag(id, aomem.ClusterNormal)
	c.log.Info("cluster: retention raced, rolled back", "cluster", id, "core", core, "pwrdn_st", fmt.Sprintf("0x%08x", st))
	return Raced
}

// VerifyResume checks that a resuming cluster's PLL is back in normal mode.
// Anything else is fatal.
func (c *Controller) VerifyResume(core int, state LocalState) error {
	if state != Retention && state != PowerOff {
		return nil
	}
	info := clusters[soc.ClusterOf(core)]
	addr := soc.CRUBase + soc.CRU_PLL_CON(info.pll, 3)
	v := c.bus.Read32(addr)
	if mode := v >> soc.PLLModeShift & soc.PLLModeMask; mode != soc.PLLNormal {
		fe := pmu.Fatal(fmt.Sprintf("cluster %d resume: PLL mode %d", soc.ClusterOf(core), mode),
			pmu.ErrClusterModeError,
			pmu.RegValue{Name: fmt.Sprintf("CRU_PLL_CON(%d,3)", info.pll), Addr: addr, Value: v})
		c.halter.Halt(fe)
		return fe
	}
	return nil
}

// Flag returns a cluster's retention flag.
func (c *Controller) Flag(cluster int) aomem.ClusterFlag {
	return c.mem.ClusterFlag(cluster)
}

func (c *Controller) pmuReg(off uint64) uint64 {
	return soc.PMUBase + off
}

func (c *Controller) pollBit(op string, off uint64, mask uint32, want uint32) error {
	addr := c.pmuReg(off)
	var v uint32
	return c.poll.Until(op,
		func() bool {
			v = c.bus.Read32(addr)
			return v&mask == want
		},
		func() []pmu.RegValue {
			return []pmu.RegValue{{Name: regName(off), Addr: addr, Value: v}}
		})
}

func regName(off uint64) string {
	switch off {
	case soc.PMU_CORE_PWR_ST:
		return "PMU_CORE_PWR_ST"
	case soc.PMU_ADB400_ST:
		return "PMU_ADB400_ST"
	case soc.PMU_PWRDN_ST:
		return "PMU_PWRDN_ST"
	default:
		return fmt.Sprintf("PMU+0x%x", off)
	}
}

// FlushL2 asks the PMU to flush a cluster's L2 and waits for completion.
func (c *Controller) FlushL2(cluster int) error {
	info := clusters[cluster]
	mmio.SetBits(c.bus, c.pmuReg(soc.PMU_SFT_CON), mmio.Bit(info.flushReq))
	c.mem.Barrier()
	err := c.pollBit(fmt.Sprintf("cluster %d L2 flush", cluster), soc.PMU_CORE_PWR_ST, mmio.Bit(info.flushDone), mmio.Bit(info.flushDone))
	mmio.ClrBits(c.bus, c.pmuReg(soc.PMU_SFT_CON), mmio.Bit(info.flushReq))
	return err
}

// Inactivate asserts ACINACTM for a cluster and waits for the L2 to report
// standby. Every core of the cluster must already be off.
func (c *Controller) Inactivate(cluster int) error {
	info := clusters[cluster]
	if st := c.reg.Bitmap(); st&info.coreMask() != info.coreMask() {
		return fmt.Errorf("cluster: inactivate cluster %d with cores online (PMU_PWRDN_ST=0x%08x): %w", cluster, st, pmu.ErrCoreNotQuiescent)
	}
	mmio.SetBits(c.bus, c.pmuReg(soc.PMU_SFT_CON), mmio.Bit(info.acinactm))
	return c.pollBit(fmt.Sprintf("cluster %d standby", cluster), soc.PMU_CORE_PWR_ST, mmio.Bit(info.standby), mmio.Bit(info.standby))
}

// Reactivate releases ACINACTM.
func (c *Controller) Reactivate(cluster int) {
	mmio.ClrBits(c.bus, c.pmuReg(soc.PMU_SFT_CON), mmio.Bit(clusters[cluster].acinactm))
}

// Isolate requests ADB400 power-down isolation of a cluster's bus interfaces
// and waits for all three acknowledgements.
func (c *Controller) Isolate(cluster int) error {
	info := clusters[cluster]
	var req uint32
	for _, b := range info.adbReqs {
		req |= mmio.WithMask(b)
	}
	c.bus.Write32(c.pmuReg(soc.PMU_ADB400_CON), req)
	c.mem.Barrier()
	return c.pollBit(fmt.Sprintf("cluster %d adb400 isolate", cluster), soc.PMU_ADB400_ST, info.adbMask(), info.adbMask())
}

// ClearIsolation withdraws the ADB400 requests and waits for every
// acknowledgement to drop.
func (c *Controller) ClearIsolation(cluster int) error {
	info := clusters[cluster]
	var clr uint32
	for _, b := range info.adbReqs {
		clr |= mmio.MaskOnly(b)
	}
	c.bus.Write32(c.pmuReg(soc.PMU_ADB400_CON), clr)
	c.mem.Barrier()
	return c.pollBit(fmt.Sprintf("cluster %d adb400 clear", cluster), soc.PMU_ADB400_ST, info.adbMask(), 0)
}

// EnableSCUPowerDown lets the hardware collapse the big cluster SCU.
func (c *Controller) EnableSCUPowerDown() {
	c.reg.SetPowerDownEnable(pmu.SCUPowerDownEnable, true)
}

// DisableSCUPowerDown releases the SCU power-down enable.
func (c *Controller) DisableSCUPowerDown() {
	c.reg.SetPowerDownEnable(pmu.SCUPowerDownEnable, false)
}
