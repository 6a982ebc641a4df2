// Package rkpmu implements a behavioural model of the RK3399 power
// management unit: power switches with status feedback, bus idle and ADB400
// handshakes, L2 flush and cluster standby indications, per-core WFI auto
// power-down and latched wake status.
package rkpmu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/pwrctl/internal/chipset"
	"github.com/tinyrange/pwrctl/internal/soc"
)

const (
	coreCount    = soc.CoreCount
	clusterLMask = 1<<soc.Cluster0CoreCount - 1
	clusterBMask = (1<<soc.Cluster1CoreCount - 1) << soc.Cluster0CoreCount
)

// hiWordRegs use the upper half as a write-enable mask.
var hiWordRegs = map[uint64]bool{
	soc.PMU_CCI500_CON: true,
	soc.PMU_ADB400_CON: true,
}

// statusRegs are computed from control state rather than stored.
var statusRegs = map[uint64]bool{
	soc.PMU_PWRDN_ST:     true,
	soc.PMU_BUS_IDLE_ST:  true,
	soc.PMU_BUS_IDLE_ACK: true,
	soc.PMU_ADB400_ST:    true,
	soc.PMU_CORE_PWR_ST:  true,
}

// Stuck forces bits of a register to a fixed value on every read.
type Stuck struct {
	Mask  uint32
	Value uint32
}

// PMU is the simulated power management unit.
type PMU struct {
	mu sync.Mutex

	base uint64
	size uint64

	regs map[uint64]uint32

	// Domains forced off by WFI auto power-down, separate from PWRDN_CON.
	autoOff uint32
	// Cores currently halted in WFI.
	wfi uint32

	stuck map[uint64]Stuck

	ackLatency int
	staleReads int
	stale      map[uint64]uint32

	onDomain func(domain uint, on bool)
}

// New creates a PMU at base with every domain powered on.
func New(base uint64) *PMU {
	p := &PMU{
		base:  base,
		size:  soc.PMUSize,
		stuck: make(map[uint64]Stuck),
	}
	p.resetLocked()
	return p
}

func (p *PMU) resetLocked() {
	p.regs = make(map[uint64]uint32)
	p.autoOff = 0
	p.wfi = 0
	p.staleReads = 0
	p.stale = nil
}

// Start implements chipset.ChangeDeviceState.
func (p *PMU) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PMU) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PMU) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// RetainsState implements chipset.Retainer. The PMU lives in the alive
// island.
func (p *PMU) RetainsState() bool { return true }

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PMU) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

// OnDomainChange registers fn to run whenever a domain's effective power
// state changes. fn runs without the PMU lock held.
func (p *PMU) OnDomainChange(fn func(domain uint, on bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDomain = fn
}

// Stick forces bits of the register at off on every read. A zero mask
// releases the register.
func (p *PMU) Stick(off uint64, s Stuck) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Mask == 0 {
		delete(p.stuck, off)
		return
	}
	p.stuck[off] = s
}

// SetAckLatency makes status registers report their pre-write value for the
// next n status reads after every control write.
func (p *PMU) SetAckLatency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackLatency = n
}

func (p *PMU) offset(addr uint64, n int) (uint64, error) {
	if addr < p.base || addr+uint64(n) > p.base+p.size {
		return 0, fmt.Errorf("rkpmu: address 0x%x out of bounds", addr)
	}
	off := addr - p.base
	if n != 4 || off%4 != 0 {
		return 0, fmt.Errorf("rkpmu: unsupported %d byte access at 0x%x", n, addr)
	}
	return off, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (p *PMU) ReadMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	v := p.readLocked(off)
	p.mu.Unlock()
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *PMU) WriteMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}
	p.write(off, binary.LittleEndian.Uint32(data))
	return nil
}

func (p *PMU) readLocked(off uint64) uint32 {
	var v uint32
	if statusRegs[off] && p.staleReads > 0 {
		p.staleReads--
		v = p.stale[off]
	} else {
		v = p.computeLocked(off)
	}
	if s, ok := p.stuck[off]; ok {
		v = v&^s.Mask | s.Value&s.Mask
	}
	return v
}

func (p *PMU) computeLocked(off uint64) uint32 {
	switch off {
	case soc.PMU_PWRDN_ST:
		return p.pwrdnStLocked()
	case soc.PMU_BUS_IDLE_ST, soc.PMU_BUS_IDLE_ACK:
		return p.regs[soc.PMU_BUS_IDLE_REQ]
	case soc.PMU_ADB400_ST:
		return p.regs[soc.PMU_ADB400_CON] & soc.ADB400RequestMask
	case soc.PMU_CORE_PWR_ST:
		return p.corePwrStLocked()
	default:
		return p.regs[off]
	}
}

func (p *PMU) pwrdnStLocked() uint32 {
	return p.regs[soc.PMU_PWRDN_CON] | p.autoOff
}

// coreOffOrIdleLocked returns the cores that are powered down or halted.
func (p *PMU) coreOffOrIdleLocked() uint32 {
	return (p.pwrdnStLocked() | p.wfi) & (clusterLMask | clusterBMask)
}

func (p *PMU) corePwrStLocked() uint32 {
	var st uint32
	for core := 0; core < coreCount; core++ {
		if p.wfi&(1<<core) == 0 {
			continue
		}
		st |= soc.CheckWFEIMask << wfeBit(core)
	}
	sft := p.regs[soc.PMU_SFT_CON]
	if sft&(1<<soc.L2FlushReqClusterL) != 0 {
		st |= 1 << soc.L2FlushDoneClusterL
	}
	if sft&(1<<soc.L2FlushReqClusterB) != 0 {
		st |= 1 << soc.L2FlushDoneClusterB
	}
	idle := p.coreOffOrIdleLocked()
	if sft&(1<<soc.ACINACTMClusterLCfg) != 0 && idle&clusterLMask == clusterLMask {
		st |= 1 << soc.StandbyByWFIL2ClusterL
	}
	if sft&(1<<soc.ACINACTMClusterBCfg) != 0 && idle&clusterBMask == clusterBMask {
		st |= 1 << soc.StandbyByWFIL2ClusterB
	}
	return st
}

func wfeBit(core int) uint {
	if core >= soc.Cluster0CoreCount {
		return uint(soc.ClusterBCPUWFE + core - soc.Cluster0CoreCount)
	}
	return uint(soc.ClusterLCPUWFE + core)
}

type domainEvent struct {
	domain uint
	on     bool
}

func (p *PMU) write(off uint64, value uint32) {
	p.mu.Lock()
	before := p.pwrdnStLocked()

	if statusRegs[off] {
		// Read-only status; writes are ignored by hardware.
		p.mu.Unlock()
		return
	}

	if p.ackLatency > 0 {
		p.stale = make(map[uint64]uint32, len(statusRegs))
		for reg := range statusRegs {
			p.stale[reg] = p.computeLocked(reg)
		}
		p.staleReads = p.ackLatency
	}

	switch {
	case hiWordRegs[off]:
		mask := value >> 16
		p.regs[off] = p.regs[off]&^mask | value&mask
	case off == soc.PMU_WAKEUP_STATUS:
		p.regs[off] &^= value
	case off == soc.PMU_PWRDN_CON:
		p.regs[off] = value
		// A core switched by the power controller is no longer halted, and
		// an explicit switch overrides an earlier auto power-down.
		changed := value ^ before
		p.autoOff &^= changed
		p.wfi &^= changed & (clusterLMask | clusterBMask)
	case off >= soc.PMU_CPU0APM_CON && off < soc.PMU_CPU0APM_CON+4*coreCount:
		core := int(off-soc.PMU_CPU0APM_CON) / 4
		p.regs[off] = value
		if value&(1<<soc.CorePMSftWakeupEn) != 0 && p.autoOff&(1<<core) != 0 {
			p.autoOff &^= 1 << core
			p.wfi &^= 1 << core
		}
		p.maybeAutoOffLocked(core)
	default:
		p.regs[off] = value
	}

	events := p.diffLocked(before)
	fn := p.onDomain
	p.mu.Unlock()
	notify(fn, events)
}

func (p *PMU) diffLocked(before uint32) []domainEvent {
	after := p.pwrdnStLocked()
	changed := before ^ after
	var events []domainEvent
	for d := uint(0); d < 32; d++ {
		if changed&(1<<d) != 0 {
			events = append(events, domainEvent{domain: d, on: after&(1<<d) == 0})
		}
	}
	return events
}

func notify(fn func(uint, bool), events []domainEvent) {
	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev.domain, ev.on)
	}
}

func (p *PMU) maybeAutoOffLocked(core int) {
	con := p.regs[soc.PMU_CORE_PM_CON(core)]
	if p.wfi&(1<<core) != 0 && con&(1<<soc.CorePMEn) != 0 {
		p.autoOff |= 1 << core
	}
}

// EnterWFI halts a core in wait-for-interrupt. If its auto power-down is
// armed the core's domain turns off.
func (p *PMU) EnterWFI(core int) {
	p.mu.Lock()
	before := p.pwrdnStLocked()
	p.wfi |= 1 << core
	p.maybeAutoOffLocked(core)
	events := p.diffLocked(before)
	fn := p.onDomain
	p.mu.Unlock()
	notify(fn, events)
}

// LeaveWFI resumes a halted core that still has power.
func (p *PMU) LeaveWFI(core int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.autoOff&(1<<core) == 0 {
		p.wfi &^= 1 << core
	}
}

// CoreInterrupt delivers an interrupt to a core. A core auto powered-down
// with interrupt wake enabled is powered back on.
func (p *PMU) CoreInterrupt(core int) {
	p.mu.Lock()
	before := p.pwrdnStLocked()
	con := p.regs[soc.PMU_CORE_PM_CON(core)]
	if p.autoOff&(1<<core) != 0 && con&(1<<soc.CorePMIntWakeupEn) != 0 {
		p.autoOff &^= 1 << core
		p.wfi &^= 1 << core
	} else if p.autoOff&(1<<core) == 0 {
		p.wfi &^= 1 << core
	}
	events := p.diffLocked(before)
	fn := p.onDomain
	p.mu.Unlock()
	notify(fn, events)
}

// SetIRQ implements chipset.InterruptSink for wake lines. Line numbers are
// PMU_WAKEUP_STATUS bit positions; a rising level latches the status bit when
// the source is enabled in PMU_WKUP_CFG4.
func (p *PMU) SetIRQ(line uint8, level bool) {
	if !level || line >= 32 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regs[soc.PMU_WKUP_CFG4]&(1<<line) != 0 {
		p.regs[soc.PMU_WAKEUP_STATUS] |= 1 << line
	}
}

// LatchWake sets wake status bits directly, regardless of enables.
func (p *PMU) LatchWake(bits uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[soc.PMU_WAKEUP_STATUS] |= bits
}

// Reg returns the effective value of a register without side effects on
// ack latency.
func (p *PMU) Reg(off uint64) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computeLocked(off)
}

// InWFI reports whether a core is halted.
func (p *PMU) InWFI(core int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wfi&(1<<core) != 0
}

var (
	_ chipset.ChipsetDevice     = (*PMU)(nil)
	_ chipset.MmioHandler       = (*PMU)(nil)
	_ chipset.ChangeDeviceState = (*PMU)(nil)
	_ chipset.Retainer          = (*PMU)(nil)
	_ chipset.InterruptSink     = (*PMU)(nil)
)
