// Package cpupm implements per-core power transitions. A core is powered
// either by switching its domain in the PMU or by arming the PMU to cut its
// power when the core reaches WFI; the choice is persisted in always-on
// memory so the core can be brought back the same way.
package cpupm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// State is the controller's view of a core.
type State int32

const (
	Off State = iota
	// OnPending means power-on was requested and the core has not yet run
	// its warm boot path.
	OnPending
	On
	// WfiArmed means the PMU cuts the core's power when it enters WFI.
	WfiArmed
	// SuspendedWfi is WfiArmed with the core's interrupt also waking it.
	SuspendedWfi
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case OnPending:
		return "on-pending"
	case On:
		return "on"
	case WfiArmed:
		return "wfi-armed"
	case SuspendedWfi:
		return "suspended-wfi"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config wires a Machine.
type Config struct {
	Bus      mmio.Bus
	Memory   *aomem.Memory
	Registry *pmu.Registry
	// Lock serializes transitions across cores.
	Lock *pmu.Bakery
	// Poller bounds the wait for a core to reach a wait state.
	Poller pmu.Poller
	// SuspendEntry is where a core resumes after a suspend, as opposed to
	// the per-request hotplug entry.
	SuspendEntry uint64
	Logger       *slog.Logger
}

// Machine is the CPU power state machine.
type Machine struct {
	bus          mmio.Bus
	mem          *aomem.Memory
	reg          *pmu.Registry
	lock         *pmu.Bakery
	poll         pmu.Poller
	suspendEntry uint64
	log          *slog.Logger

	states [soc.CoreCount]atomic.Int32
}

// New returns a machine whose initial core states follow PMU_PWRDN_ST.
func New(cfg Config) *Machine {
	m := &Machine{
		bus:          cfg.Bus,
		mem:          cfg.Memory,
		reg:          cfg.Registry,
		lock:         cfg.Lock,
		poll:         cfg.Poller,
		suspendEntry: cfg.SuspendEntry,
		log:          cfg.Logger,
	}
	if m.lock == nil {
		m.lock = &pmu.Bakery{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	st := m.reg.Bitmap()
	for core := range m.states {
		if st&pmu.CoreDomain(core).Bit() != 0 {
			m.states[core].Store(int32(Off))
		} else {
			m.states[core].Store(int32(On))
		}
	}
	return m
}

func validCore(core int) error {
	if core < 0 || core >= soc.CoreCount {
		return fmt.Errorf("cpupm: core %d out of range", core)
	}
	return nil
}

// State returns the state of a core. An armed core whose domain the PMU has
// already cut reads as Off.
func (m *Machine) State(core int) State {
	s := State(m.states[core].Load())
	if (s == WfiArmed || s == SuspendedWfi) && m.domainOff(core) {
		return Off
	}
	return s
}

func (m *Machine) setState(core int, s State) {
	m.states[core].Store(int32(s))
}

func (m *Machine) domainOff(core int) bool {
	return m.reg.Bitmap()&pmu.CoreDomain(core).Bit() != 0
}

func (m *Machine) pmCon(core int) uint64 {
	return soc.PMUBase + soc.PMU_CORE_PM_CON(core)
}

// PowerOn starts core at entry. It returns once power-up is requested; the
// core runs asynchronously and reports back through OnFinish. The core's
// CoreConfig slot is read, not written: the policy set by the last PowerOff
// decides how the core is brought up and stays in place afterwards.
func (m *Machine) PowerOn(caller, core int, entry uint64) error {
	if err := validCore(caller); err != nil {
		return err
	}
	if err := validCore(core); err != nil {
		return err
	}
	m.lock.Lock(caller)
	defer m.lock.Unlock(caller)

	if s := m.State(core); s != Off {
		return fmt.Errorf("cpupm: power on core %d in state %s: %w", core, s, pmu.ErrInvalidTransition)
	}
	if flag := m.mem.HotplugFlag(core); flag != 0 {
		return fmt.Errorf("cpupm: power on core %d: warm boot marker 0x%08x still set: %w", core, flag, pmu.ErrInvalidTransition)
	}

	m.mem.SetEntry(core, entry)
	m.mem.SetHotplugFlag(core, soc.CPUHotplugMarker)
	m.mem.Barrier()

	d := pmu.CoreDomain(core)
	cfg := m.mem.CoreConfig(core)
	if cfg.IsWFI() {
		if !m.domainOff(core) {
			m.mem.SetHotplugFlag(core, 0)
			return fmt.Errorf("cpupm: power on core %d: domain still on under %s: %w", core, cfg, pmu.ErrInvalidTransition)
		}
		m.bus.Write32(m.pmCon(core), mmio.Bit(soc.CorePMSftWakeupEn))
		m.mem.Barrier()
	} else {
		m.bus.Write32(m.pmCon(core), soc.CoresPMDisable)
		if !m.domainOff(core) {
			// Stale power from an earlier life; cycle it so the core resets.
			if err := m.reg.ForceSwitch(d, pmu.Off); err != nil {
				return fmt.Errorf("cpupm: power on core %d: %w", core, err)
			}
		}
		if err := m.reg.ForceSwitch(d, pmu.On); err != nil {
			return fmt.Errorf("cpupm: power on core %d: %w", core, err)
		}
	}

	m.setState(core, OnPending)
	m.log.Debug("cpupm: core powering on", "core", core, "entry", fmt.Sprintf("0x%x", entry), "config", cfg)
	return nil
}

// PowerOff takes core offline under policy. DomainPowerDown, and any request
// made on behalf of another core, needs the core observed in WFI or WFE.
// WFI policies only arm the PMU; the power is cut when the core halts.
func (m *Machine) PowerOff(caller, core int, policy aomem.CoreConfig) error {
	if err := validCore(caller); err != nil {
		return err
	}
	if err := validCore(core); err != nil {
		return err
	}
	m.lock.Lock(caller)
	defer m.lock.Unlock(caller)
	return m.powerOffLocked(caller, core, policy)
}

func (m *Machine) powerOffLocked(caller, core int, policy aomem.CoreConfig) error {
	if m.domainOff(core) {
		m.setState(core, Off)
		return nil
	}

	if policy == aomem.DomainPowerDown || caller != core {
		if err := m.waitQuiescent(core); err != nil {
			return err
		}
	}

	switch policy {
	case aomem.DomainPowerDown:
		m.mem.SetCoreConfig(core, policy)
		m.bus.Write32(m.pmCon(core), soc.CoresPMDisable)
		if err := m.reg.ForceSwitch(pmu.CoreDomain(core), pmu.Off); err != nil {
			return fmt.Errorf("cpupm: power off core %d: %w", core, err)
		}
		m.setState(core, Off)

	case aomem.WfiPowerDown, aomem.WfiPowerDownWithInterruptWake:
		m.mem.SetCoreConfig(core, policy)
		v := mmio.Bit(soc.CorePMEn)
		next := WfiArmed
		if policy == aomem.WfiPowerDownWithInterruptWake {
			v |= mmio.Bit(soc.CorePMIntWakeupEn)
			next = SuspendedWfi
		}
		m.bus.Write32(m.pmCon(core), v)
		m.mem.Barrier()
		m.setState(core, next)

	default:
		return fmt.Errorf("cpupm: power off core %d: unknown policy %s", core, policy)
	}

	m.log.Debug("cpupm: core powering off", "core", core, "policy", policy, "caller", caller)
	return nil
}

func (m *Machine) waitQuiescent(core int) error {
	addr := uint64(soc.PMUBase + soc.PMU_CORE_PWR_ST)
	shift := wfeShift(core)
	var st uint32
	err := m.poll.Until(fmt.Sprintf("core %d wfi/wfe", core),
		func() bool {
			st = m.bus.Read32(addr)
			return st&(soc.CheckWFEIMask<<shift) != 0
		},
		func() []pmu.RegValue {
			return []pmu.RegValue{{Name: "PMU_CORE_PWR_ST", Addr: addr, Value: st}}
		})
	if err != nil {
		var te *pmu.TimeoutError
		if errors.As(err, &te) {
			return fmt.Errorf("cpupm: core %d (PMU_CORE_PWR_ST=0x%08x): %w", core, st, pmu.ErrCoreNotQuiescent)
		}
		return err
	}
	return nil
}

func wfeShift(core int) uint {
	if core >= soc.Cluster0CoreCount {
		return uint(soc.ClusterBCPUWFE + core - soc.Cluster0CoreCount)
	}
	return uint(soc.ClusterLCPUWFE + core)
}

// Suspend prepares the calling core for a suspend: it records the suspend
// entry and the auto power-down marker, then arms WFI power-down with
// interrupt wake.
func (m *Machine) Suspend(core int) error {
	if err := validCore(core); err != nil {
		return err
	}
	m.lock.Lock(core)
	defer m.lock.Unlock(core)

	if flag := m.mem.HotplugFlag(core); flag != 0 {
		return fmt.Errorf("cpupm: suspend core %d: warm boot marker 0x%08x still set: %w", core, flag, pmu.ErrInvalidTransition)
	}
	m.mem.SetHotplugFlag(core, soc.CPUAutoPwrdnMarker)
	m.mem.SetEntry(core, m.suspendEntry)
	m.mem.Barrier()

	return m.powerOffLocked(core, core, aomem.WfiPowerDownWithInterruptWake)
}

// WarmBoot is the path a core takes from reset: it consumes the marker left
// for it and returns where to continue.
func (m *Machine) WarmBoot(core int) (uint64, error) {
	if err := validCore(core); err != nil {
		return 0, err
	}
	flag := m.mem.HotplugFlag(core)
	if flag != soc.CPUHotplugMarker && flag != soc.CPUAutoPwrdnMarker {
		return 0, fmt.Errorf("cpupm: core %d warm boot with marker 0x%08x: %w", core, flag, pmu.ErrInvalidTransition)
	}
	entry := m.mem.Entry(core)
	m.mem.SetHotplugFlag(core, 0)
	m.mem.Barrier()
	return entry, nil
}

// OnFinish completes a power-on on the core that was started: WFI
// auto power-down is disabled so a later hotplug is not confused by stale
// configuration.
func (m *Machine) OnFinish(core int) error {
	if err := validCore(core); err != nil {
		return err
	}
	m.bus.Write32(m.pmCon(core), soc.CoresPMDisable)
	m.setState(core, On)
	return nil
}

// ResumeFinish completes a resume from suspend on the calling core.
func (m *Machine) ResumeFinish(core int) error {
	return m.OnFinish(core)
}

// OffAllExcept powers off every core but boot with DomainPowerDown. Cores
// that cannot be taken down are reported together.
func (m *Machine) OffAllExcept(boot int) error {
	var errs []error
	for core := 0; core < soc.CoreCount; core++ {
		if core == boot {
			continue
		}
		if err := m.PowerOff(boot, core, aomem.DomainPowerDown); err != nil {
			m.log.Warn("cpupm: non-boot core left on", "core", core, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
