// Package pmu is the power domain layer of the controller: the registry that
// owns every domain's on/off state, the bus idle handshake that quiesces
// masters around a switch, the QoS snapshot cache and the cross-core lock.
package pmu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// Options configures the poll bounds of a Registry.
type Options struct {
	// SwitchAttempts bounds the wait for PMU_PWRDN_ST after a switch.
	SwitchAttempts int
	// HandshakeAttempts bounds bus idle and cluster handshakes.
	HandshakeAttempts int
	// Interval is the delay between polls in microseconds.
	Interval uint32

	Delay  arch.Delayer
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SwitchAttempts <= 0 {
		o.SwitchAttempts = DefaultSwitchAttempts
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if o.Interval == 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Delay == nil {
		o.Delay = arch.SleepDelay{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SwitchPoller returns the poller used for power switch acknowledgement.
func (o Options) SwitchPoller() Poller {
	o = o.withDefaults()
	return Poller{Attempts: o.SwitchAttempts, Interval: o.Interval, Delay: o.Delay, Logger: o.Logger}
}

// HandshakePoller returns the poller used for bus and cluster handshakes.
func (o Options) HandshakePoller() Poller {
	o = o.withDefaults()
	return Poller{Attempts: o.HandshakeAttempts, Interval: o.Interval, Delay: o.Delay, Logger: o.Logger}
}

// Registry is the single writer of the domain bits of PMU_PWRDN_CON.
type Registry struct {
	bus    mmio.Bus
	idle   *BusIdle
	poll   Poller
	logger *slog.Logger

	// PMU_PWRDN_CON is updated read-modify-write.
	mu sync.Mutex
}

// NewRegistry returns a registry driving the PMU through bus.
func NewRegistry(bus mmio.Bus, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		bus:    bus,
		idle:   NewBusIdle(bus, opts.HandshakePoller()),
		poll:   opts.SwitchPoller(),
		logger: opts.Logger,
	}
}

// Bitmap returns PMU_PWRDN_ST. A set bit means the domain is off.
func (r *Registry) Bitmap() uint32 {
	return r.bus.Read32(soc.PMUBase + soc.PMU_PWRDN_ST)
}

// State returns the live state of a domain.
func (r *Registry) State(d Domain) (State, error) {
	if !d.Valid() {
		return On, fmt.Errorf("pmu: state of %s: unknown domain", d)
	}
	return stateOf(r.Bitmap(), d), nil
}

func stateOf(bitmap uint32, d Domain) State {
	if bitmap&d.Bit() != 0 {
		return Off
	}
	return On
}

// Set moves a domain to target and returns once PMU_PWRDN_ST agrees. A domain
// already in target is left untouched. Bus masters of the domain are idled
// before it powers off and reactivated after it powers on.
func (r *Registry) Set(d Domain, target State) error {
	if !d.Valid() {
		return fmt.Errorf("pmu: set %s %s: unknown domain", d, target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stateOf(r.Bitmap(), d) == target {
		return nil
	}

	if target == Off {
		for i, b := range d.Buses() {
			if err := r.idle.RequestIdle(b); err != nil {
				r.releaseBuses(d, d.Buses()[:i+1])
				return fmt.Errorf("pmu: set %s off: %w", d, err)
			}
		}
	}

	if err := r.switchLocked(d, target); err != nil {
		if target == Off {
			r.releaseBuses(d, d.Buses())
		}
		return err
	}

	if target == On {
		for _, b := range d.Buses() {
			if err := r.idle.RequestActive(b); err != nil {
				return fmt.Errorf("pmu: set %s on: %w", d, err)
			}
		}
	}

	r.logger.Debug("pmu: domain switched", "domain", d, "state", target)
	return nil
}

// releaseBuses reactivates masters idled by a power-off that did not
// complete. The domain is still on, so a later Set(d, On) is a no-op and
// would never release them.
func (r *Registry) releaseBuses(d Domain, buses []BusID) {
	for _, b := range buses {
		if err := r.idle.RequestActive(b); err != nil {
			r.logger.Error("pmu: bus left idle after failed power-off",
				"domain", d, "bus", b, "error", err)
		}
	}
}

// ForceSwitch toggles a domain's power switch without bus handshakes or the
// no-op check. CPU cores have no bus master of their own and use it directly.
func (r *Registry) ForceSwitch(d Domain, target State) error {
	if !d.Valid() {
		return fmt.Errorf("pmu: switch %s %s: unknown domain", d, target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switchLocked(d, target)
}

func (r *Registry) switchLocked(d Domain, target State) error {
	var set uint32
	if target == Off {
		set = d.Bit()
	}
	mmio.ClrSetBits(r.bus, soc.PMUBase+soc.PMU_PWRDN_CON, d.Bit(), set)

	stAddr := uint64(soc.PMUBase + soc.PMU_PWRDN_ST)
	var st uint32
	err := r.poll.Until(fmt.Sprintf("switch %s %s", d, target),
		func() bool {
			st = r.bus.Read32(stAddr)
			return stateOf(st, d) == target
		},
		func() []RegValue {
			return []RegValue{{Name: "PMU_PWRDN_ST", Addr: stAddr, Value: st}}
		})
	if err != nil {
		return fmt.Errorf("pmu: set %s %s: %w", d, target, err)
	}
	return nil
}

// SetPowerDownEnable sets or clears a domain's PMU_PWRDN_CON bit without
// waiting for PMU_PWRDN_ST. It arms hardware sequenced power-down, such as
// the big cluster SCU collapsing once the system enters sleep.
func (r *Registry) SetPowerDownEnable(d Domain, enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var set uint32
	if enable {
		set = d.Bit()
	}
	mmio.ClrSetBits(r.bus, soc.PMUBase+soc.PMU_PWRDN_CON, d.Bit(), set)
}
