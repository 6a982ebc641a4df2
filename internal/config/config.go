// Package config loads the board profile: suspend policy, wake sources, poll
// bounds, sleep phase timings and the addresses handed to the resume stub.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

// Version is the controller version profiles are checked against.
const Version = "v0.4.0"

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Board is a board profile.
type Board struct {
	Name string `yaml:"name"`
	// MinVersion is the oldest controller version the profile was written
	// for.
	MinVersion string `yaml:"min_version,omitempty"`

	BootCore     int    `yaml:"boot_core"`
	WarmBootAddr uint64 `yaml:"warm_boot_addr"`
	SuspendEntry uint64 `yaml:"suspend_entry"`

	Suspend     SuspendPolicy `yaml:"suspend"`
	Poll        PollConfig    `yaml:"poll"`
	Timings     TimingConfig  `yaml:"timings"`
	BootContext BootContext   `yaml:"boot_context"`
}

// SuspendPolicy holds the suspend sequence knobs.
type SuspendPolicy struct {
	CenterPowerDown    bool     `yaml:"center_power_down"`
	DebugIomux         bool     `yaml:"debug_iomux"`
	PLLSuspend         bool     `yaml:"pll_suspend"`
	AbortOnPendingWake bool     `yaml:"abort_on_pending_wake"`
	WakeSources        []string `yaml:"wake_sources"`
}

// PollConfig bounds every hardware handshake.
type PollConfig struct {
	SwitchAttempts    int      `yaml:"switch_attempts"`
	HandshakeAttempts int      `yaml:"handshake_attempts"`
	Interval          Duration `yaml:"interval"`
}

// TimingConfig are the PMU sleep phase durations.
type TimingConfig struct {
	SCUPowerDown     Duration `yaml:"scu_power_down"`
	SCUPowerUp       Duration `yaml:"scu_power_up"`
	CenterPowerDown  Duration `yaml:"center_power_down"`
	CenterPowerUp    Duration `yaml:"center_power_up"`
	WakeupResetClear Duration `yaml:"wakeup_reset_clear"`
	OscStable        Duration `yaml:"osc_stable"`
	DDRIOPowerOn     Duration `yaml:"ddrio_power_on"`
	PLLLock          Duration `yaml:"pll_lock"`
	PLLReset         Duration `yaml:"pll_reset"`
	Stable           Duration `yaml:"stable"`
}

// BootContext are the addresses the resume stub needs before DRAM is back.
type BootContext struct {
	SP      uint64 `yaml:"sp"`
	DDRFunc uint64 `yaml:"ddr_func"`
	DDRData uint64 `yaml:"ddr_data"`
}

var wakeSourceBits = map[string]uint{
	"cluster-l": soc.WakeClusterL,
	"cluster-b": soc.WakeClusterB,
	"gpio":      soc.WakeGPIO,
	"sdio":      soc.WakeSDIO,
	"sdmmc":     soc.WakeSDMMC,
	"timer":     soc.WakeTimer,
	"usbdev":    soc.WakeUSBDev,
	"m0-sft":    soc.WakeM0Sft,
	"m0-wdt":    soc.WakeM0WDT,
	"timeout":   soc.WakeTimeout,
	"pwm":       soc.WakePWM,
	"pcie":      soc.WakePCIe,
}

// WakeSourceNames returns every accepted wake source name, sorted.
func WakeSourceNames() []string {
	names := make([]string, 0, len(wakeSourceBits))
	for n := range wakeSourceBits {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func ms(d time.Duration) Duration { return Duration(d * time.Millisecond) }

// Default returns the reference board profile.
func Default() *Board {
	t := suspend.DefaultTimings
	return &Board{
		Name:         "rk3399-evb",
		BootCore:     0,
		WarmBootAddr: 0x00040000,
		SuspendEntry: 0x00041000,
		Suspend: SuspendPolicy{
			CenterPowerDown:    true,
			AbortOnPendingWake: true,
			WakeSources:        []string{"gpio", "pwm"},
		},
		Poll: PollConfig{
			SwitchAttempts:    pmu.DefaultSwitchAttempts,
			HandshakeAttempts: pmu.DefaultHandshakeAttempts,
			Interval:          Duration(pmu.DefaultPollInterval * time.Microsecond),
		},
		Timings: TimingConfig{
			SCUPowerDown:     ms(time.Duration(t.SCUPowerDown)),
			SCUPowerUp:       ms(time.Duration(t.SCUPowerUp)),
			CenterPowerDown:  ms(time.Duration(t.CenterPowerDown)),
			CenterPowerUp:    ms(time.Duration(t.CenterPowerUp)),
			WakeupResetClear: ms(time.Duration(t.WakeupResetClear)),
			OscStable:        ms(time.Duration(t.OscStable)),
			DDRIOPowerOn:     ms(time.Duration(t.DDRIOPowerOn)),
			PLLLock:          ms(time.Duration(t.PLLLock)),
			PLLReset:         ms(time.Duration(t.PLLReset)),
			Stable:           ms(time.Duration(t.Stable)),
		},
		BootContext: BootContext{
			SP:      soc.PMUSRAMBase + soc.PMUSRAMRetainedSize,
			DDRFunc: aomem.DDRResumeAddr,
		},
	}
}

// Parse decodes a profile over the defaults and validates it.
func Parse(data []byte) (*Board, error) {
	b := Default()
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Load reads and parses a profile file.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Marshal encodes the profile as YAML.
func (b *Board) Marshal() ([]byte, error) {
	return yaml.Marshal(b)
}

func normalizeVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// Validate checks the profile against the hardware constraints.
func (b *Board) Validate() error {
	var errs []error

	if b.MinVersion != "" {
		want := normalizeVersion(b.MinVersion)
		if !semver.IsValid(want) {
			errs = append(errs, fmt.Errorf("min_version %q is not a semantic version", b.MinVersion))
		} else if semver.Compare(Version, want) < 0 {
			errs = append(errs, fmt.Errorf("profile needs controller %s, this is %s", want, Version))
		}
	}
	if b.BootCore < 0 || b.BootCore >= soc.CoreCount {
		errs = append(errs, fmt.Errorf("boot_core %d out of range", b.BootCore))
	} else if soc.ClusterOf(b.BootCore) != 0 {
		errs = append(errs, fmt.Errorf("boot_core %d is in the big cluster, which system suspend collapses", b.BootCore))
	}
	if b.WarmBootAddr&(1<<soc.CPUBootAddrAlign-1) != 0 {
		errs = append(errs, fmt.Errorf("warm_boot_addr 0x%x is not 64 KiB aligned", b.WarmBootAddr))
	}
	if b.WarmBootAddr>>soc.CPUBootAddrAlign > 0xffff {
		errs = append(errs, fmt.Errorf("warm_boot_addr 0x%x is above 4 GiB", b.WarmBootAddr))
	}
	for _, name := range b.Suspend.WakeSources {
		if _, ok := wakeSourceBits[name]; !ok {
			errs = append(errs, fmt.Errorf("unknown wake source %q (want one of %s)", name, strings.Join(WakeSourceNames(), ", ")))
		}
	}
	if b.Poll.SwitchAttempts <= 0 || b.Poll.HandshakeAttempts <= 0 {
		errs = append(errs, errors.New("poll attempts must be positive"))
	}
	if b.Poll.Interval.Duration() < time.Microsecond {
		errs = append(errs, fmt.Errorf("poll interval %s is below 1µs", b.Poll.Interval.Duration()))
	}
	if _, err := b.Timings.toTimings(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (t TimingConfig) toTimings() (suspend.Timings, error) {
	var out suspend.Timings
	fields := []struct {
		name string
		in   Duration
		out  *uint32
	}{
		{"scu_power_down", t.SCUPowerDown, &out.SCUPowerDown},
		{"scu_power_up", t.SCUPowerUp, &out.SCUPowerUp},
		{"center_power_down", t.CenterPowerDown, &out.CenterPowerDown},
		{"center_power_up", t.CenterPowerUp, &out.CenterPowerUp},
		{"wakeup_reset_clear", t.WakeupResetClear, &out.WakeupResetClear},
		{"osc_stable", t.OscStable, &out.OscStable},
		{"ddrio_power_on", t.DDRIOPowerOn, &out.DDRIOPowerOn},
		{"pll_lock", t.PLLLock, &out.PLLLock},
		{"pll_reset", t.PLLReset, &out.PLLReset},
		{"stable", t.Stable, &out.Stable},
	}
	for _, f := range fields {
		d := f.in.Duration()
		if d%time.Millisecond != 0 {
			return out, fmt.Errorf("timing %s: %s is not a whole number of milliseconds", f.name, d)
		}
		n := d / time.Millisecond
		// Counters hold 32 kHz ticks.
		if n < 0 || n > 0xffffffff/32 {
			return out, fmt.Errorf("timing %s: %s out of range", f.name, d)
		}
		*f.out = uint32(n)
	}
	return out, nil
}

// WakeSourceMask returns the PMU_WKUP_CFG4 enable bits.
func (b *Board) WakeSourceMask() uint32 {
	var mask uint32
	for _, name := range b.Suspend.WakeSources {
		if bit, ok := wakeSourceBits[name]; ok {
			mask |= 1 << bit
		}
	}
	return mask
}

// PMUOptions returns the registry poll bounds.
func (b *Board) PMUOptions() pmu.Options {
	return pmu.Options{
		SwitchAttempts:    b.Poll.SwitchAttempts,
		HandshakeAttempts: b.Poll.HandshakeAttempts,
		Interval:          uint32(b.Poll.Interval.Duration() / time.Microsecond),
	}
}

// SuspendOptions returns the suspend policy. The profile must have been
// validated.
func (b *Board) SuspendOptions() suspend.Options {
	t, _ := b.Timings.toTimings()
	return suspend.Options{
		CenterPowerDown:    b.Suspend.CenterPowerDown,
		DebugIomux:         b.Suspend.DebugIomux,
		PLLSuspend:         b.Suspend.PLLSuspend,
		AbortOnPendingWake: b.Suspend.AbortOnPendingWake,
		WakeSources:        b.WakeSourceMask(),
		Timings:            t,
		WarmBootAddr:       b.WarmBootAddr,
	}
}

// ResumeContext returns the bootstrap context fields the profile supplies.
func (b *Board) ResumeContext() aomem.BootContext {
	return aomem.BootContext{
		SP:      b.BootContext.SP,
		DDRFunc: b.BootContext.DDRFunc,
		DDRData: b.BootContext.DDRData,
	}
}
