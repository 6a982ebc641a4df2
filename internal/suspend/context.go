package suspend

import (
	"fmt"
	"strings"

	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// Step is one stage of the suspend sequence, numbered in execution order.
type Step uint

const (
	StepDomains Step = iota + 1
	StepDRAMSave
	StepSleepConfig
	StepWarmVector
	StepL2Flush
	StepInactivate
	StepIsolate
	StepSCUPowerDown
	StepRegulators
	StepWakeCheck
)

var stepNames = map[Step]string{
	StepDomains:      "domains",
	StepDRAMSave:     "dram-save",
	StepSleepConfig:  "sleep-config",
	StepWarmVector:   "warm-vector",
	StepL2Flush:      "l2-flush",
	StepInactivate:   "inactivate",
	StepIsolate:      "isolate",
	StepSCUPowerDown: "scu-power-down",
	StepRegulators:   "regulators",
	StepWakeCheck:    "wake-check",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Step(%d)", uint(s))
}

// Context carries one suspend cycle's saved state from suspend entry to the
// end of resume. Resume only undoes steps recorded as completed.
type Context struct {
	// Core is the core that ran the suspend.
	Core int
	// Cycle counts suspend attempts since the orchestrator was created.
	Cycle uint64

	// Bitmap is PMU_PWRDN_ST before any peripheral domain was switched.
	Bitmap     uint32
	ClockGates [soc.CRUClkGateCount]uint32
	PWMIomux   uint32
	DebugIomux uint32
	// WakeStatus was latched and cleared at entry.
	WakeStatus uint32
	QoSSaved   []pmu.Domain

	// PLLsSuspended records that the optional PLL power-down ran.
	PLLsSuspended bool
	// Aborted means a wake interrupt was pending before the final collapse.
	// Nothing was unwound; Resume must still run.
	Aborted bool

	// Wake is filled in by Resume.
	Wake WakeReport

	done uint32
}

func (c *Context) complete(s Step) { c.done |= 1 << s }

// Completed reports whether a step ran to completion.
func (c *Context) Completed(s Step) bool { return c.done&(1<<s) != 0 }

// Progress returns the completed steps in order.
func (c *Context) Progress() []Step {
	var out []Step
	for s := StepDomains; s <= StepWakeCheck; s++ {
		if c.Completed(s) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Context) String() string {
	steps := c.Progress()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.String()
	}
	return fmt.Sprintf("cycle %d core %d bitmap 0x%08x steps [%s] aborted=%t",
		c.Cycle, c.Core, c.Bitmap, strings.Join(names, ","), c.Aborted)
}
