package platform

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/cluster"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// Level is an affinity level of the power domain tree.
type Level int

const (
	LevelCore Level = iota
	LevelCluster
	LevelSystem
)

func (l Level) String() string {
	switch l {
	case LevelCore:
		return "core"
	case LevelCluster:
		return "cluster"
	case LevelSystem:
		return "system"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Handler is the callback table the host framework invokes. Every method
// runs on the core the handler is bound to.
type Handler interface {
	// OnCorePowerOn starts the core named by mpidr at entry.
	OnCorePowerOn(mpidr uint64, entry uint64) error
	OnCorePowerOff(level Level, state cluster.LocalState) error
	OnCorePowerOnFinish(level Level, state cluster.LocalState) error
	OnCorePowerDomainSuspend() error
	OnCorePowerDomainResume() error
	OnClusterPowerDomainSuspend(level Level, state cluster.LocalState) (cluster.Decision, error)
	OnClusterPowerDomainResume(level Level, state cluster.LocalState) error
	OnSystemPowerDomainSuspend() error
	OnSystemPowerDomainResume() error
	OnSystemGlobalReset()
}

// Registrar is implemented by the host framework. It receives a function
// returning the callback table bound to a core.
type Registrar interface {
	RegisterPowerOps(core func(id int) Handler) error
}

// Register installs the platform's callbacks into the host framework.
func (p *Platform) Register(r Registrar) error {
	if err := r.RegisterPowerOps(p.Core); err != nil {
		return fmt.Errorf("platform: register power ops: %w", err)
	}
	return nil
}

// ErrUnknownCore is returned by every callback of a handler bound to a core
// id the SoC does not have.
var ErrUnknownCore = errors.New("platform: unknown core")

// Core returns the callback table bound to core id. An id outside the SoC
// gets a table whose callbacks fail with ErrUnknownCore.
func (p *Platform) Core(id int) Handler {
	if id < 0 || id >= soc.CoreCount {
		return unknownCore{p: p, err: fmt.Errorf("%w: %d", ErrUnknownCore, id)}
	}
	return &coreHandler{p: p, core: id}
}

type unknownCore struct {
	p   *Platform
	err error
}

var _ Handler = unknownCore{}

func (u unknownCore) OnCorePowerOn(uint64, uint64) error                 { return u.err }
func (u unknownCore) OnCorePowerOff(Level, cluster.LocalState) error      { return u.err }
func (u unknownCore) OnCorePowerOnFinish(Level, cluster.LocalState) error { return u.err }
func (u unknownCore) OnCorePowerDomainSuspend() error                    { return u.err }
func (u unknownCore) OnCorePowerDomainResume() error                     { return u.err }
func (u unknownCore) OnClusterPowerDomainSuspend(Level, cluster.LocalState) (cluster.Decision, error) {
	return cluster.NotApplicable, u.err
}
func (u unknownCore) OnClusterPowerDomainResume(Level, cluster.LocalState) error { return u.err }
func (u unknownCore) OnSystemPowerDomainSuspend() error                         { return u.err }
func (u unknownCore) OnSystemPowerDomainResume() error                          { return u.err }

// OnSystemGlobalReset resets regardless of the caller.
func (u unknownCore) OnSystemGlobalReset() { u.p.GlobalReset() }

type coreHandler struct {
	p    *Platform
	core int
}

var _ Handler = (*coreHandler)(nil)

var errNoSuspend = errors.New("platform: resume without a suspended system")

func (h *coreHandler) OnCorePowerOn(mpidr uint64, entry uint64) error {
	target := soc.CoreFromMPIDR(mpidr)
	if target < 0 {
		return fmt.Errorf("platform: power on: no core with mpidr 0x%x", mpidr)
	}
	return h.p.cpus.PowerOn(h.core, target, entry)
}

func (h *coreHandler) OnCorePowerOff(level Level, state cluster.LocalState) error {
	switch level {
	case LevelCore:
		return h.p.cpus.PowerOff(h.core, h.core, aomem.WfiPowerDown)
	case LevelCluster:
		d := h.p.clus.Retain(h.core, state)
		h.p.log.Debug("platform: cluster power off", "core", h.core, "state", state, "decision", d)
	}
	return nil
}

func (h *coreHandler) OnCorePowerOnFinish(level Level, state cluster.LocalState) error {
	switch level {
	case LevelCore:
		return h.p.cpus.OnFinish(h.core)
	case LevelCluster:
		return h.p.clus.VerifyResume(h.core, state)
	}
	return nil
}

func (h *coreHandler) OnCorePowerDomainSuspend() error {
	return h.p.cpus.Suspend(h.core)
}

func (h *coreHandler) OnCorePowerDomainResume() error {
	return h.p.cpus.ResumeFinish(h.core)
}

func (h *coreHandler) OnClusterPowerDomainSuspend(level Level, state cluster.LocalState) (cluster.Decision, error) {
	if level != LevelCluster {
		return cluster.NotApplicable, nil
	}
	return h.p.clus.Retain(h.core, state), nil
}

func (h *coreHandler) OnClusterPowerDomainResume(level Level, state cluster.LocalState) error {
	if level != LevelCluster {
		return nil
	}
	return h.p.clus.VerifyResume(h.core, state)
}

func (h *coreHandler) OnSystemPowerDomainSuspend() error {
	ctx, err := h.p.orch.Suspend(h.core)
	if ctx != nil {
		h.p.setPending(ctx)
	}
	if err != nil {
		return err
	}
	if ctx.Aborted {
		h.p.log.Info("platform: suspend aborted by pending wake", "cycle", ctx.Cycle)
	}
	return nil
}

func (h *coreHandler) OnSystemPowerDomainResume() error {
	ctx := h.p.takePending()
	if ctx == nil {
		return errNoSuspend
	}
	return h.p.orch.Resume(ctx)
}

func (h *coreHandler) OnSystemGlobalReset() {
	h.p.GlobalReset()
}
