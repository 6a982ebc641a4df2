package suspend

import "log/slog"

// DRAM is the DRAM controller's own save and self-refresh code. The suspend
// and resume halves run from always-on SRAM once staged.
type DRAM interface {
	Save() error
	EnterSelfRefresh() error
	ExitSelfRefresh() error
	Restore() error
}

// Console is the diagnostic UART, brought up briefly on resume.
type Console interface {
	Start()
	Stop()
}

// GIC re-enables the interrupt controller CPU interface.
type GIC interface {
	EnableCPUInterface()
}

// Firewall re-runs the secure firewall setup lost across the cycle.
type Firewall interface {
	Init()
}

// PLLs switches the board PLLs around DRAM self-refresh and optional PLL
// power-down.
type PLLs interface {
	SetABPLL()
	RestoreDPLL()
	RestoreABPLL()
	Suspend()
	Resume()
}

// Nop implements every collaborator by logging the call at debug level.
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) log(call string) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Debug("suspend: collaborator", "call", call)
}

func (n Nop) Save() error             { n.log("dram.save"); return nil }
func (n Nop) EnterSelfRefresh() error { n.log("dram.enter_self_refresh"); return nil }
func (n Nop) ExitSelfRefresh() error  { n.log("dram.exit_self_refresh"); return nil }
func (n Nop) Restore() error          { n.log("dram.restore"); return nil }
func (n Nop) Start()                  { n.log("console.start") }
func (n Nop) Stop()                   { n.log("console.stop") }
func (n Nop) EnableCPUInterface()     { n.log("gic.enable_cpu_interface") }
func (n Nop) Init()                   { n.log("firewall.init") }
func (n Nop) SetABPLL()               { n.log("pll.set_abpll") }
func (n Nop) RestoreDPLL()            { n.log("pll.restore_dpll") }
func (n Nop) RestoreABPLL()           { n.log("pll.restore_abpll") }
func (n Nop) Suspend()                { n.log("pll.suspend") }
func (n Nop) Resume()                 { n.log("pll.resume") }

var (
	_ DRAM     = Nop{}
	_ Console  = Nop{}
	_ GIC      = Nop{}
	_ Firewall = Nop{}
	_ PLLs     = Nop{}
)
