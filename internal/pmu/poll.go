package pmu

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tinyrange/pwrctl/internal/arch"
)

// Default poll bounds. The firmware polls domain switches 500 times at 1us.
// The other handshakes have no documented latency; their bounds are chosen
// to stay far above what the hardware was seen to need.
const (
	DefaultSwitchAttempts    = 500
	DefaultHandshakeAttempts = 10000
	DefaultPollInterval      = 1 // microseconds

	// A progress line is logged on the first failed check and then once
	// per this many checks.
	pollLogEvery = 1000
)

// Poller repeats a check a bounded number of times.
type Poller struct {
	Attempts int
	// Interval is the delay between checks in microseconds.
	Interval uint32
	Delay    arch.Delayer
	Logger   *slog.Logger
}

func (p Poller) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Until calls done until it returns true or the attempt budget runs out. diag
// reports the registers worth showing when the poll is slow or fails.
func (p Poller) Until(op string, done func() bool, diag func() []RegValue) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultHandshakeAttempts
	}
	progress := rate.Sometimes{Every: pollLogEvery}

	for i := 1; i <= attempts; i++ {
		if done() {
			return nil
		}
		if diag != nil {
			progress.Do(func() {
				p.logger().Debug("pmu: waiting", "op", op, "polls", i, "regs", formatRegs(diag()))
			})
		}
		if p.Delay != nil {
			p.Delay.Udelay(p.Interval)
		}
	}
	// One last look after the final delay.
	if done() {
		return nil
	}

	var regs []RegValue
	if diag != nil {
		regs = diag()
	}
	return &TimeoutError{Op: op, Attempts: attempts, Regs: regs}
}
