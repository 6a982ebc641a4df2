package pmu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrInvalidTransition is returned when a domain or core is already in,
	// or moving toward, the requested state.
	ErrInvalidTransition = errors.New("invalid power transition")

	// ErrCoreNotQuiescent is returned when a core is asked to power off but
	// has not been observed in a wait state.
	ErrCoreNotQuiescent = errors.New("core not quiescent")

	// ErrHandshakeTimeout is returned when a polled acknowledgement never
	// arrived within its bound.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrClusterModeError reports a cluster PLL left outside normal mode on
	// resume.
	ErrClusterModeError = errors.New("cluster PLL not in normal mode")

	// ErrNotSoleCore is returned when system suspend is requested while
	// another core is still online or another suspend is in progress.
	ErrNotSoleCore = errors.New("system suspend requires a sole online core")
)

// RegValue is a register observed while diagnosing a failure.
type RegValue struct {
	Name  string
	Addr  uint64
	Value uint32
}

func (r RegValue) String() string {
	return fmt.Sprintf("%s@0x%08x=0x%08x", r.Name, r.Addr, r.Value)
}

func formatRegs(regs []RegValue) string {
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

// TimeoutError describes a handshake that did not complete.
type TimeoutError struct {
	Op       string
	Attempts int
	// Regs holds the last values read from the polled registers.
	Regs []RegValue
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pmu: %s: %v after %d polls [%s]", e.Op, ErrHandshakeTimeout, e.Attempts, formatRegs(e.Regs))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrHandshakeTimeout
}

// FatalError is a condition after which the controller must not continue.
type FatalError struct {
	Op   string
	Err  error
	Regs []RegValue
}

func (e *FatalError) Error() string {
	if len(e.Regs) == 0 {
		return fmt.Sprintf("pmu: fatal: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pmu: fatal: %s: %v [%s]", e.Op, e.Err, formatRegs(e.Regs))
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal builds a FatalError from err, carrying over the registers of a
// TimeoutError when err is one.
func Fatal(op string, err error, regs ...RegValue) *FatalError {
	var te *TimeoutError
	if errors.As(err, &te) {
		regs = append(append([]RegValue(nil), te.Regs...), regs...)
	}
	return &FatalError{Op: op, Err: err, Regs: regs}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Halter receives fatal conditions. On hardware the firmware stops the core
// after printing diagnostics; in Go the error is also returned to the caller
// so tests and tools can observe it.
type Halter interface {
	Halt(err *FatalError)
}

// LogHalter emits every fatal condition with its register dump and keeps the
// most recent one.
type LogHalter struct {
	Logger *slog.Logger

	mu   sync.Mutex
	last *FatalError
	n    int
}

// Halt implements Halter.
func (h *LogHalter) Halt(err *FatalError) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Error("pmu: halting", "op", err.Op, "error", err.Err)
	for _, r := range err.Regs {
		log.Error("pmu: register", "name", r.Name, "addr", fmt.Sprintf("0x%08x", r.Addr), "value", fmt.Sprintf("0x%08x", r.Value))
	}

	h.mu.Lock()
	h.last = err
	h.n++
	h.mu.Unlock()
}

// Last returns the most recent fatal condition, or nil.
func (h *LogHalter) Last() *FatalError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Count returns how many fatal conditions were reported.
func (h *LogHalter) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

var _ Halter = (*LogHalter)(nil)
