package chipset

import "sync"

// wakeLines is the width of PMU_WAKEUP_STATUS.
const wakeLines = 32

// LineSet holds the levels of the wake lines feeding the PMU. Only
// transitions reach the sink, except pulses which always deliver both edges.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	level uint32
}

// NewLineSet returns a LineSet forwarding to sink. A nil sink discards.
func NewLineSet(sink InterruptSink) *LineSet {
	return &LineSet{sink: sink}
}

// AllocateLine returns a handle to wake line irq. Lines past the width of the
// wake status register are not wired and drop every signal.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	if irq >= wakeLines {
		return LineInterruptDetached()
	}
	return wakeLine{set: l, irq: irq}
}

// Level reports whether line irq is asserted.
func (l *LineSet) Level(irq uint8) bool {
	if irq >= wakeLines {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level&(1<<irq) != 0
}

func (l *LineSet) drive(irq uint8, high bool) {
	bit := uint32(1) << irq
	l.mu.Lock()
	was := l.level&bit != 0
	if high {
		l.level |= bit
	} else {
		l.level &^= bit
	}
	l.mu.Unlock()

	if was != high {
		l.emit(irq, high)
	}
}

func (l *LineSet) emit(irq uint8, high bool) {
	if l.sink != nil {
		l.sink.SetIRQ(irq, high)
	}
}

type wakeLine struct {
	set *LineSet
	irq uint8
}

func (w wakeLine) SetLevel(high bool) { w.set.drive(w.irq, high) }

func (w wakeLine) PulseInterrupt() {
	w.set.emit(w.irq, true)
	w.set.emit(w.irq, false)
}
