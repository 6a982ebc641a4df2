package pmu

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/pwrctl/internal/soc"
)

// Bakery is Lamport's bakery lock over the CPU cores. Each core writes only
// its own slots, so the lock needs no read-modify-write from the
// interconnect and keeps working while coherency is partly torn down.
type Bakery struct {
	choosing [soc.CoreCount]atomic.Bool
	number   [soc.CoreCount]atomic.Uint32
}

// Lock blocks until core holds the lock.
func (b *Bakery) Lock(core int) {
	b.choosing[core].Store(true)
	var highest uint32
	for i := range b.number {
		if n := b.number[i].Load(); n > highest {
			highest = n
		}
	}
	ticket := highest + 1
	b.number[core].Store(ticket)
	b.choosing[core].Store(false)

	for other := range b.number {
		if other == core {
			continue
		}
		for b.choosing[other].Load() {
			runtime.Gosched()
		}
		for {
			n := b.number[other].Load()
			if n == 0 || n > ticket || (n == ticket && other > core) {
				break
			}
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock held by core.
func (b *Bakery) Unlock(core int) {
	b.number[core].Store(0)
}
