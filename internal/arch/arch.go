// Package arch holds the CPU maintenance primitives the power controller
// consumes but does not implement: delays, barriers and cache maintenance.
package arch

import (
	"sync/atomic"
	"time"
)

// Delayer busy-waits for a number of microseconds.
type Delayer interface {
	Udelay(us uint32)
}

// Cache provides the data-cache maintenance needed when the coherency fabric
// cannot be assumed powered.
type Cache interface {
	// FlushRange cleans and invalidates the data cache lines covering
	// [addr, addr+size).
	FlushRange(addr uint64, size uint64)
	// Barrier orders every prior memory access before any later one (dsb).
	Barrier()
}

// SleepDelay implements Delayer with time.Sleep.
type SleepDelay struct{}

func (SleepDelay) Udelay(us uint32) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// NopDelay returns immediately. Simulated hardware advances on register
// accesses, not on wall time.
type NopDelay struct{}

func (NopDelay) Udelay(uint32) {}

// CountingCache records maintenance operations without a real cache behind
// it. Go's memory model already orders the simulator's accesses; the counters
// let tests assert that flushes and barriers were issued.
type CountingCache struct {
	flushes  atomic.Uint64
	barriers atomic.Uint64
}

func (c *CountingCache) FlushRange(addr uint64, size uint64) {
	c.flushes.Add(1)
}

func (c *CountingCache) Barrier() {
	c.barriers.Add(1)
}

// Flushes returns the number of FlushRange calls.
func (c *CountingCache) Flushes() uint64 { return c.flushes.Load() }

// Barriers returns the number of Barrier calls.
func (c *CountingCache) Barriers() uint64 { return c.barriers.Load() }

var (
	_ Delayer = SleepDelay{}
	_ Delayer = NopDelay{}
	_ Cache   = (*CountingCache)(nil)
)
