package mmio

import (
	"sort"
	"sync"
)

// Memory is a sparse register space backed by a map. Unwritten addresses read
// as zero. Hooks let tests script hardware behaviour at individual addresses.
type Memory struct {
	mu sync.Mutex

	words   map[uint64]uint32
	onRead  map[uint64]func(stored uint32) uint32
	onWrite map[uint64]func(old, written uint32) uint32

	reads  int
	writes int
	log    []Access
}

// Access records one register access.
type Access struct {
	Write bool
	Addr  uint64
	Value uint32
}

// NewMemory returns an empty register space.
func NewMemory() *Memory {
	return &Memory{
		words:   make(map[uint64]uint32),
		onRead:  make(map[uint64]func(uint32) uint32),
		onWrite: make(map[uint64]func(uint32, uint32) uint32),
	}
}

// Read32 implements Bus.
func (m *Memory) Read32(addr uint64) uint32 {
	m.mu.Lock()
	v := m.words[addr]
	hook := m.onRead[addr]
	m.reads++
	m.mu.Unlock()

	// Hooks run unlocked so they may access the memory themselves.
	if hook != nil {
		v = hook(v)
	}

	m.mu.Lock()
	m.log = append(m.log, Access{Addr: addr, Value: v})
	m.mu.Unlock()
	return v
}

// Write32 implements Bus.
func (m *Memory) Write32(addr uint64, value uint32) {
	m.mu.Lock()
	old := m.words[addr]
	hook := m.onWrite[addr]
	m.mu.Unlock()

	stored := value
	if hook != nil {
		stored = hook(old, value)
	}

	m.mu.Lock()
	m.words[addr] = stored
	m.writes++
	m.log = append(m.log, Access{Write: true, Addr: addr, Value: value})
	m.mu.Unlock()
}

// Poke stores a value without counting it as an access or running hooks.
func (m *Memory) Poke(addr uint64, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = value
}

// Peek returns the stored value without counting it as an access.
func (m *Memory) Peek(addr uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr]
}

// OnRead installs a hook that computes the value returned for addr from the
// stored value. A nil hook removes it.
func (m *Memory) OnRead(addr uint64, fn func(stored uint32) uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.onRead, addr)
		return
	}
	m.onRead[addr] = fn
}

// OnWrite installs a hook that computes the value stored at addr when it is
// written. A nil hook removes it.
func (m *Memory) OnWrite(addr uint64, fn func(old, written uint32) uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.onWrite, addr)
		return
	}
	m.onWrite[addr] = fn
}

// Writes returns the number of Write32 calls so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Reads returns the number of Read32 calls so far.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Log returns a copy of every access in order.
func (m *Memory) Log() []Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Access(nil), m.log...)
}

// WrittenAddrs returns the sorted set of addresses written so far.
func (m *Memory) WrittenAddrs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uint64]struct{})
	for _, a := range m.log {
		if a.Write {
			seen[a.Addr] = struct{}{}
		}
	}
	addrs := make([]uint64, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// ResetLog clears the access log and counters.
func (m *Memory) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = m.log[:0]
	m.reads = 0
	m.writes = 0
}

var _ Bus = (*Memory)(nil)
