package mmio

import "github.com/tinyrange/pwrctl/internal/trace"

// Namer maps an address to the register block it belongs to.
type Namer func(addr uint64) string

// Traced forwards every access to an inner Bus and records it.
type Traced struct {
	inner Bus
	rec   *trace.Recorder
	name  Namer
}

// NewTraced wraps inner. A nil namer labels every record "mmio".
func NewTraced(inner Bus, rec *trace.Recorder, name Namer) *Traced {
	if name == nil {
		name = func(uint64) string { return "mmio" }
	}
	return &Traced{inner: inner, rec: rec, name: name}
}

// Read32 implements Bus.
func (t *Traced) Read32(addr uint64) uint32 {
	v := t.inner.Read32(addr)
	t.rec.Register(trace.KindRead, t.name(addr), addr, v)
	return v
}

// Write32 implements Bus.
func (t *Traced) Write32(addr uint64, value uint32) {
	t.rec.Register(trace.KindWrite, t.name(addr), addr, value)
	t.inner.Write32(addr, value)
}

var _ Bus = (*Traced)(nil)
