package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pwrctl/internal/chipset"
)

// ChipsetBus issues word accesses against simulated devices.
type ChipsetBus struct {
	cs *chipset.Chipset
}

// NewChipsetBus wraps a built chipset.
func NewChipsetBus(cs *chipset.Chipset) *ChipsetBus {
	return &ChipsetBus{cs: cs}
}

// Read32 implements Bus.
func (b *ChipsetBus) Read32(addr uint64) uint32 {
	var buf [4]byte
	if err := b.cs.HandleMMIO(addr, buf[:], false); err != nil {
		panic(fmt.Sprintf("mmio: read 0x%08x: %v", addr, err))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 implements Bus.
func (b *ChipsetBus) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := b.cs.HandleMMIO(addr, buf[:], true); err != nil {
		panic(fmt.Sprintf("mmio: write 0x%08x: %v", addr, err))
	}
}

var _ Bus = (*ChipsetBus)(nil)
