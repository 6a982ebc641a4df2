// Package chipset dispatches register accesses to simulated SoC blocks and
// drives their power lifecycle.
package chipset

// Region is one register window of a SoC block.
type Region struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr, n uint64) bool {
	if addr < r.Address || addr+n < addr {
		return false
	}
	return addr-r.Address+n <= r.Size
}

// MmioHandler serves register reads and writes. addr is the absolute
// physical address and len(data) the access width.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept lists the register windows of a block.
type MmioIntercept struct {
	Regions []Region
	Handler MmioHandler
}

// LineInterrupt is a wake source as seen by the block raising it.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type unwiredLine struct{}

func (unwiredLine) SetLevel(bool)   {}
func (unwiredLine) PulseInterrupt() {}

// LineInterruptDetached returns a line wired to nothing.
func LineInterruptDetached() LineInterrupt {
	return unwiredLine{}
}

// ChangeDeviceState is the power lifecycle of a block.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Retainer is implemented by devices that sit in the always-on power island.
// Collapse skips devices whose RetainsState returns true.
type Retainer interface {
	RetainsState() bool
}

// ChipsetDevice is a simulated SoC block.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
}
