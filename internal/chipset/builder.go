package chipset

import (
	"fmt"
	"sort"
)

// InterruptSink receives wake line transitions.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// block is one register window and the device model behind it.
type block struct {
	device  string
	region  Region
	handler MmioHandler
}

func (b block) last() uint64 { return b.region.Address + b.region.Size - 1 }

// Builder collects the register blocks of a SoC before the address map is
// frozen into a Chipset.
type Builder struct {
	devices map[string]ChipsetDevice
	blocks  []block
}

// NewBuilder returns a builder with no devices.
func NewBuilder() *Builder {
	return &Builder{devices: make(map[string]ChipsetDevice)}
}

// RegisterDevice adds dev under name and maps every region it serves. A
// region that overlaps a block already mapped is rejected.
func (b *Builder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, dup := b.devices[name]; dup {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	var added []block
	if ic := dev.SupportsMmio(); ic != nil {
		if ic.Handler == nil {
			return fmt.Errorf("chipset: device %q maps registers without a handler", name)
		}
		for _, r := range ic.Regions {
			nb := block{device: name, region: r, handler: ic.Handler}
			if err := b.checkFree(nb, added); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			added = append(added, nb)
		}
	}

	b.devices[name] = dev
	b.blocks = append(b.blocks, added...)
	return nil
}

func (b *Builder) checkFree(nb block, pending []block) error {
	r := nb.region
	if r.Size == 0 {
		return fmt.Errorf("empty register window at 0x%x", r.Address)
	}
	if r.Address+r.Size < r.Address {
		return fmt.Errorf("register window 0x%x+0x%x wraps the address space", r.Address, r.Size)
	}
	for _, set := range [][]block{pending, b.blocks} {
		for _, other := range set {
			if r.Address <= other.last() && other.region.Address <= nb.last() {
				return fmt.Errorf("window 0x%x-0x%x overlaps %q at 0x%x-0x%x",
					r.Address, nb.last(), other.device, other.region.Address, other.last())
			}
		}
	}
	return nil
}

// Build freezes the address map.
func (b *Builder) Build() (*Chipset, error) {
	if len(b.devices) == 0 {
		return nil, fmt.Errorf("chipset: no devices registered")
	}
	cs := &Chipset{
		devices: make(map[string]ChipsetDevice, len(b.devices)),
		blocks:  append([]block(nil), b.blocks...),
	}
	for name, dev := range b.devices {
		cs.devices[name] = dev
		cs.order = append(cs.order, name)
	}
	sort.Strings(cs.order)
	sort.Slice(cs.blocks, func(i, j int) bool {
		return cs.blocks[i].region.Address < cs.blocks[j].region.Address
	})
	return cs, nil
}

// Chipset is a frozen SoC address map.
type Chipset struct {
	devices map[string]ChipsetDevice
	// order is the device names sorted, the order lifecycle calls run in.
	order  []string
	blocks []block
}
