package chipset

import (
	"fmt"
	"sort"
)

func (c *Chipset) each(verb string, fn func(ChipsetDevice) error) error {
	for _, name := range c.order {
		if err := fn(c.devices[name]); err != nil {
			return fmt.Errorf("chipset: %s %q: %w", verb, name, err)
		}
	}
	return nil
}

// Start starts every device.
func (c *Chipset) Start() error {
	return c.each("start", ChipsetDevice.Start)
}

// Stop stops every device.
func (c *Chipset) Stop() error {
	return c.each("stop", ChipsetDevice.Stop)
}

// Reset returns every device, retained or not, to its reset state.
func (c *Chipset) Reset() error {
	return c.each("reset", ChipsetDevice.Reset)
}

// Collapse models loss of main power: every device outside the always-on
// island is reset and retained devices keep their contents. It returns the
// names of the devices that lost state.
func (c *Chipset) Collapse() ([]string, error) {
	var lost []string
	for _, name := range c.order {
		dev := c.devices[name]
		if r, ok := dev.(Retainer); ok && r.RetainsState() {
			continue
		}
		if err := dev.Reset(); err != nil {
			return lost, fmt.Errorf("chipset: collapse %q: %w", name, err)
		}
		lost = append(lost, name)
	}
	return lost, nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO routes an access to the block containing it. Accesses that
// straddle two blocks or hit a hole in the map fail.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	n := uint64(len(data))
	if addr+n < addr {
		return fmt.Errorf("chipset: access at 0x%016x wraps the address space", addr)
	}
	i := sort.Search(len(c.blocks), func(i int) bool {
		return c.blocks[i].last() >= addr
	})
	if i == len(c.blocks) || !c.blocks[i].region.Contains(addr, n) {
		return fmt.Errorf("chipset: no block decodes 0x%016x", addr)
	}
	h := c.blocks[i].handler
	if isWrite {
		return h.WriteMMIO(addr, data)
	}
	return h.ReadMMIO(addr, data)
}
