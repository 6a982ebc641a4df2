//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a physical address range to map from /dev/mem.
type Window struct {
	Base uint64
	Size uint64
}

type mapping struct {
	base uint64
	mem  []byte
}

// DevMem maps register windows of the running SoC through /dev/mem.
type DevMem struct {
	f        *os.File
	mappings []mapping
}

// OpenDevMem maps every window read-write. It needs CAP_SYS_RAWIO and a
// kernel without CONFIG_STRICT_DEVMEM restrictions on the ranges.
func OpenDevMem(path string, windows ...Window) (*DevMem, error) {
	if path == "" {
		path = "/dev/mem"
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}

	d := &DevMem{f: f}
	pageSize := uint64(os.Getpagesize())
	for _, w := range windows {
		if w.Base%pageSize != 0 || w.Size%pageSize != 0 {
			d.Close()
			return nil, fmt.Errorf("mmio: window 0x%x+0x%x is not page aligned", w.Base, w.Size)
		}
		mem, err := unix.Mmap(int(f.Fd()), int64(w.Base), int(w.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("mmio: map 0x%x+0x%x: %w", w.Base, w.Size, err)
		}
		d.mappings = append(d.mappings, mapping{base: w.Base, mem: mem})
	}
	return d, nil
}

func (d *DevMem) word(addr uint64) *uint32 {
	for _, m := range d.mappings {
		if addr >= m.base && addr+4 <= m.base+uint64(len(m.mem)) {
			return (*uint32)(unsafe.Pointer(&m.mem[addr-m.base]))
		}
	}
	panic(fmt.Sprintf("mmio: address 0x%08x is not mapped", addr))
}

// Read32 implements Bus.
func (d *DevMem) Read32(addr uint64) uint32 {
	return atomic.LoadUint32(d.word(addr))
}

// Write32 implements Bus.
func (d *DevMem) Write32(addr uint64, value uint32) {
	atomic.StoreUint32(d.word(addr), value)
}

// Close unmaps every window.
func (d *DevMem) Close() error {
	var firstErr error
	for _, m := range d.mappings {
		if err := unix.Munmap(m.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.mappings = nil
	if err := d.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Bus = (*DevMem)(nil)
