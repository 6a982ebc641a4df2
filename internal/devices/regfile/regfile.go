// Package regfile implements a generic register block: plain read/write
// words, optional Rockchip hi-word write-mask registers and reset defaults.
// It models GRF, SGRF, CRU, the QoS generators and the PMU SRAM.
package regfile

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/pwrctl/internal/chipset"
)

// Config describes a register block.
type Config struct {
	Name string
	Base uint64
	Size uint64

	// Retained blocks keep their contents across a power collapse.
	Retained bool

	// HiWord selects registers whose upper half is a write-enable mask for
	// the lower half. A nil func means no such registers.
	HiWord func(off uint64) bool

	// Defaults are the reset values.
	Defaults map[uint64]uint32
}

// File is a simulated register block.
type File struct {
	mu sync.Mutex

	cfg     Config
	words   map[uint64]uint32
	onWrite map[uint64]func(value uint32)
}

// New creates a register block in its reset state.
func New(cfg Config) *File {
	f := &File{
		cfg:     cfg,
		onWrite: make(map[uint64]func(uint32)),
	}
	f.resetLocked()
	return f
}

// HiWordAll marks every register of a block as hi-word masked.
func HiWordAll(uint64) bool { return true }

// HiWordRange marks [from, to) as hi-word masked.
func HiWordRange(from, to uint64) func(uint64) bool {
	return func(off uint64) bool { return off >= from && off < to }
}

func (f *File) resetLocked() {
	f.words = make(map[uint64]uint32, len(f.cfg.Defaults))
	for off, v := range f.cfg.Defaults {
		f.words[off] = v
	}
}

// Name returns the block name.
func (f *File) Name() string { return f.cfg.Name }

// Start implements chipset.ChangeDeviceState.
func (f *File) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (f *File) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (f *File) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	return nil
}

// RetainsState implements chipset.Retainer.
func (f *File) RetainsState() bool { return f.cfg.Retained }

// SupportsMmio implements chipset.ChipsetDevice.
func (f *File) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: f.cfg.Base, Size: f.cfg.Size}},
		Handler: f,
	}
}

func (f *File) offset(addr uint64, n int) (uint64, error) {
	if addr < f.cfg.Base || addr+uint64(n) > f.cfg.Base+f.cfg.Size {
		return 0, fmt.Errorf("%s: address 0x%x out of bounds", f.cfg.Name, addr)
	}
	off := addr - f.cfg.Base
	if n != 4 || off%4 != 0 {
		return 0, fmt.Errorf("%s: unsupported %d byte access at 0x%x", f.cfg.Name, n, addr)
	}
	return off, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (f *File) ReadMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data, f.Load(off))
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (f *File) WriteMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	f.write(off, binary.LittleEndian.Uint32(data))
	return nil
}

func (f *File) write(off uint64, value uint32) {
	f.mu.Lock()
	if f.cfg.HiWord != nil && f.cfg.HiWord(off) {
		mask := value >> 16
		value = f.words[off]&^mask | value&mask
	}
	f.words[off] = value
	hook := f.onWrite[off]
	f.mu.Unlock()

	if hook != nil {
		hook(value)
	}
}

// Load returns the stored word at a block offset.
func (f *File) Load(off uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[off]
}

// Store sets the word at a block offset, bypassing write-mask decoding.
func (f *File) Store(off uint64, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[off] = value
}

// ResetRange restores [off, off+size) to reset defaults. It models a power
// island losing the registers it hosts.
func (f *File) ResetRange(off, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for o := off; o < off+size; o += 4 {
		if v, ok := f.cfg.Defaults[o]; ok {
			f.words[o] = v
		} else {
			delete(f.words, o)
		}
	}
}

// OnWrite registers fn to run after every write to a block offset, with the
// value as stored.
func (f *File) OnWrite(off uint64, fn func(value uint32)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite[off] = fn
}

// Bytes returns size bytes starting at a block offset, little endian.
func (f *File) Bytes(off, size uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, size)
	for i := uint64(0); i < size; i += 4 {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], f.words[(off+i)&^3])
		copy(out[i:], w[:])
	}
	return out
}

var (
	_ chipset.ChipsetDevice     = (*File)(nil)
	_ chipset.MmioHandler       = (*File)(nil)
	_ chipset.ChangeDeviceState = (*File)(nil)
	_ chipset.Retainer          = (*File)(nil)
)
