// Package mmio defines the word-granular register access contract used by the
// power controller, plus the backends it runs on.
package mmio

// Bus performs 32-bit register accesses at physical addresses.
//
// Register accesses on the target cannot fail; a backend that is asked for an
// address it does not map panics, the same way a data abort would stop the
// firmware.
type Bus interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// Bit returns a word with bit n set.
func Bit(n uint) uint32 {
	return 1 << n
}

// WithMask returns the Rockchip hi-word encoding that sets bit n: the bit
// itself plus its write-enable in the upper half.
func WithMask(n uint) uint32 {
	return 1<<n | 1<<(n+16)
}

// MaskOnly returns the hi-word encoding that clears bit n.
func MaskOnly(n uint) uint32 {
	return 1 << (n + 16)
}

// SetBits ors bits into the register at addr.
func SetBits(b Bus, addr uint64, bits uint32) {
	b.Write32(addr, b.Read32(addr)|bits)
}

// ClrBits clears bits in the register at addr.
func ClrBits(b Bus, addr uint64, bits uint32) {
	b.Write32(addr, b.Read32(addr)&^bits)
}

// ClrSetBits clears clr then sets set in a single read-modify-write.
func ClrSetBits(b Bus, addr uint64, clr, set uint32) {
	b.Write32(addr, b.Read32(addr)&^clr|set)
}
