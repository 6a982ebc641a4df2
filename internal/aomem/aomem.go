// Package aomem lays out the always-on PMU SRAM: the staged resume code, the
// bootstrap context read by the resume stub, and the per-core and
// per-cluster slots that must survive a cluster losing power.
package aomem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// Offsets within PMU SRAM.
const (
	StubOffset       = 0x0000
	DDRSuspendOffset = 0x0400
	DDRResumeOffset  = 0x0500
	// Everything below DataOffset is code staged by Stage.
	DataOffset = 0x1c00

	BootContextOffset = 0x1c00

	hotplugOffset    = 0x1d00
	entryOffset      = 0x1d20
	coreConfigOffset = 0x1d60
	clusterOffset    = 0x1d80
	slotsEnd         = 0x1d90
)

// Addresses derived from the offsets.
const (
	StubAddr        = soc.PMUSRAMBase + StubOffset
	DDRSuspendAddr  = soc.PMUSRAMBase + DDRSuspendOffset
	DDRResumeAddr   = soc.PMUSRAMBase + DDRResumeOffset
	BootContextAddr = soc.PMUSRAMBase + BootContextOffset
)

// CoreConfig records how a core was taken offline and therefore how it must
// be brought back. The zero value is DomainPowerDown, so an unwritten slot is
// never indeterminate.
type CoreConfig uint32

const (
	DomainPowerDown CoreConfig = iota
	WfiPowerDown
	WfiPowerDownWithInterruptWake
)

func (c CoreConfig) String() string {
	switch c {
	case DomainPowerDown:
		return "domain-power-down"
	case WfiPowerDown:
		return "wfi-power-down"
	case WfiPowerDownWithInterruptWake:
		return "wfi-power-down-int-wake"
	default:
		return fmt.Sprintf("CoreConfig(%d)", uint32(c))
	}
}

// IsWFI reports whether the policy relies on WFI auto power-down.
func (c CoreConfig) IsWFI() bool {
	return c == WfiPowerDown || c == WfiPowerDownWithInterruptWake
}

// ClusterFlag tells the resume stub whether a cluster's PLL was left in
// retention.
type ClusterFlag uint32

const (
	ClusterNormal    ClusterFlag = 0
	ClusterRetention ClusterFlag = soc.ClusterRetention
)

// BootContextSize is the encoded size of a BootContext.
const BootContextSize = 32

// BootContext is read by the resume stub, which runs from reset with no
// stack and no other state. Its encoding is frozen: sp, ddr_func, ddr_data as
// little endian u64, then ddr_flag and boot_mpidr as u32.
type BootContext struct {
	SP        uint64
	DDRFunc   uint64
	DDRData   uint64
	DDRFlag   uint32
	BootMPIDR uint32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c BootContext) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootContextSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.SP)
	binary.LittleEndian.PutUint64(buf[8:16], c.DDRFunc)
	binary.LittleEndian.PutUint64(buf[16:24], c.DDRData)
	binary.LittleEndian.PutUint32(buf[24:28], c.DDRFlag)
	binary.LittleEndian.PutUint32(buf[28:32], c.BootMPIDR)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *BootContext) UnmarshalBinary(data []byte) error {
	if len(data) != BootContextSize {
		return fmt.Errorf("aomem: boot context is %d bytes, want %d", len(data), BootContextSize)
	}
	c.SP = binary.LittleEndian.Uint64(data[0:8])
	c.DDRFunc = binary.LittleEndian.Uint64(data[8:16])
	c.DDRData = binary.LittleEndian.Uint64(data[16:24])
	c.DDRFlag = binary.LittleEndian.Uint32(data[24:28])
	c.BootMPIDR = binary.LittleEndian.Uint32(data[28:32])
	return nil
}

// Memory accesses the always-on SRAM through the register bus.
type Memory struct {
	bus   mmio.Bus
	cache arch.Cache
}

// New returns a view of the PMU SRAM. Slot writes that other cores consume
// are flushed through cache.
func New(bus mmio.Bus, cache arch.Cache) *Memory {
	return &Memory{bus: bus, cache: cache}
}

func (m *Memory) write64(addr, v uint64) {
	m.bus.Write32(addr, uint32(v))
	m.bus.Write32(addr+4, uint32(v>>32))
}

func (m *Memory) read64(addr uint64) uint64 {
	return uint64(m.bus.Read32(addr)) | uint64(m.bus.Read32(addr+4))<<32
}

func (m *Memory) publish(addr, size uint64) {
	m.cache.FlushRange(addr, size)
	m.cache.Barrier()
}

// WriteBootContext stores the context at its fixed address and flushes it.
func (m *Memory) WriteBootContext(c BootContext) {
	buf, _ := c.MarshalBinary()
	for i := 0; i < BootContextSize; i += 4 {
		m.bus.Write32(BootContextAddr+uint64(i), binary.LittleEndian.Uint32(buf[i:]))
	}
	m.publish(BootContextAddr, BootContextSize)
}

// BootContext reads the context back the way the resume stub does.
func (m *Memory) BootContext() BootContext {
	buf := make([]byte, BootContextSize)
	for i := 0; i < BootContextSize; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], m.bus.Read32(BootContextAddr+uint64(i)))
	}
	var c BootContext
	_ = c.UnmarshalBinary(buf)
	return c
}

func slotAddr(base uint64, index int, width uint64) uint64 {
	return soc.PMUSRAMBase + base + uint64(index)*width
}

// HotplugFlag returns the marker left for a core's warm boot.
func (m *Memory) HotplugFlag(core int) uint32 {
	return m.bus.Read32(slotAddr(hotplugOffset, core, 4))
}

// SetHotplugFlag stores a core's warm boot marker. The caller publishes it
// together with the entry point via Barrier.
func (m *Memory) SetHotplugFlag(core int, v uint32) {
	m.bus.Write32(slotAddr(hotplugOffset, core, 4), v)
}

// Entry returns a core's warm boot entry point.
func (m *Memory) Entry(core int) uint64 {
	return m.read64(slotAddr(entryOffset, core, 8))
}

// SetEntry stores a core's warm boot entry point.
func (m *Memory) SetEntry(core int, entry uint64) {
	m.write64(slotAddr(entryOffset, core, 8), entry)
}

// Barrier orders slot writes before whatever wakes the core that reads them.
func (m *Memory) Barrier() {
	m.cache.Barrier()
}

// CoreConfig returns how a core was last taken offline.
func (m *Memory) CoreConfig(core int) CoreConfig {
	return CoreConfig(m.bus.Read32(slotAddr(coreConfigOffset, core, 4)))
}

// SetCoreConfig persists a core's offline policy and flushes it, since the
// reader may run with the coherency fabric off.
func (m *Memory) SetCoreConfig(core int, c CoreConfig) {
	addr := slotAddr(coreConfigOffset, core, 4)
	m.bus.Write32(addr, uint32(c))
	m.publish(addr, 4)
}

// ClusterFlag returns a cluster's retention flag.
func (m *Memory) ClusterFlag(cluster int) ClusterFlag {
	return ClusterFlag(m.bus.Read32(slotAddr(clusterOffset, cluster, 4)))
}

// SetClusterFlag stores a cluster's retention flag. Callers hold the cluster
// lock.
func (m *Memory) SetClusterFlag(cluster int, f ClusterFlag) {
	addr := slotAddr(clusterOffset, cluster, 4)
	m.bus.Write32(addr, uint32(f))
	m.publish(addr, 4)
}

// ResetSlots clears every hotplug marker and cluster flag.
func (m *Memory) ResetSlots() {
	for core := 0; core < soc.CoreCount; core++ {
		m.SetHotplugFlag(core, 0)
	}
	for cluster := 0; cluster < soc.ClusterCount; cluster++ {
		m.bus.Write32(slotAddr(clusterOffset, cluster, 4), uint32(ClusterNormal))
	}
	m.publish(soc.PMUSRAMBase+hotplugOffset, slotsEnd-hotplugOffset)
}

// Relocator copies a position independent image into always-on memory.
type Relocator interface {
	Copy(dst uint64, image []byte) error
}

// WordCopier copies images word by word over the register bus. The tail of an
// image that is not a multiple of four bytes is zero padded.
type WordCopier struct {
	Bus mmio.Bus
}

// Copy implements Relocator.
func (w WordCopier) Copy(dst uint64, image []byte) error {
	if dst%4 != 0 {
		return fmt.Errorf("aomem: unaligned copy destination 0x%x", dst)
	}
	for i := 0; i < len(image); i += 4 {
		var word [4]byte
		copy(word[:], image[i:])
		w.Bus.Write32(dst+uint64(i), binary.LittleEndian.Uint32(word[:]))
	}
	return nil
}

// Images are the code blobs staged into always-on memory.
type Images struct {
	Stub       []byte
	DDRSuspend []byte
	DDRResume  []byte
}

// ErrImageTooLarge is returned when an image would overlap the next region.
var ErrImageTooLarge = errors.New("aomem: image does not fit its region")

// Stage copies the resume stub and the DRAM suspend/resume routines to their
// fixed offsets and flushes them.
func (m *Memory) Stage(r Relocator, img Images) error {
	regions := []struct {
		name  string
		off   uint64
		limit uint64
		data  []byte
	}{
		{"stub", StubOffset, DDRSuspendOffset, img.Stub},
		{"ddr suspend", DDRSuspendOffset, DDRResumeOffset, img.DDRSuspend},
		{"ddr resume", DDRResumeOffset, DataOffset, img.DDRResume},
	}
	for _, reg := range regions {
		if uint64(len(reg.data)) > reg.limit-reg.off {
			return fmt.Errorf("aomem: stage %s (%d bytes): %w", reg.name, len(reg.data), ErrImageTooLarge)
		}
	}
	for _, reg := range regions {
		dst := soc.PMUSRAMBase + reg.off
		if err := r.Copy(dst, reg.data); err != nil {
			return fmt.Errorf("aomem: stage %s: %w", reg.name, err)
		}
		m.publish(dst, uint64(len(reg.data)))
	}
	return nil
}
