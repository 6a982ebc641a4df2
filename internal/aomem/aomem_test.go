package aomem_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/sim"
	"github.com/tinyrange/pwrctl/internal/soc"
)

var testContext = aomem.BootContext{
	SP:        soc.PMUSRAMBase + soc.PMUSRAMRetainedSize,
	DDRFunc:   aomem.DDRResumeAddr,
	DDRData:   0x12345678_9abcdef0,
	DDRFlag:   1,
	BootMPIDR: soc.MPIDR(4),
}

func TestBootContextLayout(t *testing.T) {
	buf, err := testContext.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(buf) != aomem.BootContextSize {
		t.Fatalf("expected %d bytes, got %d", aomem.BootContextSize, len(buf))
	}
	// The resume stub reads fixed offsets.
	if got := binary.LittleEndian.Uint64(buf[8:]); got != aomem.DDRResumeAddr {
		t.Fatalf("expected ddr_func at offset 8, got 0x%x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[28:]); got != 0x100 {
		t.Fatalf("expected boot mpidr 0x100 at offset 28, got 0x%x", got)
	}

	var c aomem.BootContext
	if err := c.UnmarshalBinary(buf[:20]); err == nil {
		t.Fatalf("expected short buffer rejected")
	}
}

func TestBootContextSurvivesCollapse(t *testing.T) {
	b, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("failed to build board: %v", err)
	}
	cache := &arch.CountingCache{}
	mem := aomem.New(b.Bus(), cache)

	mem.WriteBootContext(testContext)
	mem.SetClusterFlag(1, aomem.ClusterRetention)
	mem.SetEntry(3, 0x4000_0000)
	mem.SetHotplugFlag(3, soc.CPUHotplugMarker)
	before := b.SRAM.Bytes(aomem.BootContextOffset, aomem.BootContextSize)

	if err := b.Collapse(); err != nil {
		t.Fatalf("collapse: %v", err)
	}

	if diff := cmp.Diff(before, b.SRAM.Bytes(aomem.BootContextOffset, aomem.BootContextSize)); diff != "" {
		t.Fatalf("boot context bytes changed across collapse (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(testContext, mem.BootContext()); diff != "" {
		t.Fatalf("boot context mismatch (-want +got):\n%s", diff)
	}
	if mem.ClusterFlag(1) != aomem.ClusterRetention {
		t.Fatalf("expected cluster flag retained")
	}
	if mem.Entry(3) != 0x4000_0000 || mem.HotplugFlag(3) != soc.CPUHotplugMarker {
		t.Fatalf("expected core 3 slots retained, got entry 0x%x marker 0x%x", mem.Entry(3), mem.HotplugFlag(3))
	}
	if cache.Flushes() == 0 || cache.Barriers() == 0 {
		t.Fatalf("expected published writes to flush, got %d flushes %d barriers", cache.Flushes(), cache.Barriers())
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	bus := mmio.NewMemory()
	mem := aomem.New(bus, &arch.CountingCache{})

	for core := 0; core < soc.CoreCount; core++ {
		mem.SetEntry(core, uint64(core)<<32|0x1000)
		mem.SetCoreConfig(core, aomem.CoreConfig(core%3))
	}
	for core := 0; core < soc.CoreCount; core++ {
		if got := mem.Entry(core); got != uint64(core)<<32|0x1000 {
			t.Fatalf("expected core %d entry 0x%x, got 0x%x", core, uint64(core)<<32|0x1000, got)
		}
		if got := mem.CoreConfig(core); got != aomem.CoreConfig(core%3) {
			t.Fatalf("expected core %d config %s, got %s", core, aomem.CoreConfig(core%3), got)
		}
	}

	mem.SetHotplugFlag(2, soc.CPUAutoPwrdnMarker)
	mem.SetClusterFlag(0, aomem.ClusterRetention)
	mem.ResetSlots()
	if mem.HotplugFlag(2) != 0 || mem.ClusterFlag(0) != aomem.ClusterNormal {
		t.Fatalf("expected slots cleared")
	}
	if mem.CoreConfig(1) != aomem.WfiPowerDown {
		t.Fatalf("expected core config kept across slot reset, got %s", mem.CoreConfig(1))
	}

	for _, addr := range bus.WrittenAddrs() {
		if addr < soc.PMUSRAMBase+aomem.DataOffset || addr >= soc.PMUSRAMBase+soc.PMUSRAMRetainedSize {
			t.Fatalf("slot write at 0x%x outside the data region", addr)
		}
	}
}

func TestStage(t *testing.T) {
	bus := mmio.NewMemory()
	cache := &arch.CountingCache{}
	mem := aomem.New(bus, cache)

	img := aomem.Images{
		Stub:       []byte{1, 2, 3, 4, 5},
		DDRSuspend: []byte{6, 7, 8, 9},
		DDRResume:  []byte{10},
	}
	if err := mem.Stage(aomem.WordCopier{Bus: bus}, img); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if got := bus.Peek(aomem.StubAddr); got != 0x04030201 {
		t.Fatalf("expected stub word 0x04030201, got 0x%08x", got)
	}
	if got := bus.Peek(aomem.StubAddr + 4); got != 0x05 {
		t.Fatalf("expected zero padded tail 0x05, got 0x%08x", got)
	}
	if got := bus.Peek(aomem.DDRSuspendAddr); got != 0x09080706 {
		t.Fatalf("expected ddr suspend word, got 0x%08x", got)
	}
	if got := bus.Peek(aomem.DDRResumeAddr); got != 0x0a {
		t.Fatalf("expected ddr resume word, got 0x%08x", got)
	}
	if cache.Flushes() != 3 {
		t.Fatalf("expected 3 flushes, got %d", cache.Flushes())
	}
}

func TestStageRejectsOversizedImage(t *testing.T) {
	bus := mmio.NewMemory()
	mem := aomem.New(bus, &arch.CountingCache{})

	img := aomem.Images{DDRSuspend: make([]byte, aomem.DDRResumeOffset-aomem.DDRSuspendOffset+1)}
	err := mem.Stage(aomem.WordCopier{Bus: bus}, img)
	if !errors.Is(err, aomem.ErrImageTooLarge) {
		t.Fatalf("expected image too large, got %v", err)
	}
	if bus.Writes() != 0 {
		t.Fatalf("expected nothing copied, got %d writes", bus.Writes())
	}
}

func TestWordCopierAlignment(t *testing.T) {
	bus := mmio.NewMemory()
	if err := (aomem.WordCopier{Bus: bus}).Copy(aomem.StubAddr+2, []byte{1}); err == nil {
		t.Fatalf("expected unaligned destination rejected")
	}
}
