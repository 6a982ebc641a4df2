package main

import (
	"fmt"

	"github.com/tinyrange/pwrctl/internal/aomem"
	"github.com/tinyrange/pwrctl/internal/arch"
	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/pmu"
	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

// printStatus reports the power state without writing a register.
func printStatus(g *globals, bus mmio.Bus) {
	reg := pmu.NewRegistry(bus, pmu.Options{Logger: g.log})
	mem := aomem.New(bus, &arch.CountingCache{})

	fmt.Println(g.styled(styleHead, "power domains"))
	bitmap := reg.Bitmap()
	for d := pmu.Domain(0); d < pmu.DomainCount; d++ {
		st := "on"
		style := styleOK
		if bitmap&d.Bit() != 0 {
			st, style = "off", styleWarn
		}
		fmt.Printf("  %s %s\n", pad(d.String(), 12), g.styled(style, st))
	}

	fmt.Println(g.styled(styleHead, "cores"))
	for core := 0; core < soc.CoreCount; core++ {
		con := bus.Read32(soc.PMUBase + soc.PMU_CORE_PM_CON(core))
		fmt.Printf("  %s config=%s pm_con=0x%x marker=0x%08x entry=0x%x\n",
			pad(fmt.Sprintf("cpu%d", core), 12), mem.CoreConfig(core), con,
			mem.HotplugFlag(core), mem.Entry(core))
	}

	fmt.Println(g.styled(styleHead, "clusters"))
	for c, pll := range []int{soc.ALPLL, soc.ABPLL} {
		v := bus.Read32(soc.CRUBase + soc.CRU_PLL_CON(pll, 3))
		mode := v >> soc.PLLModeShift & soc.PLLModeMask
		style := styleOK
		if mode != soc.PLLNormal {
			style = styleBad
		}
		fmt.Printf("  %s flag=0x%02x pll_mode=%s\n", pad(fmt.Sprintf("cluster%d", c), 12),
			uint32(mem.ClusterFlag(c)), g.styled(style, fmt.Sprint(mode)))
	}

	boot := mem.BootContext()
	fmt.Println(g.styled(styleHead, "resume context"))
	fmt.Printf("  sp=0x%x ddr_func=0x%x ddr_data=0x%x ddr_flag=%d boot_mpidr=0x%x\n",
		boot.SP, boot.DDRFunc, boot.DDRData, boot.DDRFlag, boot.BootMPIDR)

	wake := bus.Read32(soc.PMUBase + soc.PMU_WAKEUP_STATUS)
	fmt.Println(g.styled(styleHead, "wake status"))
	for _, w := range suspend.DecodeWake(wake) {
		fmt.Printf("  %s\n", w.Name)
	}
	fmt.Printf("  PMU_WAKEUP_STATUS=0x%08x PMU_BUS_IDLE_ST=0x%08x\n",
		wake, bus.Read32(soc.PMUBase+soc.PMU_BUS_IDLE_ST))
}
