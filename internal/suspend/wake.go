package suspend

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// WakeSource is one bit of PMU_WAKEUP_STATUS.
type WakeSource struct {
	Bit  uint
	Name string
}

var wakeSources = []WakeSource{
	{soc.WakeClusterL, "cluster-l interrupt"},
	{soc.WakeClusterB, "cluster-b interrupt"},
	{soc.WakeGPIO, "gpio interrupt"},
	{soc.WakeSDIO, "sdio interrupt"},
	{soc.WakeSDMMC, "sdmmc interrupt"},
	{soc.WakeTimer, "timer interrupt"},
	{soc.WakeUSBDev, "usb device detect"},
	{soc.WakeM0Sft, "m0 software interrupt"},
	{soc.WakeM0WDT, "m0 watchdog interrupt"},
	{soc.WakeTimeout, "timeout interrupt"},
	{soc.WakePWM, "pwm interrupt"},
	{soc.WakePCIe, "pcie interrupt"},
}

// DecodeWake returns the wake sources set in status.
func DecodeWake(status uint32) []WakeSource {
	var out []WakeSource
	for _, w := range wakeSources {
		if status&mmio.Bit(w.Bit) != 0 {
			out = append(out, w)
		}
	}
	return out
}

// WakeReport is what the resume path learned about why the system woke.
type WakeReport struct {
	Status  uint32
	Sources []WakeSource
	// GPIO interrupt status of both alive GPIO banks, read when GPIO woke
	// the system.
	GPIO0, GPIO1 uint32
}

func (r WakeReport) String() string {
	if len(r.Sources) == 0 {
		return fmt.Sprintf("0x%08x (none)", r.Status)
	}
	s := fmt.Sprintf("0x%08x", r.Status)
	for _, w := range r.Sources {
		s += " " + w.Name
	}
	return s
}

func readWakeReport(bus mmio.Bus) WakeReport {
	r := WakeReport{Status: bus.Read32(soc.PMUBase + soc.PMU_WAKEUP_STATUS)}
	r.Sources = DecodeWake(r.Status)
	if r.Status&mmio.Bit(soc.WakeGPIO) != 0 {
		r.GPIO0 = bus.Read32(soc.GPIO0Base + soc.GPIO_INT_STATUS)
		r.GPIO1 = bus.Read32(soc.GPIO1Base + soc.GPIO_INT_STATUS)
	}
	return r
}

func logWakeReport(log *slog.Logger, r WakeReport) {
	log.Info("suspend: wake status", "status", fmt.Sprintf("0x%08x", r.Status))
	for _, w := range r.Sources {
		if w.Bit == soc.WakeGPIO {
			log.Info("suspend: woken", "source", w.Name,
				"gpio0", fmt.Sprintf("0x%x", r.GPIO0), "gpio1", fmt.Sprintf("0x%x", r.GPIO1))
			continue
		}
		log.Info("suspend: woken", "source", w.Name)
	}
}
