//go:build linux

package main

import (
	"flag"

	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

func runStatus(g *globals, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	dev := fs.String("mem", "/dev/mem", "physical memory device")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	bus, err := mmio.OpenDevMem(*dev,
		mmio.Window{Base: soc.PMUBase, Size: soc.PMUSize},
		mmio.Window{Base: soc.PMUSRAMBase, Size: soc.PMUSRAMSize},
		mmio.Window{Base: soc.CRUBase, Size: soc.CRUSize},
	)
	if err != nil {
		return err
	}
	defer bus.Close()

	printStatus(g, bus)
	return nil
}
