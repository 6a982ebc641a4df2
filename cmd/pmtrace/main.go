package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/trace"
)

var pmuRegNames = map[uint64]string{
	soc.PMU_WKUP_CFG4:     "PMU_WKUP_CFG4",
	soc.PMU_PWRDN_CON:     "PMU_PWRDN_CON",
	soc.PMU_PWRDN_ST:      "PMU_PWRDN_ST",
	soc.PMU_PLL_CON:       "PMU_PLL_CON",
	soc.PMU_PWRMODE_CON:   "PMU_PWRMODE_CON",
	soc.PMU_SFT_CON:       "PMU_SFT_CON",
	soc.PMU_WAKEUP_STATUS: "PMU_WAKEUP_STATUS",
	soc.PMU_BUS_CLR:       "PMU_BUS_CLR",
	soc.PMU_BUS_IDLE_REQ:  "PMU_BUS_IDLE_REQ",
	soc.PMU_BUS_IDLE_ST:   "PMU_BUS_IDLE_ST",
	soc.PMU_BUS_IDLE_ACK:  "PMU_BUS_IDLE_ACK",
	soc.PMU_CCI500_CON:    "PMU_CCI500_CON",
	soc.PMU_ADB400_CON:    "PMU_ADB400_CON",
	soc.PMU_ADB400_ST:     "PMU_ADB400_ST",
	soc.PMU_CORE_PWR_ST:   "PMU_CORE_PWR_ST",
	soc.PMU_NOC_AUTO_ENA:  "PMU_NOC_AUTO_ENA",
}

func regName(addr uint64) string {
	if addr >= soc.PMUBase && addr < soc.PMUBase+soc.PMUSize {
		off := addr - soc.PMUBase
		if n, ok := pmuRegNames[off]; ok {
			return n
		}
		for core := 0; core < soc.CoreCount; core++ {
			if off == soc.PMU_CORE_PM_CON(core) {
				return fmt.Sprintf("PMU_CORE_PM_CON(%d)", core)
			}
		}
	}
	return ""
}

func parseKinds(s string) ([]trace.Kind, error) {
	if s == "" {
		return nil, nil
	}
	var kinds []trace.Kind
	for _, c := range strings.ToUpper(s) {
		switch c {
		case 'R':
			kinds = append(kinds, trace.KindRead)
		case 'W':
			kinds = append(kinds, trace.KindWrite)
		case 'N':
			kinds = append(kinds, trace.KindNote)
		default:
			return nil, fmt.Errorf("unknown record kind %q (want R, W or N)", c)
		}
	}
	return kinds, nil
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	summary := flag.Bool("summary", false, "count accesses per register")
	source := flag.String("source", "", "regex to filter sources")
	kinds := flag.String("kind", "", "record kinds to show, any of R, W, N")
	addr := flag.String("addr", "", "only register records at this address (hex)")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pmtrace - inspect binary register traces

USAGE:
  pmtrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -summary       Count reads and writes per register, busiest first
  -source REGEX  Only show records whose source matches regex (Go regexp syntax)
  -kind KINDS    Only show these record kinds: R (read), W (write), N (note)
  -addr HEX      Only show register records at this physical address
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each record is printed as: TIMESTAMP [SOURCE] KIND ADDRESS = VALUE (NAME)
  Timestamps are RFC3339Nano format (e.g. 2024-01-15T10:30:00.123456789Z)

EXAMPLES:
  pmtrace run.bin                          Show records (errors if >100)
  pmtrace -tail run.bin                    Show last 100 records
  pmtrace -source '^pmu$' -kind W run.bin  Every PMU register write
  pmtrace -addr 0xff310018 -limit 0 run.bin  Every access to PMU_PWRDN_ST
  pmtrace -summary run.bin                 Busiest registers
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	var filter trace.Filter
	if *source != "" {
		re, err := regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
		filter.Source = re
	}
	k, err := parseKinds(*kinds)
	if err != nil {
		return err
	}
	filter.Kinds = k
	if *addr != "" {
		a, err := strconv.ParseUint(strings.TrimPrefix(*addr, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", *addr, err)
		}
		filter.Addr = a
	}

	records, err := trace.ReadFile(filename, filter)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	// Handle -list
	if *list {
		seen := make(map[string]bool)
		var sources []string
		for _, r := range records {
			if !seen[r.Source] {
				seen[r.Source] = true
				sources = append(sources, r.Source)
			}
		}
		sort.Strings(sources)
		for _, s := range sources {
			fmt.Println(s)
		}
		return nil
	}

	// Handle -range
	if *timeRange {
		if len(records) == 0 {
			return fmt.Errorf("no records")
		}
		earliest, latest := records[0].Time, records[0].Time
		for _, r := range records {
			if r.Time.Before(earliest) {
				earliest = r.Time
			}
			if r.Time.After(latest) {
				latest = r.Time
			}
		}
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	// Handle -summary
	if *summary {
		type count struct {
			addr          uint64
			reads, writes int
		}
		counts := make(map[uint64]*count)
		for _, r := range records {
			if r.Kind == trace.KindNote {
				continue
			}
			c := counts[r.Addr]
			if c == nil {
				c = &count{addr: r.Addr}
				counts[r.Addr] = c
			}
			if r.Kind == trace.KindRead {
				c.reads++
			} else {
				c.writes++
			}
		}
		var sorted []*count
		for _, c := range counts {
			sorted = append(sorted, c)
		}
		sort.Slice(sorted, func(i, j int) bool {
			ti, tj := sorted[i].reads+sorted[i].writes, sorted[j].reads+sorted[j].writes
			if ti != tj {
				return ti > tj
			}
			return sorted[i].addr < sorted[j].addr
		})
		for _, c := range sorted {
			fmt.Printf("0x%08x %6d reads %6d writes  %s\n", c.addr, c.reads, c.writes, regName(c.addr))
		}
		return nil
	}

	// Apply limit
	if *limit > 0 && len(records) > *limit {
		switch {
		case *tail:
			records = records[len(records)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many records: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(records), *limit, *limit)
		default:
			records = records[:*limit]
		}
	}

	for _, r := range records {
		if n := regName(r.Addr); n != "" && r.Kind != trace.KindNote {
			fmt.Printf("%s (%s)\n", r, n)
			continue
		}
		fmt.Println(r)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmtrace: %v\n", err)
		os.Exit(1)
	}
}
