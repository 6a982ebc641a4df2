package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/pwrctl/internal/config"
	"github.com/tinyrange/pwrctl/internal/trace"
)

var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(g *globals, args []string) error
}

var commands = []command{
	{"cycle", "run suspend/resume cycles on the simulated board", runCycle},
	{"hotplug", "stress concurrent CPU hotplug on the simulated board", runHotplug},
	{"config", "print the effective board profile", runConfig},
	{"status", "read live power state through /dev/mem", runStatus},
}

// globals are the flags shared by every command.
type globals struct {
	verbose   bool
	profile   string
	tracePath string

	tty bool
	log *slog.Logger
}

func (g *globals) board() (*config.Board, error) {
	if g.profile == "" {
		return config.Default(), nil
	}
	return config.Load(g.profile)
}

// recorder opens the trace file when one was requested. The returned close
// function is never nil.
func (g *globals) recorder() (*trace.Recorder, func() error, error) {
	if g.tracePath == "" {
		return nil, func() error { return nil }, nil
	}
	rec, err := trace.Create(g.tracePath)
	if err != nil {
		return nil, nil, err
	}
	return rec, rec.Close, nil
}

var (
	styleOK   = ansi.Style{}.Bold().ForegroundColor(ansi.Green)
	styleWarn = ansi.Style{}.Bold().ForegroundColor(ansi.Yellow)
	styleBad  = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	styleHead = ansi.Style{}.Bold()
)

func (g *globals) styled(s ansi.Style, str string) string {
	if !g.tty {
		return str
	}
	return s.Styled(str)
}

// pad fills str with spaces to width cells, ignoring escape sequences.
func pad(str string, width int) string {
	for n := ansi.StringWidth(str); n < width; n++ {
		str += " "
	}
	return str
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pmctl - drive the RK3399 power controller

USAGE:
  pmctl [flags] <command> [command flags]

COMMANDS:
`)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nFLAGS:\n")
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
EXAMPLES:
  pmctl cycle -n 100                     Run 100 suspend/resume cycles
  pmctl -trace run.bin cycle -n 1        Record every register access of one cycle
  pmctl cycle -stuck-adb                 Show the fatal path of a stuck ADB400
  pmctl hotplug -rounds 50               Hotplug cores 1-5 concurrently
  pmctl -profile board.yaml config       Validate and print a profile
`)
}

func run() error {
	g := &globals{}
	fs := flag.NewFlagSet("pmctl", flag.ContinueOnError)
	fs.BoolVar(&g.verbose, "v", false, "log at debug level")
	fs.StringVar(&g.profile, "profile", "", "board profile (YAML); defaults to the reference board")
	fs.StringVar(&g.tracePath, "trace", "", "write a binary register trace to this file")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}

	g.tty = term.IsTerminal(int(os.Stdout.Fd()))
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	g.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(g.log)

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(g, fs.Args()[1:])
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

func runConfig(g *globals, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	b, err := g.board()
	if err != nil {
		return err
	}
	out, err := b.Marshal()
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	fmt.Printf("# controller %s\n", config.Version)
	os.Stdout.Write(out)
	return nil
}

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "pmctl: %v\n", err)
		}
		os.Exit(1)
	}
}
