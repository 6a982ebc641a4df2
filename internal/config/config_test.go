package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pwrctl/internal/soc"
	"github.com/tinyrange/pwrctl/internal/suspend"
)

func TestDefaultIsValid(t *testing.T) {
	b := Default()
	if err := b.Validate(); err != nil {
		t.Fatalf("expected default profile valid, got %v", err)
	}
	if diff := cmp.Diff(suspend.DefaultTimings, b.SuspendOptions().Timings); diff != "" {
		t.Fatalf("default timings mismatch (-want +got):\n%s", diff)
	}
	if got := b.WakeSourceMask(); got != suspend.DefaultWakeSources {
		t.Fatalf("expected wake mask 0x%x, got 0x%x", suspend.DefaultWakeSources, got)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	b, err := Parse([]byte(`
name: test-board
min_version: 0.3.1
boot_core: 4
warm_boot_addr: 0x200000
suspend:
  center_power_down: false
  pll_suspend: true
  abort_on_pending_wake: true
  wake_sources: [gpio, timer, pcie]
poll:
  switch_attempts: 50
  interval: 10us
timings:
  osc_stable: 8ms
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if b.Name != "test-board" || b.BootCore != 4 {
		t.Fatalf("unexpected identity %q core %d", b.Name, b.BootCore)
	}

	opts := b.SuspendOptions()
	want := suspend.Options{
		PLLSuspend:         true,
		AbortOnPendingWake: true,
		WakeSources:        1<<soc.WakeGPIO | 1<<soc.WakeTimer | 1<<soc.WakePCIe,
		Timings:            suspend.DefaultTimings,
		WarmBootAddr:       0x200000,
	}
	want.Timings.OscStable = 8
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("suspend options mismatch (-want +got):\n%s", diff)
	}

	popts := b.PMUOptions()
	if popts.SwitchAttempts != 50 || popts.Interval != 10 {
		t.Fatalf("expected 50 attempts at 10us, got %d at %d", popts.SwitchAttempts, popts.Interval)
	}
	// Unset fields keep their defaults.
	if b.Poll.HandshakeAttempts != Default().Poll.HandshakeAttempts {
		t.Fatalf("expected default handshake attempts, got %d", b.Poll.HandshakeAttempts)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
boot_core: 9
warm_boot_addr: 0x41234
suspend:
  wake_sources: [gpio, doorbell]
poll:
  switch_attempts: 0
timings:
  stable: 1500us
`))
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{
		"boot_core 9 out of range",
		"not 64 KiB aligned",
		`unknown wake source "doorbell"`,
		"poll attempts must be positive",
		"timing stable",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestValidateRejectsBigClusterBootCore(t *testing.T) {
	_, err := Parse([]byte("boot_core: 4\n"))
	if err == nil || !strings.Contains(err.Error(), "boot_core 4 is in the big cluster") {
		t.Fatalf("expected big cluster boot core rejected, got %v", err)
	}
}

func TestMinVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"", true},
		{"0.1.0", true},
		{"v0.4.0", true},
		{"v0.9.0", false},
		{"1.0", false},
		{"latest", false},
	}
	for _, tt := range tests {
		b := Default()
		b.MinVersion = tt.version
		err := b.Validate()
		if (err == nil) != tt.ok {
			t.Fatalf("min_version %q: expected ok=%v, got %v", tt.version, tt.ok, err)
		}
	}
}

func TestDurationYAML(t *testing.T) {
	b := Default()
	b.Poll.Interval = Duration(25 * time.Microsecond)
	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "interval: 25") {
		t.Fatalf("expected interval written as a duration string, got:\n%s", data)
	}

	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse marshaled profile: %v", err)
	}
	if diff := cmp.Diff(b, back); diff != "" {
		t.Fatalf("profile changed across marshal (-want +got):\n%s", diff)
	}

	if _, err := Parse([]byte("poll:\n  interval: soon\n")); err == nil {
		t.Fatalf("expected invalid duration rejected")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte("name: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Name != "from-file" {
		t.Fatalf("expected name from-file, got %q", b.Name)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWakeSourceNames(t *testing.T) {
	names := WakeSourceNames()
	if len(names) != 12 || names[0] != "cluster-b" {
		t.Fatalf("unexpected names %v", names)
	}
}
