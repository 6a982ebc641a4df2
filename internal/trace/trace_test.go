package trace

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func readAll(t *testing.T, data []byte, f Filter) []Record {
	t.Helper()
	var out []Record
	if err := NewReader(bytes.NewReader(data)).Each(f, func(r Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	return out
}

func TestRecorderRoundTrip(t *testing.T) {
	buf := &Buffer{}
	rec := New(buf)
	ts := time.Unix(1700000000, 42)
	rec.now = func() time.Time { return ts }

	rec.Register(KindWrite, "pmu", 0xff310014, 0x00008000)
	rec.Register(KindRead, "pmu", 0xff310018, 0x00008000)
	rec.Notef("suspend", "cycle %d", 3)

	got := readAll(t, buf.Bytes(), Filter{})
	want := []Record{
		{Time: ts, Kind: KindWrite, Source: "pmu", Addr: 0xff310014, Value: 0x00008000},
		{Time: ts, Kind: KindRead, Source: "pmu", Addr: 0xff310018, Value: 0x00008000},
		{Time: ts, Kind: KindNote, Source: "suspend", Message: "cycle 3"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter(t *testing.T) {
	buf := &Buffer{}
	rec := New(buf)
	rec.Register(KindWrite, "pmu", 0xff310014, 1)
	rec.Register(KindRead, "pmu", 0xff310018, 1)
	rec.Register(KindWrite, "cru", 0xff76030c, 2)
	rec.Notef("pmu", "hello")

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"source", Filter{Source: regexp.MustCompile("^pmu$")}, 3},
		{"writes", Filter{Kinds: []Kind{KindWrite}}, 2},
		{"addr", Filter{Addr: 0xff310018}, 1},
		{"addr excludes notes", Filter{Addr: 0xff310014, Kinds: []Kind{KindNote}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(readAll(t, buf.Bytes(), tt.filter)); got != tt.want {
				t.Fatalf("expected %d records, got %d", tt.want, got)
			}
		})
	}
}

func TestConcurrentWriters(t *testing.T) {
	buf := &Buffer{}
	rec := New(buf)

	var wg sync.WaitGroup
	for core := 0; core < 6; core++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rec.Register(KindWrite, fmt.Sprintf("cpu%d", core), uint64(core), uint32(i))
			}
		}()
	}
	wg.Wait()

	got := readAll(t, buf.Bytes(), Filter{})
	if len(got) != 600 {
		t.Fatalf("expected 600 records, got %d", len(got))
	}
	next := make(map[string]uint32)
	for _, r := range got {
		if r.Value != next[r.Source] {
			t.Fatalf("%s: expected value %d, got %d", r.Source, next[r.Source], r.Value)
		}
		next[r.Source]++
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.bin")
	rec, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.Register(KindWrite, "sgrf", 0xff33c004, 0xffff0004)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadFile(path, Filter{})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := []Record{{Kind: KindWrite, Source: "sgrf", Addr: 0xff33c004, Value: 0xffff0004}}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Record{}, "Time")); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	if err := rec.Register(KindRead, "pmu", 0, 0); err != nil {
		t.Fatalf("Register on nil recorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close on nil recorder: %v", err)
	}
}
