package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
)

func newTestContainer(t *testing.T) *bundle.Container {
	t.Helper()
	return bundle.NewRoot("test", t.TempDir())
}

func TestRunFileName(t *testing.T) {
	name := runFileName("sysstats", 7, ".json")
	pattern := `^sysstats-007-\d{4}-\d{2}-\d{2}_\d{2}\.\d{2}\.\d{2}\.\d{3}Z\.json$`
	if ok, _ := regexp.MatchString(pattern, name); !ok {
		t.Fatalf("run file name %q does not match %s", name, pattern)
	}
}

func TestRegistryUnknownTask(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("nope", Cadence{}, nil); err == nil {
		t.Fatal("expected error for unregistered task")
	}
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	want := []string{"cmddump", "jitter", "sysstats"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}

	tk, err := r.New("jitter", Cadence{Every: time.Second, Count: 3}, nil)
	if err != nil {
		t.Fatalf("New(jitter): %v", err)
	}
	if tk.ID() != "jitter" || tk.Runs() != 3 {
		t.Fatalf("unexpected task: id=%s runs=%d", tk.ID(), tk.Runs())
	}
}

func TestJitterLifecycle(t *testing.T) {
	c := newTestContainer(t)
	j := NewJitter(Cadence{Every: 10 * time.Millisecond, Count: 2})

	if err := j.BeforeStart(c); err != nil {
		t.Fatalf("BeforeStart: %v", err)
	}
	for run := 1; run <= 2; run++ {
		if err := j.Execute(context.Background(), c, run); err != nil {
			t.Fatalf("Execute run %d: %v", run, err)
		}
	}
	if err := j.AfterFinish(c); err != nil {
		t.Fatalf("AfterFinish: %v", err)
	}

	entries, err := os.ReadDir(c.FolderPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d entries", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(c.FolderPath(), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "run   1:") || !strings.Contains(text, "run   2:") {
		t.Fatalf("log missing run lines:\n%s", text)
	}
	if !strings.Contains(text, "completed 2 runs") {
		t.Fatalf("log missing summary:\n%s", text)
	}
}

func TestJitterExecuteWithoutStart(t *testing.T) {
	c := newTestContainer(t)
	j := NewJitter(Cadence{Count: 1})
	if err := j.Execute(context.Background(), c, 1); err == nil {
		t.Fatal("expected error when log is not open")
	}
	// AfterFinish must tolerate a task that never started.
	if err := j.AfterFinish(c); err != nil {
		t.Fatalf("AfterFinish: %v", err)
	}
}

func TestSysStatsWritesSnapshot(t *testing.T) {
	c := newTestContainer(t)
	s := NewSysStats(Cadence{Count: 1})

	if err := s.BeforeStart(c); err != nil {
		t.Fatalf("BeforeStart: %v", err)
	}
	if err := s.Execute(context.Background(), c, 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries, err := os.ReadDir(c.FolderPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one snapshot, got %d entries", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(c.FolderPath(), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var snap sysSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.Run != 1 {
		t.Fatalf("snapshot run = %d, want 1", snap.Run)
	}
	if snap.NumCPU < 1 || snap.GoGoroutines < 1 {
		t.Fatalf("implausible snapshot: %+v", snap)
	}
}

func TestCmdDumpEmptyCommandFailsStart(t *testing.T) {
	d := NewCmdDump(Cadence{Count: 1}, "   ")
	if err := d.BeforeStart(newTestContainer(t)); err == nil {
		t.Fatal("expected BeforeStart to reject an empty command")
	}
}

func TestCmdDumpMissingBinaryFailsStart(t *testing.T) {
	d := NewCmdDump(Cadence{Count: 1}, "definitely-not-a-real-binary-xyz")
	if err := d.BeforeStart(newTestContainer(t)); err == nil {
		t.Fatal("expected BeforeStart to reject an unresolvable command")
	}
}

func TestCmdDumpCapturesOutput(t *testing.T) {
	c := newTestContainer(t)
	d := NewCmdDump(Cadence{Count: 1}, "echo hello world")

	if err := d.BeforeStart(c); err != nil {
		t.Skipf("echo not available: %v", err)
	}
	if err := d.Execute(context.Background(), c, 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries, err := os.ReadDir(c.FolderPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dump file, got %d entries", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(c.FolderPath(), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "$ echo hello world") {
		t.Fatalf("dump missing command line:\n%s", text)
	}
	if !strings.Contains(text, "hello world") {
		t.Fatalf("dump missing command output:\n%s", text)
	}
}

func TestCmdDumpRecordsFailure(t *testing.T) {
	c := newTestContainer(t)
	d := NewCmdDump(Cadence{Count: 1}, "false")

	if err := d.BeforeStart(c); err != nil {
		t.Skipf("false not available: %v", err)
	}
	err := d.Execute(context.Background(), c, 1)
	if err == nil {
		t.Fatal("expected Execute to report the non-zero exit")
	}

	// The capture file is written even when the command fails.
	entries, readErr := os.ReadDir(c.FolderPath())
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dump file, got %d entries", len(entries))
	}
}
