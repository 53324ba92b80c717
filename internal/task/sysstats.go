package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seantiz/dsession/internal/bundle"
)

// sysSnapshot is one per-run sample of host-level resource usage.
type sysSnapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Run     int       `json:"run"`

	CPUPercent float64 `json:"cpu_percent"`
	NumCPU     int     `json:"num_cpu"`

	MemTotalMB   float64 `json:"mem_total_mb"`
	MemUsedMB    float64 `json:"mem_used_mb"`
	MemPercent   float64 `json:"mem_percent"`
	GoHeapInUse  uint64  `json:"go_heap_in_use"`
	GoGoroutines int     `json:"go_goroutines"`

	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	Errors []string `json:"errors,omitempty"`
}

// SysStats samples host CPU, memory, disk and load once per run and writes
// each sample as a standalone JSON file. Every probe is best-effort: a
// subsystem that cannot be read becomes an entry in the snapshot's errors
// list instead of failing the run.
type SysStats struct {
	Cadence
}

// NewSysStats creates a system statistics diagnoser with the given cadence.
func NewSysStats(c Cadence) *SysStats {
	return &SysStats{Cadence: c}
}

// ID returns the task identity.
func (s *SysStats) ID() string { return "sysstats" }

// FileName returns the folder name hint.
func (s *SysStats) FileName() string { return "sysstats" }

// BeforeStart is a no-op; the first run creates the folder.
func (s *SysStats) BeforeStart(*bundle.Container) error { return nil }

// Execute takes one snapshot and attaches it to the container.
func (s *SysStats) Execute(ctx context.Context, c *bundle.Container, run int) error {
	snap := s.sample(ctx, run)
	return writeRunFile(c, runFileName("sysstats", run, ".json"), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	})
}

// AfterFinish is a no-op; every run file is already attached.
func (s *SysStats) AfterFinish(*bundle.Container) error { return nil }

func (s *SysStats) sample(ctx context.Context, run int) sysSnapshot {
	snap := sysSnapshot{
		TakenAt:      time.Now().UTC(),
		Run:          run,
		NumCPU:       runtime.NumCPU(),
		GoGoroutines: runtime.NumGoroutine(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.GoHeapInUse = ms.HeapInuse

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("cpu: %v", err))
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("mem: %v", err))
	} else {
		snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
		snap.MemUsedMB = float64(vm.Used) / 1024 / 1024
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("disk: %v", err))
	} else {
		snap.DiskTotalGB = float64(du.Total) / 1024 / 1024 / 1024
		snap.DiskUsedGB = float64(du.Used) / 1024 / 1024 / 1024
		snap.DiskPercent = du.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("load: %v", err))
	} else {
		snap.LoadAvg1 = avg.Load1
		snap.LoadAvg5 = avg.Load5
		snap.LoadAvg15 = avg.Load15
	}

	return snap
}
