package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
)

// Jitter measures how far apart its own ticks actually land versus the
// configured period. Large deviations mean the diagnostic pool (and likely
// the whole process) is starved, which is exactly the situation a session is
// usually investigating. All runs append to a single log file; a summary
// line is written when the task finishes.
type Jitter struct {
	Cadence

	mu       sync.Mutex
	file     *os.File
	fileName string
	lastTick time.Time
	worst    time.Duration
	total    time.Duration
	ticks    int
}

// NewJitter creates a jitter diagnoser with the given cadence.
func NewJitter(c Cadence) *Jitter {
	return &Jitter{Cadence: c}
}

// ID returns the task identity.
func (j *Jitter) ID() string { return "jitter" }

// FileName returns the folder name hint.
func (j *Jitter) FileName() string { return "jitter" }

// BeforeStart opens the accumulating log file.
func (j *Jitter) BeforeStart(c *bundle.Container) error {
	if err := os.MkdirAll(c.FolderPath(), 0o755); err != nil {
		return fmt.Errorf("create task folder: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.fileName = fmt.Sprintf("jitter-%s.log", time.Now().UTC().Format(fileStampLayout))
	f, err := os.Create(filepath.Join(c.FolderPath(), j.fileName))
	if err != nil {
		return fmt.Errorf("create jitter log: %w", err)
	}
	j.file = f
	j.lastTick = time.Now()
	fmt.Fprintf(f, "scheduling jitter probe, period %v, %d runs\n", j.Period(), j.Runs())
	return nil
}

// Execute records the gap since the previous tick and its deviation from the
// configured period.
func (j *Jitter) Execute(_ context.Context, _ *bundle.Container, run int) error {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("jitter log is not open")
	}

	gap := now.Sub(j.lastTick)
	j.lastTick = now

	expected := j.Period()
	if run == 1 {
		expected = j.InitialDelay()
	}
	deviation := gap - expected
	if deviation < 0 {
		deviation = -deviation
	}
	j.ticks++
	j.total += deviation
	if deviation > j.worst {
		j.worst = deviation
	}

	_, err := fmt.Fprintf(j.file, "run %3d: gap %v, deviation %v\n", run, gap, deviation)
	return err
}

// AfterFinish writes the summary, closes the log and attaches it.
func (j *Jitter) AfterFinish(c *bundle.Container) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}

	mean := time.Duration(0)
	if j.ticks > 0 {
		mean = j.total / time.Duration(j.ticks)
	}
	fmt.Fprintf(j.file, "completed %d runs, mean deviation %v, worst %v\n", j.ticks, mean, j.worst)

	err := j.file.Close()
	j.file = nil
	c.Add(bundle.NewFileContent(j.fileName, filepath.Join(c.FolderPath(), j.fileName)))
	c.SetDetails(fmt.Sprintf("scheduling jitter over %d runs: mean %v, worst %v", j.ticks, mean, j.worst))
	return err
}
