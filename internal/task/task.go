// Package task defines the contract between the session engine and the
// diagnostic payloads it schedules, the registry through which the hosting
// application supplies them, and the built-in diagnosers.
package task

import (
	"context"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
)

// Task is one pluggable unit of repeated diagnostic work. The engine treats
// it as an opaque capability: cadence accessors, a file-name hint for the
// container folder, and three lifecycle hooks. Hooks may fail freely; the
// engine logs and records hook errors without destabilizing the schedule or
// other tasks.
type Task interface {
	// ID uniquely identifies the task within a session.
	ID() string
	// FileName is the name used for the task's folder inside the bundle.
	FileName() string

	InitialDelay() time.Duration
	Period() time.Duration
	// Runs is the number of times Execute will be invoked.
	Runs() int

	// BeforeStart runs once before the first tick is scheduled.
	BeforeStart(c *bundle.Container) error
	// Execute runs once per tick with the 1-based run number. The context is
	// cancelled when the run is interrupted or the pool shuts down.
	Execute(ctx context.Context, c *bundle.Container, run int) error
	// AfterFinish runs exactly once, after the last run or on cancellation.
	AfterFinish(c *bundle.Container) error
}

// Cadence carries the immutable scheduling parameters of a task and provides
// the accessor half of the Task interface for embedding.
type Cadence struct {
	Delay time.Duration
	Every time.Duration
	Count int
}

// InitialDelay returns the delay before the first run.
func (c Cadence) InitialDelay() time.Duration { return c.Delay }

// Period returns the interval between runs.
func (c Cadence) Period() time.Duration { return c.Every }

// Runs returns the configured run count.
func (c Cadence) Runs() int { return c.Count }
