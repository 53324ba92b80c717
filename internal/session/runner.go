package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/dsession/internal/bundle"
	"github.com/seantiz/dsession/internal/model"
	"github.com/seantiz/dsession/internal/sched"
	"github.com/seantiz/dsession/internal/task"
)

// runnerListener receives runner progress notifications. Both callbacks are
// invoked from pool worker goroutines and must not call back into the runner.
type runnerListener interface {
	runFinished(taskID string, run int)
	taskFinished(taskID string)
}

// Runner drives one task within one session: it schedules the task's
// periodic ticks on the pool, counts completed runs, and finishes exactly
// once, either on its own after the last run or through Cancel. Runners are
// created per session and never reused.
type Runner struct {
	task      task.Task
	container *bundle.Container
	listener  runnerListener
	logger    *slog.Logger

	counter atomic.Int32

	mu          sync.Mutex
	ticket      *sched.Ticket
	scheduled   bool
	failedStart bool
	finishing   bool
	finished    bool
}

func newRunner(t task.Task, c *bundle.Container, l runnerListener, logger *slog.Logger) *Runner {
	return &Runner{
		task:      t,
		container: c,
		listener:  l,
		logger:    logger.With("task_id", t.ID()),
	}
}

// Schedule starts the runner on the pool. It is one-shot: a second call on
// an already-scheduled runner is a no-op. A failed before-start hook leaves
// the runner finished without ever ticking; the failure is recorded in the
// container and returned so the caller can surface it.
func (r *Runner) Schedule(pool *sched.Pool) error {
	r.mu.Lock()
	if r.scheduled || r.finishing {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.task.BeforeStart(r.container); err != nil {
		r.logger.Error("task failed to start", "error", err)
		r.container.RecordError(fmt.Sprintf("task %s failed to start", r.task.ID()), err)
		r.mu.Lock()
		r.failedStart = true
		r.finishing = true
		r.finished = true
		r.mu.Unlock()
		return fmt.Errorf("start task %s: %w", r.task.ID(), err)
	}

	// Register under the lock so a cancel arriving during the before-start
	// hook cannot slip between the re-check and the registration. A runner
	// finished in the interim never ticks.
	r.mu.Lock()
	if r.finishing {
		r.mu.Unlock()
		return nil
	}
	r.scheduled = true
	r.ticket = pool.SchedulePeriodic(r.task.InitialDelay(), r.task.Period(), r.tick)
	r.mu.Unlock()
	return nil
}

// tick is one scheduled run of the task. Execute failures are logged and
// recorded without stopping the schedule; the run still counts.
func (r *Runner) tick(ctx context.Context) {
	run := int(r.counter.Add(1))
	if run > r.task.Runs() {
		// A tick already queued when the schedule was cancelled.
		r.counter.Add(-1)
		return
	}

	if err := r.task.Execute(ctx, r.container, run); err != nil {
		r.logger.Warn("task run failed", "run", run, "error", err)
		r.container.RecordError(fmt.Sprintf("task %s run %d", r.task.ID(), run), err)
	}

	r.listener.runFinished(r.task.ID(), run)

	if run >= r.task.Runs() {
		// The schedule serializes ticks, so this tick is the only one in
		// flight; draining here would wait on ourselves.
		r.finish(false, false)
	}
}

// Cancel stops the runner. With interrupt an in-flight tick is cut short via
// its context; without it the tick is allowed to complete. Idempotent: a
// second cancel performs no work and issues no duplicate notification.
func (r *Runner) Cancel(interrupt bool) {
	r.finish(interrupt, true)
}

// finish runs the after-finish hook and notifies the listener, exactly once.
// With drain it first waits out any tick still in flight, so the hook and
// everything after it (archival, workdir removal) never race a tick writing
// into the container.
func (r *Runner) finish(interrupt, drain bool) {
	r.mu.Lock()
	if r.finishing {
		r.mu.Unlock()
		return
	}
	r.finishing = true
	ticket := r.ticket
	r.mu.Unlock()

	if ticket != nil {
		ticket.Cancel(interrupt)
		if drain {
			ticket.Drain()
		}
	}

	if err := r.task.AfterFinish(r.container); err != nil {
		r.logger.Warn("task after-finish hook failed", "error", err)
		r.container.RecordError(fmt.Sprintf("task %s after-finish", r.task.ID()), err)
	}

	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()

	r.listener.taskFinished(r.task.ID())
}

// Running reports whether the runner has not yet finished. A runner built
// but not yet scheduled counts as running so the session cannot complete
// underneath a task about to start, and it stays true while the
// after-finish hook executes so the archiver never races a hook still
// writing into the container.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finished
}

// FailedToStart reports whether the before-start hook failed, leaving the
// task never scheduled.
func (r *Runner) FailedToStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedStart
}

// RunsCompleted returns the number of completed runs.
func (r *Runner) RunsCompleted() int {
	n := int(r.counter.Load())
	if max := r.task.Runs(); n > max {
		n = max
	}
	return n
}

// State returns the runner's persistable execution state.
func (r *Runner) State() model.TaskState {
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	return model.TaskState{
		TaskID:        r.task.ID(),
		RunsCompleted: r.RunsCompleted(),
		Runs:          r.task.Runs(),
		Finished:      finished,
	}
}
