package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
	"github.com/seantiz/dsession/internal/model"
	"github.com/seantiz/dsession/internal/sched"
	"github.com/seantiz/dsession/internal/task"
)

// watchdogInterval is how often a running session re-scans its runners. The
// watchdog is the safety net against a lost completion notification: it
// force-finishes the session within one interval of all runners stopping.
const watchdogInterval = 500 * time.Millisecond

// ErrAlreadyRan is returned when Run is invoked a second time.
var ErrAlreadyRan = errors.New("session has already run")

// ErrNotRunning is returned when Cancel is invoked outside the running state.
var ErrNotRunning = errors.New("session is not running")

// ErrNotTerminal is returned when Delete is invoked on a session that has
// not finished.
var ErrNotTerminal = errors.New("session is not in a terminal state")

// Listener receives persistence callbacks from a session. Updated may be
// coalesced by the receiver; Finished must be persisted eagerly.
type Listener interface {
	SessionUpdated(rec model.Record)
	SessionFinished(rec model.Record)
}

// Session owns one end-to-end diagnostic run: a fixed set of task runners, a
// root container bound to one working directory, and exactly one archive.
// Run may be invoked once; completion is detected twice over, through runner
// notifications and through the watchdog, with exactly one of the two paths
// allowed to archive.
type Session struct {
	pool     *sched.Pool
	broker   *Broker
	listener Listener
	logger   *slog.Logger

	workDir     string
	archivePath string
	root        *bundle.Container

	mu              sync.Mutex
	rec             model.Record
	runners         map[string]*Runner
	order           []string
	watchdog        *sched.Ticket
	cancelRequested bool
}

// New builds a session around a freshly created record. The working
// directory and archive live under workRoot, named by the session name.
func New(rec model.Record, workRoot string, pool *sched.Pool, broker *Broker, listener Listener, logger *slog.Logger) *Session {
	workDir := filepath.Join(workRoot, rec.Name)
	return &Session{
		pool:        pool,
		broker:      broker,
		listener:    listener,
		logger:      logger.With("session_id", rec.ID),
		workDir:     workDir,
		archivePath: workDir + ".zip",
		root:        bundle.NewRoot(rec.Name, workDir),
		rec:         rec,
		runners:     make(map[string]*Runner),
	}
}

// WorkDir returns the session's working directory.
func (s *Session) WorkDir() string { return s.workDir }

// ArchivePath returns the path of the session's archive file.
func (s *Session) ArchivePath() string { return s.archivePath }

// Run starts the session with the given tasks. It is callable exactly once.
// Tasks whose before-start hook fails are recorded as failed-to-start and
// never tick; the rest of the session proceeds. An empty task set finishes
// immediately with a manifest-only archive.
func (s *Session) Run(tasks []task.Task) error {
	s.mu.Lock()
	if s.rec.Status != model.StatusCreated {
		s.mu.Unlock()
		return ErrAlreadyRan
	}
	now := time.Now().UTC()
	s.rec.Status = model.StatusRunning
	s.rec.StartedAt = &now
	s.mu.Unlock()

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		s.failNow(fmt.Sprintf("create working directory: %v", err))
		return fmt.Errorf("create working directory: %w", err)
	}

	s.publishStatus(model.StatusRunning)

	sessionsStarted.Inc()

	runners := make([]*Runner, 0, len(tasks))
	s.mu.Lock()
	for _, t := range tasks {
		child := s.root.NewChild(t.ID(), t.FileName())
		r := newRunner(t, child, s, s.logger)
		s.runners[t.ID()] = r
		s.order = append(s.order, t.ID())
		runners = append(runners, r)
	}
	// The watchdog must exist before the first runner can finish, so that a
	// completion detected mid-startup still tears it down.
	if len(tasks) > 0 {
		s.watchdog = s.pool.SchedulePeriodic(watchdogInterval, watchdogInterval, func(context.Context) {
			s.finishIfDone()
		})
	}
	s.mu.Unlock()

	for i, r := range runners {
		if err := r.Schedule(s.pool); err != nil {
			s.broker.Publish(s.rec.ID, Event{Type: EventTaskFailed, TaskID: tasks[i].ID(), Error: err.Error()})
		}
	}

	s.listener.SessionUpdated(s.Record())

	// Covers the empty task set and the everything-failed-to-start case.
	s.finishIfDone()
	return nil
}

// Cancel stops a running session, interrupting in-flight ticks, and archives
// whatever partial output exists. Cancelling twice is a safe no-op.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.rec.Status != model.StatusRunning {
		s.mu.Unlock()
		if s.cancelRequested {
			return nil
		}
		return ErrNotRunning
	}
	s.cancelRequested = true
	runners := s.snapshotRunnersLocked()
	s.mu.Unlock()

	for _, r := range runners {
		r.Cancel(true)
	}

	// Runner cancellations already trigger completion; this covers a session
	// cancelled before any runner was attached.
	s.finishIfDone()
	return nil
}

// Delete removes the archive and the working directory. Only terminal
// sessions can be deleted; duplicate deletes are safe.
func (s *Session) Delete() error {
	s.mu.Lock()
	terminal := model.Terminal(s.rec.Status)
	s.mu.Unlock()
	if !terminal {
		return ErrNotTerminal
	}

	if err := os.Remove(s.archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive: %w", err)
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		return fmt.Errorf("remove working directory: %w", err)
	}
	return nil
}

// Record returns a snapshot of the session's persistable state.
func (s *Session) Record() model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRecordLocked()
	rec := s.rec
	rec.Tasks = append([]model.TaskState(nil), s.rec.Tasks...)
	return rec
}

// Status returns the session's current status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Status
}

// runFinished implements runnerListener.
func (s *Session) runFinished(taskID string, run int) {
	ticksTotal.Inc()
	s.broker.Publish(s.rec.ID, Event{Type: EventRunFinished, TaskID: taskID, Run: run})
	s.listener.SessionUpdated(s.Record())
}

// taskFinished implements runnerListener. Every finished task triggers a
// completion re-scan; the watchdog provides the second, notification-free
// path to the same check.
func (s *Session) taskFinished(taskID string) {
	s.broker.Publish(s.rec.ID, Event{Type: EventTaskFinished, TaskID: taskID})
	s.finishIfDone()
}

// finishIfDone transitions the session to its terminal label and archives,
// if and only if every runner has stopped. The status transition under the
// lock is what guarantees a single archiver even when the notification path
// and the watchdog race.
func (s *Session) finishIfDone() {
	s.mu.Lock()
	if s.rec.Status != model.StatusRunning {
		s.mu.Unlock()
		return
	}
	for _, r := range s.runners {
		if r.Running() {
			s.mu.Unlock()
			return
		}
	}

	label := model.StatusSucceeded
	if s.cancelRequested {
		label = model.StatusCancelled
	}
	now := time.Now().UTC()
	s.rec.Status = label
	s.rec.EndedAt = &now
	s.syncRecordLocked()
	watchdog := s.watchdog
	s.watchdog = nil
	s.mu.Unlock()

	if watchdog != nil {
		watchdog.Cancel(false)
	}

	s.publishStatus(label)
	s.archive()

	rec := s.Record()
	sessionsFinished.WithLabelValues(rec.Status).Inc()
	s.listener.SessionFinished(rec)
	s.broker.Close(rec.ID)
}

// archive drains the container tree into the session archive. Success
// deletes the working directory; failure turns the session FAILED and
// preserves the directory for inspection.
func (s *Session) archive() {
	if err := bundle.WriteArchive(s.archivePath, s.root, s.logger); err != nil {
		s.logger.Error("archive failed, preserving working directory", "error", err)
		s.mu.Lock()
		s.rec.Status = model.StatusFailed
		s.mu.Unlock()
		s.publishStatus(model.StatusFailed)
		return
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		s.logger.Warn("failed to remove working directory", "error", err)
	}
}

// failNow fails a session that never got its runners going.
func (s *Session) failNow(reason string) {
	s.logger.Error("session failed", "reason", reason)
	s.mu.Lock()
	if !model.ValidTransition(s.rec.Status, model.StatusFailed) {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.rec.Status = model.StatusFailed
	s.rec.EndedAt = &now
	s.mu.Unlock()

	s.publishStatus(model.StatusFailed)
	rec := s.Record()
	sessionsFinished.WithLabelValues(rec.Status).Inc()
	s.listener.SessionFinished(rec)
	s.broker.Close(rec.ID)
}

func (s *Session) publishStatus(status string) {
	s.broker.Publish(s.rec.ID, Event{Type: EventStatus, Status: status})
}

// syncRecordLocked refreshes the record's task states from the live runners.
func (s *Session) syncRecordLocked() {
	states := make([]model.TaskState, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.runners[id].State())
	}
	s.rec.Tasks = states
}

func (s *Session) snapshotRunnersLocked() []*Runner {
	runners := make([]*Runner, 0, len(s.order))
	for _, id := range s.order {
		runners = append(runners, s.runners[id])
	}
	return runners
}
