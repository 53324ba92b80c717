package session

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/dsession/internal/bundle"
	"github.com/seantiz/dsession/internal/model"
	"github.com/seantiz/dsession/internal/sched"
	"github.com/seantiz/dsession/internal/task"
)

// fakeTask is a controllable diagnoser for engine tests. Each run attaches
// one content item so archives are never trivially empty.
type fakeTask struct {
	task.Cadence
	id        string
	startErr  error
	execErr   error
	execDelay time.Duration
	startGate chan struct{}

	started    atomic.Int32
	executed   atomic.Int32
	finished   atomic.Int32
	concurrent atomic.Int32
	peak       atomic.Int32
}

func (f *fakeTask) ID() string       { return f.id }
func (f *fakeTask) FileName() string { return f.id }

func (f *fakeTask) BeforeStart(*bundle.Container) error {
	f.started.Add(1)
	if f.startGate != nil {
		<-f.startGate
	}
	return f.startErr
}

func (f *fakeTask) Execute(_ context.Context, c *bundle.Container, run int) error {
	cur := f.concurrent.Add(1)
	defer f.concurrent.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	f.executed.Add(1)
	c.Add(bundle.NewBytesContent(fmt.Sprintf("run-%03d.txt", run), time.Now(), []byte("data")))
	return f.execErr
}

func (f *fakeTask) AfterFinish(*bundle.Container) error {
	f.finished.Add(1)
	return nil
}

// captureListener records persistence callbacks.
type captureListener struct {
	mu       sync.Mutex
	updated  []model.Record
	finished []model.Record
}

func (l *captureListener) SessionUpdated(rec model.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, rec)
}

func (l *captureListener) SessionFinished(rec model.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, rec)
}

func (l *captureListener) finishedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.finished)
}

type testSession struct {
	sess     *Session
	broker   *Broker
	listener *captureListener
	workRoot string
	rec      model.Record
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := sched.NewService(4, logger)
	t.Cleanup(svc.Shutdown)

	workRoot := t.TempDir()
	now := time.Now().UTC()
	rec := model.Record{
		ID:        model.NewID(),
		Name:      model.NewSessionName(now),
		Status:    model.StatusCreated,
		CreatedAt: now,
	}
	broker := NewBroker()
	listener := &captureListener{}
	return &testSession{
		sess:     New(rec, workRoot, svc.Get(), broker, listener, logger),
		broker:   broker,
		listener: listener,
		workRoot: workRoot,
		rec:      rec,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitTerminal(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	waitFor(t, timeout, func() bool { return model.Terminal(s.Status()) })
}

// readArchive returns entry-name → content for every file in the zip.
func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive %s: %v", path, err)
	}
	defer zr.Close()

	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = string(data)
	}
	return entries
}

// collectEvents drains the subscription until the broker closes the topic.
func collectEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("event stream not closed before timeout; got %d events", len(events))
		}
	}
}

func TestEmptyTaskSetSucceedsImmediately(t *testing.T) {
	ts := newTestSession(t)
	if err := ts.sess.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	waitTerminal(t, ts.sess, time.Second)
	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}

	entries := readArchive(t, ts.sess.ArchivePath())
	if len(entries) != 1 {
		t.Fatalf("expected manifest-only archive, got entries %v", entries)
	}
	if _, ok := entries["manifest.md"]; !ok {
		t.Fatalf("archive missing manifest.md: %v", entries)
	}
	if _, err := os.Stat(ts.sess.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("working directory should be deleted, stat err = %v", err)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	ts := newTestSession(t)
	if err := ts.sess.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ts.sess.Run(nil); !errors.Is(err, ErrAlreadyRan) {
		t.Fatalf("second Run error = %v, want ErrAlreadyRan", err)
	}
}

func TestAllTasksCompleteFullRunCount(t *testing.T) {
	ts := newTestSession(t)
	a := &fakeTask{id: "aaa", Cadence: task.Cadence{Every: 20 * time.Millisecond, Count: 5}}
	b := &fakeTask{id: "bbb", Cadence: task.Cadence{Every: 40 * time.Millisecond, Count: 3}}

	ch, unsub := ts.broker.Subscribe(ts.rec.ID)
	defer unsub()

	if err := ts.sess.Run([]task.Task{a, b}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 5*time.Second)

	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}
	if n := a.executed.Load(); n != 5 {
		t.Errorf("task a executed %d times, want 5", n)
	}
	if n := b.executed.Load(); n != 3 {
		t.Errorf("task b executed %d times, want 3", n)
	}
	if n := a.finished.Load(); n != 1 {
		t.Errorf("task a after-finish ran %d times, want 1", n)
	}
	if n := b.finished.Load(); n != 1 {
		t.Errorf("task b after-finish ran %d times, want 1", n)
	}

	events := collectEvents(t, ch, 2*time.Second)
	taskDone := map[string]int{}
	for _, ev := range events {
		if ev.Type == EventTaskFinished {
			taskDone[ev.TaskID]++
		}
	}
	if taskDone["aaa"] != 1 || taskDone["bbb"] != 1 {
		t.Errorf("task finished events = %v, want exactly one per task", taskDone)
	}

	rec := ts.sess.Record()
	for _, st := range rec.Tasks {
		if st.RunsCompleted != st.Runs || !st.Finished {
			t.Errorf("task state %+v not fully completed", st)
		}
	}

	entries := readArchive(t, ts.sess.ArchivePath())
	if _, ok := entries["aaa/run-001.txt"]; !ok {
		t.Errorf("archive missing task content, entries: %v", keys(entries))
	}
	if _, err := os.Stat(ts.sess.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("working directory should be deleted, stat err = %v", err)
	}
}

func TestStaggeredCadenceTiming(t *testing.T) {
	ts := newTestSession(t)
	a := &fakeTask{id: "fast", Cadence: task.Cadence{Every: 100 * time.Millisecond, Count: 10}}
	b := &fakeTask{id: "slow", Cadence: task.Cadence{Every: 200 * time.Millisecond, Count: 5}}

	start := time.Now()
	if err := ts.sess.Run([]task.Task{a, b}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	time.Sleep(850 * time.Millisecond)
	if got := ts.sess.Status(); got != model.StatusRunning {
		t.Fatalf("status after 850ms = %s, want still running", got)
	}

	waitTerminal(t, ts.sess, 5*time.Second)
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("session finished after %v, want at least ~900ms", elapsed)
	}
	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}
	if entries := readArchive(t, ts.sess.ArchivePath()); len(entries) < 2 {
		t.Fatalf("expected non-empty archive, got %v", keys(entries))
	}
	if _, err := os.Stat(ts.sess.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("working directory should be deleted, stat err = %v", err)
	}
}

func TestSlowRunsSerializeAndArchiveCompletely(t *testing.T) {
	ts := newTestSession(t)
	slow := &fakeTask{
		id:        "slow",
		execDelay: 120 * time.Millisecond,
		Cadence:   task.Cadence{Every: 20 * time.Millisecond, Count: 2},
	}

	if err := ts.sess.Run([]task.Task{slow}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 5*time.Second)

	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}
	// Each run overruns the period sixfold; runs must still execute one at
	// a time and all of their output must land in the archive.
	if got := slow.peak.Load(); got > 1 {
		t.Errorf("runs overlapped, peak concurrency = %d", got)
	}
	entries := readArchive(t, ts.sess.ArchivePath())
	for _, name := range []string{"slow/run-001.txt", "slow/run-002.txt"} {
		if _, ok := entries[name]; !ok {
			t.Errorf("archive missing %s, entries: %v", name, keys(entries))
		}
	}

	// No straggler run may recreate the working directory after archival.
	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(ts.sess.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("working directory should stay deleted, stat err = %v", err)
	}
}

func TestCancelDuringStartHookNeverTicks(t *testing.T) {
	ts := newTestSession(t)
	gate := make(chan struct{})
	gated := &fakeTask{
		id:        "gated",
		startGate: gate,
		Cadence:   task.Cadence{Every: 5 * time.Millisecond, Count: 5},
	}

	runDone := make(chan error, 1)
	go func() { runDone <- ts.sess.Run([]task.Task{gated}) }()

	waitFor(t, 2*time.Second, func() bool { return gated.started.Load() == 1 })
	if err := ts.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate)
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 2*time.Second)

	if got := ts.sess.Status(); got != model.StatusCancelled {
		t.Fatalf("status = %s, want %s", got, model.StatusCancelled)
	}

	// A task cancelled while its start hook was still running must never be
	// handed to the scheduler, even long after the session is terminal.
	time.Sleep(60 * time.Millisecond)
	if n := gated.executed.Load(); n != 0 {
		t.Fatalf("cancelled task executed %d times after the session finished", n)
	}
	if n := gated.finished.Load(); n != 1 {
		t.Fatalf("after-finish ran %d times, want 1", n)
	}
}

func TestCancelPreservesPartialOutput(t *testing.T) {
	ts := newTestSession(t)
	long := &fakeTask{id: "long", Cadence: task.Cadence{Every: 20 * time.Millisecond, Count: 1000}}

	if err := ts.sess.Run([]task.Task{long}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return long.executed.Load() >= 2 })

	if err := ts.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitTerminal(t, ts.sess, 2*time.Second)

	if got := ts.sess.Status(); got != model.StatusCancelled {
		t.Fatalf("status = %s, want %s", got, model.StatusCancelled)
	}
	if n := long.finished.Load(); n != 1 {
		t.Errorf("after-finish ran %d times, want 1", n)
	}

	// Partial results are archived, never discarded.
	entries := readArchive(t, ts.sess.ArchivePath())
	if _, ok := entries["long/run-001.txt"]; !ok {
		t.Fatalf("archive missing partial output, entries: %v", keys(entries))
	}

	// Cancelling again is a safe no-op with no duplicate notification.
	if err := ts.sess.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if n := ts.listener.finishedCount(); n != 1 {
		t.Fatalf("finished callbacks = %d, want 1", n)
	}
	if n := long.finished.Load(); n != 1 {
		t.Fatalf("after-finish ran %d times after double cancel, want 1", n)
	}
}

func TestCancelAfterSuccessRejected(t *testing.T) {
	ts := newTestSession(t)
	if err := ts.sess.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, time.Second)
	if err := ts.sess.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Cancel after success = %v, want ErrNotRunning", err)
	}
}

func TestWatchdogFinishesWithoutNotification(t *testing.T) {
	ts := newTestSession(t)
	long := &fakeTask{id: "stuck", Cadence: task.Cadence{Every: time.Hour, Count: 1, Delay: time.Hour}}

	if err := ts.sess.Run([]task.Task{long}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Simulate a lost completion notification: mark the runner finished
	// behind the session's back. Only the watchdog can see it now.
	ts.sess.mu.Lock()
	r := ts.sess.runners["stuck"]
	ts.sess.mu.Unlock()
	r.mu.Lock()
	r.finishing = true
	r.finished = true
	r.mu.Unlock()

	start := time.Now()
	waitTerminal(t, ts.sess, 3*watchdogInterval)
	if elapsed := time.Since(start); elapsed > 2*watchdogInterval {
		t.Fatalf("watchdog took %v, want within ~one interval", elapsed)
	}
	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}
}

func TestFailedStartIsObservable(t *testing.T) {
	ts := newTestSession(t)
	bad := &fakeTask{
		id:       "bad",
		startErr: errors.New("cannot open probe"),
		Cadence:  task.Cadence{Every: 10 * time.Millisecond, Count: 5},
	}
	good := &fakeTask{id: "good", Cadence: task.Cadence{Every: 10 * time.Millisecond, Count: 2}}

	ch, unsub := ts.broker.Subscribe(ts.rec.ID)
	defer unsub()

	if err := ts.sess.Run([]task.Task{bad, good}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 5*time.Second)

	if n := bad.executed.Load(); n != 0 {
		t.Fatalf("failed-to-start task executed %d times", n)
	}

	rec := ts.sess.Record()
	var badState model.TaskState
	for _, st := range rec.Tasks {
		if st.TaskID == "bad" {
			badState = st
		}
	}
	if !badState.Finished || badState.RunsCompleted != 0 {
		t.Fatalf("failed-to-start task state = %+v, want finished with zero runs", badState)
	}

	var sawFailure bool
	for _, ev := range collectEvents(t, ch, 2*time.Second) {
		if ev.Type == EventTaskFailed && ev.TaskID == "bad" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("no task_failed event published for failed before-start")
	}

	entries := readArchive(t, ts.sess.ArchivePath())
	report, ok := entries["manifest/errors.txt"]
	if !ok {
		t.Fatalf("archive missing error report, entries: %v", keys(entries))
	}
	if !strings.Contains(report, "task bad failed to start") {
		t.Fatalf("error report missing start failure:\n%s", report)
	}
}

func TestFailingExecuteStillCompletes(t *testing.T) {
	ts := newTestSession(t)
	flaky := &fakeTask{
		id:      "flaky",
		execErr: errors.New("probe exploded"),
		Cadence: task.Cadence{Every: 15 * time.Millisecond, Count: 3},
	}

	if err := ts.sess.Run([]task.Task{flaky}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 5*time.Second)

	if got := ts.sess.Status(); got != model.StatusSucceeded {
		t.Fatalf("status = %s, want %s", got, model.StatusSucceeded)
	}
	if n := flaky.executed.Load(); n != 3 {
		t.Fatalf("executed %d times, want full run count 3", n)
	}

	report := readArchive(t, ts.sess.ArchivePath())["manifest/errors.txt"]
	for run := 1; run <= 3; run++ {
		want := fmt.Sprintf("task flaky run %d", run)
		if !strings.Contains(report, want) {
			t.Errorf("error report missing entry %q:\n%s", want, report)
		}
	}
}

func TestDeleteWhileRunningRejected(t *testing.T) {
	ts := newTestSession(t)
	long := &fakeTask{id: "long", Cadence: task.Cadence{Every: 20 * time.Millisecond, Count: 1000}}

	if err := ts.sess.Run([]task.Task{long}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return long.executed.Load() >= 1 })

	if err := ts.sess.Delete(); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("Delete while running = %v, want ErrNotTerminal", err)
	}
	if _, err := os.Stat(ts.sess.WorkDir()); err != nil {
		t.Fatalf("working directory must be untouched: %v", err)
	}

	if err := ts.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitTerminal(t, ts.sess, 2*time.Second)

	if err := ts.sess.Delete(); err != nil {
		t.Fatalf("Delete after cancel: %v", err)
	}
	if _, err := os.Stat(ts.sess.ArchivePath()); !os.IsNotExist(err) {
		t.Fatalf("archive should be removed, stat err = %v", err)
	}
	// Duplicate delete is safe.
	if err := ts.sess.Delete(); err != nil {
		t.Fatalf("duplicate Delete: %v", err)
	}
}

func TestArchiveFailurePreservesWorkDir(t *testing.T) {
	ts := newTestSession(t)
	quick := &fakeTask{id: "quick", Cadence: task.Cadence{Every: 10 * time.Millisecond, Count: 1}}

	// Point the archive at an uncreatable path so the final write fails.
	ts.sess.archivePath = filepath.Join(ts.workRoot, "no-such-dir", "out.zip")

	if err := ts.sess.Run([]task.Task{quick}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitTerminal(t, ts.sess, 5*time.Second)

	if got := ts.sess.Status(); got != model.StatusFailed {
		t.Fatalf("status = %s, want %s", got, model.StatusFailed)
	}
	if _, err := os.Stat(ts.sess.WorkDir()); err != nil {
		t.Fatalf("working directory must be preserved for inspection: %v", err)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
