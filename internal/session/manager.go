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
	"github.com/seantiz/dsession/internal/store"
	"github.com/seantiz/dsession/internal/task"
)

// saveInterval throttles write-through persistence of run-counter updates.
// Status changes and completion are always persisted eagerly.
const saveInterval = time.Second

// TaskSpec describes one task requested for a session.
type TaskSpec struct {
	Name         string            `json:"name"`
	InitialDelay time.Duration     `json:"initial_delay"`
	Period       time.Duration     `json:"period"`
	Runs         int               `json:"runs"`
	Params       map[string]string `json:"params,omitempty"`
}

// CreateRequest is the input for starting a new diagnostic session.
type CreateRequest struct {
	Description string     `json:"description"`
	User        string     `json:"user"`
	Tasks       []TaskSpec `json:"tasks"`
}

// Manager owns every live session in the process: it creates and starts
// them, persists their records, recovers crashed ones at startup, and
// answers queries. It is the only writer of session records in the store.
type Manager struct {
	store    store.Store
	svc      *sched.Service
	registry *task.Registry
	broker   *Broker
	logger   *slog.Logger
	workRoot string

	mu       sync.Mutex
	live     map[string]*Session
	lastSave map[string]time.Time
}

// NewManager creates a session manager rooted at workRoot.
func NewManager(s store.Store, svc *sched.Service, reg *task.Registry, workRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		svc:      svc,
		registry: reg,
		broker:   NewBroker(),
		logger:   logger,
		workRoot: workRoot,
		live:     make(map[string]*Session),
		lastSave: make(map[string]time.Time),
	}
}

// Broker returns the manager's event broker for SSE subscription.
func (m *Manager) Broker() *Broker {
	return m.broker
}

// Create builds the requested tasks, persists the new session record, and
// starts the session. Task construction failures reject the whole request
// before anything is persisted or scheduled.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Record, error) {
	tasks := make([]task.Task, 0, len(req.Tasks))
	states := make([]model.TaskState, 0, len(req.Tasks))
	for _, spec := range req.Tasks {
		if spec.Runs < 1 {
			return model.Record{}, fmt.Errorf("task %q: runs must be at least 1", spec.Name)
		}
		if spec.Period <= 0 {
			return model.Record{}, fmt.Errorf("task %q: period must be positive", spec.Name)
		}
		t, err := m.registry.New(spec.Name, task.Cadence{
			Delay: spec.InitialDelay,
			Every: spec.Period,
			Count: spec.Runs,
		}, spec.Params)
		if err != nil {
			return model.Record{}, err
		}
		tasks = append(tasks, t)
		states = append(states, model.TaskState{TaskID: t.ID(), Runs: t.Runs()})
	}

	now := time.Now().UTC()
	rec := model.Record{
		ID:          model.NewID(),
		Name:        model.NewSessionName(now),
		Description: req.Description,
		User:        req.User,
		Status:      model.StatusCreated,
		CreatedAt:   now,
		Tasks:       states,
	}
	if err := m.store.CreateSession(ctx, &rec); err != nil {
		return model.Record{}, fmt.Errorf("persist session: %w", err)
	}

	sess := New(rec, m.workRoot, m.svc.Get(), m.broker, m, m.logger)
	m.mu.Lock()
	m.live[rec.ID] = sess
	m.mu.Unlock()

	if err := sess.Run(tasks); err != nil {
		return sess.Record(), err
	}

	m.logger.Info("session started",
		"session_id", rec.ID, "name", rec.Name, "tasks", len(tasks), "user", req.User)
	return sess.Record(), nil
}

// Get returns a session record, preferring the live session's state over the
// possibly throttled store copy.
func (m *Manager) Get(ctx context.Context, id string) (model.Record, error) {
	m.mu.Lock()
	sess, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		return sess.Record(), nil
	}

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	return *rec, nil
}

// List returns all session records, newest state for live sessions.
func (m *Manager) List(ctx context.Context) ([]model.Record, error) {
	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		if sess, ok := m.live[rec.ID]; ok {
			out = append(out, sess.Record())
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Cancel stops a running session.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		return sess.Cancel()
	}

	if _, err := m.store.GetSession(ctx, id); err != nil {
		return err
	}
	// Known to the store but not live: it finished or was recovered.
	return ErrNotRunning
}

// Delete removes a terminal session: its archive, its working directory, and
// its record. Deleting a running session is rejected with no state change.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.live[id]
	m.mu.Unlock()

	if ok {
		if err := sess.Delete(); err != nil {
			return err
		}
	} else {
		rec, err := m.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !model.Terminal(rec.Status) {
			return ErrNotTerminal
		}
		if err := m.removeFiles(rec.Name); err != nil {
			return err
		}
	}

	if err := m.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	m.mu.Lock()
	delete(m.live, id)
	delete(m.lastSave, id)
	m.mu.Unlock()

	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// ArchivePath returns the archive file path for a session, or ErrNotFound.
// The file itself may not exist yet, or at all for a failed session.
func (m *Manager) ArchivePath(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	sess, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		return sess.ArchivePath(), nil
	}

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return m.archivePathFor(rec.Name), nil
}

// Load performs crash recovery at startup. Any persisted session that is not
// terminal did not survive a restart intact: its in-memory container tree is
// gone, so it is forced FAILED and whatever files remain in its working
// directory are archived raw. The working directory is removed only when the
// fallback archive succeeds.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for recovery: %w", err)
	}

	for _, rec := range recs {
		if model.Terminal(rec.Status) {
			continue
		}

		m.logger.Warn("recovering interrupted session",
			"session_id", rec.ID, "name", rec.Name, "status", rec.Status)

		rec.Status = model.StatusFailed
		now := time.Now().UTC()
		rec.EndedAt = &now

		workDir := filepath.Join(m.workRoot, rec.Name)
		if _, statErr := os.Stat(workDir); statErr == nil {
			archiveErr := bundle.WriteFallbackArchive(m.archivePathFor(rec.Name), workDir, m.logger)
			if archiveErr != nil {
				m.logger.Error("fallback archive failed, preserving working directory",
					"session_id", rec.ID, "error", archiveErr)
			} else if rmErr := os.RemoveAll(workDir); rmErr != nil {
				m.logger.Warn("failed to remove working directory",
					"session_id", rec.ID, "error", rmErr)
			}
		}

		if err := m.store.UpdateSession(ctx, rec); err != nil {
			return fmt.Errorf("persist recovered session %s: %w", rec.ID, err)
		}
		sessionsRecovered.Inc()
	}
	return nil
}

// SessionUpdated implements Listener with throttled write-through: run
// counter churn is persisted at most once per saveInterval per session.
func (m *Manager) SessionUpdated(rec model.Record) {
	m.mu.Lock()
	last := m.lastSave[rec.ID]
	now := time.Now()
	if now.Sub(last) < saveInterval {
		m.mu.Unlock()
		return
	}
	m.lastSave[rec.ID] = now
	m.mu.Unlock()

	m.persist(rec)
}

// SessionFinished implements Listener; terminal records are always persisted.
func (m *Manager) SessionFinished(rec model.Record) {
	m.persist(rec)
}

func (m *Manager) persist(rec model.Record) {
	if err := m.store.UpdateSession(context.Background(), &rec); err != nil {
		m.logger.Error("failed to persist session", "session_id", rec.ID, "error", err)
	}
}

func (m *Manager) removeFiles(name string) error {
	if err := os.Remove(m.archivePathFor(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(m.workRoot, name)); err != nil {
		return fmt.Errorf("remove working directory: %w", err)
	}
	return nil
}

func (m *Manager) archivePathFor(name string) string {
	return filepath.Join(m.workRoot, name) + ".zip"
}
