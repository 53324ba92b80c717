package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/seantiz/dsession/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL,
    user        TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    ended_at    DATETIME
)`

const createSessionTasksTable = `
CREATE TABLE IF NOT EXISTS session_tasks (
    session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    task_id        TEXT NOT NULL,
    runs_completed INTEGER NOT NULL,
    runs           INTEGER NOT NULL,
    finished       INTEGER NOT NULL,
    PRIMARY KEY (session_id, task_id)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(createSessionTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session record with its task states.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, name, description, user, status, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Description, rec.User, rec.Status,
		rec.CreatedAt, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := insertTaskStates(ctx, tx, rec.ID, rec.Tasks); err != nil {
		return err
	}

	return tx.Commit()
}

// GetSession retrieves a session record by ID, including its task states.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Record, error) {
	rec := &model.Record{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, user, status, created_at, started_at, ended_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &rec.Description, &rec.User, &rec.Status,
		&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	tasks, err := s.taskStates(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Tasks = tasks

	return rec, nil
}

// ListSessions returns all session records ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, user, status, created_at, started_at, ended_at
		 FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var recs []*model.Record
	for rows.Next() {
		rec := &model.Record{}
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.User, &rec.Status,
			&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for _, rec := range recs {
		tasks, err := s.taskStates(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.Tasks = tasks
	}

	return recs, nil
}

// UpdateSession replaces a session record and its task states.
func (s *SQLiteStore) UpdateSession(ctx context.Context, rec *model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET name = ?, description = ?, user = ?, status = ?,
		 created_at = ?, started_at = ?, ended_at = ? WHERE id = ?`,
		rec.Name, rec.Description, rec.User, rec.Status,
		rec.CreatedAt, rec.StartedAt, rec.EndedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_tasks WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("delete task states: %w", err)
	}
	if err := insertTaskStates(ctx, tx, rec.ID, rec.Tasks); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteSession removes a session record and its task states.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) taskStates(ctx context.Context, sessionID string) ([]model.TaskState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, runs_completed, runs, finished
		 FROM session_tasks WHERE session_id = ? ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select task states: %w", err)
	}
	defer rows.Close()

	var states []model.TaskState
	for rows.Next() {
		var st model.TaskState
		if err := rows.Scan(&st.TaskID, &st.RunsCompleted, &st.Runs, &st.Finished); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task states: %w", err)
	}
	return states, nil
}

func insertTaskStates(ctx context.Context, tx *sql.Tx, sessionID string, states []model.TaskState) error {
	for _, st := range states {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_tasks (session_id, task_id, runs_completed, runs, finished)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, st.TaskID, st.RunsCompleted, st.Runs, st.Finished,
		)
		if err != nil {
			return fmt.Errorf("insert task state: %w", err)
		}
	}
	return nil
}
