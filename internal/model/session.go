package model

import "time"

// Session status constants. Transitions only move forward; see validTransitions.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Succeeded/cancelled may still become failed: the terminal label is assigned
// before the archive is written, and a failed archive fails the session.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusSucceeded: {
		StatusFailed: true,
	},
	StatusCancelled: {
		StatusFailed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether the given status is terminal. A terminal session
// can be deleted; a non-terminal one cannot.
func Terminal(status string) bool {
	return status == StatusSucceeded || status == StatusCancelled || status == StatusFailed
}

// TaskState is the persisted execution state of one task runner within a
// session. It holds plain values only; live runners are rebuilt from scratch
// each process start and never revived from storage.
type TaskState struct {
	TaskID        string `json:"task_id"`
	RunsCompleted int    `json:"runs_completed"`
	Runs          int    `json:"runs"`
	Finished      bool   `json:"finished"`
}

// Record is the serializable form of a diagnostic session: what the store
// persists and what the API returns.
type Record struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	User        string      `json:"user"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Tasks       []TaskState `json:"tasks,omitempty"`
}
