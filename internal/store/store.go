package store

import (
	"context"
	"errors"

	"github.com/seantiz/dsession/internal/model"
)

// ErrNotFound is returned when a session record is not found.
var ErrNotFound = errors.New("session not found")

// Store defines the persistence operations for session records. Records hold
// plain values only; callers rebuild live sessions from them at load time.
type Store interface {
	CreateSession(ctx context.Context, rec *model.Record) error
	GetSession(ctx context.Context, id string) (*model.Record, error)
	ListSessions(ctx context.Context) ([]*model.Record, error)
	UpdateSession(ctx context.Context, rec *model.Record) error
	DeleteSession(ctx context.Context, id string) error
	Close() error
}
