// Package store defines the persistence contract for task records and an
// in-memory implementation of it.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

// TaskStore persists task records. Implementations must be safe for
// concurrent use and must return copies, never shared state.
//
// Create returns *domain.DuplicateTaskError when the id exists.
// Complete and Fail return *domain.TaskNotFoundError for unknown ids and
// *domain.TaskAlreadyTerminalError when the record left pending already.
// Get returns *domain.TaskNotFoundError for unknown ids.
// ListRecent returns at most limit records, newest first.
type TaskStore interface {
	Create(ctx context.Context, rec *domain.TaskRecord) error
	Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) (*domain.TaskRecord, error)
	Fail(ctx context.Context, id string, taskErr *domain.TaskError, at time.Time) (*domain.TaskRecord, error)
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.TaskRecord, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
