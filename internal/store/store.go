package store

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/task-scheduler/internal/model"
)

var (
	// ErrNotFound is returned when no task exists for a given ID
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a conditional update loses the status check
	ErrConflict = errors.New("task status changed concurrently")
)

// TaskStore defines the interface for durable task storage.
//
// ConditionalUpdateStatus is the coordination primitive for the whole
// system: it must be atomic per record, so that of any number of
// concurrent callers expecting the same prior status exactly one wins.
type TaskStore interface {
	// Put inserts a task record
	Put(ctx context.Context, task *model.Task) error

	// Get retrieves a task by ID
	Get(ctx context.Context, taskID string) (*model.Task, error)

	// ConditionalUpdateStatus sets status, updated_at and error_message on the
	// record identified by (taskID, runAt), but only if its stored status still
	// equals expected. Returns ErrConflict when the check fails and ErrNotFound
	// when no such record exists.
	ConditionalUpdateStatus(ctx context.Context, taskID string, runAt time.Time, expected, next model.TaskStatus, errorMessage string, updatedAt time.Time) error

	// QueryByStatus returns tasks with the given status and run_at <= maxRunAt,
	// ordered by (run_at, task_id) ascending
	QueryByStatus(ctx context.Context, status model.TaskStatus, maxRunAt time.Time) ([]*model.Task, error)

	// List returns all tasks, or only those matching status when it is non-empty
	List(ctx context.Context, status model.TaskStatus) ([]*model.Task, error)

	// Delete removes a task by ID, returning ErrNotFound if absent
	Delete(ctx context.Context, taskID string) error
}
