// Package service implements the operations behind the task API.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/dispatch"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/recurrence"
	"github.com/t77yq/task-scheduler/internal/store"
)

// ValidationError reports malformed input on task creation
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// CreateRequest carries the fields for scheduling a new task
type CreateRequest struct {
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	RunAt      string          `json:"run_at"`
	Recurrence string          `json:"recurrence,omitempty"`
}

// TaskService backs the external task API
type TaskService struct {
	logger     *zap.Logger
	store      store.TaskStore
	dispatcher *dispatch.Dispatcher
}

// NewTaskService creates a task service. The dispatcher's registry is the
// authority on which action kinds are accepted at creation time.
func NewTaskService(tasks store.TaskStore, d *dispatch.Dispatcher, logger *zap.Logger) *TaskService {
	return &TaskService{
		logger:     logger.Named("service"),
		store:      tasks,
		dispatcher: d,
	}
}

// Create validates req and inserts a new scheduled task. A run_at in the
// past is accepted; the task simply becomes due on the next tick.
func (s *TaskService) Create(ctx context.Context, req CreateRequest) (*model.Task, error) {
	if req.Action == "" {
		return nil, &ValidationError{Reason: "missing required field: action"}
	}
	if req.Payload == nil {
		return nil, &ValidationError{Reason: "missing required field: payload"}
	}
	if req.RunAt == "" {
		return nil, &ValidationError{Reason: "missing required field: run_at"}
	}

	action := model.ActionKind(req.Action)
	if !s.dispatcher.Recognizes(action) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unrecognized action: %s", req.Action)}
	}

	runAt, err := time.Parse(time.RFC3339, req.RunAt)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid run_at format, use ISO8601 (YYYY-MM-DDTHH:MM:SSZ)"}
	}

	pattern := model.RecurrencePattern(req.Recurrence)
	if pattern != "" && !recurrence.Valid(pattern) {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid recurrence: %s", req.Recurrence)}
	}

	now := time.Now().UTC().Truncate(time.Second)
	task := &model.Task{
		ID:         uuid.New().String(),
		RunAt:      runAt.UTC().Truncate(time.Second),
		Action:     action,
		Payload:    req.Payload,
		Status:     model.TaskStatusScheduled,
		Recurrence: pattern,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	s.logger.Info("Task scheduled",
		zap.String("task_id", task.ID),
		zap.String("action", string(task.Action)),
		zap.Time("run_at", task.RunAt))

	return task, nil
}

// List returns tasks, optionally filtered by status. Read-only.
func (s *TaskService) List(ctx context.Context, status string) ([]*model.Task, error) {
	return s.store.List(ctx, model.TaskStatus(status))
}

// Get returns the task with the given ID or store.ErrNotFound
func (s *TaskService) Get(ctx context.Context, taskID string) (*model.Task, error) {
	return s.store.Get(ctx, taskID)
}

// Delete removes the task with the given ID or returns store.ErrNotFound.
// Deleting a running task does not cancel an in-flight dispatch.
func (s *TaskService) Delete(ctx context.Context, taskID string) error {
	if err := s.store.Delete(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("Task deleted", zap.String("task_id", taskID))
	return nil
}
