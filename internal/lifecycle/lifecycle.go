// Package lifecycle enforces the task status state machine:
//
//	scheduled -> running -> completed
//	                     -> failed
//
// Transitions never go backward and terminal states admit no exit. The
// scheduled->running edge is the claim: it is written as a conditional
// update against the store so that concurrent executors contend on the
// stored record rather than on in-process state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/store"
)

var validTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusScheduled: {model.TaskStatusRunning},
	model.TaskStatusRunning:   {model.TaskStatusCompleted, model.TaskStatusFailed},
}

// Manager applies status transitions through the task store
type Manager struct {
	logger *zap.Logger
	store  store.TaskStore
}

// NewManager creates a lifecycle manager backed by the given store
func NewManager(tasks store.TaskStore, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("lifecycle"),
		store:  tasks,
	}
}

// Transition moves task to target, refreshing updated_at and recording
// errorMessage (only meaningful on the transition into failed). The write is
// conditional on the stored status still matching task.Status; for the
// scheduled->running edge a lost race surfaces as ErrAlreadyClaimed.
// On success the in-memory task mirrors the stored record.
func (m *Manager) Transition(ctx context.Context, task *model.Task, target model.TaskStatus, errorMessage string) error {
	if !reachable(task.Status, target) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.Status, target, task.ID)
	}

	now := time.Now().UTC().Truncate(time.Second)
	err := m.store.ConditionalUpdateStatus(ctx, task.ID, task.RunAt, task.Status, target, errorMessage, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) && task.Status == model.TaskStatusScheduled {
			return ErrAlreadyClaimed
		}
		return err
	}

	m.logger.Debug("Task status changed",
		zap.String("task_id", task.ID),
		zap.String("from", string(task.Status)),
		zap.String("to", string(target)))

	task.Status = target
	task.UpdatedAt = now
	if errorMessage != "" {
		task.ErrorMessage = errorMessage
	}
	return nil
}

// Claim attempts the scheduled->running transition for task
func (m *Manager) Claim(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.TaskStatusRunning, "")
}

func reachable(from, to model.TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
