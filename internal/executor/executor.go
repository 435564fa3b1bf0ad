// Package executor runs the poll/claim/dispatch/finalize loop. Each tick
// is independent; overlapping ticks coordinate only through the store's
// conditional claim, so any number of executors can poll the same store.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/dispatch"
	"github.com/t77yq/task-scheduler/internal/lifecycle"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/recurrence"
	"github.com/t77yq/task-scheduler/internal/store"
)

// Config defines configuration for the executor
type Config struct {
	// MaxConcurrent caps how many tasks one tick processes in parallel
	MaxConcurrent int

	// MaxCPU is a CPU usage percentage above which a tick is skipped.
	// Zero disables the guard.
	MaxCPU float64
}

// TickReport summarizes one executor invocation
type TickReport struct {
	Due       int
	Claimed   int
	Completed int
	Failed    int
	Spawned   int
	Skipped   bool
}

// Executor processes due tasks on each tick
type Executor struct {
	logger     *zap.Logger
	store      store.TaskStore
	lifecycle  *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	config     Config
}

// New creates an executor
func New(tasks store.TaskStore, lc *lifecycle.Manager, d *dispatch.Dispatcher, config Config, logger *zap.Logger) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Executor{
		logger:     logger.Named("executor"),
		store:      tasks,
		lifecycle:  lc,
		dispatcher: d,
		config:     config,
	}
}

// RunOnce performs a single tick: query due tasks, claim, dispatch and
// finalize each, and insert successors for recurring tasks. Task failures
// are isolated per task and never abort the batch.
func (e *Executor) RunOnce(ctx context.Context) (TickReport, error) {
	var report TickReport

	if e.config.MaxCPU > 0 {
		load, err := sampleLoad()
		if err != nil {
			e.logger.Warn("Failed to sample host load", zap.Error(err))
		} else if load.CPUPercent > e.config.MaxCPU {
			e.logger.Warn("Skipping tick, CPU above limit",
				zap.Float64("cpu", load.CPUPercent),
				zap.Float64("limit", e.config.MaxCPU))
			report.Skipped = true
			return report, nil
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	due, err := e.store.QueryByStatus(ctx, model.TaskStatusScheduled, now)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	if len(due) == 0 {
		return report, nil
	}

	e.logger.Info("Processing due tasks",
		zap.Int("count", len(due)),
		zap.Time("now", now))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.config.MaxConcurrent)

	for _, task := range due {
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := e.process(ctx, task)

			mu.Lock()
			report.Claimed += outcome.claimed
			report.Completed += outcome.completed
			report.Failed += outcome.failed
			report.Spawned += outcome.spawned
			mu.Unlock()
		}()
	}
	wg.Wait()

	e.logger.Info("Tick complete",
		zap.Int("due", report.Due),
		zap.Int("claimed", report.Claimed),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("spawned", report.Spawned))

	return report, nil
}

type taskOutcome struct {
	claimed   int
	completed int
	failed    int
	spawned   int
}

// process claims and runs one due task. A lost claim is expected under
// concurrent ticks and is skipped without noise.
func (e *Executor) process(ctx context.Context, task *model.Task) taskOutcome {
	var outcome taskOutcome

	if err := e.lifecycle.Claim(ctx, task); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyClaimed) {
			e.logger.Debug("Task claimed elsewhere", zap.String("task_id", task.ID))
			return outcome
		}
		e.logger.Error("Failed to claim task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return outcome
	}
	outcome.claimed = 1

	result := e.dispatcher.Dispatch(ctx, task.Action, task.Payload)

	target := model.TaskStatusCompleted
	detail := ""
	if !result.Success {
		target = model.TaskStatusFailed
		detail = result.Detail
		e.logger.Warn("Task dispatch failed",
			zap.String("task_id", task.ID),
			zap.String("action", string(task.Action)),
			zap.String("detail", result.Detail))
	}

	if err := e.lifecycle.Transition(ctx, task, target, detail); err != nil {
		e.logger.Error("Failed to finalize task",
			zap.String("task_id", task.ID),
			zap.String("target", string(target)),
			zap.Error(err))
		return outcome
	}
	if result.Success {
		outcome.completed = 1
	} else {
		outcome.failed = 1
	}

	// The schedule is time-based: a failed run still produces the next
	// occurrence.
	if task.Recurrence != "" {
		if err := e.spawnSuccessor(ctx, task); err != nil {
			e.logger.Error("Failed to schedule next occurrence",
				zap.String("task_id", task.ID),
				zap.String("recurrence", string(task.Recurrence)),
				zap.Error(err))
		} else {
			outcome.spawned = 1
		}
	}

	return outcome
}

// spawnSuccessor inserts the next occurrence of a recurring task as a
// fresh record pointing back at task
func (e *Executor) spawnSuccessor(ctx context.Context, task *model.Task) error {
	nextRunAt, err := recurrence.NextRun(task.Recurrence, task.RunAt)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	successor := &model.Task{
		ID:           uuid.New().String(),
		RunAt:        nextRunAt,
		Action:       task.Action,
		Payload:      task.Payload,
		Status:       model.TaskStatusScheduled,
		Recurrence:   task.Recurrence,
		ParentTaskID: task.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.Put(ctx, successor); err != nil {
		return err
	}

	e.logger.Info("Scheduled next occurrence",
		zap.String("task_id", task.ID),
		zap.String("successor_id", successor.ID),
		zap.Time("run_at", nextRunAt))
	return nil
}
