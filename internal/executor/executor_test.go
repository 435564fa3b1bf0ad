package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/dispatch"
	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/handler"
	"github.com/t77yq/task-scheduler/internal/lifecycle"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/store"
	"github.com/t77yq/task-scheduler/internal/testutil"
)

type stubHandler struct {
	executions atomic.Int64
	err        error
}

func (h *stubHandler) Execute(ctx context.Context, payload json.RawMessage) error {
	h.executions.Add(1)
	return h.err
}

func newExecutor(t *testing.T, s store.TaskStore, d *dispatch.Dispatcher) *executor.Executor {
	t.Helper()
	lc := lifecycle.NewManager(s, zap.NewNop())
	return executor.New(s, lc, d, executor.Config{MaxConcurrent: 4}, zap.NewNop())
}

func seed(t *testing.T, s store.TaskStore, task *model.Task) *model.Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusScheduled
	}
	if task.Payload == nil {
		task.Payload = json.RawMessage(`{}`)
	}
	task.CreatedAt = now.Add(-time.Hour)
	task.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, s.Put(context.Background(), task))
	return task
}

func TestRunOnceCompletesDueTask(t *testing.T) {
	s := testutil.NewStore(t)
	d := dispatch.NewDispatcher(time.Second, zap.NewNop())
	d.Register(model.ActionMessage, handler.NewMessageHandler(zap.NewNop(), nil))
	e := newExecutor(t, s, d)

	task := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Truncate(time.Second).Add(-time.Second),
		Action: model.ActionMessage,
	})

	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Failed)

	stored, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, stored.Status)
	assert.True(t, stored.UpdatedAt.After(stored.CreatedAt))
}

func TestRunOnceRecordsDispatchFailure(t *testing.T) {
	s := testutil.NewStore(t)
	d := dispatch.NewDispatcher(time.Second, zap.NewNop())
	d.Register(model.ActionWebhook, &stubHandler{err: errors.New("webhook returned status 500")})
	e := newExecutor(t, s, d)

	task := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Add(-time.Minute),
		Action: model.ActionWebhook,
	})

	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stored.Status)
	assert.Equal(t, "webhook returned status 500", stored.ErrorMessage)
}

func TestRunOnceIgnoresFutureAndNonScheduledTasks(t *testing.T) {
	s := testutil.NewStore(t)
	d := dispatch.NewDispatcher(time.Second, zap.NewNop())
	stub := &stubHandler{}
	d.Register(model.ActionMessage, stub)
	e := newExecutor(t, s, d)

	future := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Add(time.Hour),
		Action: model.ActionMessage,
	})
	running := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Add(-time.Hour),
		Action: model.ActionMessage,
		Status: model.TaskStatusRunning,
	})

	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
	assert.EqualValues(t, 0, stub.executions.Load())

	for _, task := range []*model.Task{future, running} {
		stored, err := s.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Status, stored.Status)
	}
}

func TestRunOnceSpawnsSuccessor(t *testing.T) {
	cases := []struct {
		name       string
		handlerErr error
		terminal   model.TaskStatus
	}{
		{"after success", nil, model.TaskStatusCompleted},
		{"after failure", errors.New("boom"), model.TaskStatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testutil.NewStore(t)
			d := dispatch.NewDispatcher(time.Second, zap.NewNop())
			d.Register(model.ActionMessage, &stubHandler{err: tc.handlerErr})
			e := newExecutor(t, s, d)

			runAt := time.Now().UTC().Truncate(time.Second).Add(-time.Second)
			original := seed(t, s, &model.Task{
				RunAt:      runAt,
				Action:     model.ActionMessage,
				Payload:    json.RawMessage(`{"message":"ping"}`),
				Recurrence: model.RecurrenceDaily,
			})

			report, err := e.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Spawned)

			stored, err := s.Get(context.Background(), original.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.terminal, stored.Status)

			scheduled, err := s.List(context.Background(), model.TaskStatusScheduled)
			require.NoError(t, err)
			require.Len(t, scheduled, 1)

			successor := scheduled[0]
			assert.NotEqual(t, original.ID, successor.ID)
			assert.Equal(t, original.ID, successor.ParentTaskID)
			assert.True(t, successor.RunAt.Equal(runAt.Add(24*time.Hour)))
			assert.Equal(t, original.Action, successor.Action)
			assert.JSONEq(t, string(original.Payload), string(successor.Payload))
			assert.Equal(t, original.Recurrence, successor.Recurrence)
		})
	}
}

func TestRunOnceFaultIsolation(t *testing.T) {
	s := testutil.NewStore(t)
	d := dispatch.NewDispatcher(time.Second, zap.NewNop())
	d.Register(model.ActionWebhook, &stubHandler{err: errors.New("unreachable")})
	good := &stubHandler{}
	d.Register(model.ActionMessage, good)
	e := newExecutor(t, s, d)

	failing := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Add(-2 * time.Minute),
		Action: model.ActionWebhook,
	})
	healthy := seed(t, s, &model.Task{
		RunAt:  time.Now().UTC().Add(-time.Minute),
		Action: model.ActionMessage,
	})

	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)

	stored, err := s.Get(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, stored.Status)

	stored, err = s.Get(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stored.Status)
}

func TestConcurrentTicksExecuteEachTaskOnce(t *testing.T) {
	s := testutil.NewStore(t)
	d := dispatch.NewDispatcher(time.Second, zap.NewNop())
	stub := &stubHandler{}
	d.Register(model.ActionMessage, stub)

	const tasks = 5
	for i := 0; i < tasks; i++ {
		seed(t, s, &model.Task{
			RunAt:  time.Now().UTC().Add(-time.Minute),
			Action: model.ActionMessage,
		})
	}

	// Two overlapping ticks, as when a slow invocation runs into the next
	// cadence. Coordination happens only through the store's conditional
	// claim.
	first := newExecutor(t, s, d)
	second := newExecutor(t, s, d)

	var wg sync.WaitGroup
	reports := make([]executor.TickReport, 2)
	errs := make([]error, 2)
	for i, e := range []*executor.Executor{first, second} {
		i, e := i, e
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = e.RunOnce(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.EqualValues(t, tasks, stub.executions.Load())
	assert.Equal(t, tasks, reports[0].Claimed+reports[1].Claimed)
	assert.Equal(t, tasks, reports[0].Completed+reports[1].Completed)

	completed, err := s.List(context.Background(), model.TaskStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, tasks)
}
