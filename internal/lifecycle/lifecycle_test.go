package lifecycle_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/lifecycle"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/store"
	"github.com/t77yq/task-scheduler/internal/testutil"
)

func seedTask(t *testing.T, s store.TaskStore, status model.TaskStatus) *model.Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	task := &model.Task{
		ID:        uuid.New().String(),
		RunAt:     now.Add(-time.Minute),
		Action:    model.ActionMessage,
		Payload:   json.RawMessage(`{}`),
		Status:    status,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.Put(context.Background(), task))
	return task
}

func TestTransitionHappyPath(t *testing.T) {
	s := testutil.NewStore(t)
	m := lifecycle.NewManager(s, zap.NewNop())
	ctx := context.Background()

	task := seedTask(t, s, model.TaskStatusScheduled)

	require.NoError(t, m.Transition(ctx, task, model.TaskStatusRunning, ""))
	assert.Equal(t, model.TaskStatusRunning, task.Status)

	require.NoError(t, m.Transition(ctx, task, model.TaskStatusCompleted, ""))
	assert.Equal(t, model.TaskStatusCompleted, task.Status)

	stored, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, stored.Status)
	assert.True(t, stored.UpdatedAt.After(stored.CreatedAt))
}

func TestTransitionToFailedRecordsError(t *testing.T) {
	s := testutil.NewStore(t)
	m := lifecycle.NewManager(s, zap.NewNop())
	ctx := context.Background()

	task := seedTask(t, s, model.TaskStatusRunning)
	require.NoError(t, m.Transition(ctx, task, model.TaskStatusFailed, "webhook returned status 500"))

	stored, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stored.Status)
	assert.Equal(t, "webhook returned status 500", stored.ErrorMessage)
}

func TestInvalidTransitions(t *testing.T) {
	s := testutil.NewStore(t)
	m := lifecycle.NewManager(s, zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		name   string
		from   model.TaskStatus
		target model.TaskStatus
	}{
		{"scheduled cannot complete directly", model.TaskStatusScheduled, model.TaskStatusCompleted},
		{"scheduled cannot fail directly", model.TaskStatusScheduled, model.TaskStatusFailed},
		{"running cannot go back to scheduled", model.TaskStatusRunning, model.TaskStatusScheduled},
		{"completed is terminal", model.TaskStatusCompleted, model.TaskStatusRunning},
		{"failed is terminal", model.TaskStatusFailed, model.TaskStatusScheduled},
		{"failed cannot complete", model.TaskStatusFailed, model.TaskStatusCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := seedTask(t, s, tc.from)
			err := m.Transition(ctx, task, tc.target, "")
			assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

			// The stored record must be untouched.
			stored, err := s.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.from, stored.Status)
		})
	}
}

func TestClaimRace(t *testing.T) {
	s := testutil.NewStore(t)
	m := lifecycle.NewManager(s, zap.NewNop())
	ctx := context.Background()

	task := seedTask(t, s, model.TaskStatusScheduled)

	// Two pollers each hold their own copy of the same due task.
	const claimers = 4
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		local := *task
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Claim(ctx, &local)
		}()
	}
	wg.Wait()
	close(results)

	var wins, lost int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, lifecycle.ErrAlreadyClaimed)
		lost++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, claimers-1, lost)
}
