package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/store"
)

// NewStore creates a SQLite task store backed by a temp directory
func NewStore(t *testing.T) *store.SQLiteTaskStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	s, err := store.NewSQLiteTaskStore(zap.NewNop(), dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}
